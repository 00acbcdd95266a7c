package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/eurekahq/eureka/internal/metrics"
	"github.com/eurekahq/eureka/internal/requestlog"
	"github.com/eurekahq/eureka/internal/service"
)

// Server wraps the HTTP server and mux for the Eureka control-plane API.
// The inbound listener usually serves the mux through Handler(); the
// embedded http.Server exists for standalone runs and tests.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new API server wired with all routes.
func NewServer(
	port int,
	adminToken string,
	cp *service.ControlPlaneService,
	apiMaxBodyBytes int64,
	requestlogRepo *requestlog.Repo,
	metricsManager *metrics.Manager,
) *Server {
	return NewServerWithAddress(
		"",
		port,
		adminToken,
		cp,
		apiMaxBodyBytes,
		requestlogRepo,
		metricsManager,
	)
}

// NewServerWithAddress creates a new API server with an explicit listen address.
func NewServerWithAddress(
	listenAddress string,
	port int,
	adminToken string,
	cp *service.ControlPlaneService,
	apiMaxBodyBytes int64,
	requestlogRepo *requestlog.Repo,
	metricsManager *metrics.Manager,
) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())

	// Authenticated routes
	authed := http.NewServeMux()

	if cp != nil {
		authed.Handle("GET /api/v1/system/info", HandleSystemInfo(cp))
		authed.Handle("GET /api/v1/system/config", HandleSystemConfig(cp))
		authed.Handle("PATCH /api/v1/system/config", HandlePatchSystemConfig(cp))

		// Workspaces.
		authed.Handle("GET /api/v1/workspaces", HandleListWorkspaces(cp))
		authed.Handle("GET /api/v1/workspaces/{session}/{user}/{repo}", HandleGetWorkspace(cp))
		authed.Handle("POST /api/v1/workspaces/{session}/{user}/{repo}/ensure", HandleEnsureWorkspace(cp))
		authed.Handle("POST /api/v1/workspaces/{session}/{user}/{repo}/suspend", HandleSuspendWorkspace(cp))
		authed.Handle("GET /api/v1/workspaces/{session}/{user}/{repo}/sessions", HandleListWorkspaceSessions(cp))

		// GeoIP.
		authed.Handle("GET /api/v1/geoip/status", HandleGeoIPStatus(cp))
		authed.Handle("GET /api/v1/geoip/lookup", HandleGeoIPLookup(cp))
		authed.Handle("POST /api/v1/geoip/lookup", HandleGeoIPLookupPost(cp))
		authed.Handle("POST /api/v1/geoip/actions/update-now", HandleGeoIPUpdate(cp))
	}

	// Request log endpoints (registered when the repo is available).
	if requestlogRepo != nil {
		authed.Handle("GET /api/v1/requestlogs", HandleListRequestLogs(requestlogRepo))
		authed.Handle("GET /api/v1/requestlogs/{log_id}", HandleGetRequestLog(requestlogRepo))
	}

	// Metrics.
	if metricsManager != nil {
		authed.Handle("GET /api/v1/metrics", HandleMetricsSnapshot(metricsManager))
	}

	// An empty admin token disables the control plane rather than
	// accepting empty Bearer credentials.
	if adminToken == "" {
		mux.Handle("/api/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, http.StatusForbidden, "API_DISABLED", "control-plane API is disabled: no admin token configured")
		}))
	} else {
		limitedAuthed := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
		mux.Handle("/api/", AuthMiddleware(adminToken, limitedAuthed))
	}

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for mux embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}
