package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func tagHandler(tag string, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Route", tag)
		w.WriteHeader(status)
	})
}

func routeFor(t *testing.T, host, path string) string {
	t.Helper()
	mux := newInboundMux(
		tagHandler("workspace", http.StatusOK),
		tagHandler("api", http.StatusOK),
	)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Host = host
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec.Header().Get("X-Route")
}

func TestInboundMux_WorkspaceHostsRouteToGateway(t *testing.T) {
	cases := []string{
		"alice--demo.example.com",
		"alice--demo.example.com:4000",
		"Alice--Demo-2.localhost",
		"a--b.sub.example.com",
	}
	for _, host := range cases {
		t.Run(host, func(t *testing.T) {
			if got := routeFor(t, host, "/index.html"); got != "workspace" {
				t.Fatalf("expected workspace route, got %q", got)
			}
		})
	}
}

func TestInboundMux_MalformedWorkspaceLabelStillRoutesToGateway(t *testing.T) {
	// The gateway owns the invalid-subdomain error page, so anything
	// workspace-shaped lands there even when the label is broken.
	cases := []string{
		"alice---demo.example.com",
		"--.example.com",
		"a--b--c.example.com",
	}
	for _, host := range cases {
		t.Run(host, func(t *testing.T) {
			if got := routeFor(t, host, "/"); got != "workspace" {
				t.Fatalf("expected workspace route, got %q", got)
			}
		})
	}
}

func TestInboundMux_ControlPlaneHostsFallThrough(t *testing.T) {
	cases := []string{
		"example.com",
		"example.com:4000",
		"www.example.com",
		"api.example.com",
		"localhost:4000",
		"127.0.0.1:4000",
	}
	for _, host := range cases {
		t.Run(host, func(t *testing.T) {
			if got := routeFor(t, host, "/api/v1/system/info"); got != "api" {
				t.Fatalf("expected api route, got %q", got)
			}
		})
	}
}

func TestInboundMux_PathDoesNotAffectDispatch(t *testing.T) {
	// Dispatch is host-based only: API-looking paths on a workspace
	// host belong to the workspace, not the control plane.
	if got := routeFor(t, "alice--demo.example.com", "/api/v1/system/info"); got != "workspace" {
		t.Fatalf("expected workspace route, got %q", got)
	}
	if got := routeFor(t, "example.com", "/index.html"); got != "api" {
		t.Fatalf("expected api route, got %q", got)
	}
}

func TestInboundMux_NilHandlersServe404(t *testing.T) {
	mux := newInboundMux(nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "alice--demo.example.com"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("workspace side: status = %d, want 404", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "example.com"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("api side: status = %d, want 404", rec.Code)
	}
}
