package gateway

import (
	"errors"
	"log"
	"net/http"

	"github.com/eurekahq/eureka/internal/proxy"
	"github.com/eurekahq/eureka/internal/workspace"
)

// Forwarder hands an admitted workspace request to the data plane.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, key workspace.Key)
}

// Config assembles the gateway's collaborators.
type Config struct {
	Proxy Forwarder
	Auth  Authenticator
	// BaseDomain is the apex under which workspace subdomains live;
	// it drives the session cookie's Domain attribute.
	BaseDomain string
	// LoginPath is the redirect target for unauthenticated requests,
	// served on the apex host. Defaults to /auth/github.
	LoginPath string
}

// Gateway admits requests for <user>--<repo> subdomains: it parses the
// host, pins the workspace session cookie, authenticates, and forwards.
type Gateway struct {
	proxy        Forwarder
	auth         Authenticator
	cookieDomain string
	loginPath    string
}

// New builds a Gateway from cfg. Auth defaults to CookieAuthenticator.
func New(cfg Config) *Gateway {
	auth := cfg.Auth
	if auth == nil {
		auth = CookieAuthenticator{}
	}
	loginPath := cfg.LoginPath
	if loginPath == "" {
		loginPath = "/auth/github"
	}
	return &Gateway{
		proxy:        cfg.Proxy,
		auth:         auth,
		cookieDomain: cookieDomain(cfg.BaseDomain),
		loginPath:    loginPath,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, repo, err := workspace.ParseHost(r.Host)
	if err != nil {
		if errors.Is(err, workspace.ErrUnparsedHost) {
			log.Printf("[gateway] %q: unparseable host", r.Host)
			proxy.WriteError(w, proxy.ErrUnparsedHost)
			return
		}
		// Malformed label, or a non-workspace host routed here directly.
		log.Printf("[gateway] %s: not a valid workspace subdomain", r.Host)
		proxy.WriteInvalidSubdomainPage(w, r.Host, workspace.BaseHost(r.Host))
		return
	}

	// The cookie is pinned before auth so the session survives the
	// login round-trip.
	sessionID := g.ensureSession(w, r)

	principal, err := g.auth.Authenticate(r)
	if err != nil {
		log.Printf("[gateway] %s/%s: authenticate: %v", user, repo, err)
		http.Error(w, "authentication unavailable", http.StatusInternalServerError)
		return
	}
	if principal == nil {
		http.Redirect(w, r, g.loginURL(r), http.StatusFound)
		return
	}

	key := workspace.Key{SessionID: sessionID, User: user, Repo: repo}
	g.proxy.Forward(w, r, key)
}

// loginURL targets the login flow on the apex host, preserving scheme
// and port.
func (g *Gateway) loginURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + workspace.BaseHost(r.Host) + g.loginPath
}
