// Package gateway is the admission layer for workspace subdomains:
// session identity, authentication, and handoff to the streaming proxy.
package gateway

import (
	"encoding/base64"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
)

// SessionCookieName carries the opaque workspace session id. It is
// independent of the auth cookie: it identifies the browser session a
// workspace belongs to, not the user.
const SessionCookieName = "workspace_session_id"

// sessionMaxAge is one day. A workspace outlives its cookie only
// through the machine record on disk.
const sessionMaxAge = 24 * 60 * 60

// newSessionID returns 16 opaque random bytes, base64url-encoded
// without padding (22 characters).
func newSessionID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// cookieDomain derives the session cookie's Domain attribute from the
// configured base domain: ".<base>" so the cookie spans all workspace
// subdomains. Returns "" (host-only) for localhost, IPs, and bare
// public suffixes, where browsers reject or ignore a domain cookie.
func cookieDomain(baseDomain string) string {
	host := baseDomain
	if h, _, err := net.SplitHostPort(baseDomain); err == nil {
		host = h
	}
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return ""
	}
	if net.ParseIP(host) != nil {
		return ""
	}
	if suffix, _ := publicsuffix.PublicSuffix(host); suffix == host {
		return ""
	}
	return "." + host
}

// ensureSession returns the workspace session id for this request,
// minting one and setting the cookie when absent. The fresh id keys
// the same request: the first hit to a workspace already lands on the
// right actor.
func (g *Gateway) ensureSession(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	id := newSessionID()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		Domain:   g.cookieDomain,
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}
