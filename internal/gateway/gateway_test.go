package gateway

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/eurekahq/eureka/internal/workspace"
)

// recordingForwarder captures the keys handed to the data plane.
type recordingForwarder struct {
	mu   sync.Mutex
	keys []workspace.Key
}

func (f *recordingForwarder) Forward(w http.ResponseWriter, r *http.Request, key workspace.Key) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("forwarded"))
}

func (f *recordingForwarder) lastKey(t *testing.T) workspace.Key {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.keys) == 0 {
		t.Fatal("nothing was forwarded")
	}
	return f.keys[len(f.keys)-1]
}

func (f *recordingForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

func authedRequest(target string) *http.Request {
	r := httptest.NewRequest("GET", target, nil)
	r.AddCookie(&http.Cookie{Name: DefaultAuthCookieName, Value: "opaque-jwt"})
	return r
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookieName {
			return c
		}
	}
	t.Fatal("no workspace_session_id cookie was set")
	return nil
}

func TestServeHTTP_MintsSessionCookieAndForwards(t *testing.T) {
	fwd := &recordingForwarder{}
	g := New(Config{Proxy: fwd, BaseDomain: "eureka.local"})

	w := httptest.NewRecorder()
	g.ServeHTTP(w, authedRequest("http://alice--demo.eureka.local:4000/"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	c := sessionCookie(t, w)
	if c.Value == "" {
		t.Fatal("session cookie has no value")
	}
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil || len(raw) != 16 {
		t.Fatalf("session id %q is not 16 base64url bytes: %v", c.Value, err)
	}
	if !c.HttpOnly {
		t.Fatal("session cookie must be HttpOnly")
	}
	if c.SameSite != http.SameSiteLaxMode {
		t.Fatalf("SameSite = %v, want Lax", c.SameSite)
	}
	if c.MaxAge != sessionMaxAge {
		t.Fatalf("MaxAge = %d, want %d", c.MaxAge, sessionMaxAge)
	}
	if c.Domain != ".eureka.local" {
		t.Fatalf("Domain = %q, want .eureka.local", c.Domain)
	}
	if c.Secure {
		t.Fatal("Secure must be off for a plain-HTTP request")
	}

	key := fwd.lastKey(t)
	if key.User != "alice" || key.Repo != "demo" {
		t.Fatalf("forwarded key = %+v", key)
	}
	if key.SessionID != c.Value {
		t.Fatalf("key session %q != cookie value %q: the fresh id must key the same request", key.SessionID, c.Value)
	}
}

func TestServeHTTP_ReusesExistingSession(t *testing.T) {
	fwd := &recordingForwarder{}
	g := New(Config{Proxy: fwd, BaseDomain: "eureka.local"})

	r := authedRequest("http://alice--demo.eureka.local/")
	r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "existing-session"})
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)

	if key := fwd.lastKey(t); key.SessionID != "existing-session" {
		t.Fatalf("key session = %q, want the existing cookie value", key.SessionID)
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookieName {
			t.Fatalf("re-set session cookie to %q on a request that already had one", c.Value)
		}
	}
}

func TestServeHTTP_RedirectsUnauthenticated(t *testing.T) {
	fwd := &recordingForwarder{}
	g := New(Config{Proxy: fwd, BaseDomain: "eureka.local"})

	w := httptest.NewRecorder()
	g.ServeHTTP(w, httptest.NewRequest("GET", "http://alice--demo.eureka.local:4000/some/page", nil))

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	want := "http://eureka.local:4000/auth/github"
	if got := w.Header().Get("Location"); got != want {
		t.Fatalf("Location = %q, want %q", got, want)
	}
	if fwd.count() != 0 {
		t.Fatal("unauthenticated request reached the proxy")
	}
	// The session survives the login round-trip.
	if c := sessionCookie(t, w); c.Value == "" {
		t.Fatal("session cookie missing on the redirect response")
	}
}

func TestServeHTTP_MalformedSubdomainRenders404(t *testing.T) {
	fwd := &recordingForwarder{}
	g := New(Config{Proxy: fwd, BaseDomain: "eureka.local"})

	w := httptest.NewRecorder()
	g.ServeHTTP(w, authedRequest("http://a--b--c.eureka.local/"))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if got := w.Header().Get("X-Eureka-Error"); got != "BAD_SUBDOMAIN" {
		t.Fatalf("X-Eureka-Error = %q, want BAD_SUBDOMAIN", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("Content-Type = %q, want HTML error page", ct)
	}
	if fwd.count() != 0 {
		t.Fatal("malformed subdomain reached the proxy")
	}
}

func TestServeHTTP_AuthErrorIs500(t *testing.T) {
	fwd := &recordingForwarder{}
	g := New(Config{
		Proxy:      fwd,
		BaseDomain: "eureka.local",
		Auth: authenticatorFunc(func(*http.Request) (*Principal, error) {
			return nil, errTest
		}),
	})

	w := httptest.NewRecorder()
	g.ServeHTTP(w, httptest.NewRequest("GET", "http://alice--demo.eureka.local/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if fwd.count() != 0 {
		t.Fatal("request with failing auth reached the proxy")
	}
}

func TestCookieDomain(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"eureka.dev", ".eureka.dev"},
		{"eureka.dev:4000", ".eureka.dev"},
		{"workspaces.example.co.uk", ".workspaces.example.co.uk"},
		{"localhost", ""},
		{"localhost:4000", ""},
		{"app.localhost", ""},
		{"127.0.0.1", ""},
		{"127.0.0.1:4000", ""},
		{"", ""},
		// Bare public suffixes: a domain cookie would span every
		// customer of the suffix, so browsers reject it.
		{"github.io", ""},
		{"co.uk", ""},
	}
	for _, tc := range cases {
		if got := cookieDomain(tc.base); got != tc.want {
			t.Fatalf("cookieDomain(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

func TestNewSessionID_OpaqueAndUnique(t *testing.T) {
	a := newSessionID()
	b := newSessionID()
	if a == b {
		t.Fatal("two session ids collided")
	}
	if len(a) != 22 {
		t.Fatalf("session id %q has length %d, want 22 (16 bytes, unpadded)", a, len(a))
	}
	if _, err := base64.RawURLEncoding.DecodeString(a); err != nil {
		t.Fatalf("session id %q is not unpadded base64url: %v", a, err)
	}
}
