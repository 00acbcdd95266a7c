package gateway

import (
	"net/http"
	"time"

	"github.com/maypok86/otter"
)

// DefaultAuthCookieName is the collaborator-issued auth cookie checked
// by CookieAuthenticator.
const DefaultAuthCookieName = "eureka_auth"

// Principal is an authenticated caller. The gateway treats the
// credential as opaque; whoever issued it owns verification.
type Principal struct {
	Token string
}

// Authenticator resolves the principal behind a request. A nil
// principal with a nil error means unauthenticated; the gateway
// redirects to login.
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

// CookieAuthenticator admits any request carrying the collaborator's
// auth cookie. Contents are not inspected: the cookie is an opaque
// token minted by the login flow on the apex domain.
type CookieAuthenticator struct {
	CookieName string
}

func (a CookieAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	name := a.CookieName
	if name == "" {
		name = DefaultAuthCookieName
	}
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return nil, nil
	}
	return &Principal{Token: c.Value}, nil
}

// AllowAll admits every request. Development mode only.
type AllowAll struct{}

func (AllowAll) Authenticate(*http.Request) (*Principal, error) {
	return &Principal{}, nil
}

const authCacheEntries = 4096

// CachingAuthenticator memoizes positive lookups from a slower
// authenticator, keyed by a caller-supplied credential extractor.
// Negative results are never cached, so a fresh login is visible
// immediately.
type CachingAuthenticator struct {
	base  Authenticator
	key   func(*http.Request) string
	cache otter.Cache[string, Principal]
}

// NewCachingAuthenticator wraps base with a TTL cache. key extracts the
// cache key from a request; an empty key bypasses the cache.
func NewCachingAuthenticator(base Authenticator, key func(*http.Request) string, ttl time.Duration) *CachingAuthenticator {
	cache, err := otter.MustBuilder[string, Principal](authCacheEntries).
		WithTTL(ttl).
		Build()
	if err != nil {
		panic("gateway: failed to create auth cache: " + err.Error())
	}
	return &CachingAuthenticator{base: base, key: key, cache: cache}
}

func (a *CachingAuthenticator) Authenticate(r *http.Request) (*Principal, error) {
	k := a.key(r)
	if k == "" {
		return a.base.Authenticate(r)
	}
	if p, ok := a.cache.Get(k); ok {
		return &p, nil
	}
	p, err := a.base.Authenticate(r)
	if err != nil || p == nil {
		return p, err
	}
	a.cache.Set(k, *p)
	return p, nil
}

// Close releases the underlying cache.
func (a *CachingAuthenticator) Close() {
	a.cache.Close()
}
