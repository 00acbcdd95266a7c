// Package proxy implements the workspace data plane: a streaming
// reverse proxy from <user>--<repo> subdomains to workspace machines.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"os"
)

// ProxyError is a structured proxy failure response.
type ProxyError struct {
	HTTPCode    int
	EurekaError string // X-Eureka-Error header value
	Message     string // plain-text body
}

var (
	ErrBadSubdomain = &ProxyError{
		HTTPCode:    http.StatusNotFound,
		EurekaError: "BAD_SUBDOMAIN",
		Message:     "Not a valid workspace subdomain",
	}
	ErrUnparsedHost = &ProxyError{
		HTTPCode:    http.StatusBadGateway,
		EurekaError: "UNPARSED_HOST",
		Message:     "Could not parse request host",
	}
	ErrMachineStarting = &ProxyError{
		HTTPCode:    http.StatusBadGateway,
		EurekaError: "MACHINE_STARTING",
		Message:     "Workspace machine is starting",
	}
	ErrBodyTooLarge = &ProxyError{
		HTTPCode:    http.StatusRequestEntityTooLarge,
		EurekaError: "BODY_TOO_LARGE",
		Message:     "Request body exceeds the proxy buffer limit",
	}
	ErrUpstreamTimeout = &ProxyError{
		HTTPCode:    http.StatusGatewayTimeout,
		EurekaError: "UPSTREAM_TIMEOUT",
		Message:     "Workspace machine timed out",
	}
	ErrUpstreamFailed = &ProxyError{
		HTTPCode:    http.StatusBadGateway,
		EurekaError: "UPSTREAM_FAILED",
		Message:     "Workspace machine request failed",
	}
)

// WriteError writes a plain-text proxy error response.
func WriteError(w http.ResponseWriter, pe *ProxyError) {
	w.Header().Set("X-Eureka-Error", pe.EurekaError)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(pe.HTTPCode)
	w.Write([]byte(pe.Message))
}

const startingPageHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="3">
<title>Starting workspace…</title>
<style>
body { font-family: system-ui, sans-serif; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; background: #0d1117; color: #e6edf3; }
.card { text-align: center; }
.spinner { width: 40px; height: 40px; margin: 0 auto 1.5rem; border: 3px solid #30363d; border-top-color: #58a6ff; border-radius: 50%%; animation: spin 0.8s linear infinite; }
@keyframes spin { to { transform: rotate(360deg); } }
p { color: #8b949e; }
</style>
</head>
<body>
<div class="card">
<div class="spinner"></div>
<h1>Starting %s</h1>
<p>Your workspace machine is booting. This page reloads automatically.</p>
</div>
</body>
</html>`

// writeStartingPage renders the auto-reloading 502 shown while a
// workspace machine is provisioning or booting. The reload is the
// user-visible retry loop for provisioning failures.
func writeStartingPage(w http.ResponseWriter, workspaceName string) {
	w.Header().Set("X-Eureka-Error", ErrMachineStarting.EurekaError)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(ErrMachineStarting.HTTPCode)
	fmt.Fprintf(w, startingPageHTML, html.EscapeString(workspaceName))
}

const invalidSubdomainPageHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Workspace not found</title>
<style>
body { font-family: system-ui, sans-serif; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; background: #0d1117; color: #e6edf3; }
.card { text-align: center; max-width: 32rem; }
code { background: #161b22; padding: 0.15rem 0.4rem; border-radius: 4px; }
p { color: #8b949e; }
</style>
</head>
<body>
<div class="card">
<h1>Workspace not found</h1>
<p><code>%s</code> is not a valid workspace address. Workspace URLs look like <code>&lt;user&gt;--&lt;repo&gt;.%s</code>.</p>
</div>
</body>
</html>`

// WriteInvalidSubdomainPage renders the 404 for a host that looked like
// a workspace subdomain but did not parse as one.
func WriteInvalidSubdomainPage(w http.ResponseWriter, host, baseHost string) {
	w.Header().Set("X-Eureka-Error", ErrBadSubdomain.EurekaError)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(ErrBadSubdomain.HTTPCode)
	fmt.Fprintf(w, invalidSubdomainPageHTML, html.EscapeString(host), html.EscapeString(baseHost))
}

// classifyUpstreamError maps a transport-level upstream failure to the
// response to render. Returns nil for context.Canceled: the client went
// away and nothing should be written.
func classifyUpstreamError(err error) *ProxyError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return ErrUpstreamTimeout
	}
	return ErrUpstreamFailed
}
