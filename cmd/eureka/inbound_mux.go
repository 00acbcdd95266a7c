package main

import (
	"net/http"

	"github.com/eurekahq/eureka/internal/workspace"
)

// newInboundMux dispatches on the Host header: <user>--<repo> subdomains
// go to the workspace gateway, everything else (apex, www, bare IPs)
// falls through to the control plane. Malformed workspace labels still
// route to the gateway, which renders the error page.
func newInboundMux(workspaceHandler, apiHandler http.Handler) http.Handler {
	if workspaceHandler == nil {
		workspaceHandler = http.NotFoundHandler()
	}
	if apiHandler == nil {
		apiHandler = http.NotFoundHandler()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldRouteWorkspace(r) {
			workspaceHandler.ServeHTTP(w, r)
			return
		}
		apiHandler.ServeHTTP(w, r)
	})
}

func shouldRouteWorkspace(r *http.Request) bool {
	if r == nil {
		return false
	}
	return workspace.IsWorkspaceHost(r.Host)
}
