package api

import (
	"net/http"

	"github.com/eurekahq/eureka/internal/service"
	"github.com/eurekahq/eureka/internal/workspace"
)

// workspaceKeyFromPath builds and validates the workspace key from the
// {session}/{user}/{repo} path parameters.
func workspaceKeyFromPath(w http.ResponseWriter, r *http.Request) (workspace.Key, bool) {
	key, verr := service.ParseWorkspaceKey(r.PathValue("session"), r.PathValue("user"), r.PathValue("repo"))
	if verr != nil {
		writeServiceError(w, verr)
		return workspace.Key{}, false
	}
	return key, true
}

// HandleListWorkspaces returns a handler for GET /api/v1/workspaces.
func HandleListWorkspaces(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		WritePage(w, http.StatusOK, cp.ListWorkspaces(), pg)
	}
}

// HandleGetWorkspace returns a handler for
// GET /api/v1/workspaces/{session}/{user}/{repo}.
func HandleGetWorkspace(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := workspaceKeyFromPath(w, r)
		if !ok {
			return
		}
		info, err := cp.GetWorkspace(key)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, info)
	}
}

// HandleEnsureWorkspace returns a handler for
// POST /api/v1/workspaces/{session}/{user}/{repo}/ensure.
func HandleEnsureWorkspace(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := workspaceKeyFromPath(w, r)
		if !ok {
			return
		}
		id, err := cp.EnsureWorkspace(r.Context(), key)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"machine_id": id})
	}
}

// HandleSuspendWorkspace returns a handler for
// POST /api/v1/workspaces/{session}/{user}/{repo}/suspend.
func HandleSuspendWorkspace(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := workspaceKeyFromPath(w, r)
		if !ok {
			return
		}
		id, err := cp.SuspendWorkspace(r.Context(), key)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"machine_id": id})
	}
}

// HandleListWorkspaceSessions returns a handler for
// GET /api/v1/workspaces/{session}/{user}/{repo}/sessions.
func HandleListWorkspaceSessions(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := workspaceKeyFromPath(w, r)
		if !ok {
			return
		}
		sessions, err := cp.ListWorkspaceSessions(r.Context(), key)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	}
}
