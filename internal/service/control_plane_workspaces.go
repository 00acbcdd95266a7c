package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/eurekahq/eureka/internal/lifecycle"
	"github.com/eurekahq/eureka/internal/provider"
	"github.com/eurekahq/eureka/internal/workspace"
)

// WorkspaceInfo is the API view of one workspace actor. MachineID is
// nil until provisioning resolves, which the landing UI polls for.
type WorkspaceInfo struct {
	SessionID    string    `json:"session_id"`
	User         string    `json:"user"`
	Repo         string    `json:"repo"`
	Hash         string    `json:"hash"`
	MachineID    *string   `json:"machine_id"`
	Suspended    bool      `json:"suspended"`
	Pending      bool      `json:"pending"`
	TimerArmed   bool      `json:"timer_armed"`
	LastActivity time.Time `json:"last_activity"`
}

func toWorkspaceInfo(info lifecycle.Info) WorkspaceInfo {
	out := WorkspaceInfo{
		SessionID:    info.Key.SessionID,
		User:         info.Key.User,
		Repo:         info.Key.Repo,
		Hash:         info.Hash.Hex(),
		Suspended:    info.Suspended,
		Pending:      info.Pending,
		TimerArmed:   info.TimerArmed,
		LastActivity: info.LastActivity,
	}
	if info.MachineID != "" {
		id := info.MachineID
		out.MachineID = &id
	}
	return out
}

// ParseWorkspaceKey validates the path components of a workspace route.
func ParseWorkspaceKey(sessionID, user, repo string) (workspace.Key, *ServiceError) {
	key := workspace.Key{SessionID: sessionID, User: user, Repo: repo}
	if err := key.Validate(); err != nil {
		return workspace.Key{}, invalidArg(err.Error())
	}
	return key, nil
}

// ListWorkspaces returns every registered actor, ordered by key.
func (s *ControlPlaneService) ListWorkspaces() []WorkspaceInfo {
	infos := s.Registry.Snapshot()
	out := make([]WorkspaceInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, toWorkspaceInfo(info))
	}
	slices.SortFunc(out, func(a, b WorkspaceInfo) int {
		return strings.Compare(
			a.SessionID+"/"+a.User+"/"+a.Repo,
			b.SessionID+"/"+b.User+"/"+b.Repo,
		)
	})
	return out
}

// GetWorkspace returns the actor snapshot for key. Looking up never
// creates an actor; polling a workspace that has no activity yet is a
// NOT_FOUND, not a provisioning trigger.
func (s *ControlPlaneService) GetWorkspace(key workspace.Key) (WorkspaceInfo, error) {
	a, ok := s.Registry.Lookup(key)
	if !ok {
		return WorkspaceInfo{}, notFound("workspace is not active")
	}
	return toWorkspaceInfo(a.Info()), nil
}

// EnsureWorkspace provisions or reactivates the workspace machine and
// returns its id.
func (s *ControlPlaneService) EnsureWorkspace(ctx context.Context, key workspace.Key) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout())
	defer cancel()

	id, err := s.Registry.EnsureMachine(ctx, key)
	if err != nil {
		return "", classifyMachineErr("ensure machine", err)
	}
	return id, nil
}

// SuspendWorkspace stops the workspace machine and returns the id that
// was stopped. The record keeps the id, so a later request restarts the
// same machine.
func (s *ControlPlaneService) SuspendWorkspace(ctx context.Context, key workspace.Key) (string, error) {
	a, ok := s.Registry.Lookup(key)
	if !ok {
		return "", notFound("workspace is not active")
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout())
	defer cancel()

	id, err := a.Suspend(ctx)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNoMachine) {
			return "", conflict("workspace has no machine to suspend")
		}
		return "", classifyMachineErr("suspend machine", err)
	}
	return id, nil
}

// ListWorkspaceSessions asks the workspace machine's agent for its dev
// sessions. The machine is provisioned or woken first when needed.
func (s *ControlPlaneService) ListWorkspaceSessions(ctx context.Context, key workspace.Key) ([]lifecycle.SessionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout())
	defer cancel()

	v, err := s.Registry.Get(key).MachineRequest(ctx, lifecycle.ListSessionsOp{Client: s.SessionClient})
	if err != nil {
		if errors.Is(err, lifecycle.ErrNoMachine) {
			return nil, unavailable("workspace machine unavailable", err)
		}
		return nil, classifyMachineErr("list sessions", err)
	}
	sessions, ok := v.([]lifecycle.SessionInfo)
	if !ok {
		return nil, internal("list sessions", errors.New("unexpected result type"))
	}
	if sessions == nil {
		sessions = []lifecycle.SessionInfo{}
	}
	return sessions, nil
}

// classifyMachineErr maps lifecycle and provider failures to service
// errors. Provider-side trouble is UNAVAILABLE; anything else is on us.
func classifyMachineErr(op string, err error) *ServiceError {
	if errors.Is(err, context.DeadlineExceeded) {
		return unavailable(op+": timed out", err)
	}
	if kind, ok := provider.KindOf(err); ok {
		switch kind {
		case provider.KindTransientNetwork, provider.KindTimeout, provider.KindServerError:
			return unavailable(op+": compute provider error", err)
		}
	}
	return internal(op, err)
}
