package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/eurekahq/eureka/internal/provider"
)

// MachineOp is one operation against the workspace machine's control
// API. Run receives the machine's internal base URL
// (http://<id>.vm.<app>.internal:8080) and a per-attempt deadline; the
// actor retries the op after waking the machine when Run fails with a
// connect-level error.
type MachineOp interface {
	Name() string
	Run(ctx context.Context, baseURL string) (any, error)
}

func machineBaseURL(p ProviderAPI, machineID string) string {
	return "http://" + p.InternalHost(machineID) + ":" + strconv.Itoa(provider.InternalPort)
}

// opResponseLimit bounds control API response bodies.
const opResponseLimit = 1 << 20

// SessionInfo is one dev session as reported by the machine agent.
type SessionInfo struct {
	Name     string `json:"name"`
	Windows  int    `json:"windows"`
	Created  int64  `json:"created"`
	Attached bool   `json:"attached"`
}

// ListSessionsOp fetches the machine's dev session list.
type ListSessionsOp struct {
	// Client defaults to http.DefaultClient. The actor supplies the
	// per-attempt deadline through ctx.
	Client *http.Client
}

func (ListSessionsOp) Name() string { return "list_sessions" }

func (op ListSessionsOp) Run(ctx context.Context, baseURL string) (any, error) {
	client := op.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if cls := provider.ClassifyTransport("list_sessions", err); cls != nil {
			return nil, cls
		}
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, opResponseLimit))
	if err != nil {
		if cls := provider.ClassifyTransport("list_sessions", err); cls != nil {
			return nil, cls
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, provider.ClassifyStatus("list_sessions", resp.StatusCode, string(body))
	}
	var sessions []SessionInfo
	if err := json.Unmarshal(body, &sessions); err != nil {
		return nil, fmt.Errorf("list sessions: decode: %w", err)
	}
	return sessions, nil
}
