// Package provider wraps the compute provider's machines REST API in a
// narrow client with classified errors. The gateway only needs five
// operations; everything else the provider offers is out of scope.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Machine states as reported by the provider.
const (
	StateStarted = "started"
	StateStopped = "stopped"
)

const defaultTimeout = 30 * time.Second

// responseBodyLimit caps how much of a provider response is read into
// memory; machine lists are small, error bodies can be arbitrary.
const responseBodyLimit = 4 << 20

// Machine is the subset of the provider's machine document the gateway
// consumes. Env feeds orphan adoption; State and CreatedAt feed the
// janitor.
type Machine struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	State     string        `json:"state,omitempty"`
	Region    string        `json:"region,omitempty"`
	CreatedAt string        `json:"created_at,omitempty"`
	Config    MachineConfig `json:"config"`
}

// MachineConfig is the machine's config subsection.
type MachineConfig struct {
	Image string            `json:"image,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
}

// CreatedTime parses the provider's created_at timestamp.
func (m Machine) CreatedTime() (time.Time, bool) {
	if m.CreatedAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, m.CreatedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// EnvMatches reports whether the machine was booted for (user, repo).
func (m Machine) EnvMatches(user, repo string) bool {
	return m.Config.Env["USERNAME"] == user && m.Config.Env["REPO_NAME"] == repo
}

// Owned reports whether the machine carries the gateway's env contract
// at all, regardless of which workspace it belongs to.
func (m Machine) Owned() bool {
	return m.Config.Env["USERNAME"] != "" && m.Config.Env["REPO_NAME"] != ""
}

// Config configures a Client.
type Config struct {
	// APIURL is the provider API base, e.g. https://api.machines.dev/v1.
	APIURL string
	// APIKey is the bearer token.
	APIKey string
	// AppName scopes every machine path (/apps/<app>/machines/...).
	AppName string
	// Image is the default machine image. May be empty when Template
	// supplies config.image.
	Image string
	// Region overrides the default create region.
	Region string
	// Template is an optional document merged over the built-in create
	// defaults (loaded from YAML by the caller).
	Template map[string]any
	// Timeout caps each provider request. Defaults to 30s.
	Timeout time.Duration
	// HTTPClient overrides the transport, used by tests.
	HTTPClient *http.Client
}

// Client is a stateless provider API client. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	appName    string
	timeout    time.Duration
	httpClient *http.Client
	defaultDoc map[string]any
}

// NewClient validates cfg and builds the client, folding the optional
// template into the default create document.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, errors.New("provider: api url must be configured")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("provider: api key must be configured")
	}
	if cfg.AppName == "" {
		return nil, errors.New("provider: app name must be configured")
	}

	doc := DefaultMachineDoc(cfg.Image, cfg.Region)
	if cfg.Template != nil {
		doc = DeepMerge(doc, cfg.Template)
	}
	if docImage(doc) == "" {
		return nil, errors.New("provider: machine image must be set via config or template")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		apiKey:     cfg.APIKey,
		appName:    cfg.AppName,
		timeout:    timeout,
		httpClient: httpClient,
		defaultDoc: doc,
	}, nil
}

// AppName returns the provider app this client is scoped to.
func (c *Client) AppName() string { return c.appName }

// DefaultDoc returns a copy of the merged create document.
func (c *Client) DefaultDoc() map[string]any {
	return DeepMerge(c.defaultDoc, nil)
}

// InternalHost returns the machine's internal DNS name. Started
// machines answer HTTP on port 8080 there (provider contract).
func (c *Client) InternalHost(machineID string) string {
	return InternalHost(c.appName, machineID)
}

// InternalHost builds <id>.vm.<app>.internal.
func InternalHost(appName, machineID string) string {
	return machineID + ".vm." + appName + ".internal"
}

// InternalPort is where a started machine serves HTTP on its internal
// hostname.
const InternalPort = 8080

// CreateMachine creates a machine from the default document deep-merged
// with overrides and returns the provider's view of it.
func (c *Client) CreateMachine(ctx context.Context, overrides map[string]any) (Machine, error) {
	body := DeepMerge(c.defaultDoc, overrides)
	var m Machine
	if err := c.do(ctx, "create_machine", http.MethodPost, c.machinesPath(""), body, &m); err != nil {
		return Machine{}, err
	}
	if m.ID == "" {
		return Machine{}, &Error{Kind: KindServerError, Op: "create_machine", Detail: "response missing machine id"}
	}
	return m, nil
}

// StartMachine starts a stopped machine by id.
func (c *Client) StartMachine(ctx context.Context, machineID string) error {
	return c.do(ctx, "start_machine", http.MethodPost, c.machinesPath(machineID)+"/start", nil, nil)
}

// StopMachine stops a running machine by id. The id stays valid for a
// later start.
func (c *Client) StopMachine(ctx context.Context, machineID string) error {
	return c.do(ctx, "stop_machine", http.MethodPost, c.machinesPath(machineID)+"/stop", nil, nil)
}

// ListMachines returns every machine in the app.
func (c *Client) ListMachines(ctx context.Context) ([]Machine, error) {
	var machines []Machine
	if err := c.do(ctx, "list_machines", http.MethodGet, c.machinesPath(""), nil, &machines); err != nil {
		return nil, err
	}
	return machines, nil
}

// GetMachine fetches one machine by id; unknown ids map to NotFound.
func (c *Client) GetMachine(ctx context.Context, machineID string) (Machine, error) {
	var m Machine
	if err := c.do(ctx, "get_machine", http.MethodGet, c.machinesPath(machineID), nil, &m); err != nil {
		return Machine{}, err
	}
	return m, nil
}

func (c *Client) machinesPath(machineID string) string {
	p := c.baseURL + "/apps/" + c.appName + "/machines"
	if machineID != "" {
		p += "/" + machineID
	}
	return p
}

// do runs one provider request: marshal, bearer auth, classify.
func (c *Client) do(ctx context.Context, op, method, url string, body any, out any) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindClientError, Op: op, Detail: fmt.Sprintf("encode request: %v", err)}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return &Error{Kind: KindClientError, Op: op, Detail: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if pe := ClassifyTransport(op, err); pe != nil {
			return pe
		}
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if err != nil {
		if pe := ClassifyTransport(op, err); pe != nil {
			return pe
		}
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ClassifyStatus(op, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &Error{Kind: KindServerError, Op: op, Status: resp.StatusCode, Detail: fmt.Sprintf("decode response: %v", err)}
		}
	}
	return nil
}
