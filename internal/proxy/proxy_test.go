package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eurekahq/eureka/internal/workspace"
)

var testWorkspaceKey = workspace.Key{SessionID: "sess_1", User: "alice", Repo: "demo"}

type resolverFunc func(ctx context.Context, key workspace.Key) (string, error)

func (f resolverFunc) EnsureMachine(ctx context.Context, key workspace.Key) (string, error) {
	return f(ctx, key)
}

func fixedResolver(id string) resolverFunc {
	return func(context.Context, workspace.Key) (string, error) { return id, nil }
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type capturedEvents struct {
	mu       sync.Mutex
	finished []RequestFinishedEvent
	logs     []RequestLogEntry
}

func (c *capturedEvents) EmitRequestFinished(ev RequestFinishedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = append(c.finished, ev)
}

func (c *capturedEvents) EmitRequestLog(e RequestLogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, e)
}

func (c *capturedEvents) lastFinished(t *testing.T) RequestFinishedEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.finished) == 0 {
		t.Fatal("no request-finished event emitted")
	}
	return c.finished[len(c.finished)-1]
}

func (c *capturedEvents) lastLog(t *testing.T) RequestLogEntry {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.logs) == 0 {
		t.Fatal("no request-log entry emitted")
	}
	return c.logs[len(c.logs)-1]
}

// upstreamHostTo points machine id resolution at a local test server.
func upstreamHostTo(ts *httptest.Server) func(string) string {
	host := strings.TrimPrefix(ts.URL, "http://")
	return func(string) string { return host }
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func nxdomainErr() error {
	return &net.DNSError{Err: "no such host", Name: "m_1.vm.test.internal", IsNotFound: true}
}

func TestForward_StreamsUpstreamResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Workspace-Agent", "eureka")
		io.WriteString(w, "workspace ui")
	}))
	defer ts.Close()

	events := &capturedEvents{}
	p := New(Config{
		Resolver:     fixedResolver("m_1"),
		AppName:      "eureka-test",
		UpstreamHost: upstreamHostTo(ts),
		Events:       events,
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "http://alice--demo.eureka.dev/", nil)
	p.Forward(w, r, testWorkspaceKey)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "workspace ui" {
		t.Fatalf("body = %q, want the upstream body", got)
	}
	if got := w.Header()["x-workspace-agent"]; len(got) != 1 || got[0] != "eureka" {
		t.Fatalf("x-workspace-agent = %v", got)
	}

	ev := events.lastFinished(t)
	if !ev.NetOK || ev.HTTPStatus != 200 || ev.MachineID != "m_1" {
		t.Fatalf("finished event = %+v", ev)
	}
	if ev.BytesOut != int64(len("workspace ui")) {
		t.Fatalf("BytesOut = %d, want %d", ev.BytesOut, len("workspace ui"))
	}
	entry := events.lastLog(t)
	if entry.User != "alice" || entry.Repo != "demo" || entry.HTTPMethod != "GET" {
		t.Fatalf("log entry = %+v", entry)
	}
	if entry.Hash != testWorkspaceKey.Hash().Hex() {
		t.Fatalf("log hash = %q, want the workspace hash", entry.Hash)
	}
}

func TestForward_LowercasesAndJoinsResponseHeaders(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Add("X-Fruit", "apple")
		h.Add("X-Fruit", "banana")
		h.Add("Set-Cookie", "a=1; Path=/")
		h.Add("Set-Cookie", "b=2; Path=/")
		io.WriteString(w, "ok")
	}))
	defer ts.Close()

	p := New(Config{Resolver: fixedResolver("m_1"), UpstreamHost: upstreamHostTo(ts)})
	w := httptest.NewRecorder()
	p.Forward(w, httptest.NewRequest("GET", "http://alice--demo.eureka.dev/", nil), testWorkspaceKey)

	h := w.Header()
	if got := h["x-fruit"]; len(got) != 1 || got[0] != "apple, banana" {
		t.Fatalf("x-fruit = %v, want a single comma-joined value", got)
	}
	if _, leaked := h["X-Fruit"]; leaked {
		t.Fatal("canonical-cased header leaked downstream")
	}
	cookies := h["set-cookie"]
	if len(cookies) != 2 || cookies[0] != "a=1; Path=/" || cookies[1] != "b=2; Path=/" {
		t.Fatalf("set-cookie = %v, want two separate values", cookies)
	}
	if _, ok := h["content-length"]; ok {
		t.Fatal("content-length must be dropped when the body is re-chunked")
	}
	if _, ok := h["Content-Length"]; ok {
		t.Fatal("content-length must be dropped when the body is re-chunked")
	}
}

func TestForward_StripsHostAndConnectionUpstream(t *testing.T) {
	var mu sync.Mutex
	var gotHost string
	var gotHeader http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotHost = r.Host
		gotHeader = r.Header.Clone()
		mu.Unlock()
	}))
	defer ts.Close()

	p := New(Config{Resolver: fixedResolver("m_1"), UpstreamHost: upstreamHostTo(ts)})
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "http://alice--demo.eureka.dev/", nil)
	r.Header.Set("Connection", "keep-alive, X-Conn-Scoped")
	r.Header.Set("X-Conn-Scoped", "drop-me")
	r.Header.Set("X-Forwarded-For", "6.6.6.6") // client-claimed, spoofable
	r.Header.Set("X-Trace-Id", "t-123")
	r.RemoteAddr = "203.0.113.9:54321"
	p.Forward(w, r, testWorkspaceKey)

	mu.Lock()
	defer mu.Unlock()
	if gotHost == "alice--demo.eureka.dev" {
		t.Fatal("client host was forwarded upstream")
	}
	if got := gotHeader.Get("Connection"); got != "" {
		t.Fatalf("connection forwarded upstream: %q", got)
	}
	if got := gotHeader.Get("X-Conn-Scoped"); got != "" {
		t.Fatalf("connection-listed header forwarded upstream: %q", got)
	}
	if got := gotHeader.Get("X-Forwarded-For"); got != "203.0.113.9" {
		t.Fatalf("X-Forwarded-For = %q, want the observed client IP", got)
	}
	if got := gotHeader.Get("X-Forwarded-Host"); got != "alice--demo.eureka.dev" {
		t.Fatalf("X-Forwarded-Host = %q", got)
	}
	if got := gotHeader.Get("X-Trace-Id"); got != "t-123" {
		t.Fatalf("X-Trace-Id = %q, want t-123", got)
	}
}

func TestStripHopByHopHeaders(t *testing.T) {
	header := http.Header{}
	header.Set("Proxy-Authorization", "Basic secret")
	header.Set("Keep-Alive", "timeout=5")
	header.Set("Upgrade", "websocket")
	header.Set("Connection", "X-Custom, X-Other")
	header.Set("X-Custom", "val1")
	header.Set("X-Other", "val2")
	header.Set("X-Keep", "keep-me")

	stripHopByHopHeaders(header)

	removed := []string{
		"Proxy-Authorization", "Keep-Alive", "Upgrade",
		"Connection", "X-Custom", "X-Other",
	}
	for _, h := range removed {
		if got := header.Get(h); got != "" {
			t.Fatalf("header %q should be removed, got %q", h, got)
		}
	}
	if got := header.Get("X-Keep"); got != "keep-me" {
		t.Fatalf("expected X-Keep to remain, got %q", got)
	}
}

func TestForward_RetriesNXDOMAINAndReplaysBody(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	rt := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		n := len(bodies)
		mu.Unlock()
		if n < 3 {
			return nil, nxdomainErr()
		}
		return textResponse(200, "accepted"), nil
	})

	events := &capturedEvents{}
	p := New(Config{
		Resolver:  fixedResolver("m_1"),
		AppName:   "eureka-test",
		Transport: rt,
		Events:    events,
		RetryBase: time.Millisecond,
	})
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "http://alice--demo.eureka.dev/save", strings.NewReader("payload-bytes"))
	p.Forward(w, r, testWorkspaceKey)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retries", w.Code)
	}
	if got := w.Body.String(); got != "accepted" {
		t.Fatalf("body = %q", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 3 {
		t.Fatalf("upstream saw %d attempts, want 3", len(bodies))
	}
	for i, b := range bodies {
		if b != "payload-bytes" {
			t.Fatalf("attempt %d saw body %q, want the full replayed body", i+1, b)
		}
	}
	if ev := events.lastFinished(t); ev.Retries != 2 {
		t.Fatalf("Retries = %d, want 2", ev.Retries)
	}
}

func TestForward_ExhaustedRetriesRenderStartingPage(t *testing.T) {
	attempts := 0
	rt := roundTripperFunc(func(*http.Request) (*http.Response, error) {
		attempts++
		return nil, nxdomainErr()
	})
	p := New(Config{
		Resolver:      fixedResolver("m_1"),
		AppName:       "eureka-test",
		Transport:     rt,
		RetryAttempts: 2,
		RetryBase:     time.Millisecond,
	})
	w := httptest.NewRecorder()
	p.Forward(w, httptest.NewRequest("GET", "http://alice--demo.eureka.dev/", nil), testWorkspaceKey)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if got := w.Header().Get("X-Eureka-Error"); got != "MACHINE_STARTING" {
		t.Fatalf("X-Eureka-Error = %q, want MACHINE_STARTING", got)
	}
	body := w.Body.String()
	if !strings.Contains(body, "alice--demo") {
		t.Fatalf("starting page does not name the workspace: %q", body)
	}
	if !strings.Contains(body, `http-equiv="refresh"`) {
		t.Fatal("starting page does not auto-reload")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestForward_ProvisionFailureRendersStartingPage(t *testing.T) {
	calls := 0
	rt := roundTripperFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return nil, errors.New("should not be dialed")
	})
	events := &capturedEvents{}
	p := New(Config{
		Resolver: resolverFunc(func(context.Context, workspace.Key) (string, error) {
			return "", errors.New("create machine: no capacity")
		}),
		Transport: rt,
		Events:    events,
	})
	w := httptest.NewRecorder()
	p.Forward(w, httptest.NewRequest("GET", "http://alice--demo.eureka.dev/", nil), testWorkspaceKey)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if got := w.Header().Get("X-Eureka-Error"); got != "MACHINE_STARTING" {
		t.Fatalf("X-Eureka-Error = %q, want MACHINE_STARTING", got)
	}
	if calls != 0 {
		t.Fatal("upstream dialed despite provisioning failure")
	}
	if ev := events.lastFinished(t); ev.NetOK || ev.MachineID != "" {
		t.Fatalf("finished event = %+v", ev)
	}
}

func TestForward_ClientGoneDuringProvisionWritesNothing(t *testing.T) {
	p := New(Config{
		Resolver: resolverFunc(func(context.Context, workspace.Key) (string, error) {
			return "", context.Canceled
		}),
	})
	w := httptest.NewRecorder()
	p.Forward(w, httptest.NewRequest("GET", "http://alice--demo.eureka.dev/", nil), testWorkspaceKey)

	if w.Body.Len() != 0 {
		t.Fatalf("wrote %d bytes to a gone client", w.Body.Len())
	}
	if len(w.Header()) != 0 {
		t.Fatalf("set headers for a gone client: %v", w.Header())
	}
}

func TestForward_OversizedBodyRejected(t *testing.T) {
	calls := 0
	rt := roundTripperFunc(func(*http.Request) (*http.Response, error) {
		calls++
		return textResponse(200, "ok"), nil
	})
	p := New(Config{
		Resolver:  fixedResolver("m_1"),
		Transport: rt,
		BodyLimit: 16,
	})
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "http://alice--demo.eureka.dev/upload", strings.NewReader(strings.Repeat("x", 64)))
	p.Forward(w, r, testWorkspaceKey)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
	if got := w.Header().Get("X-Eureka-Error"); got != "BODY_TOO_LARGE" {
		t.Fatalf("X-Eureka-Error = %q, want BODY_TOO_LARGE", got)
	}
	if calls != 0 {
		t.Fatal("oversized body reached the upstream")
	}
}

func TestForward_ConnectionRefusedFailsWithoutRetry(t *testing.T) {
	attempts := 0
	rt := roundTripperFunc(func(*http.Request) (*http.Response, error) {
		attempts++
		return nil, errors.New("connect: connection refused")
	})
	p := New(Config{Resolver: fixedResolver("m_1"), Transport: rt})
	w := httptest.NewRecorder()
	p.Forward(w, httptest.NewRequest("GET", "http://alice--demo.eureka.dev/", nil), testWorkspaceKey)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if got := w.Header().Get("X-Eureka-Error"); got != "UPSTREAM_FAILED" {
		t.Fatalf("X-Eureka-Error = %q, want UPSTREAM_FAILED", got)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 for a non-DNS failure", attempts)
	}
}

func TestForward_QueryStringReachesUpstream(t *testing.T) {
	var mu sync.Mutex
	var gotURI string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotURI = r.URL.RequestURI()
		mu.Unlock()
	}))
	defer ts.Close()

	p := New(Config{Resolver: fixedResolver("m_1"), UpstreamHost: upstreamHostTo(ts)})
	w := httptest.NewRecorder()
	p.Forward(w, httptest.NewRequest("GET", "http://alice--demo.eureka.dev/x?y=1", nil), testWorkspaceKey)

	mu.Lock()
	defer mu.Unlock()
	if gotURI != "/x?y=1" {
		t.Fatalf("upstream URI = %q, want /x?y=1", gotURI)
	}
}

func TestForward_ClientDisconnectStopsStreaming(t *testing.T) {
	upstreamGone := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamGone)
		f := w.(http.Flusher)
		for {
			if _, err := io.WriteString(w, "chunk\n"); err != nil {
				return
			}
			f.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer ts.Close()

	events := &capturedEvents{}
	p := New(Config{Resolver: fixedResolver("m_1"), UpstreamHost: upstreamHostTo(ts), Events: events})

	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest("GET", "http://alice--demo.eureka.dev/logs", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	forwarded := make(chan struct{})
	go func() {
		p.Forward(w, r, testWorkspaceKey)
		close(forwarded)
	}()

	select {
	case <-forwarded:
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return after the client disconnected")
	}
	select {
	case <-upstreamGone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream kept streaming after the client disconnected")
	}
	if ev := events.lastFinished(t); !ev.NetOK {
		t.Fatalf("client disconnect should not count against the upstream: %+v", ev)
	}
}

func TestClassifyUpstreamError(t *testing.T) {
	if pe := classifyUpstreamError(nil); pe != nil {
		t.Fatalf("nil error classified as %+v", pe)
	}
	if pe := classifyUpstreamError(context.Canceled); pe != nil {
		t.Fatalf("canceled classified as %+v, want silent", pe)
	}
	if pe := classifyUpstreamError(context.DeadlineExceeded); pe != ErrUpstreamTimeout {
		t.Fatalf("deadline classified as %+v, want ErrUpstreamTimeout", pe)
	}
	if pe := classifyUpstreamError(errors.New("boom")); pe != ErrUpstreamFailed {
		t.Fatalf("generic error classified as %+v, want ErrUpstreamFailed", pe)
	}
}
