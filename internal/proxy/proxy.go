package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eurekahq/eureka/internal/backoff"
	"github.com/eurekahq/eureka/internal/provider"
	"github.com/eurekahq/eureka/internal/workspace"
)

// DefaultBodyLimit caps the buffered request body. Bodies are buffered
// in full so a request can be replayed after a wake-the-machine retry.
const DefaultBodyLimit = 10 << 20

// DefaultEnsureTimeout bounds the wait for a machine id from the actor.
const DefaultEnsureTimeout = 20 * time.Second

// MachineResolver yields a running machine id for a workspace key,
// provisioning one if needed. The registry implements it.
type MachineResolver interface {
	EnsureMachine(ctx context.Context, key workspace.Key) (string, error)
}

// Config holds dependencies and knobs for the streaming proxy.
type Config struct {
	Resolver MachineResolver
	// AppName scopes upstream hostnames (<id>.vm.<app>.internal).
	AppName string
	Events  EventEmitter
	Streams StreamSink

	// Transport overrides the shared upstream transport; tests point it
	// at httptest servers.
	Transport http.RoundTripper

	EnsureTimeout time.Duration
	BodyLimit     int64
	// ChunkIdleTimeout is read per request so runtime config changes
	// apply to the next stream. Nil or non-positive takes the default.
	ChunkIdleTimeout func() time.Duration
	ConnectTimeout   time.Duration

	// Retry knobs for the NXDOMAIN/timeout wake-up path. Zero values
	// take the backoff defaults; tests shrink RetryBase.
	RetryAttempts int
	RetryBase     time.Duration

	// UpstreamHost overrides upstream host construction, for tests that
	// need machine ids resolved to a local listener.
	UpstreamHost func(machineID string) string
}

// Proxy forwards workspace requests to their machines and streams the
// responses back chunk by chunk.
type Proxy struct {
	resolver     MachineResolver
	appName      string
	events       EventEmitter
	streams      StreamSink
	transport    http.RoundTripper
	upstreamHost func(machineID string) string

	ensureTimeout    time.Duration
	bodyLimit        int64
	chunkIdleTimeout func() time.Duration
	retryAttempts    int
	retryBase        time.Duration
}

// New builds a Proxy from cfg, filling unset knobs with defaults.
func New(cfg Config) *Proxy {
	ev := cfg.Events
	if ev == nil {
		ev = NoOpEventEmitter{}
	}
	streams := cfg.Streams
	if streams == nil {
		streams = noOpStreamSink{}
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newUpstreamTransport(cfg.ConnectTimeout)
	}
	upstreamHost := cfg.UpstreamHost
	if upstreamHost == nil {
		appName := cfg.AppName
		upstreamHost = func(machineID string) string {
			return provider.InternalHost(appName, machineID) + ":" + strconv.Itoa(provider.InternalPort)
		}
	}
	p := &Proxy{
		resolver:         cfg.Resolver,
		appName:          cfg.AppName,
		events:           ev,
		streams:          streams,
		transport:        transport,
		upstreamHost:     upstreamHost,
		ensureTimeout:    cfg.EnsureTimeout,
		bodyLimit:        cfg.BodyLimit,
		chunkIdleTimeout: cfg.ChunkIdleTimeout,
		retryAttempts:    cfg.RetryAttempts,
		retryBase:        cfg.RetryBase,
	}
	if p.ensureTimeout <= 0 {
		p.ensureTimeout = DefaultEnsureTimeout
	}
	if p.bodyLimit <= 0 {
		p.bodyLimit = DefaultBodyLimit
	}
	if p.chunkIdleTimeout == nil {
		p.chunkIdleTimeout = func() time.Duration { return DefaultChunkIdleTimeout }
	}
	if p.retryAttempts <= 0 {
		p.retryAttempts = backoff.DefaultAttempts
	}
	if p.retryBase <= 0 {
		p.retryBase = backoff.DefaultBase
	}
	return p
}

// Forward proxies r to the machine owned by key's workspace. The
// request body is buffered up to the body limit so the whole request
// can be retried while the machine wakes up.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, key workspace.Key) {
	started := time.Now()
	rec := RequestLogEntry{
		StartedAtNs: started.UnixNano(),
		SessionID:   key.SessionID,
		User:        key.User,
		Repo:        key.Repo,
		Hash:        key.Hash().Hex(),
		ClientIP:    clientIP(r),
		Host:        r.Host,
		HTTPMethod:  r.Method,
		Path:        r.URL.RequestURI(),
		UserAgent:   r.UserAgent(),
	}
	finish := func(machineID string, status int, bytesOut int64, retries int, code string, netOK bool) {
		d := time.Since(started)
		rec.MachineID = machineID
		rec.HTTPStatus = status
		rec.BytesOut = bytesOut
		rec.DurationNs = d.Nanoseconds()
		rec.NetOK = netOK
		rec.Error = code
		p.events.EmitRequestLog(rec)
		p.events.EmitRequestFinished(RequestFinishedEvent{
			Key:        key,
			MachineID:  machineID,
			NetOK:      netOK,
			HTTPStatus: status,
			DurationNs: d.Nanoseconds(),
			BytesOut:   bytesOut,
			Retries:    retries,
		})
	}

	ensureCtx, cancel := context.WithTimeout(r.Context(), p.ensureTimeout)
	machineID, err := p.resolver.EnsureMachine(ensureCtx, key)
	cancel()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			finish("", 0, 0, 0, "", false)
			return
		}
		log.Printf("[proxy] %s/%s: ensure machine: %v", key.User, key.Repo, err)
		writeStartingPage(w, key.User+"--"+key.Repo)
		finish("", ErrMachineStarting.HTTPCode, 0, 0, ErrMachineStarting.EurekaError, false)
		return
	}

	body, err := readBodyForReplay(r.Body, p.bodyLimit)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			WriteError(w, ErrBodyTooLarge)
			finish(machineID, ErrBodyTooLarge.HTTPCode, 0, 0, ErrBodyTooLarge.EurekaError, true)
			return
		}
		// Client aborted its own upload.
		finish(machineID, 0, 0, 0, "", false)
		return
	}
	rec.BytesIn = int64(len(body))

	upstreamURL := "http://" + p.upstreamHost(machineID) + r.URL.RequestURI()
	hdr := upstreamHeaders(r)

	attempts := 0
	resp, err := backoff.Retry(r.Context(), func(ctx context.Context) (*http.Response, error) {
		attempts++
		req, reqErr := http.NewRequestWithContext(ctx, r.Method, upstreamURL, bytes.NewReader(body))
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header = hdr.Clone()
		resp, rtErr := p.transport.RoundTrip(req)
		if rtErr != nil {
			if cls := provider.ClassifyTransport("proxy_forward", rtErr); cls != nil {
				return nil, cls
			}
			return nil, rtErr
		}
		return resp, nil
	}, provider.IsRetryableTransport, p.retryAttempts, p.retryBase, backoff.DefaultMultiplier)
	retries := attempts - 1
	if err != nil {
		if provider.IsRetryableTransport(err) {
			// The machine's hostname never resolved (or it never
			// answered): still booting. The reload loop is the retry.
			writeStartingPage(w, key.User+"--"+key.Repo)
			finish(machineID, ErrMachineStarting.HTTPCode, 0, retries, ErrMachineStarting.EurekaError, false)
			return
		}
		pe := classifyUpstreamError(err)
		if pe == nil {
			finish(machineID, 0, 0, retries, "", false)
			return
		}
		log.Printf("[proxy] %s/%s: upstream %s: %v", key.User, key.Repo, machineID, err)
		WriteError(w, pe)
		finish(machineID, pe.HTTPCode, 0, retries, pe.EurekaError, false)
		return
	}
	defer resp.Body.Close()

	writeResponseHeaders(w, resp)
	idleTimeout := p.chunkIdleTimeout()
	if idleTimeout <= 0 {
		idleTimeout = DefaultChunkIdleTimeout
	}
	p.streams.OnStreamStarted()
	n, streamErr := streamBody(r.Context(), w, resp.Body, idleTimeout)
	p.streams.OnStreamEnded()
	switch {
	case streamErr == nil:
		finish(machineID, resp.StatusCode, n, retries, "", true)
	case errors.Is(streamErr, errClientGone):
		// Stop silently; nothing useful can be written.
		finish(machineID, resp.StatusCode, n, retries, "", true)
	case errors.Is(streamErr, errStreamIdle):
		log.Printf("[proxy] %s/%s: stream from %s idle past %s, aborting", key.User, key.Repo, machineID, idleTimeout)
		finish(machineID, resp.StatusCode, n, retries, "STREAM_IDLE", false)
	default:
		log.Printf("[proxy] %s/%s: stream from %s: %v", key.User, key.Repo, machineID, streamErr)
		finish(machineID, resp.StatusCode, n, retries, "STREAM_ERROR", false)
	}
}

var errBodyTooLarge = errors.New("request body over limit")

// readBodyForReplay buffers the request body so retries can resend it.
func readBodyForReplay(body io.ReadCloser, limit int64) ([]byte, error) {
	if body == nil || body == http.NoBody {
		return nil, nil
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// hopByHopHeaders must not travel to the next hop.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardingHeaders identify the client to the upstream. Inbound values
// are spoofable and replaced with this hop's view.
var forwardingHeaders = []string{
	"Forwarded",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Forwarded-Port",
	"X-Real-IP",
	"Via",
}

// stripHopByHopHeaders removes hop-by-hop headers from a header map,
// including any headers listed in the Connection header.
func stripHopByHopHeaders(header http.Header) {
	for _, connHeaders := range header.Values("Connection") {
		for _, h := range strings.Split(connHeaders, ",") {
			if h = strings.TrimSpace(h); h != "" {
				header.Del(h)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		header.Del(h)
	}
}

// upstreamHeaders builds the header set forwarded to the machine:
// the client's end-to-end headers, with this hop's own forwarding
// identity in place of whatever the client claimed.
func upstreamHeaders(r *http.Request) http.Header {
	h := r.Header.Clone()
	h.Del("Host")
	stripHopByHopHeaders(h)
	for _, name := range forwardingHeaders {
		h.Del(name)
	}
	h.Set("X-Forwarded-For", clientIP(r))
	h.Set("X-Forwarded-Proto", requestScheme(r))
	h.Set("X-Forwarded-Host", r.Host)
	return h
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// writeResponseHeaders replaces the default response headers with the
// upstream's, under lowercased names with multi-valued headers joined
// by commas. Set-Cookie is exempt from joining: merged cookies do not
// round-trip. Content-Length and hop-by-hop headers are dropped because
// the body is re-chunked.
func writeResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	src := resp.Header.Clone()
	stripHopByHopHeaders(src)
	src.Del("Content-Length")

	h := w.Header()
	for name := range h {
		delete(h, name)
	}
	for name, values := range src {
		lower := strings.ToLower(name)
		if lower == "set-cookie" {
			h[lower] = append([]string(nil), values...)
			continue
		}
		h[lower] = []string{strings.Join(values, ", ")}
	}
	w.WriteHeader(resp.StatusCode)
}

// clientIP extracts the remote IP without the ephemeral port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
