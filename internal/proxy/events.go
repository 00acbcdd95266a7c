package proxy

import (
	"github.com/eurekahq/eureka/internal/workspace"
)

// RequestFinishedEvent is emitted when a proxied workspace request
// completes. Feeds the metrics counters.
type RequestFinishedEvent struct {
	Key        workspace.Key
	MachineID  string
	NetOK      bool
	HTTPStatus int
	DurationNs int64
	BytesOut   int64
	Retries    int
}

// RequestLogEntry captures per-request details for the structured
// request log.
type RequestLogEntry struct {
	ID          string // optional stable ID; the log writer generates one when empty
	StartedAtNs int64
	SessionID   string
	User        string
	Repo        string
	Hash        string // hex workspace hash
	MachineID   string
	ClientIP    string
	Host        string // inbound Host header
	HTTPMethod  string
	Path        string
	HTTPStatus  int
	DurationNs  int64
	BytesIn     int64
	BytesOut    int64
	NetOK       bool
	UserAgent   string
	Error       string // X-Eureka-Error code, empty on success
}

// EventEmitter is the proxy-layer event surface. Covers both the
// metrics and request-log paths; implementations must not block.
type EventEmitter interface {
	EmitRequestFinished(RequestFinishedEvent)
	EmitRequestLog(RequestLogEntry)
}

// StreamSink observes response-stream lifecycles, feeding the active
// stream gauge. Implemented by metrics; defined here to avoid an
// import cycle between proxy and metrics.
type StreamSink interface {
	OnStreamStarted()
	OnStreamEnded()
}

// noOpStreamSink discards stream lifecycle events.
type noOpStreamSink struct{}

func (noOpStreamSink) OnStreamStarted() {}
func (noOpStreamSink) OnStreamEnded()   {}

// NoOpEventEmitter discards all proxy events.
type NoOpEventEmitter struct{}

func (NoOpEventEmitter) EmitRequestFinished(RequestFinishedEvent) {}
func (NoOpEventEmitter) EmitRequestLog(RequestLogEntry)           {}

// ConfigAwareEventEmitter wraps another EventEmitter and gates
// request-log emission by a runtime flag provider, so toggling the log
// does not require a restart.
type ConfigAwareEventEmitter struct {
	Base              EventEmitter
	RequestLogEnabled func() bool
}

func (e ConfigAwareEventEmitter) emitBase() EventEmitter {
	if e.Base == nil {
		return NoOpEventEmitter{}
	}
	return e.Base
}

func (e ConfigAwareEventEmitter) EmitRequestFinished(ev RequestFinishedEvent) {
	e.emitBase().EmitRequestFinished(ev)
}

func (e ConfigAwareEventEmitter) EmitRequestLog(ev RequestLogEntry) {
	if e.RequestLogEnabled != nil && !e.RequestLogEnabled() {
		return
	}
	e.emitBase().EmitRequestLog(ev)
}

// FanOutEmitter delivers every event to each wrapped emitter in order.
type FanOutEmitter []EventEmitter

func (f FanOutEmitter) EmitRequestFinished(ev RequestFinishedEvent) {
	for _, e := range f {
		e.EmitRequestFinished(ev)
	}
}

func (f FanOutEmitter) EmitRequestLog(ev RequestLogEntry) {
	for _, e := range f {
		e.EmitRequestLog(ev)
	}
}
