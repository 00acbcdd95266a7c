// Package metrics aggregates lifecycle and proxy events into atomic
// counters exposed as a point-in-time snapshot on the control-plane API.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/eurekahq/eureka/internal/proxy"
	"github.com/eurekahq/eureka/internal/workspace"
)

// Manager counts gateway activity. It implements the event sinks of the
// lifecycle and proxy packages; every method is lock-free and safe for
// concurrent use on the request hot path.
type Manager struct {
	startedAt time.Time

	// RequestLogDropped reports how many entries the request log shed on
	// queue overflow. Wired after construction; nil reads as zero.
	RequestLogDropped func() uint64

	machinesCreated   atomic.Int64
	machinesAdopted   atomic.Int64
	machinesStarted   atomic.Int64
	machinesStopped   atomic.Int64
	machinesRecovered atomic.Int64
	ensureFailures    atomic.Int64

	requests        atomic.Int64
	requestFailures atomic.Int64
	upstreamRetries atomic.Int64
	startingPages   atomic.Int64
	activeStreams   atomic.Int64
	bytesIn         atomic.Int64
	bytesOut        atomic.Int64

	workspaces *xsync.Map[string, *workspaceCounters]
}

// workspaceCounters is the per-workspace slice of the request counters,
// keyed by "user/repo" so all sessions of a workspace aggregate together.
type workspaceCounters struct {
	requests atomic.Int64
	failures atomic.Int64
	bytesOut atomic.Int64
}

func NewManager() *Manager {
	return &Manager{
		startedAt:  time.Now(),
		workspaces: xsync.NewMap[string, *workspaceCounters](),
	}
}

// EmitMachineCreated implements lifecycle.EventEmitter.
func (m *Manager) EmitMachineCreated(workspace.Key, string) { m.machinesCreated.Add(1) }

// EmitMachineAdopted implements lifecycle.EventEmitter.
func (m *Manager) EmitMachineAdopted(workspace.Key, string) { m.machinesAdopted.Add(1) }

// EmitMachineStarted implements lifecycle.EventEmitter.
func (m *Manager) EmitMachineStarted(workspace.Key, string) { m.machinesStarted.Add(1) }

// EmitMachineStopped implements lifecycle.EventEmitter.
func (m *Manager) EmitMachineStopped(workspace.Key, string) { m.machinesStopped.Add(1) }

// EmitMachineRecovered implements lifecycle.EventEmitter.
func (m *Manager) EmitMachineRecovered(workspace.Key, string) { m.machinesRecovered.Add(1) }

// EmitEnsureFailed implements lifecycle.EventEmitter.
func (m *Manager) EmitEnsureFailed(workspace.Key, error) { m.ensureFailures.Add(1) }

// EmitRequestFinished implements proxy.EventEmitter.
func (m *Manager) EmitRequestFinished(ev proxy.RequestFinishedEvent) {
	m.requests.Add(1)
	if !ev.NetOK {
		m.requestFailures.Add(1)
	}
	m.upstreamRetries.Add(int64(ev.Retries))
	m.bytesOut.Add(ev.BytesOut)

	wc := m.countersFor(ev.Key.User + "/" + ev.Key.Repo)
	wc.requests.Add(1)
	if !ev.NetOK {
		wc.failures.Add(1)
	}
	wc.bytesOut.Add(ev.BytesOut)
}

// EmitRequestLog implements proxy.EventEmitter. The manager taps the
// ungated log stream for bytes-in and starting-page counts; it never
// persists entries.
func (m *Manager) EmitRequestLog(entry proxy.RequestLogEntry) {
	m.bytesIn.Add(entry.BytesIn)
	if entry.Error == proxy.ErrMachineStarting.EurekaError {
		m.startingPages.Add(1)
	}
}

// OnStreamStarted implements proxy.StreamSink.
func (m *Manager) OnStreamStarted() { m.activeStreams.Add(1) }

// OnStreamEnded implements proxy.StreamSink.
func (m *Manager) OnStreamEnded() { m.activeStreams.Add(-1) }

func (m *Manager) countersFor(key string) *workspaceCounters {
	if wc, ok := m.workspaces.Load(key); ok {
		return wc
	}
	wc, _ := m.workspaces.LoadOrStore(key, &workspaceCounters{})
	return wc
}

// WorkspaceSnapshot is the per-workspace view inside a Snapshot.
type WorkspaceSnapshot struct {
	Requests int64 `json:"requests"`
	Failures int64 `json:"failures"`
	BytesOut int64 `json:"bytes_out"`
}

// Snapshot is a point-in-time copy of all counters, shaped for the
// metrics API response.
type Snapshot struct {
	UptimeSeconds     int64 `json:"uptime_seconds"`
	MachinesCreated   int64 `json:"machines_created"`
	MachinesAdopted   int64 `json:"machines_adopted"`
	MachinesStarted   int64 `json:"machines_started"`
	MachinesStopped   int64 `json:"machines_stopped"`
	MachinesRecovered int64 `json:"machines_recovered"`
	EnsureFailures    int64 `json:"ensure_failures"`

	Requests          int64 `json:"requests"`
	RequestFailures   int64 `json:"request_failures"`
	UpstreamRetries   int64 `json:"upstream_retries"`
	StartingPageViews int64 `json:"starting_page_views"`
	ActiveStreams     int64 `json:"active_streams"`
	BytesIn           int64 `json:"bytes_in"`
	BytesOut          int64 `json:"bytes_out"`
	RequestLogDropped int64 `json:"request_log_dropped"`

	Workspaces map[string]WorkspaceSnapshot `json:"workspaces"`
}

// Snapshot copies every counter. Counters advance concurrently, so the
// copy is consistent per field, not across fields.
func (m *Manager) Snapshot() Snapshot {
	s := Snapshot{
		UptimeSeconds:     int64(time.Since(m.startedAt).Seconds()),
		MachinesCreated:   m.machinesCreated.Load(),
		MachinesAdopted:   m.machinesAdopted.Load(),
		MachinesStarted:   m.machinesStarted.Load(),
		MachinesStopped:   m.machinesStopped.Load(),
		MachinesRecovered: m.machinesRecovered.Load(),
		EnsureFailures:    m.ensureFailures.Load(),
		Requests:          m.requests.Load(),
		RequestFailures:   m.requestFailures.Load(),
		UpstreamRetries:   m.upstreamRetries.Load(),
		StartingPageViews: m.startingPages.Load(),
		ActiveStreams:     m.activeStreams.Load(),
		BytesIn:           m.bytesIn.Load(),
		BytesOut:          m.bytesOut.Load(),
		Workspaces:        make(map[string]WorkspaceSnapshot),
	}
	if m.RequestLogDropped != nil {
		s.RequestLogDropped = int64(m.RequestLogDropped())
	}
	m.workspaces.Range(func(key string, wc *workspaceCounters) bool {
		s.Workspaces[key] = WorkspaceSnapshot{
			Requests: wc.requests.Load(),
			Failures: wc.failures.Load(),
			BytesOut: wc.bytesOut.Load(),
		}
		return true
	})
	return s
}
