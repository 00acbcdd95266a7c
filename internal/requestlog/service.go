package requestlog

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eurekahq/eureka/internal/proxy"
)

// Service provides an async request log writer.
// EmitRequestLog performs a non-blocking channel send (drops on overflow).
// A background goroutine flushes batches to the Repo, enriching rows
// with generated IDs and geoip countries off the request path.
type Service struct {
	repo       *Repo
	countryFor func(ip string) string
	queue      chan proxy.RequestLogEntry
	batchSize  int
	interval   time.Duration

	dropped atomic.Uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ServiceConfig configures the request log service.
type ServiceConfig struct {
	Repo *Repo
	// CountryFor resolves a client IP to an ISO country code at flush
	// time. Nil leaves the column empty.
	CountryFor    func(ip string) string
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
}

// NewService creates a new request log service.
func NewService(cfg ServiceConfig) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 64
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Service{
		repo:       cfg.Repo,
		countryFor: cfg.CountryFor,
		queue:      make(chan proxy.RequestLogEntry, queueSize),
		batchSize:  batchSize,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop signals the flush loop to stop, drains remaining entries, and returns.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// EmitRequestLog enqueues a log entry. Non-blocking; drops on overflow.
func (s *Service) EmitRequestLog(entry proxy.RequestLogEntry) {
	select {
	case s.queue <- entry:
	default:
		// Queue full; drop instead of blocking the request path.
		s.dropped.Add(1)
	}
}

// EmitRequestFinished is a no-op: the service only consumes the log
// stream but slots into the proxy's emitter fan-out.
func (s *Service) EmitRequestFinished(proxy.RequestFinishedEvent) {}

// Dropped returns how many entries were discarded on queue overflow.
func (s *Service) Dropped() uint64 {
	return s.dropped.Load()
}

// Repo returns the underlying repository for query access.
func (s *Service) Repo() *Repo {
	return s.repo
}

// flushLoop runs until stopCh is closed, flushing on batch-size or timer.
func (s *Service) flushLoop() {
	defer s.wg.Done()

	batch := make([]proxy.RequestLogEntry, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-s.queue:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-s.stopCh:
			// Drain remaining.
			s.drainAndFlush(batch)
			return
		}
	}
}

func (s *Service) drainAndFlush(batch []proxy.RequestLogEntry) {
	for {
		select {
		case entry := <-s.queue:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *Service) flush(entries []proxy.RequestLogEntry) {
	rows := make([]LogRow, len(entries))
	for i := range entries {
		rows[i] = s.toRow(entries[i])
	}
	if _, err := s.repo.InsertBatch(rows); err != nil {
		log.Printf("[requestlog] flush %d entries failed: %v", len(entries), err)
	}
}

// toRow converts a proxy entry into an insertable row.
func (s *Service) toRow(e proxy.RequestLogEntry) LogRow {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	country := ""
	if s.countryFor != nil && e.ClientIP != "" {
		country = s.countryFor(e.ClientIP)
	}
	return LogRow{
		ID:            id,
		TsNs:          e.StartedAtNs,
		ClientIP:      e.ClientIP,
		Country:       country,
		SessionID:     e.SessionID,
		User:          e.User,
		Repo:          e.Repo,
		WorkspaceHash: e.Hash,
		MachineID:     e.MachineID,
		Host:          e.Host,
		HTTPMethod:    e.HTTPMethod,
		Path:          e.Path,
		HTTPStatus:    e.HTTPStatus,
		DurationNs:    e.DurationNs,
		BytesIn:       e.BytesIn,
		BytesOut:      e.BytesOut,
		NetOK:         e.NetOK,
		UserAgent:     e.UserAgent,
		ErrorCode:     e.Error,
	}
}
