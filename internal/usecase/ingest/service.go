package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/external/modsec"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

const (
	// MaxBatch bounds one API submission
	MaxBatch = 5000

	archiveBatchSize = 500
	flushInterval    = 5 * time.Second
)

// Submitter is the detection engine input
type Submitter interface {
	SubmitBatch(events []entity.WAFEvent) int
}

// Archive stores events for later lookup
type Archive interface {
	InsertEvents(ctx context.Context, events []entity.WAFEvent) error
}

// SyncStats tracks the log poller
type SyncStats struct {
	Source         string    `json:"source,omitempty"`
	LastSync       time.Time `json:"last_sync"`
	LinesRead      int       `json:"lines_read"`
	EventsParsed   int       `json:"events_parsed"`
	EventsAccepted uint64    `json:"events_accepted"`
	EventsDropped  uint64    `json:"events_dropped"`
	Archived       uint64    `json:"archived"`
	LastError      string    `json:"last_error,omitempty"`
	IsRunning      bool      `json:"is_running"`
}

// Result is the outcome of one submission
type Result struct {
	Received int `json:"received"`
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

// Service feeds WAF events from the API and the ModSecurity log into the
// detection engine and batches them into the archive
type Service struct {
	engine   Submitter
	archive  Archive
	source   modsec.Source
	parser   *modsec.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending []entity.WAFEvent
	stats   SyncStats
}

// NewService creates the ingest service. archive and source may be nil.
func NewService(engine Submitter, archive Archive, source modsec.Source, parser *modsec.Parser, interval time.Duration, logger *slog.Logger) *Service {
	if parser == nil {
		parser = modsec.NewParser(time.UTC)
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s := &Service{
		engine:   engine,
		archive:  archive,
		source:   source,
		parser:   parser,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
	if source != nil {
		s.stats.Source = source.Name()
	}
	return s
}

// Submit stamps events and hands them to the engine. It never blocks on
// the engine; events that do not fit its buffer are dropped and counted.
func (s *Service) Submit(ctx context.Context, events []entity.WAFEvent, origin string) (Result, error) {
	if len(events) > MaxBatch {
		return Result{}, fmt.Errorf("%w: at most %d events per request", entity.ErrInvalidArgument, MaxBatch)
	}

	now := s.now().UTC()
	for i := range events {
		e := &events[i]
		if e.EventID == uuid.Nil {
			e.EventID = uuid.New()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		if e.Source == "" {
			e.Source = origin
		}
		e.IngestedAt = now
	}

	accepted := s.engine.SubmitBatch(events)
	res := Result{Received: len(events), Accepted: accepted, Dropped: len(events) - accepted}

	s.mu.Lock()
	s.stats.EventsAccepted += uint64(res.Accepted)
	s.stats.EventsDropped += uint64(res.Dropped)
	if s.archive != nil {
		s.pending = append(s.pending, events...)
	}
	full := len(s.pending) >= archiveBatchSize
	s.mu.Unlock()

	if full {
		s.Flush(ctx)
	}
	return res, nil
}

// Flush writes pending events to the archive. A failed batch is logged
// and discarded so the archive never backs up the stream.
func (s *Service) Flush(ctx context.Context) {
	if s.archive == nil {
		return
	}

	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := s.archive.InsertEvents(ctx, batch); err != nil {
		s.logger.Error("Failed to archive WAF events", "count", len(batch), "error", err)
		return
	}

	s.mu.Lock()
	s.stats.Archived += uint64(len(batch))
	s.mu.Unlock()
}

// Start runs the log poller and the archive flusher until ctx is done
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.stats.IsRunning = true
	s.mu.Unlock()

	if s.source != nil {
		s.logger.Info("Starting ModSec log poller", "source", s.source.Name(), "interval", s.interval)
		s.sync(ctx)
	}

	poll := time.NewTicker(s.interval)
	defer poll.Stop()
	flush := time.NewTicker(flushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Flush(context.Background())
			s.mu.Lock()
			s.stats.IsRunning = false
			s.mu.Unlock()
			s.logger.Info("Ingest service stopped")
			return
		case <-poll.C:
			if s.source != nil {
				s.sync(ctx)
			}
		case <-flush.C:
			s.Flush(ctx)
		}
	}
}

// sync performs a single poll of the ModSecurity log
func (s *Service) sync(ctx context.Context) {
	chunk, err := s.source.Read(ctx)
	if err != nil {
		s.logger.Error("Failed to read ModSec log", "source", s.source.Name(), "error", err)
		s.mu.Lock()
		s.stats.LastError = err.Error()
		s.mu.Unlock()
		return
	}

	events, err := s.parser.Parse(bytes.NewReader(chunk), time.Time{})
	if err != nil {
		s.logger.Warn("ModSec log parse stopped early", "error", err)
	}

	s.mu.Lock()
	s.stats.LastSync = s.now()
	s.stats.LinesRead += bytes.Count(chunk, []byte("\n"))
	s.stats.EventsParsed += len(events)
	s.stats.LastError = ""
	s.mu.Unlock()

	if len(events) == 0 {
		return
	}
	res, _ := s.Submit(ctx, events, entity.EventSourceModSec)
	s.logger.Debug("ModSec sync completed", "parsed", len(events), "accepted", res.Accepted)
}

// SyncNow polls the log immediately
func (s *Service) SyncNow(ctx context.Context) error {
	if s.source == nil {
		return fmt.Errorf("%w: no modsec log source configured", entity.ErrInvalidArgument)
	}
	s.sync(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats.LastError != "" {
		return fmt.Errorf("modsec sync: %s", s.stats.LastError)
	}
	return nil
}

// Stats returns current poller statistics
func (s *Service) Stats() SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
