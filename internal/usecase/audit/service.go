// Package audit is the event and audit sink. State transitions are
// fanned out to live subscribers without blocking the caller, and
// recorded durably in the audit log.
package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/telemetry"
)

// Query bounds
const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
	exportPageSize  = 500
)

// Repository is the append-only audit store
type Repository interface {
	InsertAudit(ctx context.Context, entry *entity.AuditLogEntry) error
	ListAudit(ctx context.Context, filter entity.AuditFilter) ([]entity.AuditLogEntry, int64, error)
}

// Publisher receives every live event, e.g. the websocket hub.
// Publish must not block.
type Publisher interface {
	Publish(evt entity.LiveEvent)
}

// Subscription is one in-process live event consumer
type Subscription struct {
	C <-chan entity.LiveEvent

	id   int
	ch   chan entity.LiveEvent
	sink *Service
	once sync.Once
}

// Close unsubscribes and closes C
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.sink.mu.Lock()
		delete(sub.sink.subs, sub.id)
		sub.sink.mu.Unlock()
		close(sub.ch)
		telemetry.LiveSubscribers.Dec()
	})
}

// Service is the event and audit sink
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	subs       map[int]*Subscription
	nextID     int
	publishers []Publisher
}

// NewService creates a sink on an audit repository
func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
		now:    time.Now,
		subs:   make(map[int]*Subscription),
	}
}

// AddPublisher attaches an external fan-out target
func (s *Service) AddPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishers = append(s.publishers, p)
}

// Subscribe registers a consumer with a buffer of size events. Events
// that do not fit are dropped for that consumer only.
func (s *Service) Subscribe(size int) *Subscription {
	if size < 1 {
		size = 1
	}
	ch := make(chan entity.LiveEvent, size)

	s.mu.Lock()
	s.nextID++
	sub := &Subscription{C: ch, id: s.nextID, ch: ch, sink: s}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	telemetry.LiveSubscribers.Inc()
	return sub
}

// Publish delivers a transition at most once to every current
// subscriber. It never blocks.
func (s *Service) Publish(eventType string, payload any) {
	evt := entity.LiveEvent{Type: eventType, Payload: payload, Timestamp: s.now().UTC()}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		select {
		case sub.ch <- evt:
		default:
			telemetry.LiveEventsDroppedTotal.Inc()
			s.logger.Debug("Dropped live event for slow subscriber", "type", eventType)
		}
	}
	for _, p := range s.publishers {
		p.Publish(evt)
	}
}

// Record appends an entry outside of a ban transaction. A failed write
// is logged and returned; it never undoes the transition it describes.
func (s *Service) Record(ctx context.Context, entry *entity.AuditLogEntry) error {
	if err := s.repo.InsertAudit(ctx, entry); err != nil {
		s.logger.Error("Failed to write audit entry",
			"action", entry.Action,
			"resource_id", entry.ResourceID,
			"error", err,
		)
		return err
	}
	return nil
}

// Query returns one page of entries, newest first, and the total count
func (s *Service) Query(ctx context.Context, filter entity.AuditFilter) ([]entity.AuditLogEntry, int64, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultPageSize
	}
	if filter.Limit > MaxPageSize {
		filter.Limit = MaxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, 0, fmt.Errorf("%w: time range ends before it starts", entity.ErrInvalidArgument)
	}
	return s.repo.ListAudit(ctx, filter)
}

// CSVHeader is the first row of an export
var CSVHeader = []string{
	"id", "timestamp", "actor", "action", "resource_type", "resource_id",
	"success", "error_message", "before_state", "after_state",
}

// ExportCSV writes every entry matching filter as CSV, one record per
// entry, newest first. Limit and Offset of the filter are ignored.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, filter entity.AuditFilter) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return 0, err
	}

	filter.Limit = exportPageSize
	filter.Offset = 0
	written := 0
	for {
		page, _, err := s.repo.ListAudit(ctx, filter)
		if err != nil {
			return written, fmt.Errorf("export audit log: %w", err)
		}
		for _, e := range page {
			if err := cw.Write(csvRecord(e)); err != nil {
				return written, err
			}
			written++
		}
		if len(page) < exportPageSize {
			break
		}
		filter.Offset += len(page)
	}

	cw.Flush()
	return written, cw.Error()
}

func csvRecord(e entity.AuditLogEntry) []string {
	return []string{
		e.ID.String(),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Actor,
		e.Action,
		e.ResourceType,
		e.ResourceID,
		strconv.FormatBool(e.Success),
		e.ErrorMessage,
		string(e.BeforeState),
		string(e.AfterState),
	}
}
