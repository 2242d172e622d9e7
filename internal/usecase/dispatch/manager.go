// Package dispatch delivers queued ban directives to firewall backends.
// Each enabled integration has one worker draining its queue in enqueue
// order, spaced by a rate limiter, retrying failures with backoff.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/external/provider"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/config"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/telemetry"
)

// Repository is the queue store seen by workers
type Repository interface {
	ListEnabledIntegrations(ctx context.Context) ([]entity.Integration, error)
	GetIntegration(ctx context.Context, id uuid.UUID) (*entity.Integration, error)
	ResetInFlight(ctx context.Context, now time.Time) (int64, error)
	NextDueAt(ctx context.Context, integrationID uuid.UUID) (*time.Time, error)
	ClaimDue(ctx context.Context, integrationID uuid.UUID, now time.Time, limit int) ([]entity.QueueItem, error)
	MarkSent(ctx context.Context, items []entity.QueueItem, now time.Time) error
	ScheduleRetry(ctx context.Context, item *entity.QueueItem, now time.Time) error
	MarkFailed(ctx context.Context, item *entity.QueueItem, now time.Time) error
}

// Sink receives delivery outcomes
type Sink interface {
	Publish(eventType string, payload any)
	Record(ctx context.Context, entry *entity.AuditLogEntry) error
}

// DriverFactory builds a driver from an integration snapshot
type DriverFactory func(in *entity.Integration) (provider.Driver, error)

// Options tune the workers
type Options struct {
	MinSpacing   time.Duration
	RetryBase    time.Duration
	CallTimeout  time.Duration
	PollInterval time.Duration
	BatchSize    int
}

// OptionsFromConfig maps the dispatch config section
func OptionsFromConfig(cfg config.DispatchConfig) Options {
	return Options{
		MinSpacing:   cfg.MinSpacing,
		RetryBase:    cfg.RetryBase,
		CallTimeout:  cfg.CallTimeout,
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
	}
}

func (o Options) withDefaults() Options {
	if o.MinSpacing <= 0 {
		o.MinSpacing = 5 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 5 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	return o
}

// Manager owns one worker per enabled integration
type Manager struct {
	repo    Repository
	drivers DriverFactory
	sink    Sink
	limiter Limiter
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	root    context.Context
	workers map[uuid.UUID]*worker
}

// NewManager creates a manager. Workers start with Start.
func NewManager(repo Repository, drivers DriverFactory, sink Sink, limiter Limiter, opts Options, logger *slog.Logger) *Manager {
	return &Manager{
		repo:    repo,
		drivers: drivers,
		sink:    sink,
		limiter: limiter,
		opts:    opts.withDefaults(),
		logger:  logger,
		now:     time.Now,
		workers: make(map[uuid.UUID]*worker),
	}
}

// Start returns in_flight items left by a previous run to pending, then
// starts a worker for every enabled integration. Workers stop when ctx
// is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	reset, err := m.repo.ResetInFlight(ctx, m.now())
	if err != nil {
		return fmt.Errorf("recover in-flight items: %w", err)
	}
	if reset > 0 {
		m.logger.Warn("Recovered in-flight queue items", "count", reset)
	}

	enabled, err := m.repo.ListEnabledIntegrations(ctx)
	if err != nil {
		return fmt.Errorf("list enabled integrations: %w", err)
	}

	m.mu.Lock()
	m.root = ctx
	for i := range enabled {
		m.startLocked(&enabled[i])
	}
	m.mu.Unlock()

	m.logger.Info("Dispatch manager started", "workers", len(enabled))
	return nil
}

// Sync starts or stops the worker of an integration to match its
// enabled flag. Config changes need no restart: workers read the
// integration once per job.
func (m *Manager) Sync(in *entity.Integration) {
	if !in.Enabled {
		m.StopIntegration(in.ID)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root == nil {
		return
	}
	m.startLocked(in)
}

func (m *Manager) startLocked(in *entity.Integration) {
	if _, ok := m.workers[in.ID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(m.root)
	w := &worker{
		m:             m,
		integrationID: in.ID,
		name:          in.Name,
		wake:          make(chan struct{}, 1),
		cancel:        cancel,
		done:          make(chan struct{}),
		logger:        m.logger.With("integration_id", in.ID, "integration", in.Name),
	}
	m.workers[in.ID] = w

	telemetry.DispatchWorkers.Inc()
	go w.run(ctx)
}

// StopIntegration stops one worker and waits for an in-flight call to
// be recorded. Pending items stay queued.
func (m *Manager) StopIntegration(id uuid.UUID) {
	m.mu.Lock()
	w, ok := m.workers[id]
	if ok {
		delete(m.workers, id)
	}
	m.mu.Unlock()

	if ok {
		w.stop()
	}
}

// Stop stops every worker
func (m *Manager) Stop() {
	m.mu.Lock()
	workers := make([]*worker, 0, len(m.workers))
	for id, w := range m.workers {
		workers = append(workers, w)
		delete(m.workers, id)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	m.logger.Info("Dispatch manager stopped")
}

// Notify wakes the workers of integrations that received new items
func (m *Manager) Notify(integrationIDs ...uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range integrationIDs {
		if w, ok := m.workers[id]; ok {
			w.notify()
		}
	}
}

// Running reports whether an integration has a live worker
func (m *Manager) Running(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.workers[id]
	return ok
}

// RegistryFactory adapts a provider registry to a DriverFactory
func RegistryFactory(r *provider.Registry) DriverFactory {
	return r.Build
}
