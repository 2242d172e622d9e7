package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/telemetry"
)

// Repository purges terminal dispatch queue items
type Repository interface {
	PurgeQueueItems(ctx context.Context, before time.Time) (int64, error)
}

// CleanupResult describes one purge pass
type CleanupResult struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Cutoff    time.Time `json:"cutoff"`
	Deleted   int64     `json:"deleted"`
	Error     string    `json:"error,omitempty"`
}

// Service removes sent and failed queue items older than the retention
// window. Pending and in_flight items and the audit log are never touched.
type Service struct {
	repo      Repository
	logger    *slog.Logger
	queueDays int
	interval  time.Duration
	now       func() time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
	last    *CleanupResult
}

// NewService creates a retention service. queueDays <= 0 disables purging.
func NewService(repo Repository, queueDays int, interval time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Service{
		repo:      repo,
		logger:    logger,
		queueDays: queueDays,
		interval:  interval,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start starts the background cleanup worker
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.queueDays <= 0 {
		return
	}

	s.running = true
	s.wg.Add(1)
	go s.cleanupWorker()
	s.logger.Info("[RETENTION] Background cleanup worker started", "queue_days", s.queueDays, "interval", s.interval)
}

// Stop stops the background cleanup worker
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("[RETENTION] Background cleanup worker stopped")
}

func (s *Service) cleanupWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunCleanup(context.Background())
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunCleanup(context.Background())
		}
	}
}

// RunCleanup performs one purge pass
func (s *Service) RunCleanup(ctx context.Context) *CleanupResult {
	start := s.now()
	result := &CleanupResult{
		StartTime: start,
		Cutoff:    start.Add(-time.Duration(s.queueDays) * 24 * time.Hour),
	}

	if s.queueDays > 0 {
		deleted, err := s.repo.PurgeQueueItems(ctx, result.Cutoff)
		if err != nil {
			s.logger.Error("[RETENTION] Queue purge failed", "error", err)
			result.Error = err.Error()
		} else {
			result.Deleted = deleted
			telemetry.QueueItemsPurgedTotal.Add(float64(deleted))
		}
	}
	result.EndTime = s.now()

	s.mu.Lock()
	s.last = result
	s.mu.Unlock()

	if result.Deleted > 0 {
		s.logger.Info("[RETENTION] Cleanup completed", "deleted", result.Deleted, "cutoff", result.Cutoff)
	}
	return result
}

// LastResult returns the most recent pass, nil before the first one
func (s *Service) LastResult() *CleanupResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// IsRunning returns whether the cleanup worker is running
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
