package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

// claimable returns pending items of an integration, in enqueue order,
// that do not overtake an older unfinished item for the same IP
func (s *Store) claimable(integrationID uuid.UUID) []*entity.QueueItem {
	blocked := make(map[string]bool)
	var out []*entity.QueueItem
	for _, item := range s.queue {
		if item.IntegrationID != integrationID {
			continue
		}
		if item.Status != entity.QueueStatusPending && item.Status != entity.QueueStatusInFlight {
			continue
		}
		if item.Status == entity.QueueStatusPending && !blocked[item.IPAddress] {
			out = append(out, item)
		}
		blocked[item.IPAddress] = true
	}
	return out
}

func (s *Store) findItem(id uuid.UUID) *entity.QueueItem {
	for _, item := range s.queue {
		if item.ID == id {
			return item
		}
	}
	return nil
}

// ResetInFlight returns items left in_flight to pending
func (s *Store) ResetInFlight(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, item := range s.queue {
		if item.Status == entity.QueueStatusInFlight {
			item.Status = entity.QueueStatusPending
			item.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// NextDueAt returns when the next claimable item is due, or nil
func (s *Store) NextDueAt(_ context.Context, integrationID uuid.UUID) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *time.Time
	for _, item := range s.claimable(integrationID) {
		if next == nil || item.NextAttemptAt.Before(*next) {
			t := item.NextAttemptAt
			next = &t
		}
	}
	return next, nil
}

// ClaimDue moves the next deliverable run of due items to in_flight
func (s *Store) ClaimDue(_ context.Context, integrationID uuid.UUID, now time.Time, limit int) ([]entity.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []entity.QueueItem
	for _, item := range s.claimable(integrationID) {
		if !item.NextAttemptAt.After(now) {
			due = append(due, *item)
		}
	}

	run := entity.CoalesceRun(due, limit)
	for i := range run {
		item := s.findItem(run[i].ID)
		item.Status = entity.QueueStatusInFlight
		item.UpdatedAt = now
		run[i] = *item
	}
	return run, nil
}

// MarkSent completes a delivered run and credits bans_sent
func (s *Store) MarkSent(_ context.Context, items []entity.QueueItem, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bansSent := 0
	for _, it := range items {
		item := s.findItem(it.ID)
		if item == nil {
			return fmt.Errorf("mark item sent: %w", entity.ErrNotFound)
		}
		item.Status = entity.QueueStatusSent
		item.Attempts = it.Attempts
		item.LastError = ""
		item.UpdatedAt = now
		if item.Operation == entity.OperationBan {
			bansSent++
		}
	}

	if bansSent > 0 {
		if in := s.findIntegration(items[0].IntegrationID); in != nil {
			in.BansSent += int64(bansSent)
		}
	}
	return nil
}

// ScheduleRetry returns a failed item to pending until NextAttemptAt
func (s *Store) ScheduleRetry(_ context.Context, it *entity.QueueItem, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.findItem(it.ID)
	if item == nil {
		return fmt.Errorf("schedule retry: %w", entity.ErrNotFound)
	}
	item.Status = entity.QueueStatusPending
	item.Attempts = it.Attempts
	item.NextAttemptAt = it.NextAttemptAt
	item.LastError = it.LastError
	item.UpdatedAt = now
	return nil
}

// MarkFailed records an item that exhausted its attempts
func (s *Store) MarkFailed(_ context.Context, it *entity.QueueItem, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.findItem(it.ID)
	if item == nil {
		return fmt.Errorf("mark item failed: %w", entity.ErrNotFound)
	}
	item.Status = entity.QueueStatusFailed
	item.Attempts = it.Attempts
	item.LastError = it.LastError
	item.UpdatedAt = now
	return nil
}

// PurgeQueueItems deletes sent and failed items last updated before cutoff
func (s *Store) PurgeQueueItems(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.queue[:0]
	var n int64
	for _, item := range s.queue {
		done := item.Status == entity.QueueStatusSent || item.Status == entity.QueueStatusFailed
		if done && item.UpdatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, item)
	}
	s.queue = kept
	return n, nil
}

// QueueItems returns a copy of every queue item of an integration in
// enqueue order
func (s *Store) QueueItems(integrationID uuid.UUID) []entity.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []entity.QueueItem
	for _, item := range s.queue {
		if item.IntegrationID == integrationID {
			out = append(out, *item)
		}
	}
	return out
}
