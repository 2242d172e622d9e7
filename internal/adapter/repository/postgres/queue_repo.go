package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

// dueFilter selects pending items of one integration that do not
// overtake an older unfinished item for the same IP
const dueFilter = `q.integration_id = $1 AND q.status = 'pending'
	AND NOT EXISTS (
		SELECT 1 FROM dispatch_queue o
		WHERE o.integration_id = q.integration_id
		  AND o.ip_address = q.ip_address
		  AND o.seq < q.seq
		  AND o.status IN ('pending', 'in_flight'))`

// ResetInFlight returns items left in_flight by a previous process to
// pending. It runs before any worker starts.
func (s *Store) ResetInFlight(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_queue SET status = 'pending', updated_at = $1 WHERE status = 'in_flight'`, now)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight items: %w", err)
	}
	return res.RowsAffected()
}

// NextDueAt returns when the next claimable item of an integration is
// due, or nil when there is none
func (s *Store) NextDueAt(ctx context.Context, integrationID uuid.UUID) (*time.Time, error) {
	var next sql.NullTime
	query := `SELECT MIN(q.next_attempt_at) FROM dispatch_queue q WHERE ` + dueFilter
	if err := s.db.GetContext(ctx, &next, query, integrationID); err != nil {
		return nil, fmt.Errorf("next due item: %w", err)
	}
	if !next.Valid {
		return nil, nil
	}
	return &next.Time, nil
}

// ClaimDue moves the next deliverable run of due items to in_flight.
// The run is the oldest due item, extended with following ban items up
// to limit.
func (s *Store) ClaimDue(ctx context.Context, integrationID uuid.UUID, now time.Time, limit int) ([]entity.QueueItem, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + queueColumns + ` FROM dispatch_queue q
		WHERE ` + dueFilter + ` AND q.next_attempt_at <= $2
		ORDER BY q.seq
		LIMIT $3
		FOR UPDATE SKIP LOCKED`

	due := []entity.QueueItem{}
	if err := tx.SelectContext(ctx, &due, query, integrationID, now, limit); err != nil {
		return nil, fmt.Errorf("select due items: %w", err)
	}

	run := entity.CoalesceRun(due, limit)
	if len(run) == 0 {
		return nil, nil
	}

	ids := make([]string, len(run))
	for i := range run {
		ids[i] = run[i].ID.String()
		run[i].Status = entity.QueueStatusInFlight
		run[i].UpdatedAt = now
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE dispatch_queue SET status = 'in_flight', updated_at = $2 WHERE id = ANY($1::uuid[])`,
		pq.Array(ids), now); err != nil {
		return nil, fmt.Errorf("claim items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return run, nil
}

// MarkSent completes a delivered run and credits the integration with
// the number of bans it carried
func (s *Store) MarkSent(ctx context.Context, items []entity.QueueItem, now time.Time) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark sent: %w", err)
	}
	defer tx.Rollback()

	bansSent := 0
	for _, item := range items {
		if _, err := tx.ExecContext(ctx,
			`UPDATE dispatch_queue SET status = 'sent', attempts = $2, last_error = '', updated_at = $3 WHERE id = $1`,
			item.ID, item.Attempts, now); err != nil {
			return fmt.Errorf("mark item sent: %w", err)
		}
		if item.Operation == entity.OperationBan {
			bansSent++
		}
	}

	if bansSent > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE integrations SET bans_sent = bans_sent + $2 WHERE id = $1`,
			items[0].IntegrationID, bansSent); err != nil {
			return fmt.Errorf("count bans sent: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark sent: %w", err)
	}
	return nil
}

// ScheduleRetry returns a failed item to pending until NextAttemptAt
func (s *Store) ScheduleRetry(ctx context.Context, item *entity.QueueItem, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_queue
		SET status = 'pending', attempts = $2, next_attempt_at = $3, last_error = $4, updated_at = $5
		WHERE id = $1`,
		item.ID, item.Attempts, item.NextAttemptAt, item.LastError, now)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return expectOne(res, "schedule retry")
}

// MarkFailed records an item that exhausted its attempts
func (s *Store) MarkFailed(ctx context.Context, item *entity.QueueItem, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_queue SET status = 'failed', attempts = $2, last_error = $3, updated_at = $4 WHERE id = $1`,
		item.ID, item.Attempts, item.LastError, now)
	if err != nil {
		return fmt.Errorf("mark item failed: %w", err)
	}
	return expectOne(res, "mark item failed")
}

// PurgeQueueItems deletes sent and failed items last updated before cutoff
func (s *Store) PurgeQueueItems(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dispatch_queue WHERE status IN ('sent', 'failed') AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge queue items: %w", err)
	}
	return res.RowsAffected()
}
