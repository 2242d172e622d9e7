package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/bans"
)

const banColumns = `id, ip_address, reason, severity, auto_banned, expires_at,
	source_event_count, created_at, created_by, updated_at`

const queueColumns = `id, seq, integration_id, ban_id, ip_address, operation, status,
	attempts, next_attempt_at, last_error, created_at, updated_at`

// WithinTx runs fn in one transaction, rolled back when fn fails
func (s *Store) WithinTx(ctx context.Context, fn func(tx bans.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&banTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetActiveBanByIP returns the unexpired ban on ip
func (s *Store) GetActiveBanByIP(ctx context.Context, ip string, now time.Time) (*entity.Ban, error) {
	query := `SELECT ` + banColumns + ` FROM bans
		WHERE ip_address = $1 AND (expires_at IS NULL OR expires_at > $2)`

	var ban entity.Ban
	if err := s.db.GetContext(ctx, &ban, query, ip, now); err != nil {
		return nil, notFound(err, "get ban")
	}
	return &ban, nil
}

// ListActiveBans returns unexpired bans, newest first
func (s *Store) ListActiveBans(ctx context.Context, now time.Time) ([]entity.Ban, error) {
	query := `SELECT ` + banColumns + ` FROM bans
		WHERE expires_at IS NULL OR expires_at > $1
		ORDER BY created_at DESC`

	out := []entity.Ban{}
	if err := s.db.SelectContext(ctx, &out, query, now); err != nil {
		return nil, fmt.Errorf("list active bans: %w", err)
	}
	return out, nil
}

// ListExpiredBans returns bans whose expiry passed, oldest expiry first
func (s *Store) ListExpiredBans(ctx context.Context, now time.Time, limit int) ([]entity.Ban, error) {
	query := `SELECT ` + banColumns + ` FROM bans
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`

	out := []entity.Ban{}
	if err := s.db.SelectContext(ctx, &out, query, now, limit); err != nil {
		return nil, fmt.Errorf("list expired bans: %w", err)
	}
	return out, nil
}

// GetBanStats summarizes active bans
func (s *Store) GetBanStats(ctx context.Context, now time.Time) (*entity.BanStats, error) {
	query := `SELECT
			COUNT(*) AS total_bans,
			COUNT(*) FILTER (WHERE auto_banned) AS auto_bans,
			COUNT(*) FILTER (WHERE NOT auto_banned) AS manual_bans,
			COUNT(*) FILTER (WHERE created_at > $2) AS bans_last_24h
		FROM bans
		WHERE expires_at IS NULL OR expires_at > $1`

	var stats entity.BanStats
	if err := s.db.GetContext(ctx, &stats, query, now, now.Add(-24*time.Hour)); err != nil {
		return nil, fmt.Errorf("get ban stats: %w", err)
	}
	return &stats, nil
}

// ListDeliveries returns the latest queue item of a ban per integration
func (s *Store) ListDeliveries(ctx context.Context, banID uuid.UUID) ([]entity.DeliveryStatus, error) {
	query := `SELECT DISTINCT ON (q.integration_id)
			q.integration_id, i.name AS integration_name, q.operation, q.status,
			q.attempts, q.last_error, q.updated_at
		FROM dispatch_queue q
		JOIN integrations i ON i.id = q.integration_id
		WHERE q.ban_id = $1
		ORDER BY q.integration_id, q.seq DESC`

	out := []entity.DeliveryStatus{}
	if err := s.db.SelectContext(ctx, &out, query, banID); err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return out, nil
}

// banTx implements bans.Tx on a database transaction
type banTx struct {
	tx *sqlx.Tx
}

func (t *banTx) LockBanByIP(ctx context.Context, ip string) (*entity.Ban, error) {
	var ban entity.Ban
	query := `SELECT ` + banColumns + ` FROM bans WHERE ip_address = $1 FOR UPDATE`
	if err := t.tx.GetContext(ctx, &ban, query, ip); err != nil {
		return nil, notFound(err, "lock ban")
	}
	return &ban, nil
}

func (t *banTx) LockBanByID(ctx context.Context, id uuid.UUID) (*entity.Ban, error) {
	var ban entity.Ban
	query := `SELECT ` + banColumns + ` FROM bans WHERE id = $1 FOR UPDATE`
	if err := t.tx.GetContext(ctx, &ban, query, id); err != nil {
		return nil, notFound(err, "lock ban")
	}
	return &ban, nil
}

func (t *banTx) InsertBan(ctx context.Context, ban *entity.Ban) error {
	query := `INSERT INTO bans (` + banColumns + `)
		VALUES (:id, :ip_address, :reason, :severity, :auto_banned, :expires_at,
			:source_event_count, :created_at, :created_by, :updated_at)
		ON CONFLICT (ip_address) DO NOTHING`

	res, err := t.tx.NamedExecContext(ctx, query, ban)
	if err != nil {
		return fmt.Errorf("insert ban: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert ban: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("insert ban %s: %w", ban.IPAddress, entity.ErrConflict)
	}
	return nil
}

func (t *banTx) UpdateBan(ctx context.Context, ban *entity.Ban) error {
	query := `UPDATE bans SET
			reason = :reason,
			severity = :severity,
			auto_banned = :auto_banned,
			expires_at = :expires_at,
			source_event_count = :source_event_count,
			updated_at = :updated_at
		WHERE id = :id`

	res, err := t.tx.NamedExecContext(ctx, query, ban)
	if err != nil {
		return fmt.Errorf("update ban: %w", err)
	}
	return expectOne(res, "update ban")
}

func (t *banTx) DeleteBan(ctx context.Context, id uuid.UUID) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM bans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete ban: %w", err)
	}
	return expectOne(res, "delete ban")
}

func (t *banTx) EnqueueForEnabled(ctx context.Context, ban *entity.Ban, op entity.Operation, now time.Time) ([]entity.QueueItem, error) {
	query := `INSERT INTO dispatch_queue
			(id, integration_id, ban_id, ip_address, operation, status, attempts,
			 next_attempt_at, last_error, created_at, updated_at)
		SELECT gen_random_uuid(), i.id, $1, $2, $3, 'pending', 0, $4, '', $4, $4
		FROM integrations i
		WHERE i.enabled
		ORDER BY i.created_at
		RETURNING ` + queueColumns

	out := []entity.QueueItem{}
	if err := t.tx.SelectContext(ctx, &out, query, ban.ID, ban.IPAddress, op, now); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", op, err)
	}
	return out, nil
}

func (t *banTx) EnqueueUndelivered(ctx context.Context, ban *entity.Ban, now time.Time) ([]entity.QueueItem, error) {
	query := `INSERT INTO dispatch_queue
			(id, integration_id, ban_id, ip_address, operation, status, attempts,
			 next_attempt_at, last_error, created_at, updated_at)
		SELECT gen_random_uuid(), i.id, $1, $2, 'ban', 'pending', 0, $3, '', $3, $3
		FROM integrations i
		WHERE i.enabled
		  AND NOT EXISTS (
			SELECT 1 FROM dispatch_queue q
			WHERE q.integration_id = i.id AND q.ban_id = $1
			  AND q.operation = 'ban' AND q.status <> 'failed')
		ORDER BY i.created_at
		RETURNING ` + queueColumns

	out := []entity.QueueItem{}
	if err := t.tx.SelectContext(ctx, &out, query, ban.ID, ban.IPAddress, now); err != nil {
		return nil, fmt.Errorf("enqueue undelivered ban: %w", err)
	}
	return out, nil
}

func (t *banTx) InsertAudit(ctx context.Context, entry *entity.AuditLogEntry) error {
	return insertAudit(ctx, t.tx, entry)
}
