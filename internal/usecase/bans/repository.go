package bans

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

// Repository is the durable ban store. Writes go through WithinTx so
// the ban row, its queue items and its audit entry commit together.
type Repository interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	GetActiveBanByIP(ctx context.Context, ip string, now time.Time) (*entity.Ban, error)
	ListActiveBans(ctx context.Context, now time.Time) ([]entity.Ban, error)
	ListExpiredBans(ctx context.Context, now time.Time, limit int) ([]entity.Ban, error)
	GetBanStats(ctx context.Context, now time.Time) (*entity.BanStats, error)
	ListDeliveries(ctx context.Context, banID uuid.UUID) ([]entity.DeliveryStatus, error)
}

// Tx is one registry transaction. Lock* calls hold a row lock until
// commit; they return entity.ErrNotFound when the row does not exist.
type Tx interface {
	LockBanByIP(ctx context.Context, ip string) (*entity.Ban, error)
	LockBanByID(ctx context.Context, id uuid.UUID) (*entity.Ban, error)
	// InsertBan returns entity.ErrConflict when another active ban for
	// the same IP was committed concurrently
	InsertBan(ctx context.Context, ban *entity.Ban) error
	UpdateBan(ctx context.Context, ban *entity.Ban) error
	DeleteBan(ctx context.Context, id uuid.UUID) error
	// EnqueueForEnabled creates one pending item per enabled integration
	EnqueueForEnabled(ctx context.Context, ban *entity.Ban, op entity.Operation, now time.Time) ([]entity.QueueItem, error)
	// EnqueueUndelivered creates a pending ban item for each enabled
	// integration holding no pending, in-flight or sent ban item for ban
	EnqueueUndelivered(ctx context.Context, ban *entity.Ban, now time.Time) ([]entity.QueueItem, error)
	InsertAudit(ctx context.Context, entry *entity.AuditLogEntry) error
}
