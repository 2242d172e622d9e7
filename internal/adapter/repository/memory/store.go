// Package memory is an in-process implementation of the ban, dispatch,
// integration, matrix and audit repositories. It backs tests and the
// "memory" store mode; state is lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/bans"
)

// Store keeps every table in maps guarded by one mutex
type Store struct {
	mu sync.Mutex

	bans         map[uuid.UUID]*entity.Ban
	banByIP      map[string]uuid.UUID
	integrations []*entity.Integration
	queue        []*entity.QueueItem
	seq          int64
	rules        []*entity.MatrixRule
	audit        []entity.AuditLogEntry
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		bans:    make(map[uuid.UUID]*entity.Ban),
		banByIP: make(map[string]uuid.UUID),
	}
}

// =============================================================================
// Bans
// =============================================================================

// WithinTx runs fn with the store locked. On error every ban, queue and
// audit write made by fn is undone.
func (s *Store) WithinTx(ctx context.Context, fn func(tx bans.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	savedBans := make(map[uuid.UUID]*entity.Ban, len(s.bans))
	for id, b := range s.bans {
		savedBans[id] = b.Clone()
	}
	savedByIP := make(map[string]uuid.UUID, len(s.banByIP))
	for ip, id := range s.banByIP {
		savedByIP[ip] = id
	}
	queueLen, seq, auditLen := len(s.queue), s.seq, len(s.audit)

	if err := fn(&memTx{s: s}); err != nil {
		s.bans = savedBans
		s.banByIP = savedByIP
		s.queue = s.queue[:queueLen]
		s.seq = seq
		s.audit = s.audit[:auditLen]
		return err
	}
	return nil
}

// GetActiveBanByIP returns the unexpired ban on ip
func (s *Store) GetActiveBanByIP(_ context.Context, ip string, now time.Time) (*entity.Ban, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.banByIP[ip]
	if !ok || s.bans[id].IsExpired(now) {
		return nil, fmt.Errorf("get ban: %w", entity.ErrNotFound)
	}
	return s.bans[id].Clone(), nil
}

// ListActiveBans returns unexpired bans, newest first
func (s *Store) ListActiveBans(_ context.Context, now time.Time) ([]entity.Ban, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []entity.Ban{}
	for _, b := range s.bans {
		if !b.IsExpired(now) {
			out = append(out, *b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].IPAddress < out[j].IPAddress
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListExpiredBans returns bans whose expiry passed, oldest expiry first
func (s *Store) ListExpiredBans(_ context.Context, now time.Time, limit int) ([]entity.Ban, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []entity.Ban{}
	for _, b := range s.bans {
		if b.IsExpired(now) {
			out = append(out, *b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetBanStats summarizes active bans
func (s *Store) GetBanStats(_ context.Context, now time.Time) (*entity.BanStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &entity.BanStats{}
	dayAgo := now.Add(-24 * time.Hour)
	for _, b := range s.bans {
		if b.IsExpired(now) {
			continue
		}
		stats.TotalBans++
		if b.AutoBanned {
			stats.AutoBans++
		} else {
			stats.ManualBans++
		}
		if b.CreatedAt.After(dayAgo) {
			stats.BansLast24h++
		}
	}
	return stats, nil
}

// ListDeliveries returns the latest queue item of a ban per integration
func (s *Store) ListDeliveries(_ context.Context, banID uuid.UUID) ([]entity.DeliveryStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[uuid.UUID]*entity.QueueItem)
	for _, item := range s.queue {
		if item.BanID == banID {
			latest[item.IntegrationID] = item
		}
	}

	out := []entity.DeliveryStatus{}
	for _, in := range s.integrations {
		item, ok := latest[in.ID]
		if !ok {
			continue
		}
		out = append(out, entity.DeliveryStatus{
			IntegrationID:   in.ID,
			IntegrationName: in.Name,
			Operation:       item.Operation,
			Status:          item.Status,
			Attempts:        item.Attempts,
			LastError:       item.LastError,
			UpdatedAt:       item.UpdatedAt,
		})
	}
	return out, nil
}

// memTx runs with Store.mu held
type memTx struct {
	s *Store
}

func (t *memTx) LockBanByIP(_ context.Context, ip string) (*entity.Ban, error) {
	id, ok := t.s.banByIP[ip]
	if !ok {
		return nil, fmt.Errorf("lock ban: %w", entity.ErrNotFound)
	}
	return t.s.bans[id].Clone(), nil
}

func (t *memTx) LockBanByID(_ context.Context, id uuid.UUID) (*entity.Ban, error) {
	b, ok := t.s.bans[id]
	if !ok {
		return nil, fmt.Errorf("lock ban: %w", entity.ErrNotFound)
	}
	return b.Clone(), nil
}

func (t *memTx) InsertBan(_ context.Context, ban *entity.Ban) error {
	if _, ok := t.s.banByIP[ban.IPAddress]; ok {
		return fmt.Errorf("insert ban %s: %w", ban.IPAddress, entity.ErrConflict)
	}
	t.s.bans[ban.ID] = ban.Clone()
	t.s.banByIP[ban.IPAddress] = ban.ID
	return nil
}

func (t *memTx) UpdateBan(_ context.Context, ban *entity.Ban) error {
	cur, ok := t.s.bans[ban.ID]
	if !ok {
		return fmt.Errorf("update ban: %w", entity.ErrNotFound)
	}
	next := ban.Clone()
	next.IPAddress = cur.IPAddress
	next.CreatedAt = cur.CreatedAt
	next.CreatedBy = cur.CreatedBy
	t.s.bans[ban.ID] = next
	return nil
}

func (t *memTx) DeleteBan(_ context.Context, id uuid.UUID) error {
	b, ok := t.s.bans[id]
	if !ok {
		return fmt.Errorf("delete ban: %w", entity.ErrNotFound)
	}
	delete(t.s.banByIP, b.IPAddress)
	delete(t.s.bans, id)
	return nil
}

func (t *memTx) EnqueueForEnabled(_ context.Context, ban *entity.Ban, op entity.Operation, now time.Time) ([]entity.QueueItem, error) {
	out := []entity.QueueItem{}
	for _, in := range t.s.integrations {
		if !in.Enabled {
			continue
		}
		item := entity.NewQueueItem(in.ID, ban, op, now)
		t.s.seq++
		item.Seq = t.s.seq
		t.s.queue = append(t.s.queue, &item)
		out = append(out, item)
	}
	return out, nil
}

func (t *memTx) EnqueueUndelivered(_ context.Context, ban *entity.Ban, now time.Time) ([]entity.QueueItem, error) {
	live := map[uuid.UUID]bool{}
	for _, q := range t.s.queue {
		if q.BanID == ban.ID && q.Operation == entity.OperationBan && q.Status != entity.QueueStatusFailed {
			live[q.IntegrationID] = true
		}
	}

	out := []entity.QueueItem{}
	for _, in := range t.s.integrations {
		if !in.Enabled || live[in.ID] {
			continue
		}
		item := entity.NewQueueItem(in.ID, ban, entity.OperationBan, now)
		t.s.seq++
		item.Seq = t.s.seq
		t.s.queue = append(t.s.queue, &item)
		out = append(out, item)
	}
	return out, nil
}

func (t *memTx) InsertAudit(_ context.Context, entry *entity.AuditLogEntry) error {
	t.s.audit = append(t.s.audit, *entry)
	return nil
}
