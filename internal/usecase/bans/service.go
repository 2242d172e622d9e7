package bans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/telemetry"
)

const (
	// maxConflictRetries bounds how often a create that lost the unique
	// index race is replayed as a refresh
	maxConflictRetries = 3
	expireBatchSize    = 100
)

// Sink receives committed transitions
type Sink interface {
	Publish(eventType string, payload any)
}

// Notifier wakes the dispatch workers of integrations with new work
type Notifier interface {
	Notify(integrationIDs ...uuid.UUID)
}

// Service is the ban registry. Every mutation commits the ban row, one
// queue item per enabled integration and an audit entry together.
type Service struct {
	repo     Repository
	sink     Sink
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates the registry. notifier may be nil, in which case
// workers pick up new items on their next poll.
func NewService(repo Repository, sink Sink, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		sink:     sink,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// change collects what a committed transaction must announce
type change struct {
	ban    *entity.Ban
	action string
	events []entity.LiveEvent
	items  []entity.QueueItem
}

func (c *change) emit(eventType string, ban *entity.Ban) {
	c.events = append(c.events, entity.LiveEvent{Type: eventType, Payload: ban.Clone()})
}

// CreateOrRefresh bans req.IP, or merges req into the active ban on that
// IP. Invalid input is rejected before any side effect.
func (s *Service) CreateOrRefresh(ctx context.Context, req entity.BanRequest) (*entity.Ban, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Actor == "" {
		req.Actor = entity.ActorSystem
	}

	var (
		c   *change
		err error
	)
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		c, err = s.createOrRefresh(ctx, req)
		if !errors.Is(err, entity.ErrConflict) {
			break
		}
		s.logger.Debug("Concurrent ban insert, retrying as refresh", "ip", req.IP, "attempt", attempt)
	}
	if err != nil {
		return nil, fmt.Errorf("ban %s: %w", req.IP, err)
	}

	s.announce(c)
	return c.ban, nil
}

func (s *Service) createOrRefresh(ctx context.Context, req entity.BanRequest) (*change, error) {
	now := s.now()
	c := &change{}

	err := s.repo.WithinTx(ctx, func(tx Tx) error {
		c = &change{}

		cur, err := tx.LockBanByIP(ctx, req.IP)
		switch {
		case err == nil && !cur.IsExpired(now):
			before := cur.Clone()
			cur.Refresh(req, now)
			if err := tx.UpdateBan(ctx, cur); err != nil {
				return err
			}
			// integrations enabled since creation, or whose item failed
			items, err := tx.EnqueueUndelivered(ctx, cur, now)
			if err != nil {
				return err
			}
			entry := entity.NewAuditEntry(entity.AuditBanRefresh, entity.ResourceBan, cur.ID.String(), req.Actor, before, cur, now)
			if err := tx.InsertAudit(ctx, entry); err != nil {
				return err
			}
			c.ban, c.action, c.items = cur, "refresh", items
			c.emit(entity.EventBanUpdated, cur)
			return nil

		case err == nil:
			// expired but not swept yet: the backends still hold the IP,
			// so the old row goes without an unban
			if err := tx.DeleteBan(ctx, cur.ID); err != nil {
				return err
			}
			entry := entity.NewAuditEntry(entity.AuditBanExpire, entity.ResourceBan, cur.ID.String(), entity.ActorSystem, cur, nil, now)
			if err := tx.InsertAudit(ctx, entry); err != nil {
				return err
			}
			c.emit(entity.EventBanRemoved, cur)

		case !errors.Is(err, entity.ErrNotFound):
			return err
		}

		ban := entity.NewBan(req, now)
		if err := tx.InsertBan(ctx, ban); err != nil {
			return err
		}
		items, err := tx.EnqueueForEnabled(ctx, ban, entity.OperationBan, now)
		if err != nil {
			return err
		}
		entry := entity.NewAuditEntry(entity.AuditBanCreate, entity.ResourceBan, ban.ID.String(), req.Actor, nil, ban, now)
		if err := tx.InsertAudit(ctx, entry); err != nil {
			return err
		}
		c.ban, c.action, c.items = ban, "create", items
		c.emit(entity.EventBanCreated, ban)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// MakePermanent clears the expiry of a ban and re-asserts it on every
// enabled integration. A ban that is already permanent is returned as is.
func (s *Service) MakePermanent(ctx context.Context, id uuid.UUID, actor string) (*entity.Ban, error) {
	now := s.now()
	var c *change

	err := s.repo.WithinTx(ctx, func(tx Tx) error {
		c = &change{}

		cur, err := tx.LockBanByID(ctx, id)
		if err != nil {
			return err
		}
		if cur.IsPermanent() {
			c.ban = cur
			return nil
		}

		before := cur.Clone()
		cur.ExpiresAt = nil
		cur.UpdatedAt = now
		if err := tx.UpdateBan(ctx, cur); err != nil {
			return err
		}
		items, err := tx.EnqueueForEnabled(ctx, cur, entity.OperationBan, now)
		if err != nil {
			return err
		}
		entry := entity.NewAuditEntry(entity.AuditBanPermanent, entity.ResourceBan, cur.ID.String(), actorOr(actor), before, cur, now)
		if err := tx.InsertAudit(ctx, entry); err != nil {
			return err
		}
		c.ban, c.action, c.items = cur, "permanent", items
		c.emit(entity.EventBanUpdated, cur)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("make ban %s permanent: %w", id, err)
	}

	s.announce(c)
	return c.ban, nil
}

// Unban removes a ban and enqueues its removal on every enabled
// integration. An unknown or already removed id is ErrNotFound.
func (s *Service) Unban(ctx context.Context, id uuid.UUID, actor string) (*entity.Ban, error) {
	c, err := s.remove(ctx, id, actorOr(actor), entity.AuditBanRemove, "remove", nil)
	if err != nil {
		return nil, fmt.Errorf("unban %s: %w", id, err)
	}
	s.announce(c)
	return c.ban, nil
}

// ExpireDue unbans every ban whose expiry has passed, as actor system
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.repo.ListExpiredBans(ctx, now, expireBatchSize)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, ban := range expired {
		stillExpired := func(b *entity.Ban) bool { return b.IsExpired(now) }
		c, err := s.remove(ctx, ban.ID, entity.ActorSystem, entity.AuditBanExpire, "expire", stillExpired)
		if errors.Is(err, entity.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("expire ban %s: %w", ban.IPAddress, err)
		}
		if c.ban == nil {
			continue
		}
		s.announce(c)
		removed++
	}

	if removed > 0 {
		s.logger.Info("Expired bans removed", "count", removed)
	}
	return removed, nil
}

// remove deletes a ban when guard (if any) still holds on the locked row
func (s *Service) remove(ctx context.Context, id uuid.UUID, actor, auditAction, metricAction string, guard func(*entity.Ban) bool) (*change, error) {
	now := s.now()
	var c *change

	err := s.repo.WithinTx(ctx, func(tx Tx) error {
		c = &change{}

		cur, err := tx.LockBanByID(ctx, id)
		if err != nil {
			return err
		}
		if guard != nil && !guard(cur) {
			return nil
		}
		if err := tx.DeleteBan(ctx, cur.ID); err != nil {
			return err
		}
		items, err := tx.EnqueueForEnabled(ctx, cur, entity.OperationUnban, now)
		if err != nil {
			return err
		}
		entry := entity.NewAuditEntry(auditAction, entity.ResourceBan, cur.ID.String(), actor, cur, nil, now)
		if err := tx.InsertAudit(ctx, entry); err != nil {
			return err
		}
		c.ban, c.action, c.items = cur, metricAction, items
		c.emit(entity.EventBanRemoved, cur)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// announce publishes a committed change and wakes the affected workers
func (s *Service) announce(c *change) {
	if c == nil {
		return
	}
	if c.action != "" {
		telemetry.BanMutationsTotal.WithLabelValues(c.action).Inc()
		s.logger.Info("Ban registry updated",
			"action", c.action,
			"ip", c.ban.IPAddress,
			"severity", c.ban.Severity,
			"queued", len(c.items),
		)
	}

	for _, evt := range c.events {
		s.sink.Publish(evt.Type, evt.Payload)
	}

	if s.notifier != nil && len(c.items) > 0 {
		ids := make([]uuid.UUID, 0, len(c.items))
		for _, item := range c.items {
			ids = append(ids, item.IntegrationID)
		}
		s.notifier.Notify(ids...)
	}
}

// Get returns the active ban on ip
func (s *Service) Get(ctx context.Context, ip string) (*entity.Ban, error) {
	norm, err := entity.NormalizeIP(ip)
	if err != nil {
		return nil, err
	}
	return s.repo.GetActiveBanByIP(ctx, norm, s.now())
}

// ListActive returns every unexpired ban
func (s *Service) ListActive(ctx context.Context) ([]entity.Ban, error) {
	return s.repo.ListActiveBans(ctx, s.now())
}

// GetStats returns registry counters
func (s *Service) GetStats(ctx context.Context) (*entity.BanStats, error) {
	stats, err := s.repo.GetBanStats(ctx, s.now())
	if err != nil {
		return nil, err
	}
	telemetry.ActiveBans.Set(float64(stats.TotalBans))
	return stats, nil
}

// Deliveries returns the per integration delivery status of a ban
func (s *Service) Deliveries(ctx context.Context, banID uuid.UUID) ([]entity.DeliveryStatus, error) {
	return s.repo.ListDeliveries(ctx, banID)
}

// RunExpirySweeper calls ExpireDue every interval until ctx is done
func (s *Service) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Ban expiry sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Ban expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.ExpireDue(ctx); err != nil {
				s.logger.Error("Ban expiry sweep failed", "error", err)
			}
		}
	}
}

func actorOr(actor string) string {
	if actor == "" {
		return entity.ActorSystem
	}
	return actor
}
