package bans_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/repository/memory"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/bans"
)

// =============================================================================
// Helpers
// =============================================================================

type fakeSink struct {
	mu     sync.Mutex
	events []entity.LiveEvent
}

func (f *fakeSink) Publish(eventType string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, entity.LiveEvent{Type: eventType, Payload: payload})
}

func (f *fakeSink) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

type fakeNotifier struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (f *fakeNotifier) Notify(ids ...uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, ids...)
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	store    *memory.Store
	sink     *fakeSink
	notifier *fakeNotifier
	clock    *clock
	svc      *bans.Service
	edges    []*entity.Integration
}

func newFixture(t *testing.T, enabled ...bool) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.NewStore(),
		sink:     &fakeSink{},
		notifier: &fakeNotifier{},
		clock:    &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	for i, on := range enabled {
		in := &entity.Integration{ID: uuid.New(), Name: "edge-" + string(rune('a'+i)), ProviderType: entity.ProviderDryRun, Enabled: on}
		require.NoError(t, f.store.CreateIntegration(context.Background(), in))
		f.edges = append(f.edges, in)
	}
	f.svc = bans.NewService(f.store, f.sink, f.notifier, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.svc.SetClock(f.clock.now)
	return f
}

func (f *fixture) audit(t *testing.T, action string) []entity.AuditLogEntry {
	t.Helper()
	entries, _, err := f.store.ListAudit(context.Background(), entity.AuditFilter{Action: action})
	require.NoError(t, err)
	return entries
}

func seconds(n int64) *int64 { return &n }

func request(ip string, sev entity.Severity, dur *int64) entity.BanRequest {
	return entity.BanRequest{IP: ip, Reason: "sqli burst", Severity: sev, DurationSeconds: dur, Actor: "alice"}
}

// =============================================================================
// CreateOrRefresh
// =============================================================================

func TestCreateOrRefresh_EnqueuesForEnabledIntegrations(t *testing.T) {
	f := newFixture(t, true, true, false)

	ban, err := f.svc.CreateOrRefresh(context.Background(), request("203.0.113.5", entity.SeverityHigh, seconds(3600)))
	require.NoError(t, err)

	assert.Equal(t, "203.0.113.5", ban.IPAddress)
	assert.Equal(t, 1, ban.SourceEventCount)
	assert.Equal(t, "alice", ban.CreatedBy)
	assert.Len(t, f.store.QueueItems(f.edges[0].ID), 1)
	assert.Len(t, f.store.QueueItems(f.edges[1].ID), 1)
	assert.Empty(t, f.store.QueueItems(f.edges[2].ID))
	assert.ElementsMatch(t, []uuid.UUID{f.edges[0].ID, f.edges[1].ID}, f.notifier.ids)
	assert.Equal(t, []string{entity.EventBanCreated}, f.sink.types())
	assert.Len(t, f.audit(t, entity.AuditBanCreate), 1)
}

func TestCreateOrRefresh_IsIdempotentPerIP(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	first, err := f.svc.CreateOrRefresh(ctx, request("203.0.113.5", entity.SeverityMedium, seconds(600)))
	require.NoError(t, err)
	f.clock.advance(time.Minute)
	second, err := f.svc.CreateOrRefresh(ctx, request("203.0.113.5", entity.SeverityMedium, seconds(600)))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.SourceEventCount)
	assert.True(t, second.ExpiresAt.After(*first.ExpiresAt))

	active, err := f.svc.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Len(t, f.store.QueueItems(f.edges[0].ID), 1, "refresh does not re-dispatch a live item")
	assert.Equal(t, []string{entity.EventBanCreated, entity.EventBanUpdated}, f.sink.types())
	assert.Len(t, f.audit(t, entity.AuditBanRefresh), 1)
}

func TestCreateOrRefresh_RefreshReachesLateIntegrations(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.svc.CreateOrRefresh(ctx, request("203.0.113.5", entity.SeverityMedium, seconds(600)))
	require.NoError(t, err)
	require.Empty(t, f.store.QueueItems(f.edges[0].ID))

	edge := f.edges[0].Clone()
	edge.Enabled = true
	require.NoError(t, f.store.UpdateIntegration(ctx, edge))

	f.clock.advance(time.Minute)
	ban, err := f.svc.CreateOrRefresh(ctx, request("203.0.113.5", entity.SeverityCritical, nil))
	require.NoError(t, err)
	assert.Nil(t, ban.ExpiresAt)

	items := f.store.QueueItems(f.edges[0].ID)
	require.Len(t, items, 1)
	assert.Equal(t, entity.OperationBan, items[0].Operation)
	assert.Equal(t, ban.ID, items[0].BanID)
	assert.Equal(t, []uuid.UUID{f.edges[0].ID}, f.notifier.ids)

	// the pending item covers later refreshes
	_, err = f.svc.CreateOrRefresh(ctx, request("203.0.113.5", entity.SeverityCritical, nil))
	require.NoError(t, err)
	assert.Len(t, f.store.QueueItems(f.edges[0].ID), 1)
}

func TestCreateOrRefresh_RefreshRetriesFailedDelivery(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.CreateOrRefresh(ctx, request("203.0.113.5", entity.SeverityHigh, seconds(600)))
	require.NoError(t, err)
	items := f.store.QueueItems(f.edges[0].ID)
	require.Len(t, items, 1)
	items[0].Attempts = 5
	items[0].LastError = "connection refused"
	require.NoError(t, f.store.MarkFailed(ctx, &items[0], f.clock.now()))

	_, err = f.svc.CreateOrRefresh(ctx, request("203.0.113.5", entity.SeverityHigh, seconds(600)))
	require.NoError(t, err)

	items = f.store.QueueItems(f.edges[0].ID)
	require.Len(t, items, 2)
	assert.Equal(t, entity.QueueStatusFailed, items[0].Status)
	assert.Equal(t, entity.QueueStatusPending, items[1].Status)
	assert.Equal(t, entity.OperationBan, items[1].Operation)
}

func TestCreateOrRefresh_RefreshMergeRules(t *testing.T) {
	tests := []struct {
		name         string
		first        entity.BanRequest
		second       entity.BanRequest
		wantSeverity entity.Severity
		wantReason   string
		wantExpiry   *time.Duration
	}{
		{
			name:         "higher severity wins",
			first:        entity.BanRequest{IP: "198.51.100.7", Reason: "low", Severity: entity.SeverityLow, DurationSeconds: seconds(3600)},
			second:       entity.BanRequest{IP: "198.51.100.7", Reason: "critical", Severity: entity.SeverityCritical, DurationSeconds: seconds(60)},
			wantSeverity: entity.SeverityCritical,
			wantReason:   "critical",
			wantExpiry:   durationPtr(time.Hour),
		},
		{
			name:         "lower severity keeps reason",
			first:        entity.BanRequest{IP: "198.51.100.7", Reason: "high", Severity: entity.SeverityHigh, DurationSeconds: seconds(60)},
			second:       entity.BanRequest{IP: "198.51.100.7", Reason: "low", Severity: entity.SeverityLow, DurationSeconds: seconds(7200)},
			wantSeverity: entity.SeverityHigh,
			wantReason:   "high",
			wantExpiry:   durationPtr(2 * time.Hour),
		},
		{
			name:         "permanent is the longest",
			first:        entity.BanRequest{IP: "198.51.100.7", Reason: "a", Severity: entity.SeverityHigh, DurationSeconds: seconds(60)},
			second:       entity.BanRequest{IP: "198.51.100.7", Reason: "b", Severity: entity.SeverityHigh},
			wantSeverity: entity.SeverityHigh,
			wantReason:   "b",
			wantExpiry:   nil,
		},
		{
			name:         "permanent stays permanent",
			first:        entity.BanRequest{IP: "198.51.100.7", Reason: "a", Severity: entity.SeverityHigh},
			second:       entity.BanRequest{IP: "198.51.100.7", Reason: "a", Severity: entity.SeverityHigh, DurationSeconds: seconds(60)},
			wantSeverity: entity.SeverityHigh,
			wantReason:   "a",
			wantExpiry:   nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.CreateOrRefresh(context.Background(), tt.first)
			require.NoError(t, err)
			ban, err := f.svc.CreateOrRefresh(context.Background(), tt.second)
			require.NoError(t, err)

			assert.Equal(t, tt.wantSeverity, ban.Severity)
			assert.Equal(t, tt.wantReason, ban.Reason)
			if tt.wantExpiry == nil {
				assert.Nil(t, ban.ExpiresAt)
			} else {
				require.NotNil(t, ban.ExpiresAt)
				assert.Equal(t, f.clock.t.Add(*tt.wantExpiry), *ban.ExpiresAt)
			}
		})
	}
}

func durationPtr(d time.Duration) *time.Duration { return &d }

func TestCreateOrRefresh_InvalidInputHasNoSideEffects(t *testing.T) {
	tests := []struct {
		name string
		req  entity.BanRequest
	}{
		{"bad ip", request("999.1.1.1", entity.SeverityHigh, nil)},
		{"empty ip", request("", entity.SeverityHigh, nil)},
		{"bad severity", request("203.0.113.5", entity.Severity("EXTREME"), nil)},
		{"zero duration", request("203.0.113.5", entity.SeverityHigh, seconds(0))},
		{"no reason", entity.BanRequest{IP: "203.0.113.5", Severity: entity.SeverityHigh}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			_, err := f.svc.CreateOrRefresh(context.Background(), tt.req)
			assert.ErrorIs(t, err, entity.ErrInvalidArgument)
			assert.Empty(t, f.store.QueueItems(f.edges[0].ID))
			assert.Empty(t, f.audit(t, ""))
			assert.Empty(t, f.sink.types())
		})
	}
}

func TestCreateOrRefresh_NormalizesIP(t *testing.T) {
	f := newFixture(t)
	ban, err := f.svc.CreateOrRefresh(context.Background(), request("::ffff:203.0.113.5", entity.SeverityLow, nil))
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", ban.IPAddress)

	got, err := f.svc.Get(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, ban.ID, got.ID)
}

func TestCreateOrRefresh_ReplacesUnsweptExpiredBan(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	old, err := f.svc.CreateOrRefresh(ctx, request("203.0.113.5", entity.SeverityLow, seconds(60)))
	require.NoError(t, err)
	f.clock.advance(2 * time.Minute)

	fresh, err := f.svc.CreateOrRefresh(ctx, request("203.0.113.5", entity.SeverityHigh, seconds(60)))
	require.NoError(t, err)

	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Equal(t, 1, fresh.SourceEventCount)
	assert.Len(t, f.audit(t, entity.AuditBanExpire), 1)
	items := f.store.QueueItems(f.edges[0].ID)
	require.Len(t, items, 2)
	assert.Equal(t, entity.OperationBan, items[1].Operation)
	assert.Equal(t, fresh.ID, items[1].BanID)
}

type conflictOnceRepo struct {
	*memory.Store
	tripped bool
}

func (r *conflictOnceRepo) WithinTx(ctx context.Context, fn func(tx bans.Tx) error) error {
	if r.tripped {
		return r.Store.WithinTx(ctx, fn)
	}
	r.tripped = true

	// another writer commits a ban on the IP after our lock saw nothing
	other := entity.NewBan(entity.BanRequest{IP: "203.0.113.5", Reason: "other", Severity: entity.SeverityLow, Actor: "bob"}, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err := r.Store.WithinTx(ctx, func(tx bans.Tx) error { return tx.InsertBan(ctx, other) }); err != nil {
		return err
	}
	return r.Store.WithinTx(ctx, func(tx bans.Tx) error { return fn(&staleLockTx{Tx: tx}) })
}

// staleLockTx hides the concurrent row from the lock, as a real lock
// taken before the other writer committed would
type staleLockTx struct {
	bans.Tx
}

func (t *staleLockTx) LockBanByIP(context.Context, string) (*entity.Ban, error) {
	return nil, entity.ErrNotFound
}

func TestCreateOrRefresh_ConflictIsRetriedAsRefresh(t *testing.T) {
	store := memory.NewStore()
	repo := &conflictOnceRepo{Store: store}
	sink := &fakeSink{}
	svc := bans.NewService(repo, sink, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.SetClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })

	ban, err := svc.CreateOrRefresh(context.Background(), request("203.0.113.5", entity.SeverityHigh, nil))
	require.NoError(t, err)
	assert.Equal(t, entity.SeverityHigh, ban.Severity)
	assert.Equal(t, []string{entity.EventBanUpdated}, sink.types())
}

// =============================================================================
// MakePermanent / Unban / ExpireDue
// =============================================================================

func TestMakePermanent(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.MakePermanent(ctx, uuid.New(), "alice")
	assert.ErrorIs(t, err, entity.ErrNotFound)

	ban, err := f.svc.CreateOrRefresh(ctx, request("203.0.113.5", entity.SeverityHigh, seconds(60)))
	require.NoError(t, err)

	perm, err := f.svc.MakePermanent(ctx, ban.ID, "alice")
	require.NoError(t, err)
	assert.Nil(t, perm.ExpiresAt)
	assert.Len(t, f.store.QueueItems(f.edges[0].ID), 2)
	assert.Len(t, f.audit(t, entity.AuditBanPermanent), 1)

	again, err := f.svc.MakePermanent(ctx, ban.ID, "alice")
	require.NoError(t, err)
	assert.Nil(t, again.ExpiresAt)
	assert.Len(t, f.audit(t, entity.AuditBanPermanent), 1)

	f.clock.advance(time.Hour)
	n, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnban_Idempotence(t *testing.T) {
	f := newFixture(t, true, true)
	ctx := context.Background()

	ban, err := f.svc.CreateOrRefresh(ctx, request("203.0.113.5", entity.SeverityHigh, nil))
	require.NoError(t, err)

	removed, err := f.svc.Unban(ctx, ban.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, ban.ID, removed.ID)

	for _, in := range f.edges {
		items := f.store.QueueItems(in.ID)
		require.Len(t, items, 2)
		assert.Equal(t, entity.OperationUnban, items[1].Operation)
		assert.Equal(t, "203.0.113.5", items[1].IPAddress)
	}

	_, err = f.svc.Unban(ctx, ban.ID, "alice")
	assert.ErrorIs(t, err, entity.ErrNotFound)
	for _, in := range f.edges {
		assert.Len(t, f.store.QueueItems(in.ID), 2)
	}

	tombstones := f.audit(t, entity.AuditBanRemove)
	require.Len(t, tombstones, 1)
	assert.NotNil(t, tombstones[0].BeforeState)
	assert.Nil(t, tombstones[0].AfterState)

	_, err = f.svc.Get(ctx, "203.0.113.5")
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestExpireDue_RemovesAsSystem(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.CreateOrRefresh(ctx, request("203.0.113.5", entity.SeverityLow, seconds(60)))
	require.NoError(t, err)
	_, err = f.svc.CreateOrRefresh(ctx, request("203.0.113.6", entity.SeverityLow, seconds(600)))
	require.NoError(t, err)

	f.clock.advance(2 * time.Minute)
	n, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries := f.audit(t, entity.AuditBanExpire)
	require.Len(t, entries, 1)
	assert.Equal(t, entity.ActorSystem, entries[0].Actor)

	active, err := f.svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "203.0.113.6", active[0].IPAddress)

	items := f.store.QueueItems(f.edges[0].ID)
	assert.Equal(t, entity.OperationUnban, items[len(items)-1].Operation)
}

func TestGetStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateOrRefresh(ctx, request("203.0.113.5", entity.SeverityLow, nil))
	require.NoError(t, err)
	auto := request("203.0.113.6", entity.SeverityHigh, nil)
	auto.AutoBanned = true
	_, err = f.svc.CreateOrRefresh(ctx, auto)
	require.NoError(t, err)

	stats, err := f.svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalBans)
	assert.Equal(t, int64(1), stats.AutoBans)
	assert.Equal(t, int64(1), stats.ManualBans)
	assert.Equal(t, int64(2), stats.BansLast24h)
}

func TestGet_InvalidIP(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Get(context.Background(), "not-an-ip")
	assert.ErrorIs(t, err, entity.ErrInvalidArgument)
}
