package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/external/provider"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/repository/memory"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/audit"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/bans"
)

// =============================================================================
// Fakes
// =============================================================================

type driverCall struct {
	op  string
	ips []string
	at  time.Time
}

type fakeDriver struct {
	mu      sync.Mutex
	calls   []driverCall
	batch   bool
	failFor func(n int) error
	release chan struct{}
	entered chan struct{}
	// panics makes the first n calls panic
	panics int
	// hang blocks every call until its context ends
	hang bool
}

func (d *fakeDriver) do(ctx context.Context, op string, ips ...string) error {
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.release != nil {
		<-d.release
	}

	d.mu.Lock()
	d.calls = append(d.calls, driverCall{op: op, ips: ips, at: time.Now()})
	n := len(d.calls)
	d.mu.Unlock()

	if n <= d.panics {
		panic(fmt.Sprintf("driver bug on call %d", n))
	}
	if d.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if d.failFor != nil {
		return d.failFor(n)
	}
	return nil
}

func (d *fakeDriver) Ban(ctx context.Context, ip string) error   { return d.do(ctx, "ban", ip) }
func (d *fakeDriver) Unban(ctx context.Context, ip string) error { return d.do(ctx, "unban", ip) }
func (d *fakeDriver) BanBatch(ctx context.Context, ips []string) error {
	return d.do(ctx, "batch", ips...)
}
func (d *fakeDriver) TestConnection(context.Context) error { return nil }
func (d *fakeDriver) SupportsBatch() bool                  { return d.batch }

func (d *fakeDriver) snapshot() []driverCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driverCall(nil), d.calls...)
}

type harness struct {
	store   *memory.Store
	sink    *audit.Service
	manager *Manager
	bans    *bans.Service
	drivers map[uuid.UUID]*fakeDriver
	edges   []*entity.Integration
}

func fastOptions() Options {
	return Options{
		MinSpacing:   time.Millisecond,
		RetryBase:    5 * time.Millisecond,
		CallTimeout:  time.Second,
		PollInterval: 20 * time.Millisecond,
		BatchSize:    50,
	}
}

func newHarness(t *testing.T, opts Options, drivers ...*fakeDriver) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		store:   memory.NewStore(),
		drivers: make(map[uuid.UUID]*fakeDriver),
	}
	h.sink = audit.NewService(h.store, logger)

	for i, d := range drivers {
		in := &entity.Integration{ID: uuid.New(), Name: fmt.Sprintf("edge-%d", i), ProviderType: entity.ProviderDryRun, Enabled: true}
		require.NoError(t, h.store.CreateIntegration(context.Background(), in))
		h.edges = append(h.edges, in)
		h.drivers[in.ID] = d
	}

	factory := func(in *entity.Integration) (provider.Driver, error) {
		d, ok := h.drivers[in.ID]
		if !ok {
			return nil, fmt.Errorf("%w: no driver", entity.ErrInvalidArgument)
		}
		return d, nil
	}
	h.manager = NewManager(h.store, factory, h.sink, NewLocalLimiter(opts.MinSpacing), opts, logger)
	h.bans = bans.NewService(h.store, h.sink, h.manager, logger)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.manager.Start(ctx))
	t.Cleanup(func() {
		cancel()
		h.manager.Stop()
	})
}

func (h *harness) ban(t *testing.T, ip string) *entity.Ban {
	t.Helper()
	b, err := h.bans.CreateOrRefresh(context.Background(), entity.BanRequest{IP: ip, Reason: "test", Severity: entity.SeverityHigh, Actor: "alice"})
	require.NoError(t, err)
	return b
}

func (h *harness) statuses(id uuid.UUID) []entity.QueueStatus {
	var out []entity.QueueStatus
	for _, item := range h.store.QueueItems(id) {
		out = append(out, item.Status)
	}
	return out
}

func allSent(statuses []entity.QueueStatus) bool {
	for _, s := range statuses {
		if s != entity.QueueStatusSent {
			return false
		}
	}
	return len(statuses) > 0
}

// =============================================================================
// Delivery
// =============================================================================

func TestScenario_TwoIntegrationsTwoSubscribers(t *testing.T) {
	a, b := &fakeDriver{}, &fakeDriver{}
	h := newHarness(t, fastOptions(), a, b)
	sub1 := h.sink.Subscribe(16)
	sub2 := h.sink.Subscribe(16)
	defer sub1.Close()
	defer sub2.Close()
	h.start(t)

	ban := h.ban(t, "203.0.113.5")

	for _, in := range h.edges {
		id := in.ID
		assert.Eventually(t, func() bool { return allSent(h.statuses(id)) }, 2*time.Second, 10*time.Millisecond)
		assert.Len(t, h.store.QueueItems(id), 1)
	}
	assert.Equal(t, []string{"203.0.113.5"}, a.snapshot()[0].ips)
	assert.Equal(t, []string{"203.0.113.5"}, b.snapshot()[0].ips)

	var first []any
	for _, sub := range []*audit.Subscription{sub1, sub2} {
		created := 0
		sent := 0
		deadline := time.After(2 * time.Second)
	collect:
		for created+sent < 3 {
			select {
			case evt := <-sub.C:
				switch evt.Type {
				case entity.EventBanCreated:
					created++
					first = append(first, evt.Payload)
				case entity.EventQueueItemSent:
					sent++
				}
			case <-deadline:
				break collect
			}
		}
		assert.Equal(t, 1, created)
		assert.Equal(t, 2, sent)
	}
	require.Len(t, first, 2)
	assert.Equal(t, first[0], first[1])
	assert.Equal(t, ban.ID, first[0].(*entity.Ban).ID)

	for _, in := range h.edges {
		got, err := h.store.GetIntegration(context.Background(), in.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.BansSent)
	}
}

func TestRetryBound_FailedAfterThreeAttempts(t *testing.T) {
	d := &fakeDriver{failFor: func(int) error { return fmt.Errorf("%w: connection refused", entity.ErrDriverUnavailable) }}
	h := newHarness(t, fastOptions(), d)
	sub := h.sink.Subscribe(16)
	defer sub.Close()
	h.start(t)

	ban := h.ban(t, "203.0.113.5")
	id := h.edges[0].ID

	assert.Eventually(t, func() bool {
		st := h.statuses(id)
		return len(st) == 1 && st[0] == entity.QueueStatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	// no fourth attempt
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, d.snapshot(), entity.MaxDispatchAttempts)

	item := h.store.QueueItems(id)[0]
	assert.Equal(t, entity.MaxDispatchAttempts, item.Attempts)
	assert.Contains(t, item.LastError, "connection refused")

	var failed *entity.DeliveryEvent
	deadline := time.After(time.Second)
	for failed == nil {
		select {
		case evt := <-sub.C:
			if evt.Type == entity.EventQueueItemFailed {
				p := evt.Payload.(entity.DeliveryEvent)
				failed = &p
			}
		case <-deadline:
			t.Fatal("no queue_item_failed event")
		}
	}
	assert.Equal(t, 3, failed.Attempts)

	// the ban is never rolled back
	active, err := h.bans.Get(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, ban.ID, active.ID)

	deliveries, err := h.bans.Deliveries(context.Background(), ban.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, entity.QueueStatusFailed, deliveries[0].Status)

	entries, _, err := h.store.ListAudit(context.Background(), entity.AuditFilter{Action: entity.AuditDispatchFailed})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
}

func TestRetry_BackoffGrowsByFive(t *testing.T) {
	d := &fakeDriver{failFor: func(int) error { return entity.ErrTimeout }}
	opts := fastOptions()
	opts.RetryBase = 20 * time.Millisecond
	h := newHarness(t, opts, d)
	h.start(t)

	h.ban(t, "203.0.113.5")

	assert.Eventually(t, func() bool { return len(d.snapshot()) == 3 }, 3*time.Second, 5*time.Millisecond)
	calls := d.snapshot()
	assert.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), 20*time.Millisecond)
	assert.GreaterOrEqual(t, calls[2].at.Sub(calls[1].at), 100*time.Millisecond)
}

func TestInvalidArgumentFailsWithoutRetry(t *testing.T) {
	d := &fakeDriver{failFor: func(int) error { return fmt.Errorf("%w: bad chain", entity.ErrInvalidArgument) }}
	h := newHarness(t, fastOptions(), d)
	h.start(t)

	h.ban(t, "203.0.113.5")
	id := h.edges[0].ID

	assert.Eventually(t, func() bool {
		st := h.statuses(id)
		return len(st) == 1 && st[0] == entity.QueueStatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, d.snapshot(), 1)
}

func TestCallTimeoutCutsOffHungDriver(t *testing.T) {
	d := &fakeDriver{hang: true}
	opts := fastOptions()
	opts.CallTimeout = 50 * time.Millisecond
	opts.RetryBase = time.Hour
	h := newHarness(t, opts, d)

	t.Run("call", func(t *testing.T) {
		w := &worker{m: h.manager, name: "edge-0", logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
		ban := entity.NewBan(entity.BanRequest{IP: "203.0.113.9", Reason: "r", Severity: entity.SeverityHigh}, time.Now())
		items := []entity.QueueItem{entity.NewQueueItem(h.edges[0].ID, ban, entity.OperationBan, time.Now())}

		start := time.Now()
		err := w.call(context.Background(), d, items)
		assert.ErrorIs(t, err, entity.ErrTimeout)
		assert.True(t, entity.IsRetryable(err))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("worker", func(t *testing.T) {
		h.start(t)
		h.ban(t, "203.0.113.5")
		id := h.edges[0].ID

		assert.Eventually(t, func() bool {
			items := h.store.QueueItems(id)
			return len(items) == 1 && items[0].Attempts == 1
		}, 2*time.Second, 10*time.Millisecond)

		item := h.store.QueueItems(id)[0]
		assert.Equal(t, entity.QueueStatusPending, item.Status)
		assert.Contains(t, item.LastError, entity.ErrTimeout.Error())
		assert.True(t, item.NextAttemptAt.After(time.Now().Add(30*time.Minute)))
		assert.True(t, h.manager.Running(id))
	})
}

func TestDriverPanicIsAFailedAttempt(t *testing.T) {
	d := &fakeDriver{panics: 1}
	h := newHarness(t, fastOptions(), d)
	h.start(t)

	h.ban(t, "203.0.113.5")
	h.ban(t, "203.0.113.6")
	id := h.edges[0].ID

	assert.Eventually(t, func() bool {
		st := h.statuses(id)
		return len(st) == 2 && allSent(st)
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, h.manager.Running(id))

	items := h.store.QueueItems(id)
	assert.Equal(t, 2, items[0].Attempts, "the panicking call counts as one attempt")
	assert.Equal(t, 1, items[1].Attempts)
	assert.Len(t, d.snapshot(), 3)

	// the worker keeps serving new work
	h.ban(t, "203.0.113.7")
	assert.Eventually(t, func() bool {
		st := h.statuses(id)
		return len(st) == 3 && allSent(st)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPartialFailureIsolation(t *testing.T) {
	broken := &fakeDriver{failFor: func(int) error { return entity.ErrDriverUnavailable }}
	healthy := &fakeDriver{}
	h := newHarness(t, fastOptions(), broken, healthy)
	h.start(t)

	h.ban(t, "203.0.113.5")
	h.ban(t, "203.0.113.6")

	healthyID := h.edges[1].ID
	assert.Eventually(t, func() bool {
		st := h.statuses(healthyID)
		return len(st) == 2 && allSent(st)
	}, 2*time.Second, 10*time.Millisecond)

	brokenID := h.edges[0].ID
	assert.Eventually(t, func() bool {
		for _, s := range h.statuses(brokenID) {
			if s != entity.QueueStatusFailed {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	active, err := h.bans.ListActive(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestRateLimit_SpacingUnderBacklog(t *testing.T) {
	d := &fakeDriver{}
	opts := fastOptions()
	opts.MinSpacing = 40 * time.Millisecond
	h := newHarness(t, opts, d)

	// backlog built before the worker starts
	for i := 1; i <= 4; i++ {
		h.ban(t, fmt.Sprintf("198.51.100.%d", i))
	}
	h.start(t)

	assert.Eventually(t, func() bool { return len(d.snapshot()) == 4 }, 3*time.Second, 5*time.Millisecond)
	calls := d.snapshot()
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].at.Sub(calls[i-1].at), 35*time.Millisecond)
	}

	// enqueue order is kept
	for i, c := range calls {
		assert.Equal(t, []string{fmt.Sprintf("198.51.100.%d", i+1)}, c.ips)
	}
}

func TestRateLimit_SpacingUnderLargeBacklog(t *testing.T) {
	const backlog = 120
	spacing := 10 * time.Millisecond
	d := &fakeDriver{}
	opts := fastOptions()
	opts.MinSpacing = spacing
	h := newHarness(t, opts, d)

	for i := 0; i < backlog; i++ {
		h.ban(t, fmt.Sprintf("198.51.100.%d", i+1))
	}
	h.start(t)

	assert.Eventually(t, func() bool { return len(d.snapshot()) == backlog }, 10*time.Second, 10*time.Millisecond)
	calls := d.snapshot()
	require.Len(t, calls, backlog)

	// timer jitter on either side of a call is tolerated, bursts are not
	for i := 1; i < len(calls); i++ {
		gap := calls[i].at.Sub(calls[i-1].at)
		assert.GreaterOrEqual(t, gap, spacing*8/10, "calls %d and %d", i-1, i)
	}
	assert.GreaterOrEqual(t, calls[backlog-1].at.Sub(calls[0].at), time.Duration(backlog-2)*spacing)
	for i, c := range calls {
		assert.Equal(t, "ban", c.op)
		assert.Equal(t, []string{fmt.Sprintf("198.51.100.%d", i+1)}, c.ips)
	}
}

func TestBatchDriverCoalescesBans(t *testing.T) {
	d := &fakeDriver{batch: true}
	h := newHarness(t, fastOptions(), d)
	for i := 1; i <= 3; i++ {
		h.ban(t, fmt.Sprintf("198.51.100.%d", i))
	}
	b := h.ban(t, "198.51.100.9")
	_, err := h.bans.Unban(context.Background(), b.ID, "alice")
	require.NoError(t, err)

	h.start(t)

	id := h.edges[0].ID
	assert.Eventually(t, func() bool { return allSent(h.statuses(id)) }, 2*time.Second, 10*time.Millisecond)

	calls := d.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "batch", calls[0].op)
	assert.Equal(t, []string{"198.51.100.1", "198.51.100.2", "198.51.100.3", "198.51.100.9"}, calls[0].ips)
	assert.Equal(t, "unban", calls[1].op)

	got, err := h.store.GetIntegration(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.BansSent)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestDisableKeepsPendingAndResumesInOrder(t *testing.T) {
	d := &fakeDriver{}
	h := newHarness(t, fastOptions(), d)
	h.start(t)

	in := h.edges[0]
	in.Enabled = false
	h.manager.Sync(in)
	assert.False(t, h.manager.Running(in.ID))

	h.ban(t, "198.51.100.1")
	h.ban(t, "198.51.100.2")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []entity.QueueStatus{entity.QueueStatusPending, entity.QueueStatusPending}, h.statuses(in.ID))
	assert.Empty(t, d.snapshot())

	in.Enabled = true
	h.manager.Sync(in)
	assert.Eventually(t, func() bool { return allSent(h.statuses(in.ID)) }, 2*time.Second, 10*time.Millisecond)

	calls := d.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"198.51.100.1"}, calls[0].ips)
	assert.Equal(t, []string{"198.51.100.2"}, calls[1].ips)
}

func TestStopWaitsForInFlightCall(t *testing.T) {
	d := &fakeDriver{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	h := newHarness(t, fastOptions(), d)
	h.start(t)

	h.ban(t, "203.0.113.5")
	select {
	case <-d.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("driver was not called")
	}

	stopped := make(chan struct{})
	go func() {
		h.manager.StopIntegration(h.edges[0].ID)
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned before the in-flight call finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(d.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}
	assert.Equal(t, []entity.QueueStatus{entity.QueueStatusSent}, h.statuses(h.edges[0].ID))
}

func TestStartRecoversInFlightItems(t *testing.T) {
	d := &fakeDriver{}
	h := newHarness(t, fastOptions(), d)
	h.ban(t, "203.0.113.5")

	id := h.edges[0].ID
	claimed, err := h.store.ClaimDue(context.Background(), id, time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	h.start(t)
	assert.Eventually(t, func() bool { return allSent(h.statuses(id)) }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, d.snapshot(), 1)
}

func TestCancelInterruptsBackoffWait(t *testing.T) {
	d := &fakeDriver{failFor: func(int) error { return entity.ErrDriverUnavailable }}
	opts := fastOptions()
	opts.RetryBase = time.Hour
	h := newHarness(t, opts, d)
	h.start(t)

	h.ban(t, "203.0.113.5")
	assert.Eventually(t, func() bool { return len(d.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		h.manager.StopIntegration(h.edges[0].ID)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop blocked on backoff")
	}
	assert.Equal(t, []entity.QueueStatus{entity.QueueStatusPending}, h.statuses(h.edges[0].ID))
}

func TestLocalLimiter_WaitHonorsContext(t *testing.T) {
	l := NewLocalLimiter(time.Hour)
	require.NoError(t, l.Wait(context.Background(), "a"))
	require.NoError(t, l.Wait(context.Background(), "b"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "a"))
}

func TestLocalLimiter_SpacingFromActualCall(t *testing.T) {
	const spacing = 50 * time.Millisecond
	l := NewLocalLimiter(spacing)

	// time spent claiming before each wait, including one longer than
	// the spacing so the bucket refills while the worker is busy
	var calls []time.Time
	for _, claim := range []time.Duration{0, 40 * time.Millisecond, 0, 70 * time.Millisecond, 0, 40 * time.Millisecond, 0} {
		time.Sleep(claim)
		require.NoError(t, l.Wait(context.Background(), "edge"))
		calls = append(calls, time.Now())
	}

	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i].Sub(calls[i-1]), spacing*9/10, "calls %d and %d", i-1, i)
	}
}

func TestStopDuringRateLimitReleasesClaim(t *testing.T) {
	d := &fakeDriver{}
	opts := fastOptions()
	opts.MinSpacing = time.Hour
	h := newHarness(t, opts, d)
	h.start(t)

	h.ban(t, "203.0.113.5")
	h.ban(t, "203.0.113.6")
	id := h.edges[0].ID

	// the second item is claimed and waits for the next token
	assert.Eventually(t, func() bool {
		st := h.statuses(id)
		return len(st) == 2 && st[0] == entity.QueueStatusSent && st[1] == entity.QueueStatusInFlight
	}, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		h.manager.StopIntegration(id)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop blocked on the rate limit")
	}

	items := h.store.QueueItems(id)
	require.Len(t, items, 2)
	assert.Equal(t, entity.QueueStatusPending, items[1].Status)
	assert.Zero(t, items[1].Attempts)
	assert.Empty(t, items[1].LastError)
	assert.Len(t, d.snapshot(), 1)
}
