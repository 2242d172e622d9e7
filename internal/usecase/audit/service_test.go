package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/repository/memory"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

// =============================================================================
// Helpers
// =============================================================================

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) InsertAudit(ctx context.Context, entry *entity.AuditLogEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockRepository) ListAudit(ctx context.Context, filter entity.AuditFilter) ([]entity.AuditLogEntry, int64, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]entity.AuditLogEntry), args.Get(1).(int64), args.Error(2)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []entity.LiveEvent
}

func (p *recordingPublisher) Publish(evt entity.LiveEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// Live events
// =============================================================================

func TestPublish_EverySubscriberGetsOneCopy(t *testing.T) {
	sink := NewService(memory.NewStore(), testLogger())
	a := sink.Subscribe(4)
	b := sink.Subscribe(4)
	defer a.Close()
	defer b.Close()
	pub := &recordingPublisher{}
	sink.AddPublisher(pub)

	payload := map[string]string{"ip_address": "203.0.113.5"}
	sink.Publish(entity.EventBanCreated, payload)

	for _, sub := range []*Subscription{a, b} {
		select {
		case evt := <-sub.C:
			assert.Equal(t, entity.EventBanCreated, evt.Type)
			assert.Equal(t, payload, evt.Payload)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
		assert.Len(t, sub.C, 0)
	}
	assert.Len(t, pub.events, 1)
}

func TestPublish_SlowSubscriberDrops(t *testing.T) {
	sink := NewService(memory.NewStore(), testLogger())
	slow := sink.Subscribe(1)
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			sink.Publish(entity.EventBanUpdated, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	evt := <-slow.C
	assert.Equal(t, 0, evt.Payload)
	assert.Len(t, slow.C, 0)
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	sink := NewService(memory.NewStore(), testLogger())
	sub := sink.Subscribe(1)
	sub.Close()
	sub.Close()

	sink.Publish(entity.EventBanRemoved, nil)

	_, ok := <-sub.C
	assert.False(t, ok)
}

// =============================================================================
// Audit log
// =============================================================================

func TestRecord_ReturnsRepositoryError(t *testing.T) {
	repo := new(MockRepository)
	sink := NewService(repo, testLogger())
	boom := errors.New("disk full")
	repo.On("InsertAudit", mock.Anything, mock.Anything).Return(boom)

	err := sink.Record(context.Background(), entity.NewAuditEntry(entity.AuditDispatchSent, entity.ResourceQueueItem, "q1", entity.ActorSystem, nil, nil, testNow))
	assert.ErrorIs(t, err, boom)
	repo.AssertExpectations(t)
}

func TestQuery_ClampsPageSize(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"default", 0, DefaultPageSize},
		{"kept", 20, 20},
		{"capped", 5000, MaxPageSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockRepository)
			sink := NewService(repo, testLogger())
			repo.On("ListAudit", mock.Anything, entity.AuditFilter{Limit: tt.want}).
				Return([]entity.AuditLogEntry{}, int64(0), nil)

			_, _, err := sink.Query(context.Background(), entity.AuditFilter{Limit: tt.limit})
			require.NoError(t, err)
			repo.AssertExpectations(t)
		})
	}
}

func TestQuery_RejectsInvertedRange(t *testing.T) {
	sink := NewService(memory.NewStore(), testLogger())
	from := testNow
	to := testNow.Add(-time.Hour)

	_, _, err := sink.Query(context.Background(), entity.AuditFilter{From: &from, To: &to})
	assert.ErrorIs(t, err, entity.ErrInvalidArgument)
}

func TestExportCSV_OneRecordPerEntry(t *testing.T) {
	store := memory.NewStore()
	sink := NewService(store, testLogger())
	ctx := context.Background()

	total := exportPageSize + 3
	for i := 0; i < total; i++ {
		action := entity.AuditBanCreate
		if i%2 == 0 {
			action = entity.AuditBanRemove
		}
		e := entity.NewAuditEntry(action, entity.ResourceBan, "b", "alice", nil, map[string]int{"n": i}, testNow.Add(time.Duration(i)*time.Second))
		require.NoError(t, sink.Record(ctx, e))
	}

	var buf bytes.Buffer
	n, err := sink.ExportCSV(ctx, &buf, entity.AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, total, n)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, total+1)
	assert.Equal(t, CSVHeader, records[0])
	assert.Equal(t, `{"n":502}`, records[1][9])

	buf.Reset()
	n, err = sink.ExportCSV(ctx, &buf, entity.AuditFilter{Action: entity.AuditBanCreate})
	require.NoError(t, err)
	assert.Equal(t, total/2, n)
}
