package notifications

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/external/smtp"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

// =============================================================================
// Mock Mailer
// =============================================================================

type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) Send(ctx context.Context, msg smtp.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func newTestService(m *MockMailer) (*Service, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(m, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.now = func() time.Time { return now }
	return svc, &now
}

func banEvent(sev entity.Severity, auto bool) entity.LiveEvent {
	return entity.LiveEvent{
		Type: entity.EventBanCreated,
		Payload: &entity.Ban{
			ID:               uuid.New(),
			IPAddress:        "203.0.113.7",
			Reason:           "Auto-ban: 5 CRITICAL events in 1m (burst)",
			Severity:         sev,
			AutoBanned:       auto,
			SourceEventCount: 5,
			CreatedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func failedEvent(integration uuid.UUID) entity.LiveEvent {
	return entity.LiveEvent{
		Type: entity.EventQueueItemFailed,
		Payload: entity.DeliveryEvent{
			QueueItemID:     uuid.New(),
			IntegrationID:   integration,
			IntegrationName: "edge-fw",
			IPAddress:       "203.0.113.7",
			Operation:       entity.OperationBan,
			Attempts:        5,
			Error:           "connection refused",
		},
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestHandle_CriticalAutoBanSendsMail(t *testing.T) {
	m := &MockMailer{}
	m.On("Send", mock.Anything, mock.MatchedBy(func(msg smtp.Message) bool {
		return strings.Contains(msg.Subject, "CRITICAL auto-ban: 203.0.113.7") &&
			strings.Contains(msg.TextBody, "Expires: never (permanent)") &&
			strings.Contains(msg.HTMLBody, "203.0.113.7")
	})).Return(nil).Once()
	svc, _ := newTestService(m)

	svc.Handle(context.Background(), banEvent(entity.SeverityCritical, true))

	m.AssertExpectations(t)
}

func TestHandle_IgnoresOtherBans(t *testing.T) {
	m := &MockMailer{}
	svc, _ := newTestService(m)

	svc.Handle(context.Background(), banEvent(entity.SeverityHigh, true))
	svc.Handle(context.Background(), banEvent(entity.SeverityCritical, false))
	svc.Handle(context.Background(), entity.LiveEvent{Type: entity.EventBanRemoved, Payload: &entity.Ban{}})
	svc.Handle(context.Background(), entity.LiveEvent{Type: entity.EventQueueItemSent, Payload: entity.DeliveryEvent{}})

	m.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestHandle_FailureCooldownPerIntegration(t *testing.T) {
	m := &MockMailer{}
	m.On("Send", mock.Anything, mock.Anything).Return(nil)
	svc, now := newTestService(m)
	ctx := context.Background()

	first, second := uuid.New(), uuid.New()
	svc.Handle(ctx, failedEvent(first))
	svc.Handle(ctx, failedEvent(first))
	svc.Handle(ctx, failedEvent(second))
	m.AssertNumberOfCalls(t, "Send", 2)

	*now = now.Add(2 * time.Minute)
	svc.Handle(ctx, failedEvent(first))
	m.AssertNumberOfCalls(t, "Send", 3)
}

func TestHandle_SendErrorIsSwallowed(t *testing.T) {
	m := &MockMailer{}
	m.On("Send", mock.Anything, mock.Anything).Return(errors.New("relay down"))
	svc, _ := newTestService(m)

	assert.NotPanics(t, func() {
		svc.Handle(context.Background(), failedEvent(uuid.New()))
	})
	m.AssertNumberOfCalls(t, "Send", 1)
}

func TestRun_StopsWhenChannelCloses(t *testing.T) {
	m := &MockMailer{}
	m.On("Send", mock.Anything, mock.Anything).Return(nil)
	svc, _ := newTestService(m)

	events := make(chan entity.LiveEvent, 2)
	events <- failedEvent(uuid.New())
	close(events)

	done := make(chan struct{})
	go func() {
		svc.Run(context.Background(), events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.Fail(t, "Run did not return")
	}
	m.AssertNumberOfCalls(t, "Send", 1)
}

func TestSendTest(t *testing.T) {
	m := &MockMailer{}
	m.On("Send", mock.Anything, mock.MatchedBy(func(msg smtp.Message) bool {
		return strings.Contains(msg.Subject, "Test Email")
	})).Return(nil).Once()
	svc, _ := newTestService(m)

	require.NoError(t, svc.SendTest(context.Background()))
	m.AssertExpectations(t)
}
