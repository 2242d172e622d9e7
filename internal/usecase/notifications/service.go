package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/external/smtp"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

// Mailer sends one rendered message
type Mailer interface {
	Send(ctx context.Context, msg smtp.Message) error
}

// DefaultCooldown is the minimum spacing between failure mails for one
// integration
const DefaultCooldown = 5 * time.Minute

const sendTimeout = 30 * time.Second

// Service turns live events into alert mail. It consumes a sink
// subscription so dispatch never waits on SMTP.
type Service struct {
	mailer   Mailer
	logger   *slog.Logger
	cooldown time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastFailed map[string]time.Time
	suppressed map[string]int
}

// NewService creates a notifier. cooldown <= 0 uses DefaultCooldown.
func NewService(mailer Mailer, cooldown time.Duration, logger *slog.Logger) *Service {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Service{
		mailer:     mailer,
		logger:     logger,
		cooldown:   cooldown,
		now:        time.Now,
		lastFailed: make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
}

// Run consumes events until ctx is done or events is closed
func (s *Service) Run(ctx context.Context, events <-chan entity.LiveEvent) {
	s.logger.Info("Alert notifier started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Alert notifier stopped")
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.Handle(ctx, evt)
		}
	}
}

// Handle mails the events that warrant it: CRITICAL auto-bans and
// deliveries that failed permanently. Everything else is ignored.
func (s *Service) Handle(ctx context.Context, evt entity.LiveEvent) {
	var msg smtp.Message

	switch evt.Type {
	case entity.EventBanCreated:
		ban, ok := evt.Payload.(*entity.Ban)
		if !ok || !ban.AutoBanned || ban.Severity != entity.SeverityCritical {
			return
		}
		msg = smtp.RenderBanAlert(ban)

	case entity.EventQueueItemFailed:
		d, ok := evt.Payload.(entity.DeliveryEvent)
		if !ok {
			return
		}
		if !s.allowFailure(d.IntegrationID.String()) {
			s.logger.Debug("Failure alert skipped (cooldown)", "integration", d.IntegrationName, "ip", d.IPAddress)
			return
		}
		msg = smtp.RenderDeliveryFailure(d, evt.Timestamp)

	default:
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := s.mailer.Send(sendCtx, msg); err != nil {
		s.logger.Error("Failed to send alert", "subject", msg.Subject, "error", err)
	}
}

// allowFailure applies the per integration cooldown and reports how many
// failures were folded into the previous mail
func (s *Service) allowFailure(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if last, ok := s.lastFailed[key]; ok && now.Sub(last) < s.cooldown {
		s.suppressed[key]++
		return false
	}
	if n := s.suppressed[key]; n > 0 {
		s.logger.Info("Failure alerts suppressed during cooldown", "integration_id", key, "count", n)
		delete(s.suppressed, key)
	}
	s.lastFailed[key] = now
	return true
}

// SendTest mails a test message to the configured recipients
func (s *Service) SendTest(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return s.mailer.Send(ctx, smtp.RenderTestEmail(s.now()))
}
