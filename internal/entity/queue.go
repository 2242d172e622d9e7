package entity

import (
	"time"

	"github.com/google/uuid"
)

// Operation is the directive carried by a queue item
type Operation string

// Dispatch operations
const (
	OperationBan   Operation = "ban"
	OperationUnban Operation = "unban"
)

// QueueStatus is the delivery state of a queue item
type QueueStatus string

// Queue item states. pending -> in_flight -> sent|failed, or back to
// pending when a retry is scheduled.
const (
	QueueStatusPending  QueueStatus = "pending"
	QueueStatusInFlight QueueStatus = "in_flight"
	QueueStatusSent     QueueStatus = "sent"
	QueueStatusFailed   QueueStatus = "failed"
)

// MaxDispatchAttempts bounds delivery attempts per queue item
const MaxDispatchAttempts = 3

// QueueItem is one ban/unban directive for one integration.
// IPAddress is copied from the ban so an unban can be delivered after
// the ban row is gone.
type QueueItem struct {
	ID            uuid.UUID   `json:"id" db:"id"`
	Seq           int64       `json:"seq" db:"seq"`
	IntegrationID uuid.UUID   `json:"integration_id" db:"integration_id"`
	BanID         uuid.UUID   `json:"ban_id" db:"ban_id"`
	IPAddress     string      `json:"ip_address" db:"ip_address"`
	Operation     Operation   `json:"operation" db:"operation"`
	Status        QueueStatus `json:"status" db:"status"`
	Attempts      int         `json:"attempts" db:"attempts"`
	NextAttemptAt time.Time   `json:"next_attempt_at" db:"next_attempt_at"`
	LastError     string      `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// DeliveryStatus is the latest queue item of a ban for one integration
type DeliveryStatus struct {
	IntegrationID   uuid.UUID   `json:"integration_id" db:"integration_id"`
	IntegrationName string      `json:"integration_name" db:"integration_name"`
	Operation       Operation   `json:"operation" db:"operation"`
	Status          QueueStatus `json:"status" db:"status"`
	Attempts        int         `json:"attempts" db:"attempts"`
	LastError       string      `json:"last_error,omitempty" db:"last_error"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}

// NewQueueItem builds a pending item due immediately
func NewQueueItem(integrationID uuid.UUID, ban *Ban, op Operation, now time.Time) QueueItem {
	return QueueItem{
		ID:            uuid.New(),
		IntegrationID: integrationID,
		BanID:         ban.ID,
		IPAddress:     ban.IPAddress,
		Operation:     op,
		Status:        QueueStatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// RetryBackoff returns the delay before the next attempt: base, 5*base,
// 25*base... for attempts 1, 2, 3...
func RetryBackoff(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 5
	}
	return d
}

// CoalesceRun picks what one driver call delivers from due items in
// enqueue order: the head item, extended by the following ban items
// while the head is a ban, up to limit.
func CoalesceRun(items []QueueItem, limit int) []QueueItem {
	if len(items) == 0 {
		return nil
	}
	if limit < 1 {
		limit = 1
	}
	run := items[:1]
	if items[0].Operation != OperationBan {
		return run
	}
	for i := 1; i < len(items) && len(run) < limit; i++ {
		if items[i].Operation != OperationBan {
			break
		}
		run = items[:i+1]
	}
	return run
}
