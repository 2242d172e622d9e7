package entity

import (
	"time"

	"github.com/google/uuid"
)

// WAF event sources
const (
	EventSourceAPI    = "api"
	EventSourceModSec = "modsec"
	EventSourceReplay = "replay"
)

// WAFEvent is one request matched by a WAF rule
type WAFEvent struct {
	EventID    uuid.UUID `json:"event_id" ch:"event_id"`
	ClientIP   string    `json:"client_ip" ch:"client_ip"`
	Severity   Severity  `json:"severity" ch:"severity"`
	AttackType string    `json:"attack_type" ch:"attack_type"`
	RuleID     string    `json:"rule_id" ch:"rule_id"`
	Timestamp  time.Time `json:"timestamp" ch:"timestamp"`

	// Context
	Hostname string `json:"hostname,omitempty" ch:"hostname"`
	URI      string `json:"uri,omitempty" ch:"uri"`
	Message  string `json:"message,omitempty" ch:"message"`

	Source     string    `json:"source,omitempty" ch:"source"`
	IngestedAt time.Time `json:"ingested_at" ch:"ingested_at"`
}

// AttackTypeCount is one row of a top attack types breakdown
type AttackTypeCount struct {
	AttackType string `json:"attack_type" ch:"attack_type"`
	Count      uint64 `json:"count" ch:"count"`
}

// Live event types pushed to dashboard subscribers
const (
	EventBanCreated      = "ban_created"
	EventBanUpdated      = "ban_updated"
	EventBanRemoved      = "ban_removed"
	EventQueueItemSent   = "queue_item_sent"
	EventQueueItemFailed = "queue_item_failed"
)

// LiveEvent is one typed push-stream message
type LiveEvent struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// DeliveryEvent is the payload of queue_item_sent and queue_item_failed
type DeliveryEvent struct {
	QueueItemID     uuid.UUID `json:"queue_item_id"`
	IntegrationID   uuid.UUID `json:"integration_id"`
	IntegrationName string    `json:"integration_name"`
	BanID           uuid.UUID `json:"ban_id"`
	IPAddress       string    `json:"ip_address"`
	Operation       Operation `json:"operation"`
	Attempts        int       `json:"attempts"`
	Error           string    `json:"error,omitempty"`
}
