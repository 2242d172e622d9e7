package entity

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Audit actions
const (
	AuditBanCreate          = "ban.create"
	AuditBanRefresh         = "ban.refresh"
	AuditBanPermanent       = "ban.permanent"
	AuditBanRemove          = "ban.remove"
	AuditBanExpire          = "ban.expire"
	AuditDispatchSent       = "dispatch.sent"
	AuditDispatchFailed     = "dispatch.failed"
	AuditIntegrationCreate  = "integration.create"
	AuditIntegrationUpdate  = "integration.update"
	AuditIntegrationDelete  = "integration.delete"
	AuditIntegrationEnable  = "integration.enable"
	AuditIntegrationDisable = "integration.disable"
	AuditIntegrationTest    = "integration.test"
	AuditMatrixCreate       = "matrix.create"
	AuditMatrixUpdate       = "matrix.update"
	AuditMatrixDelete       = "matrix.delete"
)

// Audit resource types
const (
	ResourceBan         = "ban"
	ResourceQueueItem   = "queue_item"
	ResourceIntegration = "integration"
	ResourceMatrixRule  = "matrix_rule"
)

// JSONState is a nullable JSON document (before/after snapshots)
type JSONState []byte

// StateOf marshals v into a snapshot; nil stays NULL
func StateOf(v any) JSONState {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil || bytes.Equal(b, []byte("null")) {
		return nil
	}
	return b
}

// Value implements driver.Valuer. JSON goes out as text for jsonb columns.
func (s JSONState) Value() (driver.Value, error) {
	if len(s) == 0 {
		return nil, nil
	}
	return string(s), nil
}

// Scan implements sql.Scanner
func (s *JSONState) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = nil
	case []byte:
		*s = append(JSONState(nil), v...)
	case string:
		*s = JSONState(v)
	default:
		return fmt.Errorf("json state: unsupported type %T", src)
	}
	return nil
}

// MarshalJSON emits the raw document or null
func (s JSONState) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return s, nil
}

// UnmarshalJSON keeps the raw document
func (s *JSONState) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	*s = append(JSONState(nil), b...)
	return nil
}

// AuditLogEntry is an immutable record of one state transition
type AuditLogEntry struct {
	ID           uuid.UUID `json:"id" db:"id"`
	Action       string    `json:"action" db:"action"`
	ResourceType string    `json:"resource_type" db:"resource_type"`
	ResourceID   string    `json:"resource_id" db:"resource_id"`
	BeforeState  JSONState `json:"before_state" db:"before_state"`
	AfterState   JSONState `json:"after_state" db:"after_state"`
	Actor        string    `json:"actor" db:"actor"`
	Timestamp    time.Time `json:"timestamp" db:"created_at"`
	Success      bool      `json:"success" db:"success"`
	ErrorMessage string    `json:"error_message,omitempty" db:"error_message"`
}

// NewAuditEntry builds a successful entry
func NewAuditEntry(action, resourceType, resourceID, actor string, before, after any, now time.Time) *AuditLogEntry {
	return &AuditLogEntry{
		ID:           uuid.New(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		BeforeState:  StateOf(before),
		AfterState:   StateOf(after),
		Actor:        actor,
		Timestamp:    now,
		Success:      true,
	}
}

// AuditFilter selects audit entries. Empty fields match everything.
type AuditFilter struct {
	Actor        string
	Action       string
	ResourceType string
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}
