package entity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProviderType selects the driver of an integration
type ProviderType string

// Supported provider types
const (
	ProviderIPTables ProviderType = "iptables"
	ProviderIPSet    ProviderType = "ipset"
	ProviderNFTables ProviderType = "nftables"
	ProviderSophos   ProviderType = "sophos"
	ProviderUniFi    ProviderType = "unifi"
	ProviderDryRun   ProviderType = "dryrun"
)

// IntegrationConfig holds driver specific settings (chain, set, site, host...).
// It is stored as a JSON object.
type IntegrationConfig map[string]string

// Value implements driver.Valuer
func (c IntegrationConfig) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (c *IntegrationConfig) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*c = IntegrationConfig{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("integration config: unsupported type %T", src)
	}
	out := IntegrationConfig{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("integration config: %w", err)
	}
	*c = out
	return nil
}

// Get returns a trimmed value or the fallback when empty
func (c IntegrationConfig) Get(key, fallback string) string {
	if v := strings.TrimSpace(c[key]); v != "" {
		return v
	}
	return fallback
}

// Integration is a configured connection to one firewall backend
type Integration struct {
	ID            uuid.UUID         `json:"id" db:"id"`
	Name          string            `json:"name" db:"name"`
	ProviderType  ProviderType      `json:"provider_type" db:"provider_type"`
	Config        IntegrationConfig `json:"config" db:"config"`
	CredentialRef string            `json:"credential_ref,omitempty" db:"credential_ref"`
	Enabled       bool              `json:"enabled" db:"enabled"`
	BansSent      int64             `json:"bans_sent" db:"bans_sent"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// IntegrationRequest is the operator payload for create and update
type IntegrationRequest struct {
	Name          string            `json:"name"`
	ProviderType  ProviderType      `json:"provider_type"`
	Config        IntegrationConfig `json:"config"`
	CredentialRef *string           `json:"credential_ref"` // nil keeps the stored reference on update
	Enabled       *bool             `json:"enabled"`
}

// IntegrationStatus is an integration plus its queue depth per status
type IntegrationStatus struct {
	Integration
	Pending  int64 `json:"pending" db:"pending"`
	InFlight int64 `json:"in_flight" db:"in_flight"`
	Failed   int64 `json:"failed" db:"failed"`
}

// Clone returns a copy whose config map is not shared
func (i *Integration) Clone() *Integration {
	c := *i
	c.Config = make(IntegrationConfig, len(i.Config))
	for k, v := range i.Config {
		c.Config[k] = v
	}
	return &c
}
