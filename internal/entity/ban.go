package entity

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity of a ban or WAF event
type Severity string

// Severity levels, lowest first
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severities lists all levels in ascending order
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// ParseSeverity accepts any casing ("high", "High", "HIGH")
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("%w: unknown severity %q", ErrInvalidArgument, s)
	}
	return sev, nil
}

// Valid returns true for one of the four known levels
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Rank orders severities; 0 means unknown
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Ban is an active ban on one IP address
type Ban struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	IPAddress        string     `json:"ip_address" db:"ip_address"`
	Reason           string     `json:"reason" db:"reason"`
	Severity         Severity   `json:"severity" db:"severity"`
	AutoBanned       bool       `json:"auto_banned" db:"auto_banned"`
	ExpiresAt        *time.Time `json:"expires_at" db:"expires_at"` // nil = permanent
	SourceEventCount int        `json:"source_event_count" db:"source_event_count"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	CreatedBy        string     `json:"created_by" db:"created_by"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// BanRequest is the input of createOrRefresh, manual or automatic
type BanRequest struct {
	IP              string   `json:"ip"`
	Reason          string   `json:"reason"`
	Severity        Severity `json:"severity"`
	DurationSeconds *int64   `json:"duration_seconds"` // nil = permanent
	AutoBanned      bool     `json:"auto_banned"`
	EventCount      int      `json:"-"` // evidence carried by an auto-ban, 0 counts as 1
	Actor           string   `json:"-"`
}

// BanStats is the registry summary exposed by getStats
type BanStats struct {
	TotalBans     int64 `json:"total_bans" db:"total_bans"`
	AutoBans      int64 `json:"auto_bans" db:"auto_bans"`
	ManualBans    int64 `json:"manual_bans" db:"manual_bans"`
	BansLast24h   int64 `json:"bans_last_24h" db:"bans_last_24h"`
	TrackedIPs    int64 `json:"tracked_ips" db:"-"`
	TrackedEvents int64 `json:"tracked_events" db:"-"`
}

// Actors used when no operator is attached to a mutation
const (
	ActorSystem    = "system"
	ActorDetection = "detect2ban"
)

// NormalizeIP validates an IPv4/IPv6 literal and returns its canonical form.
// IPv4-mapped IPv6 addresses are unmapped so one host has one key.
// Zoned, unspecified and multicast addresses cannot be banned on any
// backend and are rejected.
func NormalizeIP(raw string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: invalid IP address %q", ErrInvalidArgument, raw)
	}
	switch {
	case addr.Zone() != "":
		return "", fmt.Errorf("%w: zoned IP address %q", ErrInvalidArgument, raw)
	case addr.IsUnspecified(), addr.IsMulticast():
		return "", fmt.Errorf("%w: %q is not a host address", ErrInvalidArgument, raw)
	}
	return addr.Unmap().String(), nil
}

// Validate checks the request and canonicalizes its IP in place
func (r *BanRequest) Validate() error {
	ip, err := NormalizeIP(r.IP)
	if err != nil {
		return err
	}
	r.IP = ip
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidArgument, r.Severity)
	}
	if r.DurationSeconds != nil && *r.DurationSeconds <= 0 {
		return fmt.Errorf("%w: duration must be positive or omitted for a permanent ban", ErrInvalidArgument)
	}
	if strings.TrimSpace(r.Reason) == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalidArgument)
	}
	return nil
}

// ExpiryFrom computes the expiry of a ban created at now
func (r *BanRequest) ExpiryFrom(now time.Time) *time.Time {
	if r.DurationSeconds == nil {
		return nil
	}
	t := now.Add(time.Duration(*r.DurationSeconds) * time.Second)
	return &t
}

// NewBan builds a fresh ban from a validated request
func NewBan(req BanRequest, now time.Time) *Ban {
	count := req.EventCount
	if count < 1 {
		count = 1
	}
	return &Ban{
		ID:               uuid.New(),
		IPAddress:        req.IP,
		Reason:           req.Reason,
		Severity:         req.Severity,
		AutoBanned:       req.AutoBanned,
		ExpiresAt:        req.ExpiryFrom(now),
		SourceEventCount: count,
		CreatedAt:        now,
		CreatedBy:        req.Actor,
		UpdatedAt:        now,
	}
}

// IsPermanent returns true if the ban has no expiry
func (b *Ban) IsPermanent() bool {
	return b.ExpiresAt == nil
}

// IsExpired returns true if the ban expired at or before now
func (b *Ban) IsExpired(now time.Time) bool {
	if b.ExpiresAt == nil {
		return false
	}
	return !now.Before(*b.ExpiresAt)
}

// Refresh merges a repeated request into an existing active ban.
// The event count grows, the expiry only moves later (permanent wins)
// and the highest severity is kept along with its reason.
func (b *Ban) Refresh(req BanRequest, now time.Time) {
	count := req.EventCount
	if count < 1 {
		count = 1
	}
	b.SourceEventCount += count

	if b.ExpiresAt != nil {
		next := req.ExpiryFrom(now)
		if next == nil || next.After(*b.ExpiresAt) {
			b.ExpiresAt = next
		}
	}

	if req.Severity.Rank() >= b.Severity.Rank() {
		b.Severity = req.Severity
		b.Reason = req.Reason
	}
	b.UpdatedAt = now
}

// Clone returns a deep copy, used for audit before/after snapshots
func (b *Ban) Clone() *Ban {
	c := *b
	if b.ExpiresAt != nil {
		t := *b.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
