package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MatrixRule is a (severity, threshold, window, cooldown) tuple of the
// notification matrix. Window and cooldown accept fractional minutes.
type MatrixRule struct {
	ID                uuid.UUID  `json:"id" db:"id" yaml:"-"`
	Name              string     `json:"name" db:"name" yaml:"name"`
	SeverityLevel     Severity   `json:"severity_level" db:"severity_level" yaml:"severity"`
	CountThreshold    int        `json:"count_threshold" db:"count_threshold" yaml:"count_threshold"`
	TimeWindowMinutes float64    `json:"time_window_minutes" db:"time_window_minutes" yaml:"time_window_minutes"`
	CooldownMinutes   float64    `json:"cooldown_minutes" db:"cooldown_minutes" yaml:"cooldown_minutes"`
	LastTriggered     *time.Time `json:"last_triggered" db:"last_triggered" yaml:"-"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at" yaml:"-"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at" yaml:"-"`
}

// Window returns the sliding window length
func (r *MatrixRule) Window() time.Duration {
	return minutes(r.TimeWindowMinutes)
}

// Cooldown returns the minimum delay between two fires
func (r *MatrixRule) Cooldown() time.Duration {
	return minutes(r.CooldownMinutes)
}

// InCooldown reports whether the rule fired less than one cooldown ago
func (r *MatrixRule) InCooldown(now time.Time) bool {
	if r.LastTriggered == nil {
		return false
	}
	return now.Sub(*r.LastTriggered) < r.Cooldown()
}

// Validate checks rule bounds
func (r *MatrixRule) Validate() error {
	if !r.SeverityLevel.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidArgument, r.SeverityLevel)
	}
	if r.CountThreshold < 1 {
		return fmt.Errorf("%w: count_threshold must be at least 1", ErrInvalidArgument)
	}
	if r.TimeWindowMinutes <= 0 {
		return fmt.Errorf("%w: time_window_minutes must be positive", ErrInvalidArgument)
	}
	if r.CooldownMinutes < 0 {
		return fmt.Errorf("%w: cooldown_minutes cannot be negative", ErrInvalidArgument)
	}
	return nil
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
