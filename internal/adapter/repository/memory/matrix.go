package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

func cloneRule(r *entity.MatrixRule) *entity.MatrixRule {
	c := *r
	if r.LastTriggered != nil {
		t := *r.LastTriggered
		c.LastTriggered = &t
	}
	return &c
}

func (s *Store) findRule(id uuid.UUID) (int, *entity.MatrixRule) {
	for i, r := range s.rules {
		if r.ID == id {
			return i, r
		}
	}
	return -1, nil
}

// ListMatrixRules returns rules grouped by severity, highest threshold first
func (s *Store) ListMatrixRules(_ context.Context) ([]entity.MatrixRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]entity.MatrixRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, *cloneRule(r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SeverityLevel != out[j].SeverityLevel {
			return out[i].SeverityLevel < out[j].SeverityLevel
		}
		return out[i].CountThreshold > out[j].CountThreshold
	})
	return out, nil
}

// GetMatrixRule returns one rule
func (s *Store) GetMatrixRule(_ context.Context, id uuid.UUID) (*entity.MatrixRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, r := s.findRule(id)
	if r == nil {
		return nil, fmt.Errorf("get matrix rule: %w", entity.ErrNotFound)
	}
	return cloneRule(r), nil
}

// CreateMatrixRule inserts a rule
func (s *Store) CreateMatrixRule(_ context.Context, rule *entity.MatrixRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rules = append(s.rules, cloneRule(rule))
	return nil
}

// UpdateMatrixRule rewrites a rule; last_triggered is left alone
func (s *Store) UpdateMatrixRule(_ context.Context, rule *entity.MatrixRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, cur := s.findRule(rule.ID)
	if cur == nil {
		return fmt.Errorf("update matrix rule: %w", entity.ErrNotFound)
	}
	cur.Name = rule.Name
	cur.SeverityLevel = rule.SeverityLevel
	cur.CountThreshold = rule.CountThreshold
	cur.TimeWindowMinutes = rule.TimeWindowMinutes
	cur.CooldownMinutes = rule.CooldownMinutes
	cur.UpdatedAt = rule.UpdatedAt
	return nil
}

// DeleteMatrixRule removes a rule
func (s *Store) DeleteMatrixRule(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, r := s.findRule(id)
	if r == nil {
		return fmt.Errorf("delete matrix rule: %w", entity.ErrNotFound)
	}
	s.rules = append(s.rules[:i], s.rules[i+1:]...)
	return nil
}

// TryTriggerRule stamps last_triggered unless the rule fired within cooldown
func (s *Store) TryTriggerRule(_ context.Context, id uuid.UUID, now time.Time, cooldown time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, r := s.findRule(id)
	if r == nil {
		return false, fmt.Errorf("trigger matrix rule: %w", entity.ErrNotFound)
	}
	if r.LastTriggered != nil && r.LastTriggered.After(now.Add(-cooldown)) {
		return false, nil
	}
	t := now
	r.LastTriggered = &t
	return true, nil
}
