package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

const matrixColumns = `id, name, severity_level, count_threshold, time_window_minutes,
	cooldown_minutes, last_triggered, created_at, updated_at`

// ListMatrixRules returns rules grouped by severity, highest threshold first
func (s *Store) ListMatrixRules(ctx context.Context) ([]entity.MatrixRule, error) {
	query := `SELECT ` + matrixColumns + ` FROM matrix_rules
		ORDER BY severity_level, count_threshold DESC, created_at`

	out := []entity.MatrixRule{}
	if err := s.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("list matrix rules: %w", err)
	}
	return out, nil
}

// GetMatrixRule returns one rule
func (s *Store) GetMatrixRule(ctx context.Context, id uuid.UUID) (*entity.MatrixRule, error) {
	var rule entity.MatrixRule
	query := `SELECT ` + matrixColumns + ` FROM matrix_rules WHERE id = $1`
	if err := s.db.GetContext(ctx, &rule, query, id); err != nil {
		return nil, notFound(err, "get matrix rule")
	}
	return &rule, nil
}

// CreateMatrixRule inserts a rule
func (s *Store) CreateMatrixRule(ctx context.Context, rule *entity.MatrixRule) error {
	query := `INSERT INTO matrix_rules (` + matrixColumns + `)
		VALUES (:id, :name, :severity_level, :count_threshold, :time_window_minutes,
			:cooldown_minutes, :last_triggered, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, query, rule); err != nil {
		return fmt.Errorf("create matrix rule: %w", err)
	}
	return nil
}

// UpdateMatrixRule rewrites a rule; last_triggered is left alone
func (s *Store) UpdateMatrixRule(ctx context.Context, rule *entity.MatrixRule) error {
	query := `UPDATE matrix_rules SET
			name = :name,
			severity_level = :severity_level,
			count_threshold = :count_threshold,
			time_window_minutes = :time_window_minutes,
			cooldown_minutes = :cooldown_minutes,
			updated_at = :updated_at
		WHERE id = :id`

	res, err := s.db.NamedExecContext(ctx, query, rule)
	if err != nil {
		return fmt.Errorf("update matrix rule: %w", err)
	}
	return expectOne(res, "update matrix rule")
}

// DeleteMatrixRule removes a rule
func (s *Store) DeleteMatrixRule(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM matrix_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete matrix rule: %w", err)
	}
	return expectOne(res, "delete matrix rule")
}

// TryTriggerRule stamps last_triggered unless the rule fired within
// cooldown. It returns false when another evaluator won the race.
func (s *Store) TryTriggerRule(ctx context.Context, id uuid.UUID, now time.Time, cooldown time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE matrix_rules SET last_triggered = $2
		WHERE id = $1 AND (last_triggered IS NULL OR last_triggered <= $3)`,
		id, now, now.Add(-cooldown))
	if err != nil {
		return false, fmt.Errorf("trigger matrix rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("trigger matrix rule: %w", err)
	}
	return n == 1, nil
}
