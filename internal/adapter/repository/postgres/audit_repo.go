package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

const auditColumns = `id, action, resource_type, resource_id, before_state, after_state,
	actor, created_at, success, error_message`

func insertAudit(ctx context.Context, ext sqlx.ExtContext, entry *entity.AuditLogEntry) error {
	query := `INSERT INTO audit_log (` + auditColumns + `)
		VALUES (:id, :action, :resource_type, :resource_id, :before_state, :after_state,
			:actor, :created_at, :success, :error_message)`

	if _, err := sqlx.NamedExecContext(ctx, ext, query, entry); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// InsertAudit appends one audit entry
func (s *Store) InsertAudit(ctx context.Context, entry *entity.AuditLogEntry) error {
	return insertAudit(ctx, s.db, entry)
}

// ListAudit returns one page of entries matching the filter, newest
// first, and the total number of matches
func (s *Store) ListAudit(ctx context.Context, filter entity.AuditFilter) ([]entity.AuditLogEntry, int64, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0)
	paramIndex := 1

	add := func(clause string, value interface{}) {
		where += fmt.Sprintf(clause, paramIndex)
		args = append(args, value)
		paramIndex++
	}

	if filter.Actor != "" {
		add(` AND actor = $%d`, filter.Actor)
	}
	if filter.Action != "" {
		add(` AND action = $%d`, filter.Action)
	}
	if filter.ResourceType != "" {
		add(` AND resource_type = $%d`, filter.ResourceType)
	}
	if filter.From != nil {
		add(` AND created_at >= $%d`, *filter.From)
	}
	if filter.To != nil {
		add(` AND created_at <= $%d`, *filter.To)
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM audit_log`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_log` + where
	if filter.Limit > 0 {
		query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
		args = append(args, filter.Limit, filter.Offset)
	} else {
		query += ` ORDER BY created_at DESC, id`
	}

	out := []entity.AuditLogEntry{}
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	return out, total, nil
}
