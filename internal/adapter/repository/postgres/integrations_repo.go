package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

const integrationColumns = `id, name, provider_type, config, credential_ref, enabled,
	bans_sent, created_at, updated_at`

// CreateIntegration inserts an integration; a duplicate name is a conflict
func (s *Store) CreateIntegration(ctx context.Context, in *entity.Integration) error {
	query := `INSERT INTO integrations (` + integrationColumns + `)
		VALUES (:id, :name, :provider_type, :config, :credential_ref, :enabled,
			:bans_sent, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, query, in); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("integration %q: %w", in.Name, entity.ErrConflict)
		}
		return fmt.Errorf("create integration: %w", err)
	}
	return nil
}

// GetIntegration returns one integration
func (s *Store) GetIntegration(ctx context.Context, id uuid.UUID) (*entity.Integration, error) {
	var in entity.Integration
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE id = $1`
	if err := s.db.GetContext(ctx, &in, query, id); err != nil {
		return nil, notFound(err, "get integration")
	}
	return &in, nil
}

// ListEnabledIntegrations returns integrations whose worker should run
func (s *Store) ListEnabledIntegrations(ctx context.Context) ([]entity.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE enabled ORDER BY created_at`

	out := []entity.Integration{}
	if err := s.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("list enabled integrations: %w", err)
	}
	return out, nil
}

// ListIntegrations returns every integration with its queue depth
func (s *Store) ListIntegrations(ctx context.Context) ([]entity.IntegrationStatus, error) {
	query := `SELECT i.id, i.name, i.provider_type, i.config, i.credential_ref, i.enabled,
			i.bans_sent, i.created_at, i.updated_at,
			COUNT(q.id) FILTER (WHERE q.status = 'pending') AS pending,
			COUNT(q.id) FILTER (WHERE q.status = 'in_flight') AS in_flight,
			COUNT(q.id) FILTER (WHERE q.status = 'failed') AS failed
		FROM integrations i
		LEFT JOIN dispatch_queue q ON q.integration_id = i.id
		GROUP BY i.id
		ORDER BY i.created_at`

	out := []entity.IntegrationStatus{}
	if err := s.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	return out, nil
}

// UpdateIntegration rewrites the operator editable fields
func (s *Store) UpdateIntegration(ctx context.Context, in *entity.Integration) error {
	query := `UPDATE integrations SET
			name = :name,
			provider_type = :provider_type,
			config = :config,
			credential_ref = :credential_ref,
			enabled = :enabled,
			updated_at = :updated_at
		WHERE id = :id`

	res, err := s.db.NamedExecContext(ctx, query, in)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("integration %q: %w", in.Name, entity.ErrConflict)
		}
		return fmt.Errorf("update integration: %w", err)
	}
	return expectOne(res, "update integration")
}

// DeleteIntegration removes an integration and, by cascade, its queue
func (s *Store) DeleteIntegration(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM integrations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	return expectOne(res, "delete integration")
}
