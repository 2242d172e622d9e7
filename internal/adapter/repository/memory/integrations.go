package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

func (s *Store) findIntegration(id uuid.UUID) *entity.Integration {
	for _, in := range s.integrations {
		if in.ID == id {
			return in
		}
	}
	return nil
}

// CreateIntegration inserts an integration; a duplicate name is a conflict
func (s *Store) CreateIntegration(_ context.Context, in *entity.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cur := range s.integrations {
		if cur.Name == in.Name {
			return fmt.Errorf("integration %q: %w", in.Name, entity.ErrConflict)
		}
	}
	s.integrations = append(s.integrations, in.Clone())
	return nil
}

// GetIntegration returns one integration
func (s *Store) GetIntegration(_ context.Context, id uuid.UUID) (*entity.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := s.findIntegration(id)
	if in == nil {
		return nil, fmt.Errorf("get integration: %w", entity.ErrNotFound)
	}
	return in.Clone(), nil
}

// ListEnabledIntegrations returns integrations whose worker should run
func (s *Store) ListEnabledIntegrations(_ context.Context) ([]entity.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []entity.Integration{}
	for _, in := range s.integrations {
		if in.Enabled {
			out = append(out, *in.Clone())
		}
	}
	return out, nil
}

// ListIntegrations returns every integration with its queue depth
func (s *Store) ListIntegrations(_ context.Context) ([]entity.IntegrationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []entity.IntegrationStatus{}
	for _, in := range s.integrations {
		st := entity.IntegrationStatus{Integration: *in.Clone()}
		for _, item := range s.queue {
			if item.IntegrationID != in.ID {
				continue
			}
			switch item.Status {
			case entity.QueueStatusPending:
				st.Pending++
			case entity.QueueStatusInFlight:
				st.InFlight++
			case entity.QueueStatusFailed:
				st.Failed++
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// UpdateIntegration rewrites the operator editable fields
func (s *Store) UpdateIntegration(_ context.Context, in *entity.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.findIntegration(in.ID)
	if cur == nil {
		return fmt.Errorf("update integration: %w", entity.ErrNotFound)
	}
	for _, other := range s.integrations {
		if other.ID != in.ID && other.Name == in.Name {
			return fmt.Errorf("integration %q: %w", in.Name, entity.ErrConflict)
		}
	}
	next := in.Clone()
	cur.Name = next.Name
	cur.ProviderType = next.ProviderType
	cur.Config = next.Config
	cur.CredentialRef = next.CredentialRef
	cur.Enabled = next.Enabled
	cur.UpdatedAt = next.UpdatedAt
	return nil
}

// DeleteIntegration removes an integration and its queue
func (s *Store) DeleteIntegration(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, in := range s.integrations {
		if in.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("delete integration: %w", entity.ErrNotFound)
	}
	s.integrations = append(s.integrations[:idx], s.integrations[idx+1:]...)

	kept := s.queue[:0]
	for _, item := range s.queue {
		if item.IntegrationID != id {
			kept = append(kept, item)
		}
	}
	s.queue = kept
	return nil
}
