package integrations

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/external/provider"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

const testTimeout = 10 * time.Second

// Repository persists integrations
type Repository interface {
	CreateIntegration(ctx context.Context, in *entity.Integration) error
	GetIntegration(ctx context.Context, id uuid.UUID) (*entity.Integration, error)
	ListIntegrations(ctx context.Context) ([]entity.IntegrationStatus, error)
	UpdateIntegration(ctx context.Context, in *entity.Integration) error
	DeleteIntegration(ctx context.Context, id uuid.UUID) error
}

// Builder validates an integration by building its driver
type Builder interface {
	Build(in *entity.Integration) (provider.Driver, error)
}

// Workers is the dispatch manager as seen by integration CRUD
type Workers interface {
	Sync(in *entity.Integration)
	StopIntegration(id uuid.UUID)
}

// Recorder writes audit entries
type Recorder interface {
	Record(ctx context.Context, entry *entity.AuditLogEntry) error
}

// Service handles operator CRUD on integrations and keeps the dispatch
// workers in step with the enabled flag
type Service struct {
	repo    Repository
	builder Builder
	workers Workers
	audit   Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates the integration service
func NewService(repo Repository, builder Builder, workers Workers, audit Recorder, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		builder: builder,
		workers: workers,
		audit:   audit,
		logger:  logger,
		now:     time.Now,
	}
}

// validate checks the request and builds a driver from it, which
// rejects unknown provider types and bad driver config
func (s *Service) validate(in *entity.Integration) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", entity.ErrInvalidArgument)
	}
	if in.Config == nil {
		in.Config = entity.IntegrationConfig{}
	}
	if _, err := s.builder.Build(in); err != nil {
		return err
	}
	return nil
}

// Create registers an integration. It is enabled unless req says otherwise.
func (s *Service) Create(ctx context.Context, req entity.IntegrationRequest, actor string) (*entity.Integration, error) {
	now := s.now()
	in := &entity.Integration{
		ID:           uuid.New(),
		Name:         req.Name,
		ProviderType: req.ProviderType,
		Config:       req.Config,
		Enabled:      req.Enabled == nil || *req.Enabled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.CredentialRef != nil {
		in.CredentialRef = *req.CredentialRef
	}
	if err := s.validate(in); err != nil {
		return nil, err
	}
	if err := s.repo.CreateIntegration(ctx, in); err != nil {
		return nil, err
	}

	s.record(ctx, entity.AuditIntegrationCreate, in.ID, actor, nil, in)
	s.workers.Sync(in)
	s.logger.Info("Integration created", "integration_id", in.ID, "name", in.Name, "provider", in.ProviderType)
	return in, nil
}

// Get returns one integration
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*entity.Integration, error) {
	return s.repo.GetIntegration(ctx, id)
}

// List returns every integration with queue depth
func (s *Service) List(ctx context.Context) ([]entity.IntegrationStatus, error) {
	return s.repo.ListIntegrations(ctx)
}

// Update changes the fields req carries and keeps the rest. An explicit
// empty credential_ref clears the reference. Queued items are kept and delivered
// with the new config.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req entity.IntegrationRequest, actor string) (*entity.Integration, error) {
	cur, err := s.repo.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	before := cur.Clone()

	next := cur.Clone()
	if req.Name != "" {
		next.Name = req.Name
	}
	if req.ProviderType != "" {
		next.ProviderType = req.ProviderType
	}
	if req.Config != nil {
		next.Config = req.Config
	}
	if req.CredentialRef != nil {
		next.CredentialRef = *req.CredentialRef
	}
	if req.Enabled != nil {
		next.Enabled = *req.Enabled
	}
	next.UpdatedAt = s.now()

	if err := s.validate(next); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateIntegration(ctx, next); err != nil {
		return nil, err
	}

	s.record(ctx, entity.AuditIntegrationUpdate, id, actor, before, next)
	s.workers.Sync(next)
	return next, nil
}

// SetEnabled starts or stops delivery. Pending items are kept while
// disabled and resume in enqueue order.
func (s *Service) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool, actor string) (*entity.Integration, error) {
	cur, err := s.repo.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Enabled == enabled {
		s.workers.Sync(cur)
		return cur, nil
	}

	before := cur.Clone()
	cur.Enabled = enabled
	cur.UpdatedAt = s.now()
	if err := s.repo.UpdateIntegration(ctx, cur); err != nil {
		return nil, err
	}

	action := entity.AuditIntegrationDisable
	if enabled {
		action = entity.AuditIntegrationEnable
	}
	s.record(ctx, action, id, actor, before, cur)
	s.workers.Sync(cur)
	s.logger.Info("Integration toggled", "integration_id", id, "enabled", enabled)
	return cur, nil
}

// Delete stops the worker, then removes the integration and its queue
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actor string) error {
	cur, err := s.repo.GetIntegration(ctx, id)
	if err != nil {
		return err
	}

	s.workers.StopIntegration(id)
	if err := s.repo.DeleteIntegration(ctx, id); err != nil {
		s.workers.Sync(cur)
		return err
	}

	s.record(ctx, entity.AuditIntegrationDelete, id, actor, cur, nil)
	s.logger.Info("Integration deleted", "integration_id", id, "name", cur.Name)
	return nil
}

// Test checks connectivity and credentials of an integration without
// touching its queue
func (s *Service) Test(ctx context.Context, id uuid.UUID, actor string) error {
	in, err := s.repo.GetIntegration(ctx, id)
	if err != nil {
		return err
	}

	driver, err := s.builder.Build(in)
	if err == nil {
		ctx, cancel := context.WithTimeout(ctx, testTimeout)
		err = driver.TestConnection(ctx)
		cancel()
	}

	entry := entity.NewAuditEntry(entity.AuditIntegrationTest, entity.ResourceIntegration, id.String(), actorOr(actor), nil, nil, s.now())
	if err != nil {
		entry.Success = false
		entry.ErrorMessage = err.Error()
	}
	_ = s.audit.Record(ctx, entry)
	return err
}

func (s *Service) record(ctx context.Context, action string, id uuid.UUID, actor string, before, after *entity.Integration) {
	var b, a any
	if before != nil {
		b = redacted(before)
	}
	if after != nil {
		a = redacted(after)
	}
	entry := entity.NewAuditEntry(action, entity.ResourceIntegration, id.String(), actorOr(actor), b, a, s.now())
	_ = s.audit.Record(ctx, entry)
}

// redacted drops the credential reference from audit snapshots
func redacted(in *entity.Integration) *entity.Integration {
	c := in.Clone()
	if c.CredentialRef != "" {
		c.CredentialRef = "[redacted]"
	}
	return c
}

func actorOr(actor string) string {
	if actor == "" {
		return entity.ActorSystem
	}
	return actor
}
