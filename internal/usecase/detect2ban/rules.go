package detect2ban

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

// RuleStore persists the notification matrix
type RuleStore interface {
	ListMatrixRules(ctx context.Context) ([]entity.MatrixRule, error)
	GetMatrixRule(ctx context.Context, id uuid.UUID) (*entity.MatrixRule, error)
	CreateMatrixRule(ctx context.Context, rule *entity.MatrixRule) error
	UpdateMatrixRule(ctx context.Context, rule *entity.MatrixRule) error
	DeleteMatrixRule(ctx context.Context, id uuid.UUID) error
}

// Recorder writes audit entries
type Recorder interface {
	Record(ctx context.Context, entry *entity.AuditLogEntry) error
}

// Reloader picks up matrix changes
type Reloader interface {
	RefreshRules(ctx context.Context) error
}

// RuleRequest is the operator payload for matrix rule create and update
type RuleRequest struct {
	Name              string  `json:"name" yaml:"name"`
	Severity          string  `json:"severity_level" yaml:"severity"`
	CountThreshold    int     `json:"count_threshold" yaml:"count_threshold"`
	TimeWindowMinutes float64 `json:"time_window_minutes" yaml:"time_window_minutes"`
	CooldownMinutes   float64 `json:"cooldown_minutes" yaml:"cooldown_minutes"`
}

// matrixFile is the YAML seed layout
type matrixFile struct {
	Rules []RuleRequest `yaml:"rules"`
}

// RuleService manages matrix rules
type RuleService struct {
	store    RuleStore
	audit    Recorder
	reloader Reloader
	logger   *slog.Logger
	now      func() time.Time
}

// NewRuleService creates the matrix rule service. reloader may be nil.
func NewRuleService(store RuleStore, audit Recorder, reloader Reloader, logger *slog.Logger) *RuleService {
	return &RuleService{
		store:    store,
		audit:    audit,
		reloader: reloader,
		logger:   logger,
		now:      time.Now,
	}
}

func (r RuleRequest) toRule() (*entity.MatrixRule, error) {
	sev, err := entity.ParseSeverity(r.Severity)
	if err != nil {
		return nil, err
	}
	rule := &entity.MatrixRule{
		Name:              strings.TrimSpace(r.Name),
		SeverityLevel:     sev,
		CountThreshold:    r.CountThreshold,
		TimeWindowMinutes: r.TimeWindowMinutes,
		CooldownMinutes:   r.CooldownMinutes,
	}
	if rule.Name == "" {
		rule.Name = fmt.Sprintf("%s >= %d", sev, r.CountThreshold)
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

// List returns every rule
func (s *RuleService) List(ctx context.Context) ([]entity.MatrixRule, error) {
	return s.store.ListMatrixRules(ctx)
}

// Create adds a rule
func (s *RuleService) Create(ctx context.Context, req RuleRequest, actor string) (*entity.MatrixRule, error) {
	rule, err := req.toRule()
	if err != nil {
		return nil, err
	}
	now := s.now()
	rule.ID = uuid.New()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := s.store.CreateMatrixRule(ctx, rule); err != nil {
		return nil, err
	}
	s.record(ctx, entity.AuditMatrixCreate, rule.ID, actor, nil, rule)
	s.reload(ctx)
	return rule, nil
}

// Update rewrites a rule. last_triggered is preserved.
func (s *RuleService) Update(ctx context.Context, id uuid.UUID, req RuleRequest, actor string) (*entity.MatrixRule, error) {
	cur, err := s.store.GetMatrixRule(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := req.toRule()
	if err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.LastTriggered = cur.LastTriggered
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = s.now()

	if err := s.store.UpdateMatrixRule(ctx, next); err != nil {
		return nil, err
	}
	s.record(ctx, entity.AuditMatrixUpdate, id, actor, cur, next)
	s.reload(ctx)
	return next, nil
}

// Delete removes a rule
func (s *RuleService) Delete(ctx context.Context, id uuid.UUID, actor string) error {
	cur, err := s.store.GetMatrixRule(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMatrixRule(ctx, id); err != nil {
		return err
	}
	s.record(ctx, entity.AuditMatrixDelete, id, actor, cur, nil)
	s.reload(ctx)
	return nil
}

// LoadMatrixFile parses a YAML matrix seed
func LoadMatrixFile(path string) ([]RuleRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read matrix file: %w", err)
	}
	var f matrixFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse matrix file: %w", err)
	}
	return f.Rules, nil
}

// Seed loads rules from a YAML file when the matrix is empty. An
// existing matrix is never overwritten.
func (s *RuleService) Seed(ctx context.Context, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	existing, err := s.store.ListMatrixRules(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		s.logger.Debug("Matrix already populated, skipping seed", "rules", len(existing))
		return 0, nil
	}

	reqs, err := LoadMatrixFile(path)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, req := range reqs {
		if _, err := s.Create(ctx, req, entity.ActorSystem); err != nil {
			s.logger.Warn("Skipping matrix seed rule", "rule", req.Name, "error", err)
			continue
		}
		created++
	}
	s.logger.Info("Seeded notification matrix", "file", path, "rules", created)
	return created, nil
}

func (s *RuleService) record(ctx context.Context, action string, id uuid.UUID, actor string, before, after *entity.MatrixRule) {
	if actor == "" {
		actor = entity.ActorSystem
	}
	var b, a any
	if before != nil {
		b = before
	}
	if after != nil {
		a = after
	}
	_ = s.audit.Record(ctx, entity.NewAuditEntry(action, entity.ResourceMatrixRule, id.String(), actor, b, a, s.now()))
}

func (s *RuleService) reload(ctx context.Context) {
	if s.reloader == nil {
		return
	}
	if err := s.reloader.RefreshRules(ctx); err != nil {
		s.logger.Warn("Failed to reload matrix rules", "error", err)
	}
}
