package detect2ban

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/repository/memory"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/usecase/audit"
)

// =============================================================================
// Mock Reloader
// =============================================================================

type MockReloader struct {
	mock.Mock
}

func (m *MockReloader) RefreshRules(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func newRuleService(t *testing.T) (*RuleService, *memory.Store, *MockReloader) {
	t.Helper()
	store := memory.NewStore()
	reloader := &MockReloader{}
	reloader.On("RefreshRules", mock.Anything).Return(nil)
	return NewRuleService(store, audit.NewService(store, testLogger()), reloader, testLogger()), store, reloader
}

const seedYAML = `
rules:
  - name: critical-burst
    severity: critical
    count_threshold: 5
    time_window_minutes: 1
    cooldown_minutes: 10
  - name: high-burst
    severity: HIGH
    count_threshold: 30
    time_window_minutes: 0.25
    cooldown_minutes: 5
  - name: broken
    severity: SEVERE
    count_threshold: 1
    time_window_minutes: 1
`

// =============================================================================
// Tests
// =============================================================================

func TestRuleService_CreateValidates(t *testing.T) {
	svc, _, reloader := newRuleService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  RuleRequest
	}{
		{"unknown severity", RuleRequest{Severity: "SEVERE", CountThreshold: 1, TimeWindowMinutes: 1}},
		{"zero threshold", RuleRequest{Severity: "HIGH", CountThreshold: 0, TimeWindowMinutes: 1}},
		{"zero window", RuleRequest{Severity: "HIGH", CountThreshold: 1, TimeWindowMinutes: 0}},
		{"negative cooldown", RuleRequest{Severity: "HIGH", CountThreshold: 1, TimeWindowMinutes: 1, CooldownMinutes: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.req, "alice")
			assert.ErrorIs(t, err, entity.ErrInvalidArgument)
		})
	}
	reloader.AssertNotCalled(t, "RefreshRules", mock.Anything)

	r, err := svc.Create(ctx, RuleRequest{Severity: "high", CountThreshold: 30, TimeWindowMinutes: 0.25, CooldownMinutes: 5}, "alice")
	require.NoError(t, err)
	assert.Equal(t, entity.SeverityHigh, r.SeverityLevel)
	assert.Equal(t, "HIGH >= 30", r.Name)
	reloader.AssertNumberOfCalls(t, "RefreshRules", 1)
}

func TestRuleService_UpdateKeepsLastTriggered(t *testing.T) {
	svc, store, _ := newRuleService(t)
	ctx := context.Background()

	r, err := svc.Create(ctx, RuleRequest{Name: "burst", Severity: "HIGH", CountThreshold: 30, TimeWindowMinutes: 1, CooldownMinutes: 5}, "alice")
	require.NoError(t, err)
	fired := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ok, err := store.TryTriggerRule(ctx, r.ID, fired, r.Cooldown())
	require.NoError(t, err)
	require.True(t, ok)

	updated, err := svc.Update(ctx, r.ID, RuleRequest{Name: "burst", Severity: "HIGH", CountThreshold: 10, TimeWindowMinutes: 1, CooldownMinutes: 5}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 10, updated.CountThreshold)

	got, err := store.GetMatrixRule(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastTriggered)
	assert.True(t, got.LastTriggered.Equal(fired))
	assert.Equal(t, 10, got.CountThreshold)
}

func TestRuleService_DeleteAudits(t *testing.T) {
	svc, store, _ := newRuleService(t)
	ctx := context.Background()

	r, err := svc.Create(ctx, RuleRequest{Severity: "LOW", CountThreshold: 100, TimeWindowMinutes: 10}, "alice")
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, r.ID, "bob"))
	assert.ErrorIs(t, svc.Delete(ctx, r.ID, "bob"), entity.ErrNotFound)

	entries, _, err := store.ListAudit(ctx, entity.AuditFilter{ResourceType: entity.ResourceMatrixRule})
	require.NoError(t, err)
	actions := []string{}
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []string{entity.AuditMatrixCreate, entity.AuditMatrixDelete}, actions)
}

func TestRuleService_SeedOnlyWhenEmpty(t *testing.T) {
	svc, store, _ := newRuleService(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "matrix.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	n, err := svc.Seed(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rules, err := store.ListMatrixRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	n, err = svc.Seed(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRuleService_SeedMissingFile(t *testing.T) {
	svc, _, _ := newRuleService(t)

	n, err := svc.Seed(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = svc.Seed(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
