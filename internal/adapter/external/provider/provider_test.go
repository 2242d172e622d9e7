package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

// =============================================================================
// Fake runner
// =============================================================================

type call struct {
	stdin string
	argv  string
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	// respond returns the result of a command line; nil means success
	respond func(argv string) error
}

func (f *fakeRunner) Target() string { return "fake" }

func (f *fakeRunner) Run(_ context.Context, stdin string, name string, args ...string) (string, error) {
	argv := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	f.calls = append(f.calls, call{stdin: stdin, argv: argv})
	f.mu.Unlock()
	if f.respond != nil {
		return "", f.respond(argv)
	}
	return "", nil
}

func (f *fakeRunner) argvs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.argv
	}
	return out
}

type staticSecrets map[string]string

func (s staticSecrets) Resolve(ref string) (string, error) {
	return s[ref], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(runner *fakeRunner) *Registry {
	return NewRegistry(testLogger(),
		WithRunnerFactory(func(entity.IntegrationConfig, string) (CommandRunner, error) { return runner, nil }),
		WithSecretResolver(staticSecrets{"env:PW": "secret"}),
	)
}

func integration(t entity.ProviderType, cfg entity.IntegrationConfig) *entity.Integration {
	return &entity.Integration{ID: uuid.New(), Name: string(t), ProviderType: t, Config: cfg, Enabled: true}
}

// =============================================================================
// Registry
// =============================================================================

func TestRegistry_Build(t *testing.T) {
	reg := newTestRegistry(&fakeRunner{})

	tests := []struct {
		name    string
		in      *entity.Integration
		wantErr error
	}{
		{"iptables defaults", integration(entity.ProviderIPTables, nil), nil},
		{"ipset custom set", integration(entity.ProviderIPSet, entity.IntegrationConfig{"set": "edge"}), nil},
		{"nftables bad family", integration(entity.ProviderNFTables, entity.IntegrationConfig{"family": "bogus"}), entity.ErrInvalidArgument},
		{"iptables bad chain", integration(entity.ProviderIPTables, entity.IntegrationConfig{"chain": "IN PUT; rm"}), entity.ErrInvalidArgument},
		{"sophos without host", integration(entity.ProviderSophos, entity.IntegrationConfig{"username": "api"}), entity.ErrInvalidArgument},
		{"unifi without url", integration(entity.ProviderUniFi, entity.IntegrationConfig{"username": "api"}), entity.ErrInvalidArgument},
		{"unknown type", integration("cloudflare", nil), entity.ErrInvalidArgument},
		{"dryrun", integration(entity.ProviderDryRun, nil), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := reg.Build(tt.in)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, d)
		})
	}
}

func TestRegistry_Types(t *testing.T) {
	reg := newTestRegistry(&fakeRunner{})
	assert.True(t, reg.Supports(entity.ProviderNFTables))
	assert.False(t, reg.Supports("cloudflare"))
	assert.Len(t, reg.Types(), 6)
}

// =============================================================================
// iptables
// =============================================================================

func TestIPTables_BanIsIdempotent(t *testing.T) {
	present := map[string]bool{}
	runner := &fakeRunner{}
	runner.respond = func(argv string) error {
		switch {
		case strings.Contains(argv, " -C "):
			if present["203.0.113.5"] {
				return nil
			}
			return &ExitError{Command: "iptables", Code: 1}
		case strings.Contains(argv, " -I "):
			present["203.0.113.5"] = true
		}
		return nil
	}
	d, err := newTestRegistry(runner).Build(integration(entity.ProviderIPTables, nil))
	require.NoError(t, err)

	require.NoError(t, d.Ban(context.Background(), "203.0.113.5"))
	require.NoError(t, d.Ban(context.Background(), "203.0.113.5"))

	assert.Equal(t, []string{
		"iptables -w -C INPUT -s 203.0.113.5 -j DROP",
		"iptables -w -I INPUT -s 203.0.113.5 -j DROP",
		"iptables -w -C INPUT -s 203.0.113.5 -j DROP",
	}, runner.argvs())
}

func TestIPTables_UnbanAbsentSucceeds(t *testing.T) {
	runner := &fakeRunner{respond: func(string) error { return &ExitError{Command: "ip6tables", Code: 1} }}
	d, err := newTestRegistry(runner).Build(integration(entity.ProviderIPTables, entity.IntegrationConfig{"chain": "ORCHESTRA"}))
	require.NoError(t, err)

	require.NoError(t, d.Unban(context.Background(), "2001:db8::1"))
	assert.Equal(t, []string{"ip6tables -w -C ORCHESTRA -s 2001:db8::1 -j DROP"}, runner.argvs())
	assert.False(t, d.SupportsBatch())
}

func TestIPTables_ErrorsAreClassified(t *testing.T) {
	runner := &fakeRunner{respond: func(string) error {
		return &ExitError{Command: "iptables", Code: 4, Stderr: "Another app is currently holding the xtables lock"}
	}}
	d, err := newTestRegistry(runner).Build(integration(entity.ProviderIPTables, nil))
	require.NoError(t, err)

	err = d.Ban(context.Background(), "198.51.100.7")
	require.Error(t, err)
	assert.ErrorIs(t, err, entity.ErrDriverUnavailable)
	assert.Contains(t, err.Error(), "xtables lock")
}

func TestIPTables_DeadlineIsTimeout(t *testing.T) {
	runner := &fakeRunner{respond: func(string) error { return context.DeadlineExceeded }}
	d, err := newTestRegistry(runner).Build(integration(entity.ProviderIPTables, nil))
	require.NoError(t, err)

	err = d.Ban(context.Background(), "198.51.100.7")
	assert.ErrorIs(t, err, entity.ErrTimeout)
}

func TestIPTables_BanBatchFallsBackToSequential(t *testing.T) {
	runner := &fakeRunner{respond: func(argv string) error {
		if strings.Contains(argv, " -C ") {
			return &ExitError{Code: 1}
		}
		return nil
	}}
	d, err := newTestRegistry(runner).Build(integration(entity.ProviderIPTables, nil))
	require.NoError(t, err)

	require.NoError(t, d.BanBatch(context.Background(), []string{"192.0.2.1", "192.0.2.2"}))
	assert.Len(t, runner.argvs(), 4)
}

// =============================================================================
// ipset
// =============================================================================

func TestIPSet_Operations(t *testing.T) {
	runner := &fakeRunner{}
	d, err := newTestRegistry(runner).Build(integration(entity.ProviderIPSet, entity.IntegrationConfig{"set": "edge"}))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, d.Ban(ctx, "192.0.2.10"))
	require.NoError(t, d.Unban(ctx, "2001:db8::10"))
	require.NoError(t, d.BanBatch(ctx, []string{"192.0.2.11", "2001:db8::11"}))

	assert.Equal(t, []string{
		"ipset add -exist edge 192.0.2.10",
		"ipset del -exist edge6 2001:db8::10",
		"ipset restore -exist",
	}, runner.argvs())
	assert.Equal(t, "add edge 192.0.2.11\nadd edge6 2001:db8::11\n", runner.calls[2].stdin)
	assert.True(t, d.SupportsBatch())
}

// =============================================================================
// nftables
// =============================================================================

func TestNFTables_Operations(t *testing.T) {
	runner := &fakeRunner{respond: func(argv string) error {
		if strings.HasPrefix(argv, "nft delete") {
			return &ExitError{Command: "nft", Code: 1, Stderr: "Error: Could not process rule: No such file or directory"}
		}
		return nil
	}}
	d, err := newTestRegistry(runner).Build(integration(entity.ProviderNFTables, nil))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, d.Ban(ctx, "192.0.2.20"))
	require.NoError(t, d.Unban(ctx, "192.0.2.21"), "absent element counts as unbanned")
	require.NoError(t, d.BanBatch(ctx, []string{"192.0.2.22", "192.0.2.23", "2001:db8::1"}))

	assert.Equal(t, []string{
		"nft add element inet filter orchestra_blocklist { 192.0.2.20 }",
		"nft delete element inet filter orchestra_blocklist { 192.0.2.21 }",
		"nft add element inet filter orchestra_blocklist { 192.0.2.22, 192.0.2.23 }",
		"nft add element inet filter orchestra_blocklist6 { 2001:db8::1 }",
	}, runner.argvs())
}

func TestNFTables_DeleteFailureIsUnavailable(t *testing.T) {
	runner := &fakeRunner{respond: func(string) error {
		return &ExitError{Command: "nft", Code: 1, Stderr: "Error: No such table"}
	}}
	d, err := newTestRegistry(runner).Build(integration(entity.ProviderNFTables, nil))
	require.NoError(t, err)

	err = d.Unban(context.Background(), "192.0.2.21")
	assert.ErrorIs(t, err, entity.ErrDriverUnavailable)
}

// =============================================================================
// helpers
// =============================================================================

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "nft add element inet filter set '{ 192.0.2.1 }'",
		shellJoin("nft", "add", "element", "inet", "filter", "set", "{ 192.0.2.1 }"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "''", shellQuote(""))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))
	assert.ErrorIs(t, classify(errors.New("boom")), entity.ErrDriverUnavailable)
	assert.ErrorIs(t, classify(context.DeadlineExceeded), entity.ErrTimeout)
	wrapped := classify(entity.ErrInvalidArgument)
	assert.ErrorIs(t, wrapped, entity.ErrInvalidArgument)
	assert.NotErrorIs(t, wrapped, entity.ErrDriverUnavailable)
}

func TestEnvFileResolver(t *testing.T) {
	t.Setenv("ORCHESTRA_TEST_SECRET", "s3cret")
	r := EnvFileResolver{}

	v, err := r.Resolve("env:ORCHESTRA_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	v, err = r.Resolve("")
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = r.Resolve("vault:secret/data")
	assert.ErrorIs(t, err, entity.ErrInvalidArgument)

	_, err = r.Resolve("env:ORCHESTRA_TEST_MISSING_SECRET")
	assert.ErrorIs(t, err, entity.ErrInvalidArgument)
}
