package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

// Driver delivers ban directives to one firewall backend.
// Every operation is idempotent: banning a banned IP or unbanning an
// absent one succeeds. Errors are wrapped in the entity error taxonomy.
type Driver interface {
	Ban(ctx context.Context, ip string) error
	Unban(ctx context.Context, ip string) error
	// BanBatch bans all ips; drivers without a batch primitive fall back
	// to sequential Ban calls
	BanBatch(ctx context.Context, ips []string) error
	TestConnection(ctx context.Context) error
	// SupportsBatch reports whether BanBatch is a single backend call
	SupportsBatch() bool
}

// Factory builds a driver from an integration. It validates the config
// and resolves credentials but must not perform network I/O.
type Factory func(in *entity.Integration, deps Deps) (Driver, error)

// Deps are the collaborators shared by all factories
type Deps struct {
	Logger  *slog.Logger
	Secrets SecretResolver
	// Runner builds the command runner of local packet-filter drivers
	Runner RunnerFactory
}

// Registry maps provider types to factories. The set of types is fixed
// at construction.
type Registry struct {
	factories map[entity.ProviderType]Factory
	deps      Deps
}

// Option customizes a registry
type Option func(*Registry)

// WithRunnerFactory overrides how local-tool drivers execute commands
func WithRunnerFactory(f RunnerFactory) Option {
	return func(r *Registry) {
		r.deps.Runner = f
	}
}

// WithSecretResolver overrides credential resolution
func WithSecretResolver(s SecretResolver) Option {
	return func(r *Registry) {
		r.deps.Secrets = s
	}
}

// NewRegistry creates a registry with every built-in driver
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		factories: map[entity.ProviderType]Factory{
			entity.ProviderIPTables: newIPTablesDriver,
			entity.ProviderIPSet:    newIPSetDriver,
			entity.ProviderNFTables: newNFTablesDriver,
			entity.ProviderSophos:   newSophosDriver,
			entity.ProviderUniFi:    newUniFiDriver,
			entity.ProviderDryRun:   newDryRunDriver,
		},
		deps: Deps{
			Logger:  logger,
			Secrets: EnvFileResolver{},
			Runner:  DefaultRunnerFactory,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Build returns the driver for an integration
func (r *Registry) Build(in *entity.Integration) (Driver, error) {
	factory, ok := r.factories[in.ProviderType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider type %q", entity.ErrInvalidArgument, in.ProviderType)
	}
	d, err := factory(in, r.deps)
	if err != nil {
		return nil, fmt.Errorf("build %s driver: %w", in.ProviderType, err)
	}
	return d, nil
}

// Supports reports whether a provider type is registered
func (r *Registry) Supports(t entity.ProviderType) bool {
	_, ok := r.factories[t]
	return ok
}

// Types lists registered provider types, sorted
func (r *Registry) Types() []entity.ProviderType {
	out := make([]entity.ProviderType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// sequentialBatch is the BanBatch fallback
func sequentialBatch(ctx context.Context, ips []string, ban func(context.Context, string) error) error {
	for _, ip := range ips {
		if err := ban(ctx, ip); err != nil {
			return fmt.Errorf("ban %s: %w", ip, err)
		}
	}
	return nil
}

// classify maps transport and backend errors onto the taxonomy
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, entity.ErrInvalidArgument) ||
		errors.Is(err, entity.ErrDriverUnavailable) ||
		errors.Is(err, entity.ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", entity.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", entity.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", entity.ErrDriverUnavailable, err)
}

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", entity.ErrInvalidArgument, fmt.Sprintf(format, args...))
}
