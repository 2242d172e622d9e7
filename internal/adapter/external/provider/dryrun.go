package provider

import (
	"context"
	"log/slog"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

// dryRunDriver only logs directives. Useful to validate the matrix
// before wiring a real backend.
type dryRunDriver struct {
	logger *slog.Logger
}

func newDryRunDriver(in *entity.Integration, deps Deps) (Driver, error) {
	return &dryRunDriver{logger: deps.Logger.With("driver", "dryrun", "integration", in.Name)}, nil
}

func (d *dryRunDriver) Ban(_ context.Context, ip string) error {
	d.logger.Info("Dry run ban", "ip", ip)
	return nil
}

func (d *dryRunDriver) Unban(_ context.Context, ip string) error {
	d.logger.Info("Dry run unban", "ip", ip)
	return nil
}

func (d *dryRunDriver) BanBatch(_ context.Context, ips []string) error {
	d.logger.Info("Dry run batch ban", "ips", ips)
	return nil
}

func (d *dryRunDriver) TestConnection(context.Context) error { return nil }

func (d *dryRunDriver) SupportsBatch() bool { return true }
