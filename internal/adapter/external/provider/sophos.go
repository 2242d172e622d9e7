package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/external/sophos"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

// sophosDriver manages an IP host group on a Sophos XGS firewall
type sophosDriver struct {
	client *sophos.Client
	logger *slog.Logger
}

func newSophosDriver(in *entity.Integration, deps Deps) (Driver, error) {
	host := in.Config.Get("host", "")
	baseURL := in.Config.Get("base_url", "")
	if host == "" && baseURL == "" {
		return nil, invalidConfig("sophos requires host")
	}
	port, err := strconv.Atoi(in.Config.Get("port", "4444"))
	if err != nil || port <= 0 || port > 65535 {
		return nil, invalidConfig("port %q is not a valid port", in.Config["port"])
	}
	username := in.Config.Get("username", "")
	if username == "" {
		return nil, invalidConfig("sophos requires username")
	}
	password, err := deps.Secrets.Resolve(in.CredentialRef)
	if err != nil {
		return nil, err
	}

	client := sophos.NewClient(sophos.Config{
		Host:       host,
		Port:       port,
		Username:   username,
		Password:   password,
		GroupName:  in.Config.Get("group", ""),
		HostPrefix: in.Config.Get("host_prefix", ""),
		SkipVerify: in.Config.Get("skip_verify", "false") == "true",
		BaseURL:    baseURL,
	})
	return &sophosDriver{
		client: client,
		logger: deps.Logger.With("driver", "sophos", "host", host),
	}, nil
}

func (d *sophosDriver) Ban(ctx context.Context, ip string) error {
	if err := d.client.AddIPToBlocklist(ctx, ip); err != nil {
		return classify(fmt.Errorf("sophos ban: %w", err))
	}
	return nil
}

func (d *sophosDriver) Unban(ctx context.Context, ip string) error {
	if err := d.client.RemoveIPFromBlocklist(ctx, ip); err != nil {
		return classify(fmt.Errorf("sophos unban: %w", err))
	}
	return nil
}

func (d *sophosDriver) BanBatch(ctx context.Context, ips []string) error {
	if err := d.client.AddIPsToBlocklist(ctx, ips); err != nil {
		return classify(fmt.Errorf("sophos batch ban: %w", err))
	}
	d.logger.Debug("Batch synced", "count", len(ips))
	return nil
}

func (d *sophosDriver) TestConnection(ctx context.Context) error {
	return classify(d.client.TestConnection(ctx))
}

func (d *sophosDriver) SupportsBatch() bool { return true }
