package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"strings"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

// Drivers for packet-filter tools: iptables, ipset and nftables.

var objectNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,31}$`)

func buildRunner(in *entity.Integration, deps Deps) (CommandRunner, error) {
	secret, err := deps.Secrets.Resolve(in.CredentialRef)
	if err != nil {
		return nil, err
	}
	return deps.Runner(in.Config, secret)
}

func configName(cfg entity.IntegrationConfig, key, fallback string) (string, error) {
	v := cfg.Get(key, fallback)
	if !objectNameRe.MatchString(v) {
		return "", invalidConfig("%s %q is not a valid name", key, v)
	}
	return v, nil
}

func isIPv6(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	return err == nil && addr.Unmap().Is6()
}

// -----------------------------------------------------------------------------
// iptables
// -----------------------------------------------------------------------------

type iptablesDriver struct {
	runner CommandRunner
	chain  string
	target string
	logger *slog.Logger
}

func newIPTablesDriver(in *entity.Integration, deps Deps) (Driver, error) {
	chain, err := configName(in.Config, "chain", "INPUT")
	if err != nil {
		return nil, err
	}
	target, err := configName(in.Config, "target", "DROP")
	if err != nil {
		return nil, err
	}
	runner, err := buildRunner(in, deps)
	if err != nil {
		return nil, err
	}
	return &iptablesDriver{
		runner: runner,
		chain:  chain,
		target: target,
		logger: deps.Logger.With("driver", "iptables", "target", runner.Target()),
	}, nil
}

func (d *iptablesDriver) binary(ip string) string {
	if isIPv6(ip) {
		return "ip6tables"
	}
	return "iptables"
}

func (d *iptablesDriver) rule(op, ip string) []string {
	return []string{"-w", op, d.chain, "-s", ip, "-j", d.target}
}

// exists runs -C; exit status 1 means the rule is absent
func (d *iptablesDriver) exists(ctx context.Context, ip string) (bool, error) {
	_, err := d.runner.Run(ctx, "", d.binary(ip), d.rule("-C", ip)...)
	if err == nil {
		return true, nil
	}
	if code, ok := exitCode(err); ok && code == 1 {
		return false, nil
	}
	return false, classify(err)
}

func (d *iptablesDriver) Ban(ctx context.Context, ip string) error {
	present, err := d.exists(ctx, ip)
	if err != nil || present {
		return err
	}
	if _, err := d.runner.Run(ctx, "", d.binary(ip), d.rule("-I", ip)...); err != nil {
		return classify(err)
	}
	d.logger.Debug("Rule inserted", "ip", ip, "chain", d.chain)
	return nil
}

func (d *iptablesDriver) Unban(ctx context.Context, ip string) error {
	present, err := d.exists(ctx, ip)
	if err != nil || !present {
		return err
	}
	if _, err := d.runner.Run(ctx, "", d.binary(ip), d.rule("-D", ip)...); err != nil {
		return classify(err)
	}
	d.logger.Debug("Rule deleted", "ip", ip, "chain", d.chain)
	return nil
}

func (d *iptablesDriver) BanBatch(ctx context.Context, ips []string) error {
	return sequentialBatch(ctx, ips, d.Ban)
}

func (d *iptablesDriver) TestConnection(ctx context.Context) error {
	_, err := d.runner.Run(ctx, "", "iptables", "-w", "-n", "-L", d.chain)
	return classify(err)
}

func (d *iptablesDriver) SupportsBatch() bool { return false }

// -----------------------------------------------------------------------------
// ipset
// -----------------------------------------------------------------------------

type ipsetDriver struct {
	runner CommandRunner
	set    string
	set6   string
	logger *slog.Logger
}

func newIPSetDriver(in *entity.Integration, deps Deps) (Driver, error) {
	set, err := configName(in.Config, "set", "orchestra-blocklist")
	if err != nil {
		return nil, err
	}
	set6, err := configName(in.Config, "set6", set+"6")
	if err != nil {
		return nil, err
	}
	runner, err := buildRunner(in, deps)
	if err != nil {
		return nil, err
	}
	return &ipsetDriver{
		runner: runner,
		set:    set,
		set6:   set6,
		logger: deps.Logger.With("driver", "ipset", "target", runner.Target()),
	}, nil
}

func (d *ipsetDriver) setFor(ip string) string {
	if isIPv6(ip) {
		return d.set6
	}
	return d.set
}

func (d *ipsetDriver) Ban(ctx context.Context, ip string) error {
	_, err := d.runner.Run(ctx, "", "ipset", "add", "-exist", d.setFor(ip), ip)
	return classify(err)
}

func (d *ipsetDriver) Unban(ctx context.Context, ip string) error {
	_, err := d.runner.Run(ctx, "", "ipset", "del", "-exist", d.setFor(ip), ip)
	return classify(err)
}

// BanBatch feeds all entries to one "ipset restore"
func (d *ipsetDriver) BanBatch(ctx context.Context, ips []string) error {
	if len(ips) == 0 {
		return nil
	}
	var b strings.Builder
	for _, ip := range ips {
		fmt.Fprintf(&b, "add %s %s\n", d.setFor(ip), ip)
	}
	if _, err := d.runner.Run(ctx, b.String(), "ipset", "restore", "-exist"); err != nil {
		return classify(err)
	}
	d.logger.Debug("Batch restored", "count", len(ips))
	return nil
}

func (d *ipsetDriver) TestConnection(ctx context.Context) error {
	_, err := d.runner.Run(ctx, "", "ipset", "list", "-terse", d.set)
	return classify(err)
}

func (d *ipsetDriver) SupportsBatch() bool { return true }

// -----------------------------------------------------------------------------
// nftables
// -----------------------------------------------------------------------------

type nftablesDriver struct {
	runner CommandRunner
	family string
	table  string
	set    string
	set6   string
	logger *slog.Logger
}

func newNFTablesDriver(in *entity.Integration, deps Deps) (Driver, error) {
	family := in.Config.Get("family", "inet")
	switch family {
	case "inet", "ip", "ip6", "bridge", "netdev":
	default:
		return nil, invalidConfig("family %q is not an nftables family", family)
	}
	table, err := configName(in.Config, "table", "filter")
	if err != nil {
		return nil, err
	}
	set, err := configName(in.Config, "set", "orchestra_blocklist")
	if err != nil {
		return nil, err
	}
	set6, err := configName(in.Config, "set6", set+"6")
	if err != nil {
		return nil, err
	}
	runner, err := buildRunner(in, deps)
	if err != nil {
		return nil, err
	}
	return &nftablesDriver{
		runner: runner,
		family: family,
		table:  table,
		set:    set,
		set6:   set6,
		logger: deps.Logger.With("driver", "nftables", "target", runner.Target()),
	}, nil
}

func (d *nftablesDriver) setFor(ip string) string {
	if isIPv6(ip) {
		return d.set6
	}
	return d.set
}

func (d *nftablesDriver) element(verb, set string, ips []string) []string {
	return []string{verb, "element", d.family, d.table, set, "{ " + strings.Join(ips, ", ") + " }"}
}

// add is idempotent in nft; existing elements are accepted
func (d *nftablesDriver) Ban(ctx context.Context, ip string) error {
	_, err := d.runner.Run(ctx, "", "nft", d.element("add", d.setFor(ip), []string{ip})...)
	return classify(err)
}

// delete fails with ENOENT for an absent element, which counts as done
func (d *nftablesDriver) Unban(ctx context.Context, ip string) error {
	_, err := d.runner.Run(ctx, "", "nft", d.element("delete", d.setFor(ip), []string{ip})...)
	if err != nil && strings.Contains(err.Error(), "No such file or directory") {
		return nil
	}
	return classify(err)
}

// BanBatch issues one command per address family
func (d *nftablesDriver) BanBatch(ctx context.Context, ips []string) error {
	bySet := map[string][]string{}
	var order []string
	for _, ip := range ips {
		set := d.setFor(ip)
		if _, ok := bySet[set]; !ok {
			order = append(order, set)
		}
		bySet[set] = append(bySet[set], ip)
	}
	for _, set := range order {
		if _, err := d.runner.Run(ctx, "", "nft", d.element("add", set, bySet[set])...); err != nil {
			return classify(err)
		}
	}
	return nil
}

func (d *nftablesDriver) TestConnection(ctx context.Context) error {
	_, err := d.runner.Run(ctx, "", "nft", "list", "set", d.family, d.table, d.set)
	return classify(err)
}

func (d *nftablesDriver) SupportsBatch() bool { return true }
