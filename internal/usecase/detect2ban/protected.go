package detect2ban

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/phemmer/go-iptrie"
)

// defaultProtected are ranges that are never auto-banned
var defaultProtected = map[string]string{
	"10.0.0.0/8":     "Private network",
	"172.16.0.0/12":  "Private network",
	"192.168.0.0/16": "Private network",
	"127.0.0.0/8":    "Loopback address",
	"169.254.0.0/16": "Link-local address",
	"0.0.0.0/32":     "Unspecified address",
	"::1/128":        "Loopback address",
	"fc00::/7":       "Unique local address",
	"fe80::/10":      "Link-local address",
}

// ProtectedNetworks answers whether an address must never be auto-banned
type ProtectedNetworks struct {
	trie *iptrie.Trie
}

// NewProtectedNetworks builds the set from the defaults plus extra CIDRs
// or bare addresses
func NewProtectedNetworks(extra []string) (*ProtectedNetworks, error) {
	p := &ProtectedNetworks{trie: iptrie.NewTrie()}
	for cidr, reason := range defaultProtected {
		p.trie.Insert(netip.MustParsePrefix(cidr), reason)
	}
	for _, raw := range extra {
		prefix, err := parsePrefix(raw)
		if err != nil {
			return nil, err
		}
		p.trie.Insert(prefix, fmt.Sprintf("Protected network %s", prefix))
	}
	return p, nil
}

func parsePrefix(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("protected network %q: %w", raw, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("protected address %q: %w", raw, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Reason returns why ip is protected, or false when it may be banned
func (p *ProtectedNetworks) Reason(ip string) (string, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}
	v := p.trie.Find(addr.Unmap())
	if v == nil {
		return "", false
	}
	reason, _ := v.(string)
	return reason, true
}

// Contains reports whether ip is protected
func (p *ProtectedNetworks) Contains(ip string) bool {
	_, ok := p.Reason(ip)
	return ok
}
