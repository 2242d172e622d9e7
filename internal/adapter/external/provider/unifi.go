package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
)

var errUniFiUnauthorized = errors.New("unifi: unauthorized")

// unifiDriver keeps the members of one UniFi firewall address group
// in sync with the ban list
type unifiDriver struct {
	apiBase  string
	loginURL string
	site     string
	group    string
	username string
	password string

	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	loggedIn bool
}

type unifiGroup struct {
	ID           string   `json:"_id,omitempty"`
	Name         string   `json:"name"`
	GroupType    string   `json:"group_type"`
	GroupMembers []string `json:"group_members"`
	SiteID       string   `json:"site_id,omitempty"`
}

type unifiEnvelope struct {
	Meta struct {
		RC  string `json:"rc"`
		Msg string `json:"msg"`
	} `json:"meta"`
	Data json.RawMessage `json:"data"`
}

func newUniFiDriver(in *entity.Integration, deps Deps) (Driver, error) {
	rawURL := strings.TrimRight(in.Config.Get("url", ""), "/")
	if rawURL == "" {
		return nil, invalidConfig("unifi requires url")
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, invalidConfig("url %q: %v", rawURL, err)
	}
	username := in.Config.Get("username", "")
	if username == "" {
		return nil, invalidConfig("unifi requires username")
	}
	password, err := deps.Secrets.Resolve(in.CredentialRef)
	if err != nil {
		return nil, err
	}

	// UniFi OS consoles proxy the network application
	apiBase, loginURL := rawURL, rawURL+"/api/login"
	if in.Config.Get("unifi_os", "false") == "true" {
		apiBase, loginURL = rawURL+"/proxy/network", rawURL+"/api/auth/login"
	}

	jar, _ := cookiejar.New(nil)
	return &unifiDriver{
		apiBase:  apiBase,
		loginURL: loginURL,
		site:     in.Config.Get("site", "default"),
		group:    in.Config.Get("group", "orchestra-blocklist"),
		username: username,
		password: password,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: in.Config.Get("skip_verify", "false") == "true"},
			},
		},
		logger: deps.Logger.With("driver", "unifi", "site", in.Config.Get("site", "default")),
	}, nil
}

func (d *unifiDriver) login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"username": d.username, "password": d.password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.loginURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("unifi login: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unifi login: HTTP %d", resp.StatusCode)
	}
	d.loggedIn = true
	return nil
}

// call performs one API request, logging in first and once more on 401
func (d *unifiDriver) call(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if !d.loggedIn {
			if err := d.login(ctx); err != nil {
				return nil, err
			}
		}
		data, err := d.do(ctx, method, path, payload)
		if errors.Is(err, errUniFiUnauthorized) {
			d.loggedIn = false
			continue
		}
		return data, err
	}
	return nil, errUniFiUnauthorized
}

func (d *unifiDriver) do(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.apiBase+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unifi %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errUniFiUnauthorized
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unifi read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unifi %s %s: HTTP %d", method, path, resp.StatusCode)
	}

	var env unifiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unifi decode response: %w", err)
	}
	if env.Meta.RC != "ok" {
		return nil, fmt.Errorf("unifi %s %s: %s", method, path, env.Meta.Msg)
	}
	return env.Data, nil
}

func (d *unifiDriver) groupsPath() string {
	return "/api/s/" + url.PathEscape(d.site) + "/rest/firewallgroup"
}

func (d *unifiDriver) findGroup(ctx context.Context) (*unifiGroup, error) {
	data, err := d.call(ctx, http.MethodGet, d.groupsPath(), nil)
	if err != nil {
		return nil, err
	}
	var groups []unifiGroup
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("unifi decode groups: %w", err)
	}
	for i := range groups {
		if groups[i].Name == d.group {
			return &groups[i], nil
		}
	}
	return nil, nil
}

// mutate applies fn to the group members and writes back when changed.
// The group is created on first ban.
func (d *unifiDriver) mutate(ctx context.Context, fn func(members []string) []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	group, err := d.findGroup(ctx)
	if err != nil {
		return classify(err)
	}

	if group == nil {
		members := fn(nil)
		if len(members) == 0 {
			return nil
		}
		_, err := d.call(ctx, http.MethodPost, d.groupsPath(), unifiGroup{
			Name:         d.group,
			GroupType:    "address-group",
			GroupMembers: members,
		})
		return classify(err)
	}

	next := fn(group.GroupMembers)
	if sameMembers(group.GroupMembers, next) {
		return nil
	}
	group.GroupMembers = next
	_, err = d.call(ctx, http.MethodPut, d.groupsPath()+"/"+url.PathEscape(group.ID), group)
	return classify(err)
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func addMembers(ips []string) func([]string) []string {
	return func(members []string) []string {
		seen := make(map[string]struct{}, len(members))
		out := append([]string(nil), members...)
		for _, m := range members {
			seen[m] = struct{}{}
		}
		for _, ip := range ips {
			if _, ok := seen[ip]; !ok {
				seen[ip] = struct{}{}
				out = append(out, ip)
			}
		}
		return out
	}
}

func (d *unifiDriver) Ban(ctx context.Context, ip string) error {
	return d.mutate(ctx, addMembers([]string{ip}))
}

func (d *unifiDriver) BanBatch(ctx context.Context, ips []string) error {
	if len(ips) == 0 {
		return nil
	}
	return d.mutate(ctx, addMembers(ips))
}

func (d *unifiDriver) Unban(ctx context.Context, ip string) error {
	return d.mutate(ctx, func(members []string) []string {
		out := make([]string, 0, len(members))
		for _, m := range members {
			if m != ip {
				out = append(out, m)
			}
		}
		return out
	})
}

func (d *unifiDriver) TestConnection(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loggedIn = false
	_, err := d.findGroup(ctx)
	return classify(err)
}

func (d *unifiDriver) SupportsBatch() bool { return true }
