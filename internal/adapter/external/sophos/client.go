package sophos

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Status codes returned by the XML API
const (
	codeOK            = 200
	codeAlreadyExists = 502
)

// ErrAuth is returned when the firewall rejects the API credentials
var ErrAuth = errors.New("sophos: authentication failure")

// Client handles communication with Sophos XGS XML API
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	groupName  string
	hostPrefix string
}

// Config holds Sophos client configuration
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	GroupName  string
	HostPrefix string
	SkipVerify bool
	Timeout    time.Duration
	// BaseURL overrides https://Host:Port/webconsole/APIController
	BaseURL string
}

// NewClient creates a new Sophos API client
func NewClient(cfg Config) *Client {
	if cfg.Port == 0 {
		cfg.Port = 4444
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.GroupName == "" {
		cfg.GroupName = "ORCHESTRA_BLOCKLIST"
	}
	if cfg.HostPrefix == "" {
		cfg.HostPrefix = "bannedIP_"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s:%d/webconsole/APIController", cfg.Host, cfg.Port)
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.SkipVerify,
		},
	}

	return &Client{
		baseURL:    baseURL,
		username:   cfg.Username,
		password:   cfg.Password,
		groupName:  cfg.GroupName,
		hostPrefix: cfg.HostPrefix,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}
}

// APIRequest represents the root XML request structure
type APIRequest struct {
	XMLName xml.Name `xml:"Request"`
	Login   Login    `xml:"Login"`
	Set     *Set     `xml:"Set,omitempty"`
	Get     *Get     `xml:"Get,omitempty"`
	Remove  *Remove  `xml:"Remove,omitempty"`
}

// Login contains authentication credentials
type Login struct {
	Username string `xml:"Username"`
	Password string `xml:"Password"`
}

// Set operation for creating/updating objects
type Set struct {
	Operation   string       `xml:"operation,attr,omitempty"`
	IPHost      []IPHost     `xml:"IPHost,omitempty"`
	IPHostGroup *IPHostGroup `xml:"IPHostGroup,omitempty"`
}

// Get operation for retrieving objects
type Get struct {
	IPHostGroup *NameFilter `xml:"IPHostGroup,omitempty"`
}

// Remove operation for deleting objects
type Remove struct {
	IPHost *NameFilter `xml:"IPHost,omitempty"`
}

// IPHost represents an IP host object
type IPHost struct {
	Name      string `xml:"Name"`
	IPFamily  string `xml:"IPFamily,omitempty"`
	HostType  string `xml:"HostType,omitempty"`
	IPAddress string `xml:"IPAddress,omitempty"`
}

// IPHostGroup represents an IP host group
type IPHostGroup struct {
	Name        string    `xml:"Name"`
	Description string    `xml:"Description,omitempty"`
	IPFamily    string    `xml:"IPFamily,omitempty"`
	HostList    *HostList `xml:"HostList,omitempty"`
}

// HostList contains a list of hosts
type HostList struct {
	Host []string `xml:"Host"`
}

// NameFilter selects an object by name
type NameFilter struct {
	Name string `xml:"Name,omitempty"`
}

// APIResponse represents the root XML response structure
type APIResponse struct {
	XMLName     xml.Name              `xml:"Response"`
	Login       *LoginResponse        `xml:"Login,omitempty"`
	Status      *Status               `xml:"Status,omitempty"`
	IPHost      []ObjectResponse      `xml:"IPHost,omitempty"`
	IPHostGroup []IPHostGroupResponse `xml:"IPHostGroup,omitempty"`
}

// LoginResponse contains login result
type LoginResponse struct {
	Status string `xml:"status"`
}

// Status contains operation status
type Status struct {
	Code    int    `xml:"code,attr"`
	Message string `xml:",chardata"`
}

// ObjectResponse is the per-object status of a Set
type ObjectResponse struct {
	Status Status `xml:"Status"`
	Name   string `xml:"Name"`
}

// IPHostGroupResponse for IP host group query results
type IPHostGroupResponse struct {
	Status   *Status  `xml:"Status"`
	Name     string   `xml:"Name"`
	HostList HostList `xml:"HostList"`
}

// sendRequest posts the XML document as the reqxml form field
func (c *Client) sendRequest(ctx context.Context, req *APIRequest) (*APIResponse, error) {
	req.Login = Login{
		Username: c.username,
		Password: c.password,
	}

	xmlData, err := xml.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	formData := url.Values{}
	formData.Set("reqxml", xml.Header+string(xmlData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(formData.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response from API")
	}

	var apiResp APIResponse
	if err := xml.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if apiResp.Login != nil && strings.Contains(strings.ToLower(apiResp.Login.Status), "failure") {
		return nil, ErrAuth
	}

	return &apiResp, nil
}

// HostName is the IP host object name for ip
func (c *Client) HostName(ip string) string {
	return c.hostPrefix + ip
}

func ipFamily(ip string) string {
	if addr, err := netip.ParseAddr(ip); err == nil && addr.Unmap().Is6() {
		return "IPv6"
	}
	return "IPv4"
}

// createHosts creates IP host objects; existing ones are accepted
func (c *Client) createHosts(ctx context.Context, ips []string) error {
	hosts := make([]IPHost, 0, len(ips))
	for _, ip := range ips {
		hosts = append(hosts, IPHost{
			Name:      c.HostName(ip),
			IPFamily:  ipFamily(ip),
			HostType:  "IP",
			IPAddress: ip,
		})
	}

	resp, err := c.sendRequest(ctx, &APIRequest{Set: &Set{Operation: "add", IPHost: hosts}})
	if err != nil {
		return fmt.Errorf("failed to add IP hosts: %w", err)
	}
	if resp.Status != nil && resp.Status.Code != codeOK && resp.Status.Code != codeAlreadyExists {
		return fmt.Errorf("API error creating hosts: %s (code: %d)", resp.Status.Message, resp.Status.Code)
	}
	for _, h := range resp.IPHost {
		if h.Status.Code != 0 && h.Status.Code != codeOK && h.Status.Code != codeAlreadyExists {
			return fmt.Errorf("API error creating host %s: %s (code: %d)", h.Name, h.Status.Message, h.Status.Code)
		}
	}
	return nil
}

// groupHosts returns the current members of the blocklist group
func (c *Client) groupHosts(ctx context.Context) ([]string, bool, error) {
	resp, err := c.sendRequest(ctx, &APIRequest{Get: &Get{IPHostGroup: &NameFilter{Name: c.groupName}}})
	if err != nil {
		return nil, false, fmt.Errorf("failed to get group: %w", err)
	}
	for _, group := range resp.IPHostGroup {
		if group.Name == c.groupName {
			return group.HostList.Host, true, nil
		}
	}
	return nil, false, nil
}

func (c *Client) updateGroup(ctx context.Context, hosts []string) error {
	resp, err := c.sendRequest(ctx, &APIRequest{
		Set: &Set{
			Operation: "update",
			IPHostGroup: &IPHostGroup{
				Name:     c.groupName,
				HostList: &HostList{Host: hosts},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to update group: %w", err)
	}
	if code := groupStatus(resp); code != codeOK {
		return fmt.Errorf("API error updating group (code: %d)", code)
	}
	return nil
}

func groupStatus(resp *APIResponse) int {
	for _, g := range resp.IPHostGroup {
		if g.Status != nil {
			return g.Status.Code
		}
	}
	if resp.Status != nil {
		return resp.Status.Code
	}
	return codeOK
}

// EnsureBlocklistGroupExists creates the blocklist group when missing
func (c *Client) EnsureBlocklistGroupExists(ctx context.Context) error {
	resp, err := c.sendRequest(ctx, &APIRequest{
		Set: &Set{
			Operation: "add",
			IPHostGroup: &IPHostGroup{
				Name:        c.groupName,
				Description: "Managed by nginx-proxy-orchestra threat response",
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create blocklist group: %w", err)
	}
	if code := groupStatus(resp); code != codeOK && code != codeAlreadyExists {
		return fmt.Errorf("API error creating group (code: %d)", code)
	}
	return nil
}

// AddIPsToBlocklist creates the host objects and adds them to the group
// with a single group update
func (c *Client) AddIPsToBlocklist(ctx context.Context, ips []string) error {
	if len(ips) == 0 {
		return nil
	}
	if err := c.createHosts(ctx, ips); err != nil {
		return err
	}

	current, found, err := c.groupHosts(ctx)
	if err != nil {
		return err
	}
	if !found {
		if err := c.EnsureBlocklistGroupExists(ctx); err != nil {
			return err
		}
	}

	members := make(map[string]struct{}, len(current))
	for _, h := range current {
		members[h] = struct{}{}
	}
	next := append([]string(nil), current...)
	for _, ip := range ips {
		name := c.HostName(ip)
		if _, ok := members[name]; ok {
			continue
		}
		members[name] = struct{}{}
		next = append(next, name)
	}
	if len(next) == len(current) {
		return nil
	}
	return c.updateGroup(ctx, next)
}

// AddIPToBlocklist adds one IP address to the blocklist group
func (c *Client) AddIPToBlocklist(ctx context.Context, ip string) error {
	return c.AddIPsToBlocklist(ctx, []string{ip})
}

// RemoveIPFromBlocklist removes an IP from the group and deletes its
// host object. An IP that is not in the group is a no-op.
func (c *Client) RemoveIPFromBlocklist(ctx context.Context, ip string) error {
	hostName := c.HostName(ip)

	current, found, err := c.groupHosts(ctx)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	next := make([]string, 0, len(current))
	removed := false
	for _, h := range current {
		if h == hostName {
			removed = true
			continue
		}
		next = append(next, h)
	}
	if !removed {
		return nil
	}
	if err := c.updateGroup(ctx, next); err != nil {
		return err
	}

	// Host object cleanup is best effort
	_, _ = c.sendRequest(ctx, &APIRequest{Remove: &Remove{IPHost: &NameFilter{Name: hostName}}})
	return nil
}

// GetBlocklistIPs returns the IPs currently in the blocklist group
func (c *Client) GetBlocklistIPs(ctx context.Context) ([]string, error) {
	hosts, _, err := c.groupHosts(ctx)
	if err != nil {
		return nil, err
	}
	ips := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if ip, ok := strings.CutPrefix(h, c.hostPrefix); ok {
			ips = append(ips, ip)
		}
	}
	sort.Strings(ips)
	return ips, nil
}

// TestConnection authenticates and reads the blocklist group
func (c *Client) TestConnection(ctx context.Context) error {
	if _, _, err := c.groupHosts(ctx); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}
