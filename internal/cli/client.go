// Package cli provides control commands for a running nexusd.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
)

// APIClient talks to the daemon's REST API.
type APIClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewAPIClient creates an API client.
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

// Tunnel is a tunnel config plus its runtime status as reported by the API.
type Tunnel struct {
	core.TunnelConfig
	Status *core.TunnelStatus `json:"status,omitempty"`
}

// RouteResult is the outcome of a route resolution.
type RouteResult struct {
	PackageName string             `json:"package_name"`
	Direct      bool               `json:"direct"`
	TunnelID    string             `json:"tunnel_id,omitempty"`
	Status      *core.TunnelStatus `json:"status,omitempty"`
}

// Status is the daemon status summary.
type Status struct {
	Version      string              `json:"version"`
	Tunnels      []core.TunnelStatus `json:"tunnels"`
	ActiveRoutes json.RawMessage     `json:"active_routes"`
}

// ProvisionResult mirrors the autosetup response.
type ProvisionResult struct {
	Region    string `json:"region"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Deleted   int    `json:"deleted"`
	Unchanged int    `json:"unchanged"`
	Skipped   int    `json:"skipped"`
}

func (c *APIClient) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d from %s %s", resp.StatusCode, method, path)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetStatus fetches the daemon status summary.
func (c *APIClient) GetStatus() (Status, error) {
	var st Status
	err := c.do(http.MethodGet, "/api/v1/status", nil, &st)
	return st, err
}

// ListTunnels fetches all tunnel configs with status.
func (c *APIClient) ListTunnels() ([]Tunnel, error) {
	var tunnels []Tunnel
	err := c.do(http.MethodGet, "/api/v1/tunnels", nil, &tunnels)
	return tunnels, err
}

// CreateTunnel adds a tunnel config.
func (c *APIClient) CreateTunnel(name, regionID, templateID string) (core.TunnelConfig, error) {
	var cfg core.TunnelConfig
	err := c.do(http.MethodPost, "/api/v1/tunnels", map[string]string{
		"name":        name,
		"region_id":   regionID,
		"template_id": templateID,
	}, &cfg)
	return cfg, err
}

// DeleteTunnel removes a tunnel config and its rules.
func (c *APIClient) DeleteTunnel(id string) error {
	return c.do(http.MethodDelete, "/api/v1/tunnels/"+id, nil, nil)
}

// ListRules fetches all app rules.
func (c *APIClient) ListRules() ([]core.AppRule, error) {
	var rules []core.AppRule
	err := c.do(http.MethodGet, "/api/v1/rules", nil, &rules)
	return rules, err
}

// SetRule binds a package to a tunnel config.
func (c *APIClient) SetRule(packageName, tunnelConfigID string) error {
	return c.do(http.MethodPut, "/api/v1/rules/"+packageName, map[string]string{
		"tunnel_config_id": tunnelConfigID,
	}, nil)
}

// DeleteRule removes a package's rule.
func (c *APIClient) DeleteRule(packageName string) error {
	return c.do(http.MethodDelete, "/api/v1/rules/"+packageName, nil, nil)
}

// Route resolves a route for a package, connecting its tunnel if needed.
func (c *APIClient) Route(packageName string) (RouteResult, error) {
	var res RouteResult
	err := c.do(http.MethodGet, "/api/v1/route/"+packageName, nil, &res)
	return res, err
}

// ReleaseRoute drops a package's route demand.
func (c *APIClient) ReleaseRoute(packageName string) error {
	return c.do(http.MethodDelete, "/api/v1/route/"+packageName, nil, nil)
}

// AutoSetup triggers a provisioning pass.
func (c *APIClient) AutoSetup() (ProvisionResult, error) {
	var res ProvisionResult
	err := c.do(http.MethodPost, "/api/v1/autosetup", nil, &res)
	return res, err
}
