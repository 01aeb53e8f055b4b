// Package region determines which region the device's direct (non-tunneled)
// traffic currently exits from. The provisioner uses this to decide which
// preset rules actually need a tunnel.
package region

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
)

// Resolver reports the current network region as an uppercase country code.
type Resolver interface {
	CurrentRegion(ctx context.Context) (string, error)
}

// HTTPResolver asks a GeoIP-style endpoint for the current region. Failures
// are wrapped in core.ErrRegionUnresolvable so callers can abort cleanly.
type HTTPResolver struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPResolver creates a resolver against an endpoint returning
// {"country_code":"FR"}.
func NewHTTPResolver(endpoint string, client *http.Client) *HTTPResolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPResolver{endpoint: endpoint, httpClient: client}
}

func (r *HTTPResolver) CurrentRegion(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrRegionUnresolvable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrRegionUnresolvable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d from %s", core.ErrRegionUnresolvable, resp.StatusCode, r.endpoint)
	}

	var payload struct {
		CountryCode string `json:"country_code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", core.ErrRegionUnresolvable, err)
	}
	code := strings.ToUpper(strings.TrimSpace(payload.CountryCode))
	if code == "" {
		return "", fmt.Errorf("%w: empty country code from %s", core.ErrRegionUnresolvable, r.endpoint)
	}
	return code, nil
}

// Static always reports a fixed region. Used for pinned configs and tests.
type Static string

func (s Static) CurrentRegion(context.Context) (string, error) {
	if s == "" {
		return "", core.ErrRegionUnresolvable
	}
	return strings.ToUpper(string(s)), nil
}
