package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// DefaultCacheTTL is the default time-to-live for cached server lists.
const DefaultCacheTTL = 6 * time.Hour

// HTTPDirectory fetches region server lists from a directory service and
// caches them per region.
type HTTPDirectory struct {
	baseURL    string
	httpClient *http.Client
	ttl        time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	servers []Server
	fetched time.Time
}

// DirectoryOption is a functional option for configuring the directory.
type DirectoryOption func(*HTTPDirectory)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) DirectoryOption {
	return func(d *HTTPDirectory) { d.httpClient = client }
}

// WithCacheTTL sets how long fetched server lists stay fresh.
func WithCacheTTL(ttl time.Duration) DirectoryOption {
	return func(d *HTTPDirectory) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// NewHTTPDirectory creates a directory client for a base URL.
func NewHTTPDirectory(baseURL string, opts ...DirectoryOption) (*HTTPDirectory, error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid directory url %q", baseURL)
	}
	d := &HTTPDirectory{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		ttl:        DefaultCacheTTL,
		cache:      make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Servers returns the candidate servers for a region, from cache when fresh.
func (d *HTTPDirectory) Servers(ctx context.Context, regionID string) ([]Server, error) {
	d.mu.RLock()
	entry, ok := d.cache[regionID]
	d.mu.RUnlock()
	if ok && time.Since(entry.fetched) < d.ttl {
		result := make([]Server, len(entry.servers))
		copy(result, entry.servers)
		return result, nil
	}

	servers, err := d.fetch(ctx, regionID)
	if err != nil {
		// A stale list beats no list when the directory is down.
		if ok {
			result := make([]Server, len(entry.servers))
			copy(result, entry.servers)
			return result, nil
		}
		return nil, err
	}

	d.mu.Lock()
	d.cache[regionID] = cacheEntry{servers: servers, fetched: time.Now()}
	d.mu.Unlock()
	return servers, nil
}

// Invalidate drops the cached list for a region.
func (d *HTTPDirectory) Invalidate(regionID string) {
	d.mu.Lock()
	delete(d.cache, regionID)
	d.mu.Unlock()
}

func (d *HTTPDirectory) fetch(ctx context.Context, regionID string) ([]Server, error) {
	u := fmt.Sprintf("%s/v1/servers?region=%s", d.baseURL, url.QueryEscape(regionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch server list: status %d: %s", resp.StatusCode, string(body))
	}

	var servers []Server
	if err := json.NewDecoder(resp.Body).Decode(&servers); err != nil {
		return nil, fmt.Errorf("decode server list: %w", err)
	}
	// Drop entries for other regions; a misconfigured directory must not
	// hand us an exit in the wrong country.
	filtered := servers[:0]
	for _, s := range servers {
		if s.RegionID == "" || s.RegionID == regionID {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// StaticDirectory serves a fixed server list, mainly for tests and static
// configs.
type StaticDirectory map[string][]Server

func (d StaticDirectory) Servers(_ context.Context, regionID string) ([]Server, error) {
	servers, ok := d[regionID]
	if !ok {
		return nil, nil
	}
	return servers, nil
}
