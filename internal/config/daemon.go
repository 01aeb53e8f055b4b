package config

import (
	"fmt"
	"time"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/backend"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/logging"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/ratelimit"
)

// DaemonConfig is the root configuration for nexusd.
type DaemonConfig struct {
	Log       logging.Config  `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	API       APIConfig       `yaml:"api"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Selector  SelectorConfig  `yaml:"selector"`
	Region    RegionConfig    `yaml:"region"`
	Provision ProvisionConfig `yaml:"provision"`
	Inventory InventoryConfig `yaml:"inventory"`
	Backend   BackendConfig   `yaml:"backend"`
	// Credentials maps tunnel ids to decrypted provider credentials.
	// Encrypted storage lives outside the daemon; this file is expected to
	// be produced by the credential agent.
	CredentialsFile string `yaml:"credentials_file"`
}

// StoreConfig configures the SQLite rule store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// APIConfig configures the REST/WebSocket control surface.
type APIConfig struct {
	Listen    string           `yaml:"listen"`
	Token     string           `yaml:"token"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

// LifecycleConfig tunes the per-tunnel state machines.
type LifecycleConfig struct {
	// IdleGrace is how long a tunnel with zero demand stays connected
	// before teardown begins.
	IdleGrace time.Duration `yaml:"idle_grace"`
	// ConnectTimeout bounds a single backend handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// DisconnectTimeout bounds a single teardown.
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	// ServerStaleness is how long a resolved server hostname is trusted
	// before selection runs again.
	ServerStaleness time.Duration `yaml:"server_staleness"`
}

// SelectorConfig configures server selection.
type SelectorConfig struct {
	DirectoryURL     string        `yaml:"directory_url"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	ProbeConcurrency int           `yaml:"probe_concurrency"`
	// DNSServer is the resolver used for candidate hostnames, host:port.
	// Empty uses the system resolver.
	DNSServer string `yaml:"dns_server"`
	// Servers pins per-region server lists and is used when directory_url
	// is empty.
	Servers map[string][]StaticServer `yaml:"servers"`
}

// StaticServer is one pinned server in a static region list.
type StaticServer struct {
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
}

// BackendConfig carries per-driver connection options.
type BackendConfig struct {
	OpenVPN   backend.OpenVPNOptions   `yaml:"openvpn"`
	WireGuard backend.WireGuardOptions `yaml:"wireguard"`
}

// RegionConfig configures the region resolver. Static pins the region and
// bypasses the GeoIP endpoint, which is useful for tests and development.
type RegionConfig struct {
	Endpoint string `yaml:"endpoint"`
	Static   string `yaml:"static"`
}

// ProvisionConfig configures the auto-rule provisioner.
type ProvisionConfig struct {
	// Interval between periodic reconcile passes. Zero disables the timer;
	// passes still run on demand.
	Interval time.Duration `yaml:"interval"`
}

// InventoryConfig configures the installed-app inventory source.
type InventoryConfig struct {
	// Path to a file listing one installed package name per line.
	Path string `yaml:"path"`
	// Packages is a static list used when Path is empty.
	Packages []string `yaml:"packages"`
}

// DefaultDaemonConfig returns a DaemonConfig with usable defaults.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Log: logging.DefaultConfig(),
		Store: StoreConfig{
			Path: "nexus.db",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8787",
		},
		Lifecycle: LifecycleConfig{
			IdleGrace:         30 * time.Second,
			ConnectTimeout:    60 * time.Second,
			DisconnectTimeout: 15 * time.Second,
			ServerStaleness:   24 * time.Hour,
		},
		Selector: SelectorConfig{
			CacheTTL:         6 * time.Hour,
			ProbeTimeout:     3 * time.Second,
			ProbeConcurrency: 8,
		},
		Provision: ProvisionConfig{
			Interval: 15 * time.Minute,
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *DaemonConfig) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must be set")
	}
	if c.Lifecycle.IdleGrace <= 0 {
		return fmt.Errorf("lifecycle.idle_grace must be positive")
	}
	if c.Lifecycle.ConnectTimeout <= 0 {
		return fmt.Errorf("lifecycle.connect_timeout must be positive")
	}
	if c.Lifecycle.DisconnectTimeout <= 0 {
		return fmt.Errorf("lifecycle.disconnect_timeout must be positive")
	}
	if c.Selector.ProbeConcurrency < 0 {
		return fmt.Errorf("selector.probe_concurrency must not be negative")
	}
	if c.Region.Endpoint == "" && c.Region.Static == "" {
		return fmt.Errorf("region.endpoint or region.static must be set")
	}
	if c.Selector.DirectoryURL == "" && len(c.Selector.Servers) == 0 {
		return fmt.Errorf("selector.directory_url or selector.servers must be set")
	}
	return nil
}
