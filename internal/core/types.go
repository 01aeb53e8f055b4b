// Package core defines the shared data model for Nexus: tunnel
// configurations, per-app routing rules, the preset geo-blocking catalog,
// and the connection state and error taxonomy used across components.
package core

import "time"

// Backend template identifiers. TemplateID on a TunnelConfig selects which
// tunnel transport the lifecycle manager instantiates.
const (
	TemplateOpenVPN   = "openvpn"
	TemplateWireGuard = "wireguard"
)

// TunnelConfig describes one configured VPN tunnel. ServerHostname may be
// empty until the server selector resolves an endpoint for the region.
type TunnelConfig struct {
	ID             string    `json:"id" yaml:"id"`
	Name           string    `json:"name" yaml:"name"`
	RegionID       string    `json:"region_id" yaml:"region_id"`
	TemplateID     string    `json:"template_id" yaml:"template_id"`
	ServerHostname string    `json:"server_hostname,omitempty" yaml:"server_hostname,omitempty"`
	ServerPort     int       `json:"server_port,omitempty" yaml:"server_port,omitempty"`
	CreatedAt      time.Time `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"-"`
}

// HasServer reports whether a server endpoint has been resolved and is still
// fresh enough to connect to without re-running selection.
func (c TunnelConfig) HasServer(staleness time.Duration) bool {
	if c.ServerHostname == "" {
		return false
	}
	if staleness <= 0 {
		return true
	}
	return time.Since(c.UpdatedAt) < staleness
}

// AppRule maps an installed application to the tunnel its traffic must use.
// The absence of a rule for a package means direct internet.
type AppRule struct {
	PackageName    string    `json:"package_name"`
	TunnelConfigID string    `json:"tunnel_config_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PresetRule is a catalog entry stating that an application geo-blocks
// outside the target region. Presets are seeded once and read-only to the
// provisioner.
type PresetRule struct {
	PackageName    string `json:"package_name" yaml:"package"`
	TargetRegionID string `json:"target_region_id" yaml:"region"`
}

// Credentials carries already-decrypted provider credentials for a connect
// attempt. Which fields are set depends on the backend template.
type Credentials struct {
	Username string
	Password string
	// PrivateKey is a base64-encoded WireGuard private key.
	PrivateKey string
	// PeerPublicKey is the base64-encoded public key of the remote peer.
	PeerPublicKey string
}

// CredentialSource supplies decrypted credentials for a tunnel. Credential
// storage and decryption live outside the core.
type CredentialSource interface {
	CredentialsFor(tunnelID string) (Credentials, error)
}

// TunnelStatus is the externally observable runtime state of one tunnel.
type TunnelStatus struct {
	TunnelID     string          `json:"tunnel_id"`
	State        ConnectionState `json:"state"`
	Demand       int             `json:"demand"`
	LastActivity time.Time       `json:"last_activity,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}
