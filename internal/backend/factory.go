package backend

import (
	"fmt"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
)

// DriverFactory builds the concrete driver for a tunnel based on its
// connection template.
type DriverFactory struct {
	openVPN   OpenVPNOptions
	wireGuard WireGuardOptions
}

// NewDriverFactory creates a factory with the given per-template options.
func NewDriverFactory(ovpn OpenVPNOptions, wg WireGuardOptions) *DriverFactory {
	return &DriverFactory{openVPN: ovpn, wireGuard: wg}
}

// New returns a driver for the tunnel's template.
func (f *DriverFactory) New(cfg core.TunnelConfig) (Tunnel, error) {
	switch cfg.TemplateID {
	case core.TemplateOpenVPN:
		return NewOpenVPNTunnel(cfg.ID, f.openVPN), nil
	case core.TemplateWireGuard:
		return NewWireGuardTunnel(cfg.ID, f.wireGuard), nil
	default:
		return nil, fmt.Errorf("unknown connection template %q for tunnel %s", cfg.TemplateID, cfg.ID)
	}
}
