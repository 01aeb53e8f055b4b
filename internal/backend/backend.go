// Package backend implements the per-template tunnel drivers. A driver owns
// the actual VPN session for one tunnel: it establishes the session against a
// concrete server endpoint and tears it down again. Drivers report connection
// failures as core.ConnectError so the lifecycle manager can distinguish
// credential problems from transient network ones.
package backend

import (
	"context"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/util"
)

// Endpoint is the resolved server a driver connects to.
type Endpoint struct {
	Hostname string
	Port     int
}

func (e Endpoint) String() string {
	return util.JoinHostPort(e.Hostname, e.Port)
}

// Event is an unsolicited driver notification: the session dropped without
// a Disconnect call (process died, peer stopped answering).
type Event struct {
	Err error
}

// Tunnel is the driver contract for one VPN session.
//
// Connect blocks until the session is established or fails; failures are
// returned as *core.ConnectError. Disconnect tears the session down and is
// safe to call on a driver that never connected. A driver is single-session:
// Connect on an already-connected driver is an error.
type Tunnel interface {
	// TunnelID returns the tunnel config this driver serves.
	TunnelID() string

	// Connect establishes the VPN session against the endpoint.
	Connect(ctx context.Context, endpoint Endpoint, creds core.Credentials) error

	// Disconnect tears the session down.
	Disconnect(ctx context.Context) error

	// Connected reports whether a session is currently up.
	Connected() bool

	// Events delivers unsolicited session drops. May return nil when the
	// driver cannot detect them.
	Events() <-chan Event
}

// Factory builds a driver for a tunnel config.
type Factory interface {
	New(cfg core.TunnelConfig) (Tunnel, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(cfg core.TunnelConfig) (Tunnel, error)

func (f FactoryFunc) New(cfg core.TunnelConfig) (Tunnel, error) {
	return f(cfg)
}
