package core

// ConnectionState is the lifecycle state of a single tunnel.
//
// The cycle is Disconnected -> SelectingServer -> Connecting -> Connected
// -> Idle -> Disconnecting -> Disconnected. SelectingServer is skipped when
// the tunnel already has a fresh server endpoint, and Idle returns straight
// to Connected when demand reappears within the grace window.
type ConnectionState int

const (
	// StateDisconnected is the initial and resting state.
	StateDisconnected ConnectionState = iota
	// StateSelectingServer means a latency probe is picking the best server.
	StateSelectingServer
	// StateConnecting means the backend handshake is in progress.
	StateConnecting
	// StateConnected means the tunnel is ready for traffic.
	StateConnected
	// StateIdle means connected with zero demand, grace timer running.
	StateIdle
	// StateDisconnecting means graceful teardown is in progress.
	StateDisconnecting
)

// String returns the lowercase wire name of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSelectingServer:
		return "selecting_server"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateIdle:
		return "idle"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Live reports whether the tunnel can carry traffic in this state.
func (s ConnectionState) Live() bool {
	return s == StateConnected || s == StateIdle
}

// MarshalText implements encoding.TextMarshaler so states render as their
// wire names in JSON payloads.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
