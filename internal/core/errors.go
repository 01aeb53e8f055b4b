package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components.
var (
	// ErrStoreUnavailable wraps transient rule-store failures. The current
	// operation is aborted; retry is the caller's decision.
	ErrStoreUnavailable = errors.New("rule store unavailable")
	// ErrRegionUnresolvable means the current network region could not be
	// determined; a provisioning pass aborts with no partial writes.
	ErrRegionUnresolvable = errors.New("region unresolvable")
	// ErrTunnelNotFound means no TunnelConfig exists for the requested id.
	ErrTunnelNotFound = errors.New("tunnel not found")
	// ErrRuleNotFound means no AppRule exists for the requested package.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrConfigInconsistency marks a dangling reference (an AppRule pointing
	// at a deleted tunnel). Callers treat the route as direct; the store
	// self-heals on the next cascade delete.
	ErrConfigInconsistency = errors.New("configuration inconsistency")
	// ErrShuttingDown is returned for operations issued after Close.
	ErrShuttingDown = errors.New("shutting down")
)

// ConnectReason classifies why a tunnel connect attempt failed.
type ConnectReason string

const (
	ReasonAuthFailed         ConnectReason = "auth_failed"
	ReasonNetworkUnreachable ConnectReason = "network_unreachable"
	ReasonTimeout            ConnectReason = "timeout"
	ReasonServerRejected     ConnectReason = "server_rejected"
)

// ConnectError is surfaced to the acquire caller when a backend handshake
// fails. The tunnel returns to Disconnected; there is no silent retry loop.
type ConnectError struct {
	TunnelID string
	Reason   ConnectReason
	Err      error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tunnel %s: connect failed (%s): %v", e.TunnelID, e.Reason, e.Err)
	}
	return fmt.Sprintf("tunnel %s: connect failed (%s)", e.TunnelID, e.Reason)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// NewConnectError builds a ConnectError for a tunnel.
func NewConnectError(tunnelID string, reason ConnectReason, err error) *ConnectError {
	return &ConnectError{TunnelID: tunnelID, Reason: reason, Err: err}
}

// IsConnectError reports whether err is (or wraps) a ConnectError.
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}

// ConnectReasonOf extracts the failure reason from a connect error, or ""
// when err is not a ConnectError.
func ConnectReasonOf(err error) ConnectReason {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}
