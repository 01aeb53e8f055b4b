package backend

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
)

// FakeTunnel is a scripted driver for tests. Connect and Disconnect block on
// optional gates so tests can hold a tunnel mid-transition.
type FakeTunnel struct {
	ID string

	// ConnectErr, when set, is returned by every Connect attempt.
	ConnectErr error
	// ConnectGate, when non-nil, blocks Connect until closed.
	ConnectGate chan struct{}

	connects    atomic.Int64
	disconnects atomic.Int64
	events      chan Event

	mu        sync.Mutex
	connected bool
	endpoint  Endpoint
}

func NewFakeTunnel(id string) *FakeTunnel {
	return &FakeTunnel{ID: id, events: make(chan Event, 1)}
}

func (f *FakeTunnel) TunnelID() string { return f.ID }

func (f *FakeTunnel) Connect(ctx context.Context, endpoint Endpoint, creds core.Credentials) error {
	f.connects.Add(1)
	if f.ConnectGate != nil {
		select {
		case <-f.ConnectGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.mu.Lock()
	f.connected = true
	f.endpoint = endpoint
	f.mu.Unlock()
	return nil
}

func (f *FakeTunnel) Disconnect(ctx context.Context) error {
	f.disconnects.Add(1)
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *FakeTunnel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Events delivers drops injected with Drop.
func (f *FakeTunnel) Events() <-chan Event {
	return f.events
}

// Drop simulates an unsolicited session loss.
func (f *FakeTunnel) Drop(err error) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.events <- Event{Err: err}
}

// Endpoint returns the endpoint of the last successful Connect.
func (f *FakeTunnel) Endpoint() Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpoint
}

// Connects returns how many Connect attempts were made.
func (f *FakeTunnel) Connects() int64 { return f.connects.Load() }

// Disconnects returns how many Disconnect calls were made.
func (f *FakeTunnel) Disconnects() int64 { return f.disconnects.Load() }

// FakeFactory hands out FakeTunnels and remembers them by tunnel ID.
type FakeFactory struct {
	mu      sync.Mutex
	tunnels map[string]*FakeTunnel

	// Prepare, when set, customizes each new tunnel before first use.
	Prepare func(*FakeTunnel)
}

func NewFakeFactory() *FakeFactory {
	return &FakeFactory{tunnels: make(map[string]*FakeTunnel)}
}

func (f *FakeFactory) New(cfg core.TunnelConfig) (Tunnel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tunnels[cfg.ID]; ok {
		return t, nil
	}
	t := NewFakeTunnel(cfg.ID)
	if f.Prepare != nil {
		f.Prepare(t)
	}
	f.tunnels[cfg.ID] = t
	return t, nil
}

// Tunnel returns the fake created for a tunnel ID, or nil.
func (f *FakeFactory) Tunnel(id string) *FakeTunnel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tunnels[id]
}
