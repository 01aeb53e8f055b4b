// Package lifecycle owns the per-tunnel connection state machines. Tunnels
// connect on demand: the first acquire triggers the connect, further
// acquires share the session, and the session lingers for an idle grace
// window after the last release so bursty traffic does not thrash the
// handshake.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/backend"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/logging"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/selector"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/store"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/util"
)

// ServerSelector picks the concrete server for a region.
type ServerSelector interface {
	Select(ctx context.Context, regionID string) (selector.Server, error)
}

// Observer receives lifecycle events. Implementations must not block.
type Observer interface {
	TunnelStateChanged(tunnelID string, from, to core.ConnectionState)
	TunnelConnectFinished(tunnelID string, d time.Duration, err error)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) TunnelStateChanged(string, core.ConnectionState, core.ConnectionState) {}
func (NopObserver) TunnelConnectFinished(string, time.Duration, error)                    {}

// Options tune the manager. Zero values fall back to defaults.
type Options struct {
	// IdleGrace is how long a tunnel stays connected after its demand
	// drops to zero.
	IdleGrace time.Duration
	// ConnectTimeout bounds a full connect attempt, server selection
	// included.
	ConnectTimeout time.Duration
	// DisconnectTimeout bounds a teardown.
	DisconnectTimeout time.Duration
	// ServerStaleness is how long a persisted server endpoint is reused
	// before selection runs again.
	ServerStaleness time.Duration

	Observer Observer
	Logger   *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.IdleGrace <= 0 {
		o.IdleGrace = 30 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 60 * time.Second
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = 15 * time.Second
	}
	if o.ServerStaleness <= 0 {
		o.ServerStaleness = 24 * time.Hour
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
	if o.Logger == nil {
		o.Logger = logging.WithComponent("lifecycle")
	}
}

// Manager holds one state machine per configured tunnel. Machines are
// created lazily on first acquire and reconciled against the store by
// SyncTunnels.
type Manager struct {
	store    store.RuleStore
	factory  backend.Factory
	selector ServerSelector
	creds    core.CredentialSource
	opts     Options

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	machines map[string]*machine
	closed   bool

	watchMu  sync.Mutex
	watchers map[chan core.TunnelStatus]struct{}
}

// NewManager creates a lifecycle manager. Call Close to tear down every
// live tunnel.
func NewManager(st store.RuleStore, factory backend.Factory, sel ServerSelector, creds core.CredentialSource, opts Options) *Manager {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      st,
		factory:    factory,
		selector:   sel,
		creds:      creds,
		opts:       opts,
		baseCtx:    ctx,
		cancelBase: cancel,
		machines:   make(map[string]*machine),
		watchers:   make(map[chan core.TunnelStatus]struct{}),
	}
}

// Acquire registers demand for a tunnel and blocks until it is connected,
// the connect attempt fails, or ctx is done. Every successful acquire must
// be paired with a Release on the returned handle.
func (mgr *Manager) Acquire(ctx context.Context, tunnelID string) (*Handle, error) {
	m, err := mgr.machine(ctx, tunnelID)
	if err != nil {
		return nil, err
	}
	if pkg := util.GetPackageName(ctx); pkg != "" {
		mgr.opts.Logger.Debug("demand acquired",
			slog.String("tunnel", tunnelID), slog.String("package", pkg))
	}
	return m.acquire(ctx)
}

// State returns the current status of one tunnel.
func (mgr *Manager) State(ctx context.Context, tunnelID string) (core.TunnelStatus, error) {
	m, err := mgr.machine(ctx, tunnelID)
	if err != nil {
		return core.TunnelStatus{}, err
	}
	return m.status(), nil
}

// States returns the status of every known tunnel.
func (mgr *Manager) States() []core.TunnelStatus {
	mgr.mu.Lock()
	machines := make([]*machine, 0, len(mgr.machines))
	for _, m := range mgr.machines {
		machines = append(machines, m)
	}
	mgr.mu.Unlock()

	out := make([]core.TunnelStatus, 0, len(machines))
	for _, m := range machines {
		out = append(out, m.status())
	}
	return out
}

// Watch subscribes to state transitions. The returned cancel func must be
// called to release the subscription. Slow consumers miss events rather
// than blocking transitions.
func (mgr *Manager) Watch() (<-chan core.TunnelStatus, func()) {
	ch := make(chan core.TunnelStatus, 16)
	mgr.watchMu.Lock()
	mgr.watchers[ch] = struct{}{}
	mgr.watchMu.Unlock()

	cancel := func() {
		mgr.watchMu.Lock()
		if _, ok := mgr.watchers[ch]; ok {
			delete(mgr.watchers, ch)
			close(ch)
		}
		mgr.watchMu.Unlock()
	}
	return ch, cancel
}

// WatchTunnel is Watch filtered to one tunnel.
func (mgr *Manager) WatchTunnel(tunnelID string) (<-chan core.TunnelStatus, func()) {
	all, cancel := mgr.Watch()
	out := make(chan core.TunnelStatus, 16)
	go func() {
		defer close(out)
		for st := range all {
			if st.TunnelID != tunnelID {
				continue
			}
			select {
			case out <- st:
			default:
			}
		}
	}()
	return out, cancel
}

// SyncTunnels reconciles the machine set against the store: machines appear
// for new configs and machines for deleted configs are torn down. Existing
// live machines are left alone.
func (mgr *Manager) SyncTunnels(ctx context.Context) error {
	configs, err := mgr.store.GetAllTunnels(ctx)
	if err != nil {
		return err
	}
	want := make(map[string]core.TunnelConfig, len(configs))
	for _, cfg := range configs {
		want[cfg.ID] = cfg
	}

	var stale []*machine
	mgr.mu.Lock()
	if mgr.closed {
		mgr.mu.Unlock()
		return core.ErrShuttingDown
	}
	for id, m := range mgr.machines {
		if _, ok := want[id]; !ok {
			stale = append(stale, m)
			delete(mgr.machines, id)
		}
	}
	for id := range want {
		if _, ok := mgr.machines[id]; !ok {
			mgr.machines[id] = newMachine(mgr, id)
		}
	}
	mgr.mu.Unlock()

	for _, m := range stale {
		mgr.opts.Logger.Info("tunnel removed, tearing down", slog.String("tunnel", m.id))
		m.shutdown(core.ErrTunnelNotFound)
	}
	return nil
}

// Close tears down every tunnel and fails all pending acquires with
// ErrShuttingDown.
func (mgr *Manager) Close() error {
	mgr.mu.Lock()
	if mgr.closed {
		mgr.mu.Unlock()
		return nil
	}
	mgr.closed = true
	machines := make([]*machine, 0, len(mgr.machines))
	for _, m := range mgr.machines {
		machines = append(machines, m)
	}
	mgr.mu.Unlock()

	mgr.cancelBase()
	for _, m := range machines {
		m.shutdown(core.ErrShuttingDown)
	}

	mgr.watchMu.Lock()
	for ch := range mgr.watchers {
		delete(mgr.watchers, ch)
		close(ch)
	}
	mgr.watchMu.Unlock()
	return nil
}

// machine returns the state machine for a tunnel, creating it on first use.
// Unknown tunnel IDs fail fast with ErrTunnelNotFound.
func (mgr *Manager) machine(ctx context.Context, tunnelID string) (*machine, error) {
	mgr.mu.Lock()
	if mgr.closed {
		mgr.mu.Unlock()
		return nil, core.ErrShuttingDown
	}
	if m, ok := mgr.machines[tunnelID]; ok {
		mgr.mu.Unlock()
		return m, nil
	}
	mgr.mu.Unlock()

	// Validate against the store before admitting a machine.
	if _, err := mgr.store.GetTunnel(ctx, tunnelID); err != nil {
		return nil, err
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.closed {
		return nil, core.ErrShuttingDown
	}
	if m, ok := mgr.machines[tunnelID]; ok {
		return m, nil
	}
	m := newMachine(mgr, tunnelID)
	mgr.machines[tunnelID] = m
	return m, nil
}

func (mgr *Manager) broadcast(status core.TunnelStatus) {
	mgr.watchMu.Lock()
	for ch := range mgr.watchers {
		select {
		case ch <- status:
		default:
		}
	}
	mgr.watchMu.Unlock()
}
