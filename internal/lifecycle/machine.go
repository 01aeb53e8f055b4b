package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/backend"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
)

// Handle represents one unit of demand on a connected tunnel. Release is
// idempotent.
type Handle struct {
	TunnelID string

	m    *machine
	once sync.Once
}

// Release drops this handle's demand. When the last handle goes, the tunnel
// enters its idle grace window instead of disconnecting immediately.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.m.mu.Lock()
		h.m.dropDemandLocked()
		h.m.mu.Unlock()
	})
}

// Live reports whether the tunnel behind this handle still carries a live
// session. False means the session dropped or is being rebuilt; a fresh
// Acquire is the retry path.
func (h *Handle) Live() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.state.Live()
}

// machine is the state machine for one tunnel. All fields below mu are
// guarded by it.
type machine struct {
	id  string
	mgr *Manager

	mu           sync.Mutex
	state        core.ConnectionState
	demand       int
	gen          int
	driver       backend.Tunnel
	idleTimer    *time.Timer
	watchStop    chan struct{}
	waiters      []chan error
	lastErr      error
	lastActivity time.Time
}

func newMachine(mgr *Manager, id string) *machine {
	return &machine{
		id:    id,
		mgr:   mgr,
		state: core.StateDisconnected,
	}
}

func (m *machine) acquire(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	m.demand++
	m.lastActivity = time.Now()

	switch m.state {
	case core.StateConnected:
		m.mu.Unlock()
		return &Handle{TunnelID: m.id, m: m}, nil

	case core.StateIdle:
		// Still connected underneath; cancel the pending teardown.
		m.stopIdleLocked()
		m.setStateLocked(core.StateConnected)
		m.mu.Unlock()
		return &Handle{TunnelID: m.id, m: m}, nil

	case core.StateDisconnected:
		m.startConnectLocked()
	}

	// Connect (or teardown) in flight: park until it resolves.
	ch := make(chan error, 1)
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case err := <-ch:
		if err != nil {
			m.mu.Lock()
			m.dropDemandLocked()
			m.mu.Unlock()
			return nil, err
		}
		return &Handle{TunnelID: m.id, m: m}, nil

	case <-ctx.Done():
		m.mu.Lock()
		if m.removeWaiterLocked(ch) {
			m.dropDemandLocked()
			m.mu.Unlock()
			return nil, ctx.Err()
		}
		m.mu.Unlock()
		// The connect resolved while we were cancelling; the result is
		// already buffered. Demand was granted, so hand it back.
		<-ch
		m.mu.Lock()
		m.dropDemandLocked()
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (m *machine) status() core.TunnelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := core.TunnelStatus{
		TunnelID:     m.id,
		State:        m.state,
		Demand:       m.demand,
		LastActivity: m.lastActivity,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// dropDemandLocked decrements demand and starts the idle grace window when
// the last holder leaves a connected tunnel.
func (m *machine) dropDemandLocked() {
	m.demand--
	m.lastActivity = time.Now()
	if m.demand == 0 && m.state == core.StateConnected {
		m.startIdleLocked()
	}
}

func (m *machine) setStateLocked(next core.ConnectionState) {
	if m.state == next {
		return
	}
	prev := m.state
	m.state = next
	m.mgr.opts.Observer.TunnelStateChanged(m.id, prev, next)
	m.mgr.broadcast(core.TunnelStatus{
		TunnelID:     m.id,
		State:        next,
		Demand:       m.demand,
		LastActivity: m.lastActivity,
	})
}

func (m *machine) startConnectLocked() {
	m.gen++
	m.lastErr = nil
	m.setStateLocked(core.StateSelectingServer)
	go m.connect(m.gen)
}

// connect runs one connect attempt end to end: resolve the server, then
// bring up the driver. A failure lands the machine back in Disconnected and
// is reported to every parked waiter; there is no automatic retry.
func (m *machine) connect(gen int) {
	ctx, cancel := context.WithTimeout(m.mgr.baseCtx, m.mgr.opts.ConnectTimeout)
	defer cancel()
	start := time.Now()

	cfg, err := m.mgr.store.GetTunnel(ctx, m.id)
	if err != nil {
		m.finishConnect(gen, start, nil, err)
		return
	}

	endpoint := backend.Endpoint{Hostname: cfg.ServerHostname, Port: cfg.ServerPort}
	if !cfg.HasServer(m.mgr.opts.ServerStaleness) {
		srv, selErr := m.mgr.selector.Select(ctx, cfg.RegionID)
		if selErr != nil {
			m.finishConnect(gen, start, nil,
				core.NewConnectError(m.id, core.ReasonNetworkUnreachable, selErr))
			return
		}
		endpoint = backend.Endpoint{Hostname: srv.Hostname, Port: srv.Port}
		// Persist so the next connect skips selection. Best effort: a
		// store hiccup here must not fail a viable connect.
		if persistErr := m.mgr.store.SetTunnelServer(ctx, m.id, srv.Hostname, srv.Port); persistErr != nil {
			m.mgr.opts.Logger.Warn("failed to persist selected server",
				slog.String("tunnel", m.id),
				slog.String("error", persistErr.Error()))
		}
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.driver == nil {
		drv, newErr := m.mgr.factory.New(cfg)
		if newErr != nil {
			m.mu.Unlock()
			m.finishConnect(gen, start, nil, newErr)
			return
		}
		m.driver = drv
	}
	driver := m.driver
	m.setStateLocked(core.StateConnecting)
	m.mu.Unlock()

	creds, err := m.mgr.creds.CredentialsFor(m.id)
	if err != nil {
		m.finishConnect(gen, start, driver, core.NewConnectError(m.id, core.ReasonAuthFailed, err))
		return
	}

	err = driver.Connect(ctx, endpoint, creds)
	m.finishConnect(gen, start, driver, err)
}

func (m *machine) finishConnect(gen int, start time.Time, driver backend.Tunnel, err error) {
	m.mgr.opts.Observer.TunnelConnectFinished(m.id, time.Since(start), err)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		// The machine moved on (shutdown or resync) while we connected;
		// a session we brought up would leak, so close it.
		if err == nil && driver != nil {
			m.teardownDriver(driver)
		}
		return
	}

	waiters := m.waiters
	m.waiters = nil

	if err != nil {
		m.lastErr = err
		m.setStateLocked(core.StateDisconnected)
		m.mu.Unlock()
		m.mgr.opts.Logger.Warn("tunnel connect failed",
			slog.String("tunnel", m.id),
			slog.String("error", err.Error()))
		for _, ch := range waiters {
			ch <- err
		}
		return
	}

	m.lastActivity = time.Now()
	m.setStateLocked(core.StateConnected)
	m.stopWatchLocked()
	stop := make(chan struct{})
	m.watchStop = stop
	if m.demand == 0 {
		// Every acquirer cancelled while we were connecting. Keep the
		// session through the grace window anyway.
		m.startIdleLocked()
	}
	m.mu.Unlock()
	m.mgr.opts.Logger.Info("tunnel connected", slog.String("tunnel", m.id))
	go m.watchDriver(gen, driver, stop)
	for _, ch := range waiters {
		ch <- nil
	}
}

// watchDriver waits for an unsolicited session drop from the driver. Holders
// keep their handles; they find out on their next acquire. stop belongs to
// this session and is closed on every planned teardown, so a watcher from an
// earlier session on the same driver never races the current one for events.
func (m *machine) watchDriver(gen int, driver backend.Tunnel, stop <-chan struct{}) {
	events := driver.Events()
	if events == nil {
		return
	}
	select {
	case <-stop:
	case <-m.mgr.baseCtx.Done():
	case ev, ok := <-events:
		if ok {
			m.sessionDropped(gen, ev.Err)
		}
	}
}

func (m *machine) sessionDropped(gen int, cause error) {
	if cause == nil {
		cause = errors.New("session dropped")
	}
	m.mu.Lock()
	if gen != m.gen || !m.state.Live() {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.stopIdleLocked()
	m.stopWatchLocked()
	m.lastErr = core.NewConnectError(m.id, core.ReasonNetworkUnreachable, cause)
	driver := m.driver
	m.setStateLocked(core.StateDisconnected)
	m.mu.Unlock()

	m.mgr.opts.Logger.Warn("tunnel session dropped",
		slog.String("tunnel", m.id),
		slog.String("error", cause.Error()))
	m.teardownDriver(driver)
}

func (m *machine) startIdleLocked() {
	m.setStateLocked(core.StateIdle)
	var tm *time.Timer
	tm = time.AfterFunc(m.mgr.opts.IdleGrace, func() { m.idleExpired(tm) })
	m.idleTimer = tm
}

func (m *machine) stopIdleLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
}

// stopWatchLocked retires the current session's drop watcher. Idempotent.
func (m *machine) stopWatchLocked() {
	if m.watchStop != nil {
		close(m.watchStop)
		m.watchStop = nil
	}
}

func (m *machine) idleExpired(tm *time.Timer) {
	m.mu.Lock()
	if m.idleTimer != tm || m.state != core.StateIdle || m.demand > 0 {
		m.mu.Unlock()
		return
	}
	m.idleTimer = nil
	m.stopWatchLocked()
	m.setStateLocked(core.StateDisconnecting)
	gen := m.gen
	driver := m.driver
	m.mu.Unlock()

	m.teardownDriver(driver)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(core.StateDisconnected)
	if m.demand > 0 {
		// Acquirers arrived mid-teardown; bring it straight back up.
		m.startConnectLocked()
	}
	m.mu.Unlock()
}

// shutdown force-disconnects the machine and fails pending waiters.
func (m *machine) shutdown(reason error) {
	m.mu.Lock()
	m.gen++ // invalidate in-flight transitions
	m.stopIdleLocked()
	m.stopWatchLocked()
	waiters := m.waiters
	m.waiters = nil
	driver := m.driver
	m.driver = nil
	wasLive := m.state.Live() || m.state == core.StateConnecting
	m.setStateLocked(core.StateDisconnected)
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- reason
	}
	if wasLive && driver != nil {
		m.teardownDriver(driver)
	}
}

func (m *machine) teardownDriver(driver backend.Tunnel) {
	if driver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.mgr.opts.DisconnectTimeout)
	defer cancel()
	if err := driver.Disconnect(ctx); err != nil {
		m.mgr.opts.Logger.Warn("tunnel teardown failed",
			slog.String("tunnel", m.id),
			slog.String("error", err.Error()))
	}
}

func (m *machine) removeWaiterLocked(ch chan error) bool {
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}
