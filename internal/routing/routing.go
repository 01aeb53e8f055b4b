// Package routing answers the per-app question "which tunnel does this
// package's traffic use right now". It keeps an active-route table so
// repeated lookups for a running app are idempotent, and it holds the
// lifecycle demand for every tunnel-routed app.
package routing

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/logging"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/store"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/util"
)

// Route is a routing decision for one package. Direct means the traffic
// bypasses every tunnel.
type Route struct {
	PackageName string `json:"package_name"`
	Direct      bool   `json:"direct"`
	TunnelID    string `json:"tunnel_id,omitempty"`
}

// TunnelLease is held demand on a connected tunnel.
type TunnelLease interface {
	Release()
}

// Acquirer blocks until a tunnel is connected and returns the demand lease.
type Acquirer interface {
	Acquire(ctx context.Context, tunnelID string) (TunnelLease, error)
}

// AcquirerFunc adapts a function to the Acquirer interface.
type AcquirerFunc func(ctx context.Context, tunnelID string) (TunnelLease, error)

func (f AcquirerFunc) Acquire(ctx context.Context, tunnelID string) (TunnelLease, error) {
	return f(ctx, tunnelID)
}

type activeRoute struct {
	tunnelID string
	lease    TunnelLease
}

// Engine resolves and caches per-package routes.
type Engine struct {
	store    store.RuleStore
	acquirer Acquirer
	logger   *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	active map[string]activeRoute
}

// NewEngine creates a routing engine.
func NewEngine(st store.RuleStore, acquirer Acquirer) *Engine {
	return &Engine{
		store:    st,
		acquirer: acquirer,
		logger:   logging.WithComponent("routing"),
		active:   make(map[string]activeRoute),
	}
}

// RouteFor resolves the route for a package, connecting its tunnel if the
// rule demands one. Concurrent calls for the same package collapse into one
// resolution; a second call while the route is already active returns it
// without touching tunnel demand.
func (e *Engine) RouteFor(ctx context.Context, packageName string) (Route, error) {
	v, err, _ := e.group.Do(packageName, func() (interface{}, error) {
		return e.resolve(ctx, packageName)
	})
	if err != nil {
		return Route{}, err
	}
	return v.(Route), nil
}

func (e *Engine) resolve(ctx context.Context, packageName string) (Route, error) {
	rule, err := e.store.GetRule(ctx, packageName)
	if errors.Is(err, core.ErrRuleNotFound) {
		// No rule means direct internet. Drop any leftover lease from a
		// rule that has since been deleted.
		e.dropActive(packageName)
		return Route{PackageName: packageName, Direct: true}, nil
	}
	if err != nil {
		return Route{}, err
	}

	e.mu.Lock()
	current, ok := e.active[packageName]
	e.mu.Unlock()
	if ok && current.tunnelID == rule.TunnelConfigID {
		if leaseLive(current.lease) {
			return Route{PackageName: packageName, TunnelID: current.tunnelID}, nil
		}
		// The session dropped out from under the active route. Drop the
		// stale lease and fall through to a fresh acquire, which is the
		// retry path for dropped sessions.
		e.logger.Warn("active route lost its session, reacquiring",
			slog.String("package", packageName),
			slog.String("tunnel", current.tunnelID))
		e.dropActive(packageName)
	}

	// Tag the context so acquire-path logging can attribute the demand.
	ctx = util.WithPackageName(ctx, packageName)
	lease, err := e.acquirer.Acquire(ctx, rule.TunnelConfigID)
	if errors.Is(err, core.ErrTunnelNotFound) {
		// Dangling reference: the rule points at a deleted tunnel. The
		// app still gets connectivity, just without the tunnel.
		e.logger.Error("rule references missing tunnel, routing direct",
			slog.String("package", packageName),
			slog.String("tunnel", rule.TunnelConfigID),
			slog.String("error", core.ErrConfigInconsistency.Error()))
		e.dropActive(packageName)
		return Route{PackageName: packageName, Direct: true}, nil
	}
	if err != nil {
		return Route{}, err
	}

	e.mu.Lock()
	old, hadOld := e.active[packageName]
	e.active[packageName] = activeRoute{tunnelID: rule.TunnelConfigID, lease: lease}
	e.mu.Unlock()
	if hadOld {
		// Rule changed while the app was routed: the old tunnel loses
		// this app's demand and may wind down through its grace window.
		old.lease.Release()
	}

	e.logger.Info("route established",
		slog.String("package", packageName),
		slog.String("tunnel", rule.TunnelConfigID))
	return Route{PackageName: packageName, TunnelID: rule.TunnelConfigID}, nil
}

// Release drops the active route for a package, typically when the app
// stops. Unknown packages are a no-op.
func (e *Engine) Release(packageName string) {
	e.dropActive(packageName)
}

// ReleaseAll drops every active route.
func (e *Engine) ReleaseAll() {
	e.mu.Lock()
	routes := e.active
	e.active = make(map[string]activeRoute)
	e.mu.Unlock()
	for _, r := range routes {
		r.lease.Release()
	}
}

// ActiveRoutes lists packages currently routed through tunnels, sorted by
// package name.
func (e *Engine) ActiveRoutes() []Route {
	e.mu.Lock()
	out := make([]Route, 0, len(e.active))
	for pkg, r := range e.active {
		out = append(out, Route{PackageName: pkg, TunnelID: r.tunnelID})
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PackageName < out[j].PackageName })
	return out
}

// leaseLive reports whether a lease's tunnel still carries a live session.
// Leases that cannot report liveness are assumed live.
func leaseLive(l TunnelLease) bool {
	if s, ok := l.(interface{ Live() bool }); ok {
		return s.Live()
	}
	return true
}

func (e *Engine) dropActive(packageName string) {
	e.mu.Lock()
	r, ok := e.active[packageName]
	if ok {
		delete(e.active, packageName)
	}
	e.mu.Unlock()
	if ok {
		r.lease.Release()
	}
}
