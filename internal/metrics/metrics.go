// Package metrics exposes Prometheus instrumentation for tunnel lifecycle,
// routing, and provisioning activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/provision"
)

// Metrics holds every collector. It implements lifecycle.Observer.
type Metrics struct {
	registry *prometheus.Registry

	tunnelState     *prometheus.GaugeVec
	stateChanges    *prometheus.CounterVec
	connectFailures *prometheus.CounterVec
	connectDuration prometheus.Histogram
	routeLookups    *prometheus.CounterVec
	provisionPasses prometheus.Counter
	provisionWrites *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tunnelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nexus",
			Subsystem: "tunnel",
			Name:      "state",
			Help:      "Current state per tunnel (1 for the active state, 0 otherwise)",
		}, []string{"tunnel", "state"}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Subsystem: "tunnel",
			Name:      "state_changes_total",
			Help:      "State transitions per tunnel",
		}, []string{"tunnel", "to"}),
		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Subsystem: "tunnel",
			Name:      "connect_failures_total",
			Help:      "Failed connect attempts by reason",
		}, []string{"tunnel", "reason"}),
		connectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nexus",
			Subsystem: "tunnel",
			Name:      "connect_duration_seconds",
			Help:      "Time to establish a tunnel session",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		routeLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Subsystem: "routing",
			Name:      "lookups_total",
			Help:      "Route resolutions by outcome",
		}, []string{"outcome"}),
		provisionPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus",
			Subsystem: "provision",
			Name:      "passes_total",
			Help:      "Completed provisioning passes",
		}),
		provisionWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Subsystem: "provision",
			Name:      "rule_writes_total",
			Help:      "Rule writes performed by the provisioner",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.tunnelState,
		m.stateChanges,
		m.connectFailures,
		m.connectDuration,
		m.routeLookups,
		m.provisionPasses,
		m.provisionWrites,
	)
	return m
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TunnelStateChanged implements lifecycle.Observer.
func (m *Metrics) TunnelStateChanged(tunnelID string, from, to core.ConnectionState) {
	m.tunnelState.WithLabelValues(tunnelID, from.String()).Set(0)
	m.tunnelState.WithLabelValues(tunnelID, to.String()).Set(1)
	m.stateChanges.WithLabelValues(tunnelID, to.String()).Inc()
}

// TunnelConnectFinished implements lifecycle.Observer.
func (m *Metrics) TunnelConnectFinished(tunnelID string, d time.Duration, err error) {
	if err != nil {
		reason := string(core.ConnectReasonOf(err))
		if reason == "" {
			reason = "other"
		}
		m.connectFailures.WithLabelValues(tunnelID, reason).Inc()
		return
	}
	m.connectDuration.Observe(d.Seconds())
}

// RouteResolved records a route lookup outcome ("tunnel", "direct" or
// "error").
func (m *Metrics) RouteResolved(outcome string) {
	m.routeLookups.WithLabelValues(outcome).Inc()
}

// ProvisionPass records the writes of one provisioning pass.
func (m *Metrics) ProvisionPass(res provision.Result) {
	m.provisionPasses.Inc()
	m.provisionWrites.WithLabelValues("created").Add(float64(res.Created))
	m.provisionWrites.WithLabelValues("updated").Add(float64(res.Updated))
	m.provisionWrites.WithLabelValues("deleted").Add(float64(res.Deleted))
}
