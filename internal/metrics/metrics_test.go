package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/provision"
)

func TestTunnelStateGauge(t *testing.T) {
	m := New()

	m.TunnelStateChanged("t1", core.StateDisconnected, core.StateConnecting)
	m.TunnelStateChanged("t1", core.StateConnecting, core.StateConnected)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.tunnelState.WithLabelValues("t1", "connected")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.tunnelState.WithLabelValues("t1", "connecting")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.stateChanges.WithLabelValues("t1", "connected")))
}

func TestConnectFinished(t *testing.T) {
	m := New()

	m.TunnelConnectFinished("t1", 2*time.Second, nil)
	m.TunnelConnectFinished("t1", 0, core.NewConnectError("t1", core.ReasonAuthFailed, nil))
	m.TunnelConnectFinished("t1", 0, assert.AnError)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.connectFailures.WithLabelValues("t1", "auth_failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connectFailures.WithLabelValues("t1", "other")))
}

func TestProvisionAndRouteCounters(t *testing.T) {
	m := New()

	m.RouteResolved("direct")
	m.RouteResolved("tunnel")
	m.RouteResolved("tunnel")
	m.ProvisionPass(provision.Result{Created: 2, Deleted: 1})

	assert.Equal(t, float64(2), testutil.ToFloat64(m.routeLookups.WithLabelValues("tunnel")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.provisionPasses))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.provisionWrites.WithLabelValues("created")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.provisionWrites.WithLabelValues("updated")))
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.RouteResolved("direct")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "nexus_routing_lookups_total")
}
