package provision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/inventory"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/region"
	"github.com/thepont/nexus-multi-vpn-sub006/internal/store"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.SeedPresetRules(context.Background(), store.DefaultPresets))
	return st
}

func addTunnel(t *testing.T, st *store.SQLiteStore, regionID string) core.TunnelConfig {
	t.Helper()
	cfg, err := st.CreateTunnel(context.Background(), core.TunnelConfig{
		Name: regionID, RegionID: regionID, TemplateID: core.TemplateWireGuard,
	})
	require.NoError(t, err)
	return cfg
}

func TestPassCreatesRuleForGeoBlockedApp(t *testing.T) {
	st := newStore(t)
	uk := addTunnel(t, st, "UK")

	// BBC iPlayer on a device currently in France needs the UK tunnel.
	p := New(st, region.Static("FR"), inventory.Static{"com.bbc.iplayer"})
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 0, res.Updated+res.Deleted+res.Skipped)

	rule, err := st.GetRule(context.Background(), "com.bbc.iplayer")
	require.NoError(t, err)
	assert.Equal(t, uk.ID, rule.TunnelConfigID)
}

func TestPassDeletesRuleInHomeRegion(t *testing.T) {
	st := newStore(t)
	addTunnel(t, st, "UK")

	p := New(st, region.Static("FR"), inventory.Static{"com.bbc.iplayer"})
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	// Device travels to the UK: iPlayer works directly now.
	p = New(st, region.Static("UK"), inventory.Static{"com.bbc.iplayer"})
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	_, err = st.GetRule(context.Background(), "com.bbc.iplayer")
	assert.ErrorIs(t, err, core.ErrRuleNotFound)
}

func TestPassDeletesRuleForUninstalledApp(t *testing.T) {
	st := newStore(t)
	addTunnel(t, st, "UK")

	p := New(st, region.Static("FR"), inventory.Static{"com.bbc.iplayer"})
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	p = New(st, region.Static("FR"), inventory.Static{})
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
}

func TestPassIsIdempotent(t *testing.T) {
	st := newStore(t)
	addTunnel(t, st, "UK")
	addTunnel(t, st, "FR")

	inv := inventory.Static{"com.bbc.iplayer", "fr.tf1.mytf1"}
	p := New(st, region.Static("DE"), inv)

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)

	res, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created+res.Updated+res.Deleted)
	assert.Equal(t, 2, res.Unchanged)
}

func TestPassSkipsRegionWithoutTunnel(t *testing.T) {
	st := newStore(t)

	p := New(st, region.Static("FR"), inventory.Static{"com.bbc.iplayer"})
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Created)

	// The tunnel appears later; the next pass picks it up.
	addTunnel(t, st, "UK")
	res, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
}

func TestPassLeavesManualRulesAlone(t *testing.T) {
	st := newStore(t)
	uk := addTunnel(t, st, "UK")

	// A manual rule for a package with no preset.
	require.NoError(t, st.UpsertRule(context.Background(), core.AppRule{
		PackageName: "org.example.browser", TunnelConfigID: uk.ID,
	}))

	p := New(st, region.Static("UK"), inventory.Static{"org.example.browser"})
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deleted)

	rule, err := st.GetRule(context.Background(), "org.example.browser")
	require.NoError(t, err)
	assert.Equal(t, uk.ID, rule.TunnelConfigID)
}

func TestPassAbortsWhenRegionUnresolvable(t *testing.T) {
	st := newStore(t)
	addTunnel(t, st, "UK")

	p := New(st, region.Static(""), inventory.Static{"com.bbc.iplayer"})
	_, err := p.Run(context.Background())
	assert.ErrorIs(t, err, core.ErrRegionUnresolvable)

	// Zero writes on abort.
	rules, err := st.GetAllRules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestPassStopsAtCancellation(t *testing.T) {
	st := newStore(t)
	addTunnel(t, st, "UK")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(st, region.Static("FR"), inventory.Static{"com.bbc.iplayer"})
	_, err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStartPeriodicRunsAndStops(t *testing.T) {
	st := newStore(t)
	addTunnel(t, st, "UK")

	p := New(st, region.Static("FR"), inventory.Static{"com.bbc.iplayer"})
	p.StartPeriodic(context.Background(), time.Hour)
	defer p.Stop()

	require.Eventually(t, func() bool {
		_, err := st.GetRule(context.Background(), "com.bbc.iplayer")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	p.Stop()
	// Stop twice is safe.
	p.Stop()
}
