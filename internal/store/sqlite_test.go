package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTunnelCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTunnel(ctx, core.TunnelConfig{
		Name:       "London",
		RegionID:   "UK",
		TemplateID: core.TemplateWireGuard,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := s.GetTunnel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "London", got.Name)
	assert.Empty(t, got.ServerHostname)

	require.NoError(t, s.SetTunnelServer(ctx, created.ID, "uk1.vpn.example.net", 51820))
	got, err = s.GetTunnel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "uk1.vpn.example.net", got.ServerHostname)
	assert.Equal(t, 51820, got.ServerPort)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt) || got.UpdatedAt.Equal(got.CreatedAt))

	all, err := s.GetAllTunnels(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = s.GetTunnel(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrTunnelNotFound)

	err = s.SetTunnelServer(ctx, "nope", "x", 1)
	assert.ErrorIs(t, err, core.ErrTunnelNotFound)
}

func TestDeleteTunnelCascadesRules(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	uk, err := s.CreateTunnel(ctx, core.TunnelConfig{Name: "UK", RegionID: "UK", TemplateID: core.TemplateOpenVPN})
	require.NoError(t, err)
	fr, err := s.CreateTunnel(ctx, core.TunnelConfig{Name: "FR", RegionID: "FR", TemplateID: core.TemplateOpenVPN})
	require.NoError(t, err)

	require.NoError(t, s.UpsertRule(ctx, core.AppRule{PackageName: "com.bbc.iplayer", TunnelConfigID: uk.ID}))
	require.NoError(t, s.UpsertRule(ctx, core.AppRule{PackageName: "uk.co.bbc.sounds", TunnelConfigID: uk.ID}))
	require.NoError(t, s.UpsertRule(ctx, core.AppRule{PackageName: "fr.tf1.mytf1", TunnelConfigID: fr.ID}))

	require.NoError(t, s.DeleteTunnel(ctx, uk.ID))

	_, err = s.GetRule(ctx, "com.bbc.iplayer")
	assert.ErrorIs(t, err, core.ErrRuleNotFound)
	_, err = s.GetRule(ctx, "uk.co.bbc.sounds")
	assert.ErrorIs(t, err, core.ErrRuleNotFound)

	// Rules for unrelated tunnels survive.
	rule, err := s.GetRule(ctx, "fr.tf1.mytf1")
	require.NoError(t, err)
	assert.Equal(t, fr.ID, rule.TunnelConfigID)

	err = s.DeleteTunnel(ctx, uk.ID)
	assert.ErrorIs(t, err, core.ErrTunnelNotFound)
}

func TestUpsertRuleLastWriteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	uk, err := s.CreateTunnel(ctx, core.TunnelConfig{Name: "UK", RegionID: "UK", TemplateID: core.TemplateWireGuard})
	require.NoError(t, err)
	fr, err := s.CreateTunnel(ctx, core.TunnelConfig{Name: "FR", RegionID: "FR", TemplateID: core.TemplateWireGuard})
	require.NoError(t, err)

	require.NoError(t, s.UpsertRule(ctx, core.AppRule{PackageName: "com.bbc.iplayer", TunnelConfigID: uk.ID}))
	require.NoError(t, s.UpsertRule(ctx, core.AppRule{PackageName: "com.bbc.iplayer", TunnelConfigID: fr.ID}))

	rule, err := s.GetRule(ctx, "com.bbc.iplayer")
	require.NoError(t, err)
	assert.Equal(t, fr.ID, rule.TunnelConfigID)

	rules, err := s.GetAllRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestDeleteRuleIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.DeleteRule(ctx, "never.existed"))

	uk, err := s.CreateTunnel(ctx, core.TunnelConfig{Name: "UK", RegionID: "UK", TemplateID: core.TemplateOpenVPN})
	require.NoError(t, err)
	require.NoError(t, s.UpsertRule(ctx, core.AppRule{PackageName: "com.bbc.iplayer", TunnelConfigID: uk.ID}))
	require.NoError(t, s.DeleteRule(ctx, "com.bbc.iplayer"))
	require.NoError(t, s.DeleteRule(ctx, "com.bbc.iplayer"))
}

func TestPresetSeeding(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SeedPresetRules(ctx, DefaultPresets))
	presets, err := s.GetAllPresetRules(ctx)
	require.NoError(t, err)
	assert.Len(t, presets, len(DefaultPresets))

	// Seeding again inserts nothing and modifies nothing.
	require.NoError(t, s.SeedPresetRules(ctx, []core.PresetRule{
		{PackageName: "com.bbc.iplayer", TargetRegionID: "XX"},
	}))
	presets, err = s.GetAllPresetRules(ctx)
	require.NoError(t, err)
	assert.Len(t, presets, len(DefaultPresets))
	for _, p := range presets {
		if p.PackageName == "com.bbc.iplayer" {
			assert.Equal(t, "UK", p.TargetRegionID)
		}
	}
}

func TestFindTunnelForRegion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.FindTunnelForRegion(ctx, "UK")
	assert.ErrorIs(t, err, core.ErrTunnelNotFound)

	first, err := s.CreateTunnel(ctx, core.TunnelConfig{Name: "London", RegionID: "UK", TemplateID: core.TemplateWireGuard})
	require.NoError(t, err)
	_, err = s.CreateTunnel(ctx, core.TunnelConfig{Name: "Manchester", RegionID: "UK", TemplateID: core.TemplateWireGuard})
	require.NoError(t, err)

	got, err := s.FindTunnelForRegion(ctx, "UK")
	require.NoError(t, err)
	// Oldest config wins so repeated provisioning passes stay stable.
	assert.Equal(t, first.ID, got.ID)
}
