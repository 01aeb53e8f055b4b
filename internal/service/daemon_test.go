package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/config"
)

func testDaemonConfig(t *testing.T) config.DaemonConfig {
	t.Helper()
	cfg := config.DefaultDaemonConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "nexus.db")
	cfg.API.Listen = "127.0.0.1:0"
	cfg.Region.Static = "FR"
	cfg.Provision.Interval = 0
	cfg.Selector.Servers = map[string][]config.StaticServer{
		"UK": {{Hostname: "203.0.113.10", Port: 51820}},
	}
	return cfg
}

func TestDaemonStartStop(t *testing.T) {
	d, err := NewDaemon(testDaemonConfig(t))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Stop(ctx))
}

func TestDaemonReloadRunsProvisionPass(t *testing.T) {
	cfg := testDaemonConfig(t)
	cfg.Inventory.Packages = []string{"com.bbc.iplayer"}

	d, err := NewDaemon(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	defer d.Stop(ctx)

	// No tunnel for UK yet, so the pass completes with a skip.
	require.NoError(t, d.Reload())
}

func TestDaemonRejectsBadStorePath(t *testing.T) {
	cfg := testDaemonConfig(t)
	cfg.Store.Path = filepath.Join(t.TempDir(), "missing", "nested", "nexus.db")

	_, err := NewDaemon(cfg)
	require.Error(t, err)
}

func TestFileCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"tun-1:\n  username: alice\n  password: s3cret\n"+
			"tun-2:\n  private_key: cHJpdg==\n  peer_public_key: cHVi\n",
	), 0600))

	src := NewFileCredentials(path)

	creds, err := src.CredentialsFor("tun-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", creds.Username)
	assert.Equal(t, "s3cret", creds.Password)

	creds, err = src.CredentialsFor("tun-2")
	require.NoError(t, err)
	assert.Equal(t, "cHJpdg==", creds.PrivateKey)
	assert.Equal(t, "cHVi", creds.PeerPublicKey)

	_, err = src.CredentialsFor("tun-3")
	assert.Error(t, err)
}

func TestNoCredentialsSource(t *testing.T) {
	src := newCredentialSource("")
	_, err := src.CredentialsFor("tun-1")
	assert.Error(t, err)
}

func TestInstallerDefaults(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "nexusd")
	inst, err := NewInstaller(InstallConfig{
		BinaryPath: bin,
		ConfigPath: filepath.Join(t.TempDir(), "config.yaml"),
	})
	require.NoError(t, err)
	assert.Equal(t, "nexusd", inst.cfg.Name)
	assert.Equal(t, filepath.Dir(bin), inst.cfg.WorkingDir)

	// Install must refuse to register a missing binary.
	assert.Error(t, inst.Install())
}
