package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
)

func TestFactorySelectsDriverByTemplate(t *testing.T) {
	f := NewDriverFactory(OpenVPNOptions{}, WireGuardOptions{})

	ovpn, err := f.New(core.TunnelConfig{ID: "t1", TemplateID: core.TemplateOpenVPN})
	require.NoError(t, err)
	assert.IsType(t, &OpenVPNTunnel{}, ovpn)
	assert.Equal(t, "t1", ovpn.TunnelID())

	wg, err := f.New(core.TunnelConfig{ID: "t2", TemplateID: core.TemplateWireGuard})
	require.NoError(t, err)
	assert.IsType(t, &WireGuardTunnel{}, wg)

	_, err = f.New(core.TunnelConfig{ID: "t3", TemplateID: "pptp"})
	assert.Error(t, err)
}

func TestParseStateLine(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		done   bool
		reason core.ConnectReason
	}{
		{"connected", ">STATE:1700000000,CONNECTED,SUCCESS,10.8.0.2,198.51.100.7,1194,,", true, ""},
		{"intermediate", ">STATE:1700000000,WAIT,,,,,,", false, ""},
		{"auth failed", ">PASSWORD:Verification Failed: 'Auth'", false, core.ReasonAuthFailed},
		{"auth control", "AUTH: Received control message: AUTH_FAILED", false, core.ReasonAuthFailed},
		{"tls rejected", "TLS Error: TLS handshake failed", false, core.ReasonServerRejected},
		{"resolve", "RESOLVE: Cannot resolve host address: lookup failed", false, core.ReasonNetworkUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done, err := parseStateLine(tt.line)
			assert.Equal(t, tt.done, done)
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.reason, core.ConnectReasonOf(err))
		})
	}
}

func TestParseKeyPair(t *testing.T) {
	priv, err := GeneratePrivateKey()
	require.NoError(t, err)
	peer, err := GeneratePrivateKey() // any valid scalar works as a peer key
	require.NoError(t, err)

	keys, err := ParseKeyPair(priv, peer)
	require.NoError(t, err)
	assert.Len(t, keys.PrivateHex, 64)
	assert.Len(t, keys.PublicHex, 64)
	assert.Len(t, keys.PeerPublicHex, 64)

	_, err = ParseKeyPair("", peer)
	assert.Error(t, err)
	_, err = ParseKeyPair("not-base64!!", peer)
	assert.Error(t, err)
	_, err = ParseKeyPair(priv, "c2hvcnQ=")
	assert.Error(t, err)
}

func TestWireGuardRejectsBadCredentials(t *testing.T) {
	drv := NewWireGuardTunnel("wg-1", WireGuardOptions{})
	err := drv.Connect(context.Background(), Endpoint{Hostname: "198.51.100.1", Port: 51820}, core.Credentials{})
	require.Error(t, err)
	assert.Equal(t, core.ReasonAuthFailed, core.ConnectReasonOf(err))
	assert.False(t, drv.Connected())
}

func TestFakeTunnelScripting(t *testing.T) {
	f := NewFakeFactory()
	f.Prepare = func(ft *FakeTunnel) {
		if ft.ID == "bad" {
			ft.ConnectErr = core.NewConnectError("bad", core.ReasonAuthFailed, nil)
		}
	}

	good, err := f.New(core.TunnelConfig{ID: "good", TemplateID: core.TemplateWireGuard})
	require.NoError(t, err)
	require.NoError(t, good.Connect(context.Background(), Endpoint{Hostname: "h", Port: 1}, core.Credentials{}))
	assert.True(t, good.Connected())

	// Same config yields the same fake.
	again, err := f.New(core.TunnelConfig{ID: "good"})
	require.NoError(t, err)
	assert.Same(t, good, again)

	bad, err := f.New(core.TunnelConfig{ID: "bad"})
	require.NoError(t, err)
	err = bad.Connect(context.Background(), Endpoint{Hostname: "h", Port: 1}, core.Credentials{})
	assert.Equal(t, core.ReasonAuthFailed, core.ConnectReasonOf(err))
	assert.False(t, bad.Connected())
	assert.Equal(t, int64(1), f.Tunnel("bad").Connects())
}
