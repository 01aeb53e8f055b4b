package selector

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// acceptLoop keeps a listener accepting so probes complete quickly.
func listenTCP(t *testing.T) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	addr := l.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestSelectPicksReachableServer(t *testing.T) {
	host, port := listenTCP(t)

	dir := StaticDirectory{
		"UK": {
			{Hostname: "198.51.100.1", Port: 1, RegionID: "UK"}, // unroutable
			{Hostname: host, Port: port, RegionID: "UK"},
		},
	}
	s := New(dir, WithProbeTimeout(500*time.Millisecond))

	srv, err := s.Select(context.Background(), "UK")
	require.NoError(t, err)
	assert.Equal(t, host, srv.Hostname)
	assert.Equal(t, port, srv.Port)
}

func TestSelectNoServers(t *testing.T) {
	s := New(StaticDirectory{}, WithProbeTimeout(100*time.Millisecond))
	_, err := s.Select(context.Background(), "UK")
	assert.Error(t, err)
}

func TestSelectAllUnreachable(t *testing.T) {
	dir := StaticDirectory{
		"FR": {
			{Hostname: "198.51.100.1", Port: 1, RegionID: "FR"},
			{Hostname: "198.51.100.2", Port: 1, RegionID: "FR"},
		},
	}
	s := New(dir, WithProbeTimeout(200*time.Millisecond))
	_, err := s.Select(context.Background(), "FR")
	assert.Error(t, err)
}

func TestHTTPDirectoryFetchAndCache(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/v1/servers", r.URL.Path)
		assert.Equal(t, "UK", r.URL.Query().Get("region"))
		json.NewEncoder(w).Encode([]Server{
			{Hostname: "uk1.example.net", Port: 51820, RegionID: "UK"},
			{Hostname: "fr1.example.net", Port: 51820, RegionID: "FR"}, // wrong region, filtered
		})
	}))
	defer ts.Close()

	dir, err := NewHTTPDirectory(ts.URL, WithCacheTTL(time.Hour))
	require.NoError(t, err)

	servers, err := dir.Servers(context.Background(), "UK")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "uk1.example.net", servers[0].Hostname)

	// Second call is served from cache.
	_, err = dir.Servers(context.Background(), "UK")
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())

	dir.Invalidate("UK")
	_, err = dir.Servers(context.Background(), "UK")
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestHTTPDirectoryServesStaleOnError(t *testing.T) {
	var fail atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode([]Server{{Hostname: "de1.example.net", Port: 1194, RegionID: "DE"}})
	}))
	defer ts.Close()

	dir, err := NewHTTPDirectory(ts.URL, WithCacheTTL(time.Nanosecond))
	require.NoError(t, err)

	_, err = dir.Servers(context.Background(), "DE")
	require.NoError(t, err)

	fail.Store(true)
	time.Sleep(time.Millisecond)
	servers, err := dir.Servers(context.Background(), "DE")
	require.NoError(t, err)
	assert.Len(t, servers, 1)
}

func TestResolverLiteralAddress(t *testing.T) {
	r := NewResolver("")
	addr, err := r.Resolve(context.Background(), "192.0.2.10")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", addr.String())
}

func TestResolverDefaultPort(t *testing.T) {
	r := NewResolver("10.0.0.53")
	assert.Equal(t, net.JoinHostPort("10.0.0.53", "53"), r.server)

	r = NewResolver("10.0.0.53:5353")
	assert.Equal(t, "10.0.0.53:5353", r.server)
}

func TestProbeTCP(t *testing.T) {
	host, port := listenTCP(t)
	addr := netip.AddrPortFrom(netip.MustParseAddr(host), uint16(port))

	rtt, err := probeTCP(context.Background(), addr)
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}
