package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *APIClient {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewAPIClient(ts.URL, "tok")
}

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(Status{Version: "1.0.0"})
	})

	st, err := c.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "1.0.0", st.Version)
}

func TestClientDecodesTunnels(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tunnels", r.URL.Path)
		w.Write([]byte(`[{"id":"t1","name":"London","region_id":"UK","template_id":"wireguard","status":{"tunnel_id":"t1","state":"connected","demand":2}}]`))
	})

	tunnels, err := c.ListTunnels()
	require.NoError(t, err)
	require.Len(t, tunnels, 1)
	assert.Equal(t, "UK", tunnels[0].RegionID)
	require.NotNil(t, tunnels[0].Status)
	assert.Equal(t, 2, tunnels[0].Status.Demand)
}

func TestClientSurfacesAPIError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "tunnel not found"})
	})

	err := c.DeleteTunnel("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tunnel not found")
	assert.Contains(t, err.Error(), "404")
}

func TestClientSetRuleBody(t *testing.T) {
	var body map[string]string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/v1/rules/com.bbc.iplayer", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})

	require.NoError(t, c.SetRule("com.bbc.iplayer", "t1"))
	assert.Equal(t, "t1", body["tunnel_config_id"])
}

func TestClientRoute(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"package_name":"com.bbc.iplayer","direct":false,"tunnel_id":"t1"}`))
	})

	res, err := c.Route("com.bbc.iplayer")
	require.NoError(t, err)
	assert.False(t, res.Direct)
	assert.Equal(t, "t1", res.TunnelID)
}

func TestCommandTreeShape(t *testing.T) {
	root := NewCommands()
	assert.Equal(t, "ctl", root.Use)

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"status", "tunnels", "rules", "route", "autosetup"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}
