package region

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thepont/nexus-multi-vpn-sub006/internal/core"
)

func TestHTTPResolver(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"country_code":"fr"}`))
	}))
	defer ts.Close()

	got, err := NewHTTPResolver(ts.URL, nil).CurrentRegion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "FR", got)
}

func TestHTTPResolverErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"empty code", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"country_code":""}`))
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()
			_, err := NewHTTPResolver(ts.URL, nil).CurrentRegion(context.Background())
			assert.ErrorIs(t, err, core.ErrRegionUnresolvable)
		})
	}
}

func TestStaticResolver(t *testing.T) {
	got, err := Static("uk").CurrentRegion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "UK", got)

	_, err = Static("").CurrentRegion(context.Background())
	assert.ErrorIs(t, err, core.ErrRegionUnresolvable)
}
