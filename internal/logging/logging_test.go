package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"ERROR", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "level %q", tt.in)
			continue
		}
		require.NoError(t, err, "level %q", tt.in)
		assert.Equal(t, tt.want, got, "level %q", tt.in)
	}
}

func TestSetupFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "nexusd.log")
	require.NoError(t, Setup(Config{Level: "debug", Format: "json", Output: path}))
	defer func() {
		require.NoError(t, Close())
		require.NoError(t, Setup(DefaultConfig()))
	}()

	Info("tunnel state change", "tunnel", "uk-1", "state", "connected")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tunnel":"uk-1"`)
}

func TestSetupRejectsUnknownFormat(t *testing.T) {
	assert.Error(t, Setup(Config{Level: "info", Format: "xml", Output: "stdout"}))
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()
	assert.Same(t, Default(), FromContext(ctx))

	custom := Default().With("component", "lifecycle")
	ctx = WithContext(ctx, custom)
	assert.Same(t, custom, FromContext(ctx))

	ctx = ContextWith(ctx, "tunnel", "fr-1")
	assert.NotSame(t, custom, FromContext(ctx))
}
