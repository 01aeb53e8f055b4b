package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinBurst(t *testing.T) {
	kl := NewKeyedLimiter(Config{RequestsPerSecond: 1, BurstSize: 3})
	defer kl.Close()

	assert.True(t, kl.Allow("a"))
	assert.True(t, kl.Allow("a"))
	assert.True(t, kl.Allow("a"))
	assert.False(t, kl.Allow("a"))
}

func TestKeysAreIndependent(t *testing.T) {
	kl := NewKeyedLimiter(Config{RequestsPerSecond: 1, BurstSize: 1})
	defer kl.Close()

	assert.True(t, kl.Allow("a"))
	assert.False(t, kl.Allow("a"))
	assert.True(t, kl.Allow("b"))
}

func TestConfigEnabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.False(t, Config{RequestsPerSecond: 5}.Enabled())
	assert.True(t, Config{RequestsPerSecond: 5, BurstSize: 10}.Enabled())
}
