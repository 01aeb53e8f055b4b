package util

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiError(t *testing.T) {
	m := NewMultiError()
	assert.NoError(t, m.Err())

	errA := errors.New("a")
	errB := errors.New("b")
	m.Add(errA)
	m.Add(nil)
	m.Add(errB)

	err := m.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Contains(t, err.Error(), "2 errors occurred")
}

func TestMultiErrorSingle(t *testing.T) {
	m := NewMultiError()
	m.Add(errors.New("boom"))
	assert.Equal(t, "boom", m.Err().Error())
}

func TestPackageNameContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetPackageName(ctx))

	ctx = WithPackageName(ctx, "com.bbc.iplayer")
	assert.Equal(t, "com.bbc.iplayer", GetPackageName(ctx))
}

func TestJoinHostPort(t *testing.T) {
	assert.Equal(t, "vpn1.example.net:51820", JoinHostPort("vpn1.example.net", 51820))
	assert.Equal(t, "[::1]:443", JoinHostPort("::1", 443))
}
