package inventory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticInventory(t *testing.T) {
	inv := Static{"org.example.b", "org.example.a"}
	got, err := inv.InstalledPackages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"org.example.a", "org.example.b"}, got)
}

func TestFileInventory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "packages.list")
	require.NoError(t, os.WriteFile(path, []byte(`
# system apps omitted
com.bbc.iplayer

fr.tf1.mytf1
`), 0600))

	got, err := File{Path: path}.InstalledPackages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"com.bbc.iplayer", "fr.tf1.mytf1"}, got)
}

func TestFileInventoryMissing(t *testing.T) {
	_, err := File{Path: filepath.Join(t.TempDir(), "nope")}.InstalledPackages(context.Background())
	assert.Error(t, err)
}
