package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTempFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := WriteTempFile(t, dir, "a.txt", "hello")
	assert.Equal(t, filepath.Join(dir, "a.txt"), p)

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestWriteManifest(t *testing.T) {
	t.Parallel()

	p := WriteManifest(t, NewManifestBuilder().WithTarget("gpu-a", "rg").Build())
	assert.Equal(t, "bringup.yaml", filepath.Base(p))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), "- name: gpu-a")
}

func TestLoadFixture(t *testing.T) {
	t.Parallel()

	content := LoadFixture(t, "azure-a100.yaml")
	assert.Contains(t, string(content), "trellis-a100")

	p := WriteFixtureToDir(t, t.TempDir(), "azure-a100.yaml", "bringup.yaml")
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}
