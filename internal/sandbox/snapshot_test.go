package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashWorkspace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("beta"), 0o600))

	hashes, err := HashWorkspace(dir)
	require.NoError(t, err)
	require.Len(t, hashes, 2)

	want := sha256.Sum256([]byte("alpha"))
	assert.Equal(t, hex.EncodeToString(want[:]), hashes["a.txt"])
	// Nested paths always use forward slashes.
	assert.Contains(t, hashes, "sub/b.txt")
}

func TestHashWorkspaceSkipsDanglingSymlink(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "real.txt"), []byte("x"), 0o600))
	require.NoError(t, os.Symlink(filepath.Join(dir, "gone"), filepath.Join(dir, "dangling")))

	hashes, err := HashWorkspace(dir)
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
	assert.Contains(t, hashes, "real.txt")
}

func TestComputeDiff(t *testing.T) {
	before := map[string]string{
		"kept.txt":    "h1",
		"changed.txt": "h2",
		"removed.txt": "h3",
	}
	after := map[string]string{
		"kept.txt":    "h1",
		"changed.txt": "h2-new",
		"new.txt":     "h4",
	}

	d := ComputeDiff(before, after)
	assert.Equal(t, map[string]string{"new.txt": "h4"}, d.Added)
	assert.Equal(t, map[string]string{"changed.txt": "h2-new"}, d.Modified)
	assert.Equal(t, map[string]string{"removed.txt": "h3"}, d.Deleted)
	assert.Equal(t, map[string]string{"kept.txt": "h1"}, d.Unchanged)
}

func TestComputeDiffEmptyWorkspaces(t *testing.T) {
	d := ComputeDiff(map[string]string{}, map[string]string{})
	assert.Empty(t, d.Added)
	assert.Empty(t, d.Modified)
	assert.Empty(t, d.Deleted)
	assert.Empty(t, d.Unchanged)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "python:3.12-slim", cfg.Image)
	assert.Equal(t, "256m", cfg.MemoryLimit)
	assert.Equal(t, 1.0, cfg.CPULimit)
	assert.Equal(t, 30, cfg.TimeoutSeconds)
	assert.Equal(t, "none", cfg.NetworkMode)
}

func TestTruncateStream(t *testing.T) {
	big := make([]byte, maxOutputBytes+100)
	for i := range big {
		big[i] = 'x'
	}
	assert.Len(t, truncateStream(big), maxOutputBytes)
	assert.Equal(t, "plain", truncateStream([]byte("plain")))
	// Invalid UTF-8 is replaced, not dropped.
	assert.Equal(t, "a�b", truncateStream([]byte{'a', 0xff, 'b'}))
}
