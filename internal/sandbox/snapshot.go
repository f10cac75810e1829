// Package sandbox runs proposed commands inside disposable, resource-bounded
// containers (the Blast Box) and reports their side effects as a
// deterministic workspace diff.
package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Diff classifies every file across a before/after snapshot pair. Values are
// sha256 hex digests; deleted files keep their pre-execution digest.
type Diff struct {
	Added     map[string]string `json:"added"`
	Modified  map[string]string `json:"modified"`
	Deleted   map[string]string `json:"deleted"`
	Unchanged map[string]string `json:"unchanged"`
}

// HashWorkspace walks root and returns {relative path: sha256 hex}. Paths use
// forward slashes regardless of platform. Unreadable entries (dangling
// symlinks, permission errors) are skipped rather than failing the snapshot.
func HashWorkspace(root string) (map[string]string, error) {
	hashes := map[string]string{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = strings.ReplaceAll(rel, "\\", "/")

		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return nil
		}
		hashes[rel] = hex.EncodeToString(h.Sum(nil))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

// ComputeDiff compares two snapshots.
func ComputeDiff(before, after map[string]string) Diff {
	d := Diff{
		Added:     map[string]string{},
		Modified:  map[string]string{},
		Deleted:   map[string]string{},
		Unchanged: map[string]string{},
	}
	for name, digest := range after {
		switch prev, ok := before[name]; {
		case !ok:
			d.Added[name] = digest
		case prev != digest:
			d.Modified[name] = digest
		default:
			d.Unchanged[name] = digest
		}
	}
	for name, digest := range before {
		if _, ok := after[name]; !ok {
			d.Deleted[name] = digest
		}
	}
	return d
}
