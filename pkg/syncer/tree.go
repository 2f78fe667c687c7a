package syncer

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// skipSecrets filters the files that never leave the local .gitgov directory:
// the session file and private key material.
func skipSecrets(rel string) bool {
	return rel == "session.json" || strings.HasSuffix(rel, ".key")
}

// mirrorTree makes dst an exact copy of src, excluding skipped paths on both
// sides. It returns the relative paths it changed (copied or deleted), sorted.
func mirrorTree(src, dst string, skip func(rel string) bool) ([]string, error) {
	var changed []string

	srcFiles := make(map[string]struct{})
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if skip != nil && skip(rel) {
			return nil
		}
		srcFiles[rel] = struct{}{}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		target := filepath.Join(dst, rel)
		if existing, err := os.ReadFile(target); err == nil && bytes.Equal(existing, data) {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
		}
		// Same temp+rename discipline as the store: a crash mid-copy must
		// never leave a torn record where the watcher can see it.
		tmp := target + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", tmp, err)
		}
		if err := os.Rename(tmp, target); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("rename %s: %w", target, err)
		}
		changed = append(changed, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Remove files present in dst but gone from src.
	err = filepath.WalkDir(dst, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dst, path)
		if err != nil {
			return err
		}
		if skip != nil && skip(rel) {
			return nil
		}
		if _, ok := srcFiles[rel]; ok {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		changed = append(changed, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(changed)
	return changed, nil
}
