package manifest

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Discover scans the immediate subdirectories of root and returns the valid
// manifests, sorted by directory name. Invalid descriptors and directories
// named differently from their id are logged and skipped; a missing root
// yields no manifests.
func Discover(root string, logger *slog.Logger) []*Manifest {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("Failed to read plugins directory", "path", root, "error", err)
		}
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var manifests []*Manifest
	for _, name := range names {
		dir := filepath.Join(root, name)
		m, err := Load(dir)
		if err != nil {
			var invalid *InvalidError
			if errors.As(err, &invalid) {
				logger.Warn("Skipping invalid plugin", "dir", name, "reasons", invalid.Reasons)
			} else if !errors.Is(err, ErrNotFound) {
				logger.Warn("Skipping unreadable plugin", "dir", name, "error", err)
			}
			continue
		}
		// Workers resolve the manifest at {root}/{id}
		if m.ID != name {
			logger.Warn("Skipping plugin whose directory does not match its id", "dir", name, "id", m.ID)
			continue
		}
		manifests = append(manifests, m)
	}

	return manifests
}

// Find re-runs discovery and returns the manifest declaring id
func Find(root, id string, logger *slog.Logger) (*Manifest, error) {
	for _, m := range Discover(root, logger) {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
}
