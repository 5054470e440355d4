// Package startup provides utilities for application startup tasks.
package startup

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/QVSorrow/low-level-video/internal/container"
)

// DefaultCleanupAge is the default maximum age for abandoned partial outputs.
const DefaultCleanupAge = 1 * time.Hour

// CleanupPartialOutputs removes unfinished muxer outputs (files ending in
// .partial) under dir that have not been written for longer than maxAge.
// They are left behind when the process dies mid-run.
//
// Returns the number of files removed and any error encountered.
func CleanupPartialOutputs(logger *slog.Logger, dir string, maxAge time.Duration) (int, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("output directory does not exist, skipping cleanup",
			"path", dir,
		)
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn("failed to read path during cleanup",
				"path", path,
				"error", err,
			)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), container.PartialSuffix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(cutoff) {
			logger.Debug("preserving recent partial output",
				"path", path,
				"age", time.Since(info.ModTime()).Round(time.Second),
			)
			return nil
		}

		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove partial output",
				"path", path,
				"error", err,
			)
			return nil
		}
		logger.Info("removed abandoned partial output",
			"path", path,
			"age", time.Since(info.ModTime()).Round(time.Second),
		)
		removed++
		return nil
	})
	return removed, err
}
