package storage

import (
	"os"
	"path/filepath"
	"time"
)

// CleanStaleResult contains the outcome of a stale entry cleanup.
type CleanStaleResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// CleanStale removes root entries older than maxAge. Only an unclean shutdown
// leaves such entries behind; live jobs always clean up after themselves.
func (r *Root) CleanStale(maxAge time.Duration) CleanStaleResult {
	result := CleanStaleResult{}
	if maxAge <= 0 {
		return result
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, CleanupError{Path: r.dir, Error: err})
		}
		return result
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.Name() == lockFileName {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
			r.logger.Warn("failed to remove stale download",
				"path", path,
				"error", err,
			)
			continue
		}
		result.Removed = append(result.Removed, path)
		r.logger.Info("removed stale download",
			"path", path,
			"age", time.Since(info.ModTime()).Round(time.Second),
		)
	}
	return result
}
