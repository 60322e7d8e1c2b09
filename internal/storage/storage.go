// Package storage manages the transient downloads directory. Every artifact
// lives under a name that starts with its job id, so jobs never observe each
// other's files and a single prefix sweep removes everything a job created.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	lockFileName = ".streamdl.lock"

	// maxTitleBytes leaves room under the 255-byte name limit for the job id
	// prefix, the archive suffix and the archive's temporary name.
	maxTitleBytes = 150
)

// titleField is the yt-dlp template field for a title truncated to
// maxTitleBytes bytes.
var titleField = fmt.Sprintf("%%(title).%dB", maxTitleBytes)

// ErrLocked is returned by Lock when another process holds the root.
var ErrLocked = errors.New("downloads directory is in use by another streamdl instance")

// Root is the transient storage directory shared by all jobs.
type Root struct {
	dir    string
	lock   *flock.Flock
	logger *slog.Logger
}

// Open returns the Root at dir, creating the directory if it does not exist.
func Open(dir string, logger *slog.Logger) (*Root, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("downloads directory not configured")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving downloads directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating downloads directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		dir:    abs,
		lock:   flock.New(filepath.Join(abs, lockFileName)),
		logger: logger,
	}, nil
}

// Dir returns the absolute path of the root.
func (r *Root) Dir() string { return r.dir }

// Lock takes an exclusive advisory lock on the root for the life of the
// process. It fails with ErrLocked if another instance already holds it.
func (r *Root) Lock() error {
	ok, err := r.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Unlock releases the lock taken by Lock.
func (r *Root) Unlock() error {
	return r.lock.Unlock()
}

// NewJobID returns a fresh random job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// SingleTemplate is the yt-dlp output template for a single-item job.
func (r *Root) SingleTemplate(jobID string) string {
	return filepath.Join(r.dir, jobID+"_"+titleField+".%(ext)s")
}

// JobDir is the working directory for a multi-item job.
func (r *Root) JobDir(jobID, title string) string {
	name := jobID
	if safe := SafeName(title); safe != "" {
		name += "_" + safe
	}
	return filepath.Join(r.dir, name)
}

// ItemTemplate is the yt-dlp output template for items of a multi-item job
// downloaded into dir.
func ItemTemplate(dir string) string {
	return filepath.Join(dir, "%(playlist_index)s - "+titleField+".%(ext)s")
}

// Contains reports whether path lies inside the root.
func (r *Root) Contains(path string) bool {
	rel, err := filepath.Rel(r.dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// SafeName turns a media title into something usable as a single path
// element. Separators and control characters are replaced and the result is
// truncated to maxTitleBytes without splitting a UTF-8 sequence.
func SafeName(title string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(title) {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == 0:
			b.WriteRune('_')
		case unicode.IsControl(r):
			continue
		default:
			b.WriteRune(r)
		}
	}
	name := strings.Trim(b.String(), ". ")
	if len(name) > maxTitleBytes {
		cut := maxTitleBytes
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = strings.TrimRight(name[:cut], ". ")
	}
	return name
}

// Remove deletes path and anything below it. A path that is already gone is
// not an error.
func (r *Root) Remove(path string) error {
	if !r.Contains(path) {
		return fmt.Errorf("refusing to remove %q outside the downloads directory", path)
	}
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	return nil
}

// SweepJob removes every entry of the root that belongs to jobID and returns
// the paths it removed. Failures are logged and reported, never fatal to the
// caller.
func (r *Root) SweepJob(jobID string) ([]string, error) {
	if jobID == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading downloads directory: %w", err)
	}

	var (
		removed []string
		errs    []error
	)
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), jobID) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			r.logger.Warn("failed to remove job file", "job_id", jobID, "path", path, "error", err)
			errs = append(errs, err)
			continue
		}
		r.logger.Debug("removed job file", "job_id", jobID, "path", path)
		removed = append(removed, path)
	}
	return removed, errors.Join(errs...)
}
