package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/kalambet/streamdl/internal/logging"
)

func newTestRoot(t *testing.T) *Root {
	t.Helper()
	root, err := Open(filepath.Join(t.TempDir(), "downloads"), logging.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return root
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	root, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if info, err := os.Stat(root.Dir()); err != nil || !info.IsDir() {
		t.Fatalf("root dir not created: %v", err)
	}
	if !filepath.IsAbs(root.Dir()) {
		t.Errorf("Dir() = %q, want absolute", root.Dir())
	}
}

func TestOpenRejectsEmpty(t *testing.T) {
	if _, err := Open("  ", nil); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestLockIsExclusive(t *testing.T) {
	root := newTestRoot(t)
	if err := root.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer root.Unlock()

	other, err := Open(root.Dir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.Lock(); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Lock err = %v, want ErrLocked", err)
	}
}

func TestJobNaming(t *testing.T) {
	root := newTestRoot(t)
	a, b := NewJobID(), NewJobID()
	if a == b {
		t.Fatal("job ids collided")
	}

	tmpl := root.SingleTemplate(a)
	if want := filepath.Join(root.Dir(), a+"_%(title).150B.%(ext)s"); tmpl != want {
		t.Errorf("SingleTemplate = %q, want %q", tmpl, want)
	}

	if got, want := ItemTemplate("/d"), filepath.Join("/d", "%(playlist_index)s - %(title).150B.%(ext)s"); got != want {
		t.Errorf("ItemTemplate = %q, want %q", got, want)
	}

	dir := root.JobDir(a, "Road Trip / 2024")
	if filepath.Dir(dir) != root.Dir() {
		t.Errorf("JobDir %q not directly under root", dir)
	}
	if base := filepath.Base(dir); base != a+"_Road Trip _ 2024" {
		t.Errorf("JobDir base = %q", base)
	}
	if got := root.JobDir(a, ""); got != filepath.Join(root.Dir(), a) {
		t.Errorf("JobDir without title = %q", got)
	}
}

func TestSafeName(t *testing.T) {
	tests := map[string]string{
		"plain":                  "plain",
		"  spaced  ":             "spaced",
		"a/b\\c:d":               "a_b_c_d",
		"tab\there":              "tabhere",
		"..":                     "",
		strings.Repeat("é", 200): strings.Repeat("é", maxTitleBytes/2),
		strings.Repeat("音", 100): strings.Repeat("音", maxTitleBytes/3),
		"a" + strings.Repeat("音", 100): "a" + strings.Repeat("音", 49),
	}
	for in, want := range tests {
		if got := SafeName(in); got != want {
			t.Errorf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJobDirFitsNameLimit(t *testing.T) {
	root := newTestRoot(t)
	id := NewJobID()

	for _, title := range []string{
		strings.Repeat("音", 100),
		strings.Repeat("🎵", 100),
		strings.Repeat("x", 400),
	} {
		dir := root.JobDir(id, title)
		base := filepath.Base(dir)
		if !utf8.ValidString(base) {
			t.Errorf("JobDir name %q is not valid UTF-8", base)
		}
		if n := len(base + ".zip"); n > 255 {
			t.Errorf("archive name is %d bytes, want <= 255", n)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Errorf("MkdirAll(%q): %v", base, err)
		}
	}
}

func TestSweepJobRemovesOnlyThatJob(t *testing.T) {
	root := newTestRoot(t)
	job, other := NewJobID(), NewJobID()

	touch(t, filepath.Join(root.Dir(), job+"_Song.mp3"))
	touch(t, filepath.Join(root.Dir(), job+"_Song.webm.part"))
	touch(t, filepath.Join(root.Dir(), job+"_List", "01 - a.mp3"))
	keep := filepath.Join(root.Dir(), other+"_Other.mp3")
	touch(t, keep)

	removed, err := root.SweepJob(job)
	if err != nil {
		t.Fatalf("SweepJob: %v", err)
	}
	if len(removed) != 3 {
		t.Errorf("removed %d entries, want 3: %v", len(removed), removed)
	}
	entries, _ := os.ReadDir(root.Dir())
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), job) {
			t.Errorf("entry %q survived the sweep", e.Name())
		}
	}
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("other job's file was removed: %v", err)
	}

	// A second sweep finds nothing and does not fail.
	removed, err = root.SweepJob(job)
	if err != nil || len(removed) != 0 {
		t.Errorf("second sweep = %v, %v", removed, err)
	}
}

func TestRemoveStaysInsideRoot(t *testing.T) {
	root := newTestRoot(t)
	outside := filepath.Join(filepath.Dir(root.Dir()), "outside.txt")
	touch(t, outside)

	if err := root.Remove(outside); err == nil {
		t.Fatal("expected refusal for path outside root")
	}
	if err := root.Remove(root.Dir()); err == nil {
		t.Fatal("expected refusal for the root itself")
	}
	if err := root.Remove(filepath.Join(root.Dir(), "missing.mp3")); err != nil {
		t.Errorf("missing file: %v", err)
	}
}

func TestCleanStale(t *testing.T) {
	root := newTestRoot(t)
	if err := root.Lock(); err != nil {
		t.Fatal(err)
	}
	defer root.Unlock()

	old := filepath.Join(root.Dir(), "old_Song.mp3")
	oldDir := filepath.Join(root.Dir(), "old_List")
	recent := filepath.Join(root.Dir(), "recent_Song.mp3")
	touch(t, old)
	touch(t, filepath.Join(oldDir, "a.mp3"))
	touch(t, recent)

	past := time.Now().Add(-2 * time.Hour)
	for _, p := range []string{old, oldDir, filepath.Join(root.Dir(), lockFileName)} {
		if err := os.Chtimes(p, past, past); err != nil {
			t.Fatal(err)
		}
	}

	result := root.CleanStale(time.Hour)
	if len(result.Errors) != 0 {
		t.Fatalf("errors: %+v", result.Errors)
	}
	if len(result.Removed) != 2 {
		t.Fatalf("removed = %v, want 2 entries", result.Removed)
	}
	for _, p := range []string{old, oldDir} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s should be gone", p)
		}
	}
	for _, p := range []string{recent, filepath.Join(root.Dir(), lockFileName)} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s should remain: %v", p, err)
		}
	}
}

func TestCleanStaleDisabled(t *testing.T) {
	root := newTestRoot(t)
	p := filepath.Join(root.Dir(), "x.mp3")
	touch(t, p)
	past := time.Now().Add(-48 * time.Hour)
	_ = os.Chtimes(p, past, past)

	if result := root.CleanStale(0); len(result.Removed) != 0 {
		t.Errorf("maxAge 0 removed %v", result.Removed)
	}
}
