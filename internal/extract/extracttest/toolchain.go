// Package extracttest provides a scripted Toolchain that writes files the way
// yt-dlp would, for tests that exercise the full job lifecycle.
package extracttest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/kalambet/streamdl/internal/ytdlp"
)

// Source is a fake media source.
type Source struct {
	Title string
	// Items lists item titles for a playlist. Empty means a single item.
	Items []string
	// ProbeErr and DownloadErr make the corresponding step fail.
	ProbeErr    error
	DownloadErr error
	// FailAfter writes this many items before DownloadErr is returned.
	FailAfter int
	// Silent skips reporting file paths, forcing the caller to find them.
	Silent bool
}

// Toolchain serves Sources keyed by URL.
type Toolchain struct {
	Format  string
	Sources map[string]Source

	// Gate, when set, is received from before each download starts.
	Gate chan struct{}

	mu    sync.Mutex
	calls []string
}

// ErrUnknownSource is returned for URLs with no registered Source.
var ErrUnknownSource = errors.New("ERROR: Unsupported URL")

func (t *Toolchain) AudioFormat() string {
	if t.Format == "" {
		return "mp3"
	}
	return t.Format
}

// Calls returns the URLs downloaded so far.
func (t *Toolchain) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *Toolchain) Probe(_ context.Context, url string) (ytdlp.Info, error) {
	src, ok := t.Sources[url]
	if !ok {
		return ytdlp.Info{}, fmt.Errorf("%w: %s", ErrUnknownSource, url)
	}
	if src.ProbeErr != nil {
		return ytdlp.Info{}, src.ProbeErr
	}
	if len(src.Items) > 0 {
		return ytdlp.Info{ID: url, Title: src.Title, Type: "playlist", Entries: len(src.Items)}, nil
	}
	return ytdlp.Info{ID: url, Title: src.Title, Type: "video", Entries: 1}, nil
}

func (t *Toolchain) Download(ctx context.Context, req ytdlp.Request, onProgress func(ytdlp.Progress)) ([]string, error) {
	t.mu.Lock()
	t.calls = append(t.calls, req.URL)
	t.mu.Unlock()

	if t.Gate != nil {
		select {
		case <-t.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	src, ok := t.Sources[req.URL]
	if !ok {
		return nil, ErrUnknownSource
	}
	if onProgress == nil {
		onProgress = func(ytdlp.Progress) {}
	}

	items := src.Items
	if len(items) == 0 {
		items = []string{src.Title}
	}

	var files []string
	for i, title := range items {
		if src.DownloadErr != nil && i == src.FailAfter {
			return files, src.DownloadErr
		}
		p := ytdlp.Progress{Status: "downloading", Total: 1000, Title: title}
		if req.Playlist {
			p.Index, p.Count = i+1, len(items)
		}
		for _, n := range []int64{250, 500, 1000} {
			p.Downloaded = n
			onProgress(p)
		}

		partial := t.render(req.OutputTemplate, i+1, title, "webm")
		if err := writeFile(partial); err != nil {
			return files, err
		}
		p.Status = "finished"
		onProgress(p)

		final := t.render(req.OutputTemplate, i+1, title, t.AudioFormat())
		if err := os.Rename(partial, final); err != nil {
			return files, err
		}
		if !src.Silent {
			files = append(files, final)
		}
	}
	if src.DownloadErr != nil {
		return files, src.DownloadErr
	}
	return files, nil
}

var titleField = regexp.MustCompile(`%\(title\)(?:\.(\d+)B|s)`)

func (t *Toolchain) render(tmpl string, index int, title, ext string) string {
	tmpl = titleField.ReplaceAllStringFunc(tmpl, func(field string) string {
		m := titleField.FindStringSubmatch(field)
		if m[1] == "" {
			return title
		}
		return truncateBytes(title, m[1])
	})
	r := strings.NewReplacer(
		"%(playlist_index)s", strconv.Itoa(index),
		"%(ext)s", ext,
	)
	return r.Replace(tmpl)
}

// truncateBytes cuts s to at most limit bytes on a rune boundary, like
// yt-dlp's "B" template conversion.
func truncateBytes(s, limit string) string {
	n, err := strconv.Atoi(limit)
	if err != nil || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func writeFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("audio:"+filepath.Base(path)), 0o644)
}
