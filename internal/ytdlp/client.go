// Package ytdlp drives the yt-dlp command line tool (with ffmpeg as its
// post-processor) to probe sources and extract audio from them.
package ytdlp

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	progressPrefix = "PROGRESS|"
	filePrefix     = "FILE|"

	progressTemplate = progressPrefix +
		"%(progress.status)s|%(progress.downloaded_bytes)s|%(progress.total_bytes)s|" +
		"%(progress.total_bytes_estimate)s|%(info.playlist_index)s|%(info.n_entries)s|%(info.title)s"

	audioSelector = "bestaudio/best"

	defaultFFmpeg = "ffmpeg"
)

// Options configures the toolchain invocation.
type Options struct {
	Binary         string
	FFmpegLocation string
	AudioFormat    string
	AudioQuality   string
}

// Client wraps the yt-dlp binary.
type Client struct {
	opts   Options
	runner Runner
	ffmpeg string
}

// New returns a Client. A nil runner selects ExecRunner.
func New(opts Options, runner Runner) *Client {
	if opts.Binary == "" {
		opts.Binary = "yt-dlp"
	}
	if opts.AudioFormat == "" {
		opts.AudioFormat = "mp3"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Client{opts: opts, runner: runner, ffmpeg: resolveFFmpeg(opts.FFmpegLocation)}
}

// resolveFFmpeg returns the value for --ffmpeg-location, or "" when yt-dlp
// should use its own lookup of the default binary. A bare name other than the
// default is resolved through PATH; if that fails it is passed through so the
// run fails instead of silently using a different ffmpeg.
func resolveFFmpeg(loc string) string {
	loc = strings.TrimSpace(loc)
	switch {
	case loc == "" || loc == defaultFFmpeg:
		return ""
	case strings.ContainsRune(loc, filepath.Separator):
		return loc
	}
	if path, err := exec.LookPath(loc); err == nil {
		return path
	}
	return loc
}

// AudioFormat returns the container/codec audio is converted to.
func (c *Client) AudioFormat() string { return c.opts.AudioFormat }

// Info is the result of probing a source.
type Info struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Type    string `json:"type"`
	Entries int    `json:"entries"`
}

// IsMulti reports whether the source is a collection of items.
func (i Info) IsMulti() bool {
	return i.Type == "playlist" || i.Type == "multi_video"
}

type probeOutput struct {
	Type          string            `json:"_type"`
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Entries       []json.RawMessage `json:"entries"`
	PlaylistCount int               `json:"playlist_count"`
}

// Probe inspects url without downloading anything.
func (c *Client) Probe(ctx context.Context, url string) (Info, error) {
	args := []string{"-J", "--flat-playlist", "--no-warnings", "--", url}

	var out strings.Builder
	err := c.runner.Run(ctx, c.opts.Binary, args, func(s Stream, line string) {
		if s != Stdout {
			return
		}
		out.WriteString(line)
		out.WriteByte('\n')
	})
	if err != nil {
		return Info{}, err
	}

	var raw probeOutput
	if err := json.Unmarshal([]byte(out.String()), &raw); err != nil {
		return Info{}, fmt.Errorf("decoding probe output: %w", err)
	}

	info := Info{ID: raw.ID, Title: raw.Title, Type: raw.Type}
	if info.Type == "" {
		info.Type = "video"
	}
	if info.Title == "" {
		info.Title = raw.ID
	}
	info.Entries = len(raw.Entries)
	if info.Entries == 0 && raw.PlaylistCount > 0 {
		info.Entries = raw.PlaylistCount
	}
	if !info.IsMulti() {
		info.Entries = 1
	}
	return info, nil
}

// Request describes one download-and-convert run.
type Request struct {
	URL string
	// OutputTemplate is a yt-dlp output template, e.g. "/dl/%(title)s.%(ext)s".
	OutputTemplate string
	Playlist       bool
}

// Download fetches the best audio stream(s) for req and converts them to the
// configured format. It returns the final paths reported by yt-dlp after
// post-processing.
func (c *Client) Download(ctx context.Context, req Request, onProgress func(Progress)) ([]string, error) {
	var files []string
	err := c.runner.Run(ctx, c.opts.Binary, c.downloadArgs(req), func(_ Stream, line string) {
		switch {
		case strings.HasPrefix(line, progressPrefix):
			if p, ok := ParseProgress(line); ok && onProgress != nil {
				onProgress(p)
			}
		case strings.HasPrefix(line, filePrefix):
			if path := strings.TrimSpace(strings.TrimPrefix(line, filePrefix)); path != "" {
				files = append(files, path)
			}
		}
	})
	return files, err
}

func (c *Client) downloadArgs(req Request) []string {
	args := []string{
		"-f", audioSelector,
		"-x", "--audio-format", c.opts.AudioFormat,
	}
	if c.opts.AudioQuality != "" {
		args = append(args, "--audio-quality", c.opts.AudioQuality)
	}
	if c.ffmpeg != "" {
		args = append(args, "--ffmpeg-location", c.ffmpeg)
	}
	if req.Playlist {
		args = append(args, "--yes-playlist")
	} else {
		args = append(args, "--no-playlist")
	}
	args = append(args,
		"--newline",
		"--progress",
		"--progress-template", "download:"+progressTemplate,
		"--print", "after_move:"+filePrefix+"%(filepath)s",
		"--no-warnings",
		"-o", req.OutputTemplate,
		"--", req.URL,
	)
	return args
}
