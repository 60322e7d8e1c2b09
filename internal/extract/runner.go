// Package extract runs extraction jobs: probe the source, download and encode
// its audio, and package multi-item sources into one archive.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/streamdl/internal/archive"
	"github.com/kalambet/streamdl/internal/progress"
	"github.com/kalambet/streamdl/internal/storage"
	"github.com/kalambet/streamdl/internal/ytdlp"
)

// Toolchain is the external downloader/encoder.
type Toolchain interface {
	Probe(ctx context.Context, url string) (ytdlp.Info, error)
	Download(ctx context.Context, req ytdlp.Request, onProgress func(ytdlp.Progress)) ([]string, error)
	AudioFormat() string
}

// Job is a single extraction request.
type Job struct {
	ID       string
	URL      string
	ClientID string
}

// Result is what Start delivers once a job finishes.
type Result struct {
	Artifact Artifact
	Err      error
}

// Runner executes jobs against a Toolchain and a storage Root.
type Runner struct {
	Toolchain Toolchain
	Root      *storage.Root
	// Sem bounds the number of jobs running at once. Nil means unbounded.
	Sem    *semaphore.Weighted
	Logger *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Start runs job on its own goroutine and returns a channel that receives
// exactly one Result.
func (r *Runner) Start(ctx context.Context, job Job, emit progress.Emitter) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger().Error("extraction panicked", "job_id", job.ID, "panic", p)
				out <- Result{Err: errors.New("extraction aborted by an internal error")}
			}
		}()

		if r.Sem != nil {
			if err := r.Sem.Acquire(ctx, 1); err != nil {
				out <- Result{Err: fmt.Errorf("waiting for a free worker: %w", err)}
				return
			}
			defer r.Sem.Release(1)
		}

		artifact, err := r.Run(ctx, job, emit)
		out <- Result{Artifact: artifact, Err: err}
	}()
	return out
}

// Run executes job on the calling goroutine. Progress is reported through
// emit; on a probe or extraction failure an error event is emitted before the
// error is returned.
func (r *Runner) Run(ctx context.Context, job Job, emit progress.Emitter) (Artifact, error) {
	if emit == nil {
		emit = progress.Discard
	}
	if job.ID == "" {
		job.ID = storage.NewJobID()
	}
	log := r.logger().With("job_id", job.ID, "client_id", job.ClientID)
	started := time.Now()

	info, err := r.Toolchain.Probe(ctx, job.URL)
	if err != nil {
		perr := &ProbeError{URL: job.URL, Err: err}
		log.Warn("probe failed", "url", job.URL, "error", err)
		emit.Emit(progress.Failure(r.SafeMessage(perr)))
		return Artifact{}, perr
	}
	log.Info("extraction started", "title", info.Title, "type", info.Type, "items", info.Entries)

	var artifact Artifact
	if info.IsMulti() {
		artifact, err = r.runMulti(ctx, job, info, emit)
	} else {
		artifact, err = r.runSingle(ctx, job, info, emit)
	}
	if err != nil {
		var xerr *ExtractionError
		if errors.As(err, &xerr) {
			emit.Emit(progress.Failure(r.SafeMessage(err)))
		}
		log.Warn("extraction failed", "error", err, "elapsed", time.Since(started).Round(time.Millisecond))
		return Artifact{}, err
	}

	log.Info("extraction finished",
		"artifact", artifact.Name,
		"kind", artifact.Kind,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return artifact, nil
}

func (r *Runner) runSingle(ctx context.Context, job Job, info ytdlp.Info, emit progress.Emitter) (Artifact, error) {
	format := strings.ToUpper(r.Toolchain.AudioFormat())
	converting := false

	files, err := r.Toolchain.Download(ctx, ytdlp.Request{
		URL:            job.URL,
		OutputTemplate: r.Root.SingleTemplate(job.ID),
	}, func(p ytdlp.Progress) {
		title := firstNonEmpty(p.Title, info.Title)
		if p.Finished() {
			if !converting {
				converting = true
				emit.Emit(progress.Converting(fmt.Sprintf("Converting %s to %s", title, format)))
			}
			return
		}
		emit.Emit(progress.Downloading(
			progress.FormatPercent(p.Downloaded, p.BestTotal()),
			"Downloading "+title,
		))
	})
	if err != nil {
		return Artifact{}, &ExtractionError{Stage: StageDownload, Err: err}
	}

	path := r.locateSingle(job.ID, files)
	if path == "" {
		return Artifact{}, ErrArtifactMissing
	}
	return Artifact{JobID: job.ID, Path: path, Name: filepath.Base(path), Kind: KindAudio}, nil
}

// locateSingle picks the final audio file of a single-item job: the last path
// yt-dlp reported, or failing that, a file under the job prefix with the
// target extension.
func (r *Runner) locateSingle(jobID string, reported []string) string {
	for i := len(reported) - 1; i >= 0; i-- {
		if p := reported[i]; r.Root.Contains(p) && fileExists(p) {
			return p
		}
	}
	pattern := filepath.Join(r.Root.Dir(), jobID+"_*."+r.Toolchain.AudioFormat())
	matches, _ := filepath.Glob(pattern)
	if len(matches) == 0 {
		return ""
	}
	return matches[0]
}

func (r *Runner) runMulti(ctx context.Context, job Job, info ytdlp.Info, emit progress.Emitter) (Artifact, error) {
	dir := r.Root.JobDir(job.ID, info.Title)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, &ExtractionError{Stage: StageDownload, Err: fmt.Errorf("creating job directory: %w", err)}
	}

	format := strings.ToUpper(r.Toolchain.AudioFormat())
	finished := 0
	converted := make(map[int]bool)

	files, err := r.Toolchain.Download(ctx, ytdlp.Request{
		URL:            job.URL,
		OutputTemplate: storage.ItemTemplate(dir),
		Playlist:       true,
	}, func(p ytdlp.Progress) {
		index := p.Index
		if index <= 0 {
			index = finished + 1
		}
		count := p.Count
		if count <= 0 {
			count = info.Entries
		}
		position := fmt.Sprintf("(%d/%d)", index, count)
		title := firstNonEmpty(p.Title, info.Title)

		if p.Finished() {
			if !converted[index] {
				converted[index] = true
				finished++
				emit.Emit(progress.Converting(fmt.Sprintf("Converting %s to %s %s", title, format, position)))
			}
			return
		}
		emit.Emit(progress.Downloading(
			progress.FormatPercent(p.Downloaded, p.BestTotal()),
			fmt.Sprintf("Downloading %s %s", title, position),
		))
	})
	if err != nil {
		return Artifact{}, &ExtractionError{Stage: StageDownload, Err: err}
	}

	emit.Emit(progress.Converting("Packaging archive"))
	dest := dir + ".zip"
	n, err := archive.ZipDir(dir, dest)
	if err != nil {
		return Artifact{}, &ExtractionError{Stage: StagePackage, Err: err}
	}
	if err := r.Root.Remove(dir); err != nil {
		r.logger().Warn("failed to remove job directory", "job_id", job.ID, "path", dir, "error", err)
	}
	r.logger().Debug("archive packaged", "job_id", job.ID, "files", n, "reported", len(files))

	return Artifact{JobID: job.ID, Path: dest, Name: filepath.Base(dest), Kind: KindArchive}, nil
}

// SafeMessage renders err for clients. Storage locations are stripped so only
// file names remain.
func (r *Runner) SafeMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if r.Root != nil {
		dir := r.Root.Dir()
		msg = strings.ReplaceAll(msg, dir+string(filepath.Separator), "")
		msg = strings.ReplaceAll(msg, dir, "downloads")
	}
	return msg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
