package api

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/kalambet/streamdl/internal/extract"
	"github.com/kalambet/streamdl/internal/progress"
	"github.com/kalambet/streamdl/internal/storage"
)

func handleDownload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		url := strings.TrimSpace(q.Get("url"))
		if url == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
			return
		}
		clientID := q.Get("client_id")

		job := extract.Job{ID: storage.NewJobID(), URL: url, ClientID: clientID}
		log := deps.logger().With("job_id", job.ID, "client_id", clientID)
		emit := deps.Registry.Emitter(clientID)

		// Runs on every path, after the body has been written and flushed.
		defer sweep(deps.Root, job.ID, log)

		log.Info("download requested", "url", url)
		res := <-deps.Runner.Start(deps.jobContext(), job, emit)
		if res.Err != nil {
			fail(w, deps, emit, log, res.Err)
			return
		}

		f, err := os.Open(res.Artifact.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				err = extract.ErrArtifactMissing
			}
			fail(w, deps, emit, log, err)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil || !info.Mode().IsRegular() {
			fail(w, deps, emit, log, extract.ErrArtifactMissing)
			return
		}

		// The artifact is swept once this handler returns, so the whole file
		// goes out in one 200 response and Range requests are not honored.
		w.Header().Set("Content-Type", res.Artifact.ContentType())
		w.Header().Set("Content-Disposition", contentDisposition(res.Artifact.Name))
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, f); err != nil {
			log.Warn("artifact transfer interrupted", "name", res.Artifact.Name, "error", err)
			return
		}
		if err := http.NewResponseController(w).Flush(); err != nil {
			log.Debug("flush failed", "error", err)
		}

		log.Info("artifact delivered",
			"name", res.Artifact.Name,
			"kind", res.Artifact.Kind,
			"size", humanize.Bytes(uint64(info.Size())),
		)
	}
}

// fail reports err to the client channel (unless the runner already did) and
// writes the error response.
func fail(w http.ResponseWriter, deps Deps, emit progress.Emitter, log *slog.Logger, err error) {
	msg := deps.Runner.SafeMessage(err)
	if !extract.Reported(err) {
		emit.Emit(progress.Failure(msg))
	}

	errType := "server_error"
	var (
		perr *extract.ProbeError
		xerr *extract.ExtractionError
	)
	switch {
	case errors.As(err, &perr):
		errType = "probe_error"
	case errors.As(err, &xerr):
		errType = "extraction_error"
	case errors.Is(err, extract.ErrArtifactMissing):
		log.Error("artifact missing after successful job", "error", err)
	}

	log.Warn("download failed", "error", err)
	httpError(w, http.StatusInternalServerError, errType, "%s", msg)
}

func sweep(root *storage.Root, jobID string, log *slog.Logger) {
	if root == nil {
		return
	}
	removed, err := root.SweepJob(jobID)
	if err != nil {
		log.Warn("cleanup incomplete", "error", err)
	}
	for _, path := range removed {
		log.Info("cleanup removed file", "path", path)
	}
}

var asciiFold = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// contentDisposition builds an attachment header carrying both a plain ASCII
// filename and the exact UTF-8 name.
func contentDisposition(name string) string {
	folded, _, err := transform.String(asciiFold, name)
	if err != nil {
		folded = name
	}
	fallback := strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII || r < 0x20 || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, folded)

	header := mime.FormatMediaType("attachment", map[string]string{"filename": fallback})
	if fallback != name {
		header += "; filename*=UTF-8''" + encodeRFC5987(name)
	}
	return header
}

func encodeRFC5987(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}
