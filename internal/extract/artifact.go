package extract

import (
	"mime"
	"path/filepath"
	"strings"
)

// Kind is the shape of a job's deliverable.
type Kind string

const (
	KindAudio   Kind = "audio"
	KindArchive Kind = "archive"
)

// Artifact is the file a successful job produced.
type Artifact struct {
	JobID string
	Path  string
	Name  string
	Kind  Kind
}

var audioTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".opus": "audio/ogg",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".wav":  "audio/wav",
}

// ContentType returns the media type the artifact is served with.
func (a Artifact) ContentType() string {
	if a.Kind == KindArchive {
		return "application/zip"
	}
	ext := strings.ToLower(filepath.Ext(a.Path))
	if t, ok := audioTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
