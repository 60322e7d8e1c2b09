package ytdlp

import (
	"fmt"
	"os/exec"
	"strings"
)

// Requirement is an external binary the service shells out to.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// BinaryStatus reports whether a Requirement resolved on PATH.
type BinaryStatus struct {
	Requirement
	Available bool
	Path      string
	Detail    string
}

// Requirements lists the binaries a Client configured with opts needs.
func Requirements(opts Options) []Requirement {
	ffmpeg := opts.FFmpegLocation
	if ffmpeg == "" {
		ffmpeg = defaultFFmpeg
	}
	return []Requirement{
		{Name: "yt-dlp", Command: opts.Binary, Description: "source probing and download"},
		{Name: "ffmpeg", Command: ffmpeg, Description: "audio extraction and encoding"},
	}
}

// CheckBinaries resolves every requirement with exec.LookPath.
func CheckBinaries(reqs []Requirement) []BinaryStatus {
	results := make([]BinaryStatus, 0, len(reqs))
	for _, req := range reqs {
		status := BinaryStatus{Requirement: req}
		cmd := strings.TrimSpace(req.Command)
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		path, err := exec.LookPath(cmd)
		if err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		status.Path = path
		results = append(results, status)
	}
	return results
}
