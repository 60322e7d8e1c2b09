package ytdlp

import (
	"strconv"
	"strings"
)

// Progress is one machine-readable progress line emitted during a download.
type Progress struct {
	Status     string
	Downloaded int64
	Total      int64
	Estimate   int64
	// Index and Count are the 1-based playlist position, zero when unknown.
	Index int
	Count int
	Title string
}

// Finished reports whether the current item has finished downloading and is
// about to be post-processed.
func (p Progress) Finished() bool { return p.Status == "finished" }

// BestTotal returns the exact total size when known, else the estimate.
func (p Progress) BestTotal() int64 {
	if p.Total > 0 {
		return p.Total
	}
	return p.Estimate
}

// ParseProgress parses a line produced by the progress template.
func ParseProgress(line string) (Progress, bool) {
	rest, ok := strings.CutPrefix(line, progressPrefix)
	if !ok {
		return Progress{}, false
	}
	fields := strings.SplitN(rest, "|", 7)
	if len(fields) < 7 {
		return Progress{}, false
	}
	return Progress{
		Status:     strings.TrimSpace(fields[0]),
		Downloaded: parseNumber(fields[1]),
		Total:      parseNumber(fields[2]),
		Estimate:   parseNumber(fields[3]),
		Index:      int(parseNumber(fields[4])),
		Count:      int(parseNumber(fields[5])),
		Title:      naToEmpty(fields[6]),
	}, true
}

// parseNumber accepts the integer and float renderings yt-dlp uses; "NA" and
// anything unparsable become 0.
func parseNumber(s string) int64 {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return int64(f)
	}
	return 0
}

func naToEmpty(s string) string {
	s = strings.TrimSpace(s)
	if s == "NA" || s == "None" {
		return ""
	}
	return s
}
