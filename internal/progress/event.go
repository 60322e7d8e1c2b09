package progress

import "strconv"

// Status classifies a progress event.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusConverting  Status = "converting"
	StatusError       Status = "error"
)

// Event is an advisory status message pushed to a client's notification
// channel. Percent is only set for downloading events.
type Event struct {
	Status  Status `json:"status"`
	Percent string `json:"percent,omitempty"`
	Text    string `json:"text,omitempty"`
}

func Downloading(percent, text string) Event {
	return Event{Status: StatusDownloading, Percent: percent, Text: text}
}

func Converting(text string) Event {
	return Event{Status: StatusConverting, Text: text}
}

func Failure(text string) Event {
	return Event{Status: StatusError, Text: text}
}

// FormatPercent renders downloaded/total as a percentage with one decimal.
// An unknown total yields "0.0". Successive values are passed through as
// reported, so a revised total can make the percentage go backwards.
func FormatPercent(downloaded, total int64) string {
	if total <= 0 || downloaded <= 0 {
		return "0.0"
	}
	pct := float64(downloaded) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return strconv.FormatFloat(pct, 'f', 1, 64)
}

// Emitter delivers events for a single client.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})
