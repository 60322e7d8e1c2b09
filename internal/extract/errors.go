package extract

import (
	"errors"
	"fmt"
)

// ErrArtifactMissing means a job reported success but its file is not on
// disk. It indicates a bug or outside interference, never a user error.
var ErrArtifactMissing = errors.New("artifact missing after successful extraction")

// ProbeError is returned when the source cannot be inspected. No storage has
// been touched when it is returned.
type ProbeError struct {
	URL string
	Err error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("cannot read source: %v", e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Stage names the step of an extraction that failed.
type Stage string

const (
	StageDownload Stage = "download"
	StagePackage  Stage = "package"
)

// ExtractionError is returned when downloading, encoding or packaging fails.
// Partial files may be left under the job's prefix.
type ExtractionError struct {
	Stage Stage
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Reported reports whether err is a failure the Runner already announced to
// the client with an error event.
func Reported(err error) bool {
	var perr *ProbeError
	var xerr *ExtractionError
	return errors.As(err, &perr) || errors.As(err, &xerr)
}
