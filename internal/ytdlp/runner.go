package ytdlp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

const (
	maxLineSize   = 64 << 20 // -J output for large playlists is a single line
	stderrTailLen = 20
)

// Stream identifies which output of a command a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// Runner executes an external command. onLine receives every line written to
// stdout or stderr; calls are serialized.
type Runner interface {
	Run(ctx context.Context, name string, args []string, onLine func(Stream, string)) error
}

// CommandError describes a failed external command. Stderr holds the last
// meaningful line the command wrote to stderr, which for yt-dlp is normally
// the "ERROR: ..." summary.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string, onLine func(Stream, string)) error {
	cmd := exec.CommandContext(ctx, name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return &CommandError{Command: name, ExitCode: -1, Err: err}
	}

	var mu sync.Mutex
	emit := func(s Stream, line string) {
		if onLine == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		onLine(s, line)
	}

	tail := newTail(stderrTailLen)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = scanLines(stderr, func(line string) {
			tail.push(line)
			emit(Stderr, line)
		})
	}()

	scanErr := scanLines(stdout, func(line string) { emit(Stdout, line) })
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &CommandError{Command: name, ExitCode: exitCode, Stderr: tail.last(), Err: err}
	}
	if scanErr != nil {
		return fmt.Errorf("reading %s output: %w", name, scanErr)
	}
	return nil
}

func scanLines(r io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		// Keep the pipe drained so the child does not block on a full pipe.
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// tail keeps the last few non-empty stderr lines of a command.
type tail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func newTail(max int) *tail {
	return &tail{max: max}
}

func (t *tail) push(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, progressPrefix) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tail) last() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Prefer the yt-dlp error summary over trailing noise.
	for i := len(t.lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(t.lines[i], "ERROR:") {
			return t.lines[i]
		}
	}
	if len(t.lines) == 0 {
		return ""
	}
	return t.lines[len(t.lines)-1]
}
