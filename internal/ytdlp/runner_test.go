package ytdlp

import (
	"context"
	"errors"
	"testing"
)

func TestExecRunner_StreamsLines(t *testing.T) {
	var out, errLines []string
	err := ExecRunner{}.Run(context.Background(), "sh", []string{"-c", "echo one; echo two; echo warn >&2"}, func(s Stream, line string) {
		if s == Stdout {
			out = append(out, line)
		} else {
			errLines = append(errLines, line)
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out) != 2 || out[0] != "one" || out[1] != "two" {
		t.Errorf("stdout lines = %v", out)
	}
	if len(errLines) != 1 || errLines[0] != "warn" {
		t.Errorf("stderr lines = %v", errLines)
	}
}

func TestExecRunner_FailureCarriesErrorLine(t *testing.T) {
	script := `echo "ERROR: [generic] Unable to download webpage" >&2; echo "some trailing note" >&2; exit 3`
	err := ExecRunner{}.Run(context.Background(), "sh", []string{"-c", script}, nil)

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want *CommandError", err)
	}
	if cmdErr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", cmdErr.ExitCode)
	}
	if cmdErr.Error() != "ERROR: [generic] Unable to download webpage" {
		t.Errorf("Error() = %q", cmdErr.Error())
	}
}

func TestExecRunner_MissingBinary(t *testing.T) {
	err := ExecRunner{}.Run(context.Background(), "definitely-not-a-real-binary-streamdl", nil, nil)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want *CommandError", err)
	}
	if cmdErr.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", cmdErr.ExitCode)
	}
}

func TestExecRunner_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (ExecRunner{}).Run(ctx, "sh", []string{"-c", "sleep 5"}, nil); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
