package command

import (
	"bytes"
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"testing"
)

func TestExecRunCapturesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	td, err := os.MkdirTemp("", "drafthouse-cmd-")
	if err != nil {
		t.Fatalf("tmpdir: %v", err)
	}
	defer os.RemoveAll(td)

	var stdout, stderr bytes.Buffer
	code, err := Exec{}.Run(context.Background(), td, []string{"sh", "-c", "echo $GREETING; echo oops 1>&2; exit 3"}, []string{"GREETING=hello"}, &stdout, &stderr)
	if err == nil {
		t.Fatalf("expected error for non-zero exit")
	}
	if code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}
	if strings.TrimSpace(stdout.String()) != "hello" {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
	if strings.TrimSpace(stderr.String()) != "oops" {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}

func TestExecRunEmpty(t *testing.T) {
	code, err := Exec{}.Run(context.Background(), "", nil, nil, nil, nil)
	if !errors.Is(err, ErrEmptyCommand) || code != -1 {
		t.Fatalf("expected ErrEmptyCommand, got %d %v", code, err)
	}
}

func TestExitCodeNil(t *testing.T) {
	if ExitCode(nil) != 0 {
		t.Fatalf("nil error should map to 0")
	}
	if ExitCode(errors.New("x")) != -1 {
		t.Fatalf("plain error should map to -1")
	}
}

func TestExpand(t *testing.T) {
	got := Expand([]string{"pkill", "-f", "next dev.*{port}"}, map[string]string{"port": "3042"})
	if got[2] != "next dev.*3042" {
		t.Fatalf("unexpected expansion: %v", got)
	}
}
