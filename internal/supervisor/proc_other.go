//go:build !unix

package supervisor

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/throw-if-null/drafthouse/internal/command"
)

type execLauncher struct{}

func defaultLauncher() Launcher { return execLauncher{} }

func (execLauncher) Launch(dir string, argv, env []string, stdout, stderr io.Writer) (Handle, error) {
	if len(argv) == 0 {
		return nil, command.ErrEmptyCommand
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execHandle{cmd: cmd}, nil
}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Pid() int { return h.cmd.Process.Pid }

// Signal cannot address a process group here; anything but an interrupt
// kills the leader.
func (h *execHandle) Signal(sig os.Signal) error {
	if sig == os.Interrupt {
		if err := h.cmd.Process.Signal(sig); err == nil {
			return nil
		}
	}
	return h.cmd.Process.Kill()
}

func (h *execHandle) Wait() ExitStatus {
	err := h.cmd.Wait()
	ps := h.cmd.ProcessState
	if ps == nil {
		return ExitStatus{Code: -1, Err: err}
	}
	st := ExitStatus{Code: ps.ExitCode(), Signaled: ps.ExitCode() == -1}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		st.Err = err
	}
	return st
}
