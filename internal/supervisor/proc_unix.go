//go:build unix

package supervisor

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/throw-if-null/drafthouse/internal/command"
)

type execLauncher struct{}

func defaultLauncher() Launcher { return execLauncher{} }

// Launch starts argv in its own process group so signals reach the dev
// server children npm spawns.
func (execLauncher) Launch(dir string, argv, env []string, stdout, stderr io.Writer) (Handle, error) {
	if len(argv) == 0 {
		return nil, command.ErrEmptyCommand
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// grandchildren can keep the output pipes open after the leader exits
	cmd.WaitDelay = 2 * time.Second
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		pgid = cmd.Process.Pid
	}
	return &execHandle{cmd: cmd, pgid: pgid}, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	pgid int
}

func (h *execHandle) Pid() int { return h.cmd.Process.Pid }

func (h *execHandle) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return h.cmd.Process.Signal(sig)
	}
	if err := unix.Kill(-h.pgid, s); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}

func (h *execHandle) Wait() ExitStatus {
	err := h.cmd.Wait()
	ps := h.cmd.ProcessState
	if ps == nil {
		return ExitStatus{Code: -1, Err: err}
	}
	st := ExitStatus{Code: ps.ExitCode()}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signaled = true
		st.Code = -1
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		st.Err = err
	}
	return st
}
