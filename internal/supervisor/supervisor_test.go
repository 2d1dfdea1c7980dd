package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeHandle struct {
	pid             int
	ignoreInterrupt bool

	mu      sync.Mutex
	signals []os.Signal

	once   sync.Once
	done   chan struct{}
	status ExitStatus
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) Pid() int { return h.pid }

func (h *fakeHandle) finish(st ExitStatus) {
	h.once.Do(func() {
		h.status = st
		close(h.done)
	})
}

func (h *fakeHandle) Wait() ExitStatus {
	<-h.done
	return h.status
}

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	if sig == os.Kill || !h.ignoreInterrupt {
		h.finish(ExitStatus{Code: -1, Signaled: true})
	}
	return nil
}

func (h *fakeHandle) received() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]os.Signal(nil), h.signals...)
}

type fakeLauncher struct {
	mu      sync.Mutex
	handles []*fakeHandle
	envs    [][]string
	output  string
	err     error
	ignore  bool
}

func (l *fakeLauncher) Launch(dir string, argv, env []string, stdout, stderr io.Writer) (Handle, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	h := newFakeHandle(1000 + len(l.handles))
	h.ignoreInterrupt = l.ignore
	l.handles = append(l.handles, h)
	l.envs = append(l.envs, env)
	l.mu.Unlock()
	if l.output != "" {
		_, _ = io.WriteString(stdout, l.output)
	}
	return h, nil
}

func (l *fakeLauncher) handle(i int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[i]
}

type recordRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordRunner) Run(ctx context.Context, dir string, argv []string, env []string, stdout, stderr io.Writer) (int, error) {
	r.mu.Lock()
	r.calls = append(r.calls, argv)
	r.mu.Unlock()
	return 1, nil
}

func waitExit(t *testing.T, ch <-chan ExitStatus) ExitStatus {
	t.Helper()
	select {
	case st := <-ch:
		return st
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for OnExit")
	}
	return ExitStatus{}
}

func TestStart_CapturesOutputAndKeepsLogsAfterExit(t *testing.T) {
	l := &fakeLauncher{output: "> next dev -p 3007\n  ▲ Next.js 14.2.6\n ✓ Ready in 2.1s\npartial"}
	r := &recordRunner{}
	exits := make(chan ExitStatus, 1)
	s := New(Options{
		ReapCommand: []string{"pkill", "-f", "next dev.*{port}"},
		Launcher:    l,
		Runner:      r,
		OnExit:      func(p *Process, st ExitStatus) { exits <- st },
	})
	dir, err := os.MkdirTemp("", "drafthouse-supervisor-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	p, err := s.Start(context.Background(), Spec{ProjectID: "p1", Dir: dir, Port: 3007, Env: []string{"FOO=bar"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !s.Running("p1") {
		t.Fatalf("expected p1 running")
	}
	env := strings.Join(l.envs[0], " ")
	for _, want := range []string{"FOO=bar", "PORT=3007", "NODE_ENV=development"} {
		if !strings.Contains(env, want) {
			t.Fatalf("env %q missing %s", env, want)
		}
	}
	if len(r.calls) != 1 || r.calls[0][2] != "next dev.*3007" {
		t.Fatalf("unexpected reap calls: %v", r.calls)
	}

	l.handle(0).finish(ExitStatus{Code: 0})
	st := waitExit(t, exits)
	if st.Failed() {
		t.Fatalf("clean exit reported as failure: %+v", st)
	}
	if p.Wait() != st {
		t.Fatalf("Wait and OnExit disagree")
	}
	if s.Running("p1") {
		t.Fatalf("exited process still tracked")
	}
	logs, ok := s.Logs("p1")
	if !ok || !strings.Contains(logs, "Ready in 2.1s") || !strings.HasSuffix(logs, "partial\n") {
		t.Fatalf("unexpected logs %q (ok=%v)", logs, ok)
	}
}

func TestStart_ReplacesProcessOnSamePort(t *testing.T) {
	l := &fakeLauncher{}
	exits := make(chan ExitStatus, 2)
	s := New(Options{Launcher: l, OnExit: func(p *Process, st ExitStatus) { exits <- st }})
	first, err := s.Start(context.Background(), Spec{ProjectID: "a", Port: 3010})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Start(context.Background(), Spec{ProjectID: "b", Port: 3010}); err != nil {
		t.Fatal(err)
	}
	st := first.Wait()
	if !st.Stopped || st.Failed() {
		t.Fatalf("replaced process should be a deliberate stop: %+v", st)
	}
	if sigs := l.handle(0).received(); len(sigs) != 1 || sigs[0] != os.Interrupt {
		t.Fatalf("expected a single interrupt, got %v", sigs)
	}
	if s.Running("a") || !s.Running("b") {
		t.Fatalf("expected only b running")
	}
	waitExit(t, exits)
}

func TestStop_EscalatesToKill(t *testing.T) {
	l := &fakeLauncher{ignore: true}
	s := New(Options{Launcher: l, StopGrace: 20 * time.Millisecond})
	if _, err := s.Start(context.Background(), Spec{ProjectID: "p", Port: 3011}); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop("p"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	sigs := l.handle(0).received()
	if len(sigs) != 2 || sigs[0] != os.Interrupt || sigs[1] != os.Kill {
		t.Fatalf("expected interrupt then kill, got %v", sigs)
	}
}

func TestNonZeroExitIsFailure(t *testing.T) {
	l := &fakeLauncher{output: "Error: Cannot find module 'next'\n"}
	exits := make(chan ExitStatus, 1)
	s := New(Options{Launcher: l, OnExit: func(p *Process, st ExitStatus) { exits <- st }})
	if _, err := s.Start(context.Background(), Spec{ProjectID: "p", Port: 3012}); err != nil {
		t.Fatal(err)
	}
	l.handle(0).finish(ExitStatus{Code: 1})
	st := waitExit(t, exits)
	if !st.Failed() || st.String() != "exit code 1" {
		t.Fatalf("expected failure with exit code 1, got %+v", st)
	}
}

func TestStart_SpawnFailure(t *testing.T) {
	s := New(Options{Launcher: &fakeLauncher{err: errors.New("exec: \"npm\": executable file not found in $PATH")}})
	_, err := s.Start(context.Background(), Spec{ProjectID: "p", Port: 3013})
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
	if s.Running("p") {
		t.Fatalf("failed spawn must not be tracked")
	}
}

func TestStopAll(t *testing.T) {
	l := &fakeLauncher{}
	s := New(Options{Launcher: l})
	for i, id := range []string{"x", "y", "z"} {
		if _, err := s.Start(context.Background(), Spec{ProjectID: id, Port: 3020 + i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.StopAll(context.Background()); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	for _, id := range []string{"x", "y", "z"} {
		if s.Running(id) {
			t.Fatalf("%s still running", id)
		}
	}
}

func TestRingBufferKeepsTail(t *testing.T) {
	r := NewRingBuffer(8)
	_, _ = r.Write([]byte("abcdef"))
	_, _ = r.Write([]byte("ghij"))
	if got := r.String(); got != "cdefghij" {
		t.Fatalf("got %q", got)
	}
	_, _ = r.Write([]byte("0123456789"))
	if got := r.String(); got != "23456789" {
		t.Fatalf("got %q", got)
	}
}
