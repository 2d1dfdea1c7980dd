// Package supervisor runs one preview process per project workspace. A
// process that exits is recorded, never restarted; recovery is a rebuild.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/throw-if-null/drafthouse/internal/command"
	"github.com/throw-if-null/drafthouse/internal/logging"
)

var ErrSpawn = errors.New("process spawn failed")

const reapTimeout = 5 * time.Second

// Spec describes the process to start for a workspace.
type Spec struct {
	ProjectID string
	Dir       string
	Port      int
	Env       []string
}

// ExitStatus describes how a supervised process ended. Stopped is set when
// the supervisor itself asked the process to stop.
type ExitStatus struct {
	Code     int
	Signaled bool
	Stopped  bool
	Err      error
}

// Failed reports an exit the supervisor did not ask for that was non-zero,
// signaled or errored.
func (s ExitStatus) Failed() bool {
	if s.Stopped {
		return false
	}
	return s.Code != 0 || s.Signaled || s.Err != nil
}

func (s ExitStatus) String() string {
	switch {
	case s.Err != nil:
		return "error: " + s.Err.Error()
	case s.Stopped:
		return "stopped"
	case s.Signaled:
		return "killed by signal"
	default:
		return "exit code " + strconv.Itoa(s.Code)
	}
}

// Handle is a launched OS process.
type Handle interface {
	Pid() int
	Wait() ExitStatus
	// Signal delivers sig to the process group.
	Signal(sig os.Signal) error
}

// Launcher starts processes. Tests substitute a fake.
type Launcher interface {
	Launch(dir string, argv, env []string, stdout, stderr io.Writer) (Handle, error)
}

type Options struct {
	RunCommand     []string
	ReapCommand    []string
	LogBufferBytes int
	StopGrace      time.Duration
	Launcher       Launcher
	// Runner runs the reap command.
	Runner command.Runner
	// OnExit is called once per process after it ends.
	OnExit func(p *Process, st ExitStatus)
	Log    *slog.Logger
}

// Process is one supervised preview process.
type Process struct {
	ProjectID string
	Port      int
	StartedAt time.Time

	handle   Handle
	logs     *RingBuffer
	done     chan struct{}
	status   ExitStatus
	stopping atomic.Bool
}

func (p *Process) Pid() int { return p.handle.Pid() }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits.
func (p *Process) Wait() ExitStatus {
	<-p.done
	return p.status
}

func (p *Process) Logs() string { return p.logs.String() }

type Supervisor struct {
	opts Options
	log  *slog.Logger

	mu    sync.Mutex
	procs map[string]*Process
	// logs outlive their process so a crash can still be inspected
	logs map[string]*RingBuffer
}

func New(opts Options) *Supervisor {
	if opts.Launcher == nil {
		opts.Launcher = defaultLauncher()
	}
	if opts.Runner == nil {
		opts.Runner = command.Exec{}
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 3 * time.Second
	}
	if len(opts.RunCommand) == 0 {
		opts.RunCommand = []string{"npm", "run", "dev"}
	}
	log := opts.Log
	if log == nil {
		log = logging.For("supervisor")
	}
	return &Supervisor{opts: opts, log: log, procs: map[string]*Process{}, logs: map[string]*RingBuffer{}}
}

// Start replaces whatever runs for the project or on its port with a fresh
// preview process.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*Process, error) {
	log := s.log.With("project", spec.ProjectID, "port", spec.Port)

	s.mu.Lock()
	var prior []*Process
	for id, p := range s.procs {
		if id == spec.ProjectID || p.Port == spec.Port {
			prior = append(prior, p)
			delete(s.procs, id)
		}
	}
	s.mu.Unlock()
	for _, p := range prior {
		if p.ProjectID != spec.ProjectID {
			log.Warn("port taken over from another project", "previous_project", p.ProjectID)
		}
		if err := s.stop(p); err != nil {
			log.Warn("stop prior process", "pid", p.Pid(), "error", err)
		}
	}
	s.reap(ctx, spec.Port, log)

	buf := NewRingBuffer(s.opts.LogBufferBytes)
	stdout := newLineWriter(buf, log, "stdout")
	stderr := newLineWriter(buf, log, "stderr")
	env := append(append([]string(nil), spec.Env...),
		"PORT="+strconv.Itoa(spec.Port),
		"NODE_ENV=development",
	)
	h, err := s.opts.Launcher.Launch(spec.Dir, s.opts.RunCommand, env, stdout, stderr)
	if err != nil {
		log.Error("spawn failed", "command", strings.Join(s.opts.RunCommand, " "), "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	p := &Process{
		ProjectID: spec.ProjectID,
		Port:      spec.Port,
		StartedAt: time.Now(),
		handle:    h,
		logs:      buf,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.procs[spec.ProjectID] = p
	s.logs[spec.ProjectID] = buf
	s.mu.Unlock()
	log.Info("preview process started", "pid", h.Pid(), "dir", spec.Dir)

	go func() {
		st := h.Wait()
		stdout.Flush()
		stderr.Flush()
		if p.stopping.Load() {
			st.Stopped = true
		}
		p.status = st
		close(p.done)

		s.mu.Lock()
		if s.procs[p.ProjectID] == p {
			delete(s.procs, p.ProjectID)
		}
		s.mu.Unlock()
		if st.Failed() {
			log.Warn("preview process exited", "pid", h.Pid(), "status", st.String())
		} else {
			log.Info("preview process exited", "pid", h.Pid(), "status", st.String())
		}
		if s.opts.OnExit != nil {
			s.opts.OnExit(p, st)
		}
	}()
	return p, nil
}

// reap kills strays started by an earlier daemon. Failures are expected when
// nothing matches.
func (s *Supervisor) reap(ctx context.Context, port int, log *slog.Logger) {
	if len(s.opts.ReapCommand) == 0 {
		return
	}
	argv := command.Expand(s.opts.ReapCommand, map[string]string{"port": strconv.Itoa(port)})
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reapTimeout)
	defer cancel()
	code, err := s.opts.Runner.Run(rctx, "", argv, nil, io.Discard, io.Discard)
	log.Debug("reap", "command", strings.Join(argv, " "), "exit_code", code, "error", err)
}

// stop interrupts the process group and escalates to a kill after the grace
// period.
func (s *Supervisor) stop(p *Process) error {
	p.stopping.Store(true)
	if err := p.handle.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Debug("interrupt failed", "project", p.ProjectID, "error", err)
	}
	timer := time.NewTimer(s.opts.StopGrace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}
	s.log.Warn("forcing preview process kill", "project", p.ProjectID, "pid", p.Pid())
	if err := p.handle.Signal(os.Kill); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-p.done
	return nil
}

// Stop stops the project's process, if any.
func (s *Supervisor) Stop(projectID string) error {
	s.mu.Lock()
	p, ok := s.procs[projectID]
	delete(s.procs, projectID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.stop(p)
}

// Forget stops the project's process and drops its retained output.
func (s *Supervisor) Forget(projectID string) {
	if err := s.Stop(projectID); err != nil {
		s.log.Warn("stop evicted project", "project", projectID, "error", err)
	}
	s.mu.Lock()
	delete(s.logs, projectID)
	s.mu.Unlock()
}

// StopAll stops every process in parallel and waits for them or ctx.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for id, p := range s.procs {
		procs = append(procs, p)
		delete(s.procs, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			if err := s.stop(p); err != nil {
				s.log.Warn("stop process", "project", p.ProjectID, "error", err)
			}
		}(p)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) Running(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[projectID]
	return ok
}

// Logs returns captured output for the project's latest process, including
// one that already exited.
func (s *Supervisor) Logs(projectID string) (string, bool) {
	s.mu.Lock()
	buf, ok := s.logs[projectID]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	return buf.String(), true
}

var signalWords = []string{"ready", "started", "compiled", "error"}

// lineWriter splits output into lines for the ring buffer and logs the ones
// that say something about build progress.
type lineWriter struct {
	buf    *RingBuffer
	log    *slog.Logger
	stream string

	mu      sync.Mutex
	partial []byte
}

func newLineWriter(buf *RingBuffer, log *slog.Logger, stream string) *lineWriter {
	return &lineWriter{buf: buf, log: log, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(w.partial[:i+1])
		w.partial = w.partial[i+1:]
	}
	// an unterminated line larger than the buffer is not worth holding
	if len(w.partial) > w.buf.max {
		w.emit(append(w.partial, '\n'))
		w.partial = nil
	}
	return len(p), nil
}

// Flush emits a trailing unterminated line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(append(w.partial, '\n'))
		w.partial = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	_, _ = w.buf.Write(line)
	text := strings.TrimSpace(string(line))
	lower := strings.ToLower(text)
	for _, word := range signalWords {
		if strings.Contains(lower, word) {
			level := slog.LevelInfo
			if word == "error" {
				level = slog.LevelWarn
			}
			w.log.Log(context.Background(), level, text, "stream", w.stream)
			return
		}
	}
}
