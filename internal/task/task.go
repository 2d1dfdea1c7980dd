// Package task runs detached background work with a handle callers can
// inspect, and guards projects against overlapping pipelines.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/drafthouse/internal/logging"
	"github.com/throw-if-null/drafthouse/internal/telemetry"
)

var ErrBusy = errors.New("project busy")

// Handle tracks one background task.
type Handle struct {
	ID        string
	Name      string
	ProjectID string

	done chan struct{}
	err  error
}

// Done is closed when the task returns.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the task's result. It is nil until Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Runner starts tasks and tracks them until they return.
type Runner struct {
	log *slog.Logger

	wg sync.WaitGroup
	mu sync.Mutex
	// live is keyed by handle id
	live map[string]*Handle
}

func NewRunner() *Runner {
	return &Runner{log: logging.For("task"), live: map[string]*Handle{}}
}

// Go runs fn in its own goroutine. fn's context keeps ctx's values but not
// its cancellation, so the task outlives the request that started it. A
// panic in fn becomes the task's error.
func (r *Runner) Go(ctx context.Context, name, projectID string, fn func(ctx context.Context) error) *Handle {
	h := &Handle{ID: xid.New().String(), Name: name, ProjectID: projectID, done: make(chan struct{})}
	r.mu.Lock()
	r.live[h.ID] = h
	r.mu.Unlock()
	r.wg.Add(1)

	tctx, span := telemetry.Tracer().Start(
		context.WithoutCancel(ctx),
		"drafthouse.task",
		trace.WithNewRoot(),
		trace.WithAttributes(
			attribute.String("task.id", h.ID),
			attribute.String("task.name", name),
			telemetry.ProjectAttr(projectID),
		),
	)
	log := r.log.With("task", h.ID, "name", name, "project", projectID)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.live, h.ID)
			r.mu.Unlock()
			close(h.done)
		}()
		span.AddEvent("task.started")
		log.Debug("task started")
		err := run(tctx, fn)
		if err != nil {
			log.Warn("task failed", "error", err)
		} else {
			log.Debug("task completed")
		}
		h.err = err
		telemetry.End(span, err)
	}()
	return h
}

func run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v\n%s", p, debug.Stack())
		}
	}()
	return fn(ctx)
}

// Live returns the number of tasks still running.
func (r *Runner) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Wait blocks until every task has returned or ctx ends.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Locks holds at most one in-flight pipeline per project.
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocks() *Locks {
	return &Locks{held: map[string]struct{}{}}
}

// TryAcquire takes the project's lock without waiting. The returned func
// releases it and is safe to call more than once.
func (l *Locks) TryAcquire(projectID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[projectID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrBusy, projectID)
	}
	l.held[projectID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, projectID)
			l.mu.Unlock()
		})
	}, nil
}

func (l *Locks) Held(projectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[projectID]
	return ok
}
