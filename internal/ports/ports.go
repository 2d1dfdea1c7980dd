// Package ports maps project identities to preview ports.
//
// The mapping is a pure function of the project id, so the same project
// gets the same port across rebuilds and daemon restarts. Two projects may
// hash to the same port; the later build wins and the collision is only
// logged.
package ports

import (
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/throw-if-null/drafthouse/internal/logging"
)

const (
	DefaultBase = 3001
	DefaultSpan = 100
)

type Allocator struct {
	Base int
	Span int
}

func (a Allocator) Port(projectID string) int {
	base, span := a.Base, a.Span
	if base <= 0 {
		base = DefaultBase
	}
	if span <= 0 {
		span = DefaultSpan
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(projectID))
	return base + int(h.Sum32()%uint32(span))
}

// Registry memoizes allocations for logging and collision reporting. It is
// not authoritative: Port always returns Allocator.Port.
type Registry struct {
	alloc Allocator
	log   *slog.Logger

	mu     sync.Mutex
	byID   map[string]int
	byPort map[int]string
}

func NewRegistry(a Allocator) *Registry {
	return &Registry{
		alloc:  a,
		log:    logging.For("ports"),
		byID:   map[string]int{},
		byPort: map[int]string{},
	}
}

func (r *Registry) Port(projectID string) int {
	port := r.alloc.Port(projectID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[projectID]; !ok {
		r.byID[projectID] = port
		r.log.Info("port assigned", "project", projectID, "port", port)
	}
	if owner, ok := r.byPort[port]; ok && owner != projectID {
		r.log.Warn("port collision, last writer wins", "port", port, "previous", owner, "project", projectID)
	}
	r.byPort[port] = projectID
	return port
}

// Owner returns the project that most recently claimed port.
func (r *Registry) Owner(port int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byPort[port]
	return id, ok
}

// Forget drops the memoized entry for a project.
func (r *Registry) Forget(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	port, ok := r.byID[projectID]
	if !ok {
		return
	}
	delete(r.byID, projectID)
	if r.byPort[port] == projectID {
		delete(r.byPort, port)
	}
}
