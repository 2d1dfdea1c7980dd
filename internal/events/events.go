// Package events streams project state to clients as server-sent events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/throw-if-null/drafthouse/internal/api"
	"github.com/throw-if-null/drafthouse/internal/logging"
)

// Source loads the current state of a project.
type Source interface {
	Snapshot(ctx context.Context, projectID string) (api.Snapshot, error)
}

// Signature summarizes what clients care about changing: each run's
// status, step and attempt, the set of artifact ids and the message count.
// Content is not compared.
func Signature(s api.Snapshot) string {
	var b strings.Builder
	for _, r := range s.Runs {
		fmt.Fprintf(&b, "%s=%s/%s/%d;", r.Stage, r.Status, r.Step, r.Attempt)
	}
	b.WriteString("|")
	for _, a := range s.Artifacts {
		b.WriteString(strconv.FormatInt(a.ID, 10))
		b.WriteString(",")
	}
	fmt.Fprintf(&b, "|%d", len(s.Messages))
	return b.String()
}

// Hub wakes streams when a project changes so they do not wait for the
// next poll.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[chan struct{}]struct{}{}}
}

// Subscribe returns a channel nudged on every Publish for projectID and a
// func that removes the subscription.
func (h *Hub) Subscribe(projectID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	if h.subs[projectID] == nil {
		h.subs[projectID] = map[chan struct{}]struct{}{}
	}
	h.subs[projectID][ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs[projectID], ch)
		if len(h.subs[projectID]) == 0 {
			delete(h.subs, projectID)
		}
		h.mu.Unlock()
	}
}

// Publish never blocks; a pending nudge absorbs later ones.
func (h *Hub) Publish(projectID string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[projectID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type Stream struct {
	Source    Source
	Hub       *Hub
	Interval  time.Duration
	Heartbeat time.Duration
	Log       *slog.Logger
}

// Serve writes connected, snapshot and then update frames until the client
// goes away or a write fails.
func (s *Stream) Serve(w http.ResponseWriter, r *http.Request, projectID string) {
	log := s.Log
	if log == nil {
		log = logging.For("events")
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	heartbeat := s.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ctx := r.Context()

	snap, err := s.Source.Snapshot(ctx, projectID)
	if err != nil {
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	var nudge <-chan struct{}
	if s.Hub != nil {
		ch, cancel := s.Hub.Subscribe(projectID)
		defer cancel()
		nudge = ch
	}

	if err := writeSSE(w, rc, "connected", map[string]any{"projectId": projectID, "serverTs": time.Now().UTC().Unix()}); err != nil {
		return
	}
	if err := writeSSE(w, rc, "snapshot", snap); err != nil {
		return
	}
	last := Signature(snap)

	poll := time.NewTicker(interval)
	beat := time.NewTicker(heartbeat)
	defer poll.Stop()
	defer beat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			continue
		case <-poll.C:
		case <-nudge:
		}
		snap, err := s.Source.Snapshot(ctx, projectID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("snapshot failed", "project", projectID, "error", err)
			continue
		}
		sig := Signature(snap)
		if sig == last {
			continue
		}
		if err := writeSSE(w, rc, "update", snap); err != nil {
			log.Debug("event stream closed", "project", projectID, "error", err)
			return
		}
		last = sig
	}
}

func writeSSE(w http.ResponseWriter, rc *http.ResponseController, event string, payload any) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, blob); err != nil {
		return err
	}
	return rc.Flush()
}
