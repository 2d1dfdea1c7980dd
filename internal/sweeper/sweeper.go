// Package sweeper reclaims workspace directories. It runs cooperatively at
// the start of each build rather than on a timer.
package sweeper

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/throw-if-null/drafthouse/internal/api"
	"github.com/throw-if-null/drafthouse/internal/logging"
)

type Report = api.CleanupReport

// Sweeper removes workspaces older than MaxAge, then keeps only the Keep most
// recently modified of the rest. Workspaces younger than Grace are never
// removed for exceeding Keep, so an in-progress build survives.
type Sweeper struct {
	Root    string
	MaxAge  time.Duration
	Keep    int
	Grace   time.Duration
	Exclude []string
	Now     func() time.Time
	// OnEvict runs after a workspace directory is removed.
	OnEvict func(projectID string)

	Log *slog.Logger
}

type workspace struct {
	id  string
	mod time.Time
}

func (s *Sweeper) excluded(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, e := range s.Exclude {
		if e == name {
			return true
		}
	}
	return false
}

// Sweep applies the eviction policy once. Removal failures are collected in
// the report and logged; they are never returned.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	log := s.Log
	if log == nil {
		log = logging.For("sweeper")
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	rep := Report{Removed: []string{}, Kept: []string{}}

	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("read workspace root", "root", s.Root, "error", err)
			rep.Errors = append(rep.Errors, err.Error())
		}
		return rep
	}

	var live []workspace
	t := now()
	for _, e := range entries {
		if !e.IsDir() || s.excluded(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			rep.Errors = append(rep.Errors, err.Error())
			continue
		}
		w := workspace{id: e.Name(), mod: info.ModTime()}
		if s.MaxAge > 0 && t.Sub(w.mod) > s.MaxAge {
			s.remove(ctx, log, w, "max age", &rep)
			continue
		}
		live = append(live, w)
	}

	sort.Slice(live, func(i, j int) bool {
		if live[i].mod.Equal(live[j].mod) {
			return live[i].id < live[j].id
		}
		return live[i].mod.After(live[j].mod)
	})
	for i, w := range live {
		if s.Keep < 0 || i < s.Keep || t.Sub(w.mod) <= s.Grace {
			rep.Kept = append(rep.Kept, w.id)
			continue
		}
		s.remove(ctx, log, w, "over keep limit", &rep)
	}
	if len(rep.Removed) > 0 || len(rep.Errors) > 0 {
		log.Info("sweep finished", "removed", len(rep.Removed), "kept", len(rep.Kept), "errors", len(rep.Errors))
	}
	return rep
}

func (s *Sweeper) remove(ctx context.Context, log *slog.Logger, w workspace, reason string, rep *Report) {
	if err := ctx.Err(); err != nil {
		rep.Kept = append(rep.Kept, w.id)
		return
	}
	dir := filepath.Join(s.Root, w.id)
	if err := os.RemoveAll(dir); err != nil {
		log.Warn("remove workspace", "project", w.id, "reason", reason, "error", err)
		rep.Errors = append(rep.Errors, w.id+": "+err.Error())
		return
	}
	log.Debug("workspace evicted", "project", w.id, "reason", reason, "age", time.Since(w.mod).Round(time.Second))
	rep.Removed = append(rep.Removed, w.id)
	if s.OnEvict != nil {
		s.OnEvict(w.id)
	}
}
