// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/throw-if-null/drafthouse/internal/api"
	"github.com/throw-if-null/drafthouse/internal/logging"
	"github.com/throw-if-null/drafthouse/internal/paths"
	"github.com/throw-if-null/drafthouse/internal/pipeline"
	"github.com/throw-if-null/drafthouse/internal/store"
	"github.com/throw-if-null/drafthouse/internal/task"
)

const maxBriefBytes = 1 << 20

type Pipeline interface {
	Create(ctx context.Context, brief, title string) (api.Project, *task.Handle, error)
	TriggerBuild(ctx context.Context, projectID string) (*task.Handle, error)
	BuildStatus(ctx context.Context, projectID string) (api.BuildStatus, error)
	View(ctx context.Context, projectID string) (api.ProjectView, error)
	Cleanup(ctx context.Context) api.CleanupReport
}

type Store interface {
	GetProject(ctx context.Context, id string) (api.Project, error)
	ListProjects(ctx context.Context, limit int) ([]api.Project, error)
	ListMessages(ctx context.Context, projectID string) ([]api.Message, error)
}

// ProcessLogs returns captured dev server output.
type ProcessLogs interface {
	Logs(projectID string) (string, bool)
}

// ProjectHandler serves one project-scoped request, such as the preview or
// the event stream.
type ProjectHandler interface {
	ServeProject(w http.ResponseWriter, r *http.Request, projectID string)
}

// ProjectHandlerFunc adapts a function to ProjectHandler.
type ProjectHandlerFunc func(w http.ResponseWriter, r *http.Request, projectID string)

func (f ProjectHandlerFunc) ServeProject(w http.ResponseWriter, r *http.Request, projectID string) {
	f(w, r, projectID)
}

type Options struct {
	Pipeline      Pipeline
	Store         Store
	Logs          ProcessLogs
	Preview       ProjectHandler
	Events        ProjectHandler
	CleanupSecret string
	Log           *slog.Logger
}

type Server struct {
	router chi.Router
	opts   Options
	log    *slog.Logger
}

func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logging.For("server")
	}
	s := &Server{router: chi.NewRouter(), opts: opts, log: log}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
		})
	})

	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.router.Route("/v1/projects", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.withProject(s.handleGet))
			r.Post("/build", s.withProject(s.handleTriggerBuild))
			r.Get("/build", s.withProject(s.handleBuildStatus))
			r.Get("/preview", s.handlePreview)
			r.Get("/events", s.withProject(s.handleEvents))
			r.Get("/logs", s.withProject(s.handleLogs))
			r.Get("/messages", s.withProject(s.handleMessages))
		})
	})
	s.router.Get("/v1/cleanup", s.handleCleanup)
	s.router.Post("/v1/cleanup", s.handleCleanup)
}

// withProject validates the {id} parameter before calling h.
func (s *Server) withProject(h func(w http.ResponseWriter, r *http.Request, id string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := paths.ValidateProjectID(id); err != nil {
			s.writeError(w, err)
			return
		}
		h(w, r, id)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req api.CreateProjectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBriefBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return
	}
	p, _, err := s.opts.Pipeline.Create(r.Context(), req.Brief, req.Title)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		limit = n
	}
	projects, err := s.opts.Store.ListProjects(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if projects == nil {
		projects = []api.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	v, err := s.opts.Pipeline.View(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleTriggerBuild(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.opts.Pipeline.TriggerBuild(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.opts.Pipeline.BuildStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request, id string) {
	st, err := s.opts.Pipeline.BuildStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handlePreview never fails: unknown projects get the placeholder page.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	s.opts.Preview.ServeProject(w, r, chi.URLParam(r, "id"))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.opts.Store.GetProject(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.opts.Events.ServeProject(w, r, id)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.opts.Store.GetProject(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	text, ok := s.opts.Logs.Logs(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no process output"})
		return
	}
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid tail"})
			return
		}
		text = tailLines(text, n)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(text))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.opts.Store.GetProject(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	msgs, err := s.opts.Store.ListMessages(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []api.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if secret := s.opts.CleanupSecret; secret != "" {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
	}
	rep := s.opts.Pipeline.Cleanup(r.Context())
	s.log.Info("cleanup", "removed", len(rep.Removed), "kept", len(rep.Kept), "errors", len(rep.Errors))
	writeJSON(w, http.StatusOK, rep)
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, paths.ErrInvalidProjectID), errors.Is(err, pipeline.ErrEmptyBrief):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "status", status, "error", err)
		msg = "internal error"
	} else {
		s.log.Debug("request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func tailLines(s string, n int) string {
	if n == 0 {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	// a trailing newline leaves an empty last element
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if n >= len(lines) {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
