// Package preview proxies a project's dev server and falls back to
// locally rendered pages so the client always gets something to show.
package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/throw-if-null/drafthouse/internal/api"
	"github.com/throw-if-null/drafthouse/internal/logging"
	"github.com/throw-if-null/drafthouse/internal/paths"
	"github.com/throw-if-null/drafthouse/internal/telemetry"
)

// Response sources reported in X-Preview-Source.
const (
	SourceProxy       = "proxy"
	SourceStatic      = "static"
	SourceSummary     = "summary"
	SourcePlaceholder = "placeholder"
)

const maxBody = 16 << 20

var errUpstream = errors.New("upstream unavailable")

// Store is the read side the proxy needs.
type Store interface {
	GetProject(ctx context.Context, id string) (api.Project, error)
	LatestDraftInfo(ctx context.Context, projectID string) (api.DraftInfo, error)
	LatestSources(ctx context.Context, projectID string) ([]api.Artifact, error)
}

type Proxy struct {
	Store         Store
	Host          string
	WorkspaceRoot string

	Attempts       int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration

	Client  *http.Client
	Serving *ServingSet
	Log     *slog.Logger
}

func (p *Proxy) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return logging.For("preview")
}

func (p *Proxy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = 8 * time.Second
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 5
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

type page struct {
	body        []byte
	contentType string
}

// Fetch GETs the root page on port. Server errors and transport failures
// are retried; any other non-success status is not.
func (p *Proxy) Fetch(ctx context.Context, projectID string, port int) (page, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := p.AttemptTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	host := p.Host
	if host == "" {
		host = api.DefaultHost
	}
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/"
	log := p.logger().With("project", projectID, "port", port)

	attempt := 0
	var out page
	op := func() (err error) {
		attempt++
		actx, span := telemetry.Tracer().Start(ctx, "preview.attempt")
		span.SetAttributes(telemetry.ProjectAttr(projectID), attribute.Int("attempt", attempt), attribute.Int("port", port))
		defer func() { telemetry.End(span, err) }()

		actx, cancel := context.WithTimeout(actx, timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(actx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", errUpstream, err)
		}
		defer resp.Body.Close()
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			return fmt.Errorf("%w: status %d", errUpstream, resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return backoff.Permanent(fmt.Errorf("%w: status %d", errUpstream, resp.StatusCode))
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return fmt.Errorf("%w: read body: %v", errUpstream, err)
		}
		out = page{body: body, contentType: resp.Header.Get("Content-Type")}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Debug("preview attempt failed", "attempt", attempt, "retry_in", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, p.backOff(ctx), notify); err != nil {
		return page{}, err
	}
	return out, nil
}

// ServeProject always answers 200 with renderable HTML.
func (p *Proxy) ServeProject(w http.ResponseWriter, r *http.Request, projectID string) {
	ctx := r.Context()
	log := p.logger().With("project", projectID)

	// Only a recorded draft names a port worth dialing. Unknown ids and
	// projects that never built go straight to the fallbacks.
	info, err := p.Store.LatestDraftInfo(ctx, projectID)
	hasDraft := err == nil
	if !hasDraft {
		info = api.DraftInfo{}
	}

	if hasDraft && info.BuildStatus != api.BuildFailed && info.Port > 0 {
		port := info.Port
		pg, err := p.Fetch(ctx, projectID, port)
		if err == nil {
			p.Serving.Mark(projectID)
			ct := pg.contentType
			if ct == "" {
				ct = "text/html; charset=utf-8"
			}
			write(w, SourceProxy, ct, pg.body)
			return
		}
		log.Info("preview unavailable, using fallback", "port", port, "error", err)
	}
	p.Serving.Unmark(projectID)

	if body, ok := p.static(projectID); ok {
		write(w, SourceStatic, "text/html; charset=utf-8", body)
		return
	}
	if body, ok := p.summary(ctx, projectID); ok {
		write(w, SourceSummary, "text/html; charset=utf-8", body)
		return
	}
	var detail string
	if info.BuildStatus == api.BuildFailed {
		detail = "The last build failed. Trigger a rebuild to try again."
	}
	var buf bytes.Buffer
	_ = placeholderTmpl.Execute(&buf, struct{ Detail string }{detail})
	write(w, SourcePlaceholder, "text/html; charset=utf-8", buf.Bytes())
}

// static returns prebuilt output left in the workspace by an earlier build.
func (p *Proxy) static(projectID string) ([]byte, bool) {
	if p.WorkspaceRoot == "" {
		return nil, false
	}
	dir, err := paths.WorkspaceDir(p.WorkspaceRoot, projectID)
	if err != nil {
		return nil, false
	}
	for _, name := range []string{"index.html", "page.html"} {
		b, err := os.ReadFile(filepath.Join(dir, ".next", "server", "app", name))
		if err == nil && len(b) > 0 {
			return b, true
		}
	}
	return nil, false
}

func (p *Proxy) summary(ctx context.Context, projectID string) ([]byte, bool) {
	src, err := p.Store.LatestSources(ctx, projectID)
	if err != nil || len(src) == 0 {
		return nil, false
	}
	var list []string
	for _, a := range src {
		list = append(list, a.Path)
	}
	list = summaryPaths(list)
	if len(list) == 0 {
		return nil, false
	}
	title := "Draft preview"
	if pr, err := p.Store.GetProject(ctx, projectID); err == nil && pr.Title != "" {
		title = pr.Title
	}
	var buf bytes.Buffer
	if err := summaryTmpl.Execute(&buf, summaryData{Title: title, Paths: list}); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

// NoCache marks a response as never cacheable.
func NoCache(h http.Header) {
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

func write(w http.ResponseWriter, source, contentType string, body []byte) {
	NoCache(w.Header())
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Preview-Source", source)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// ServingSet records projects whose preview answered successfully.
type ServingSet struct {
	mu  sync.Mutex
	set map[string]time.Time
}

func NewServingSet() *ServingSet {
	return &ServingSet{set: map[string]time.Time{}}
}

func (s *ServingSet) Mark(projectID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.set[projectID] = time.Now()
	s.mu.Unlock()
}

func (s *ServingSet) Unmark(projectID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.set, projectID)
	s.mu.Unlock()
}

func (s *ServingSet) Serving(projectID string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[projectID]
	return ok
}
