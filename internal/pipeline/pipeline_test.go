package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/throw-if-null/drafthouse/internal/api"
	"github.com/throw-if-null/drafthouse/internal/depcache"
	"github.com/throw-if-null/drafthouse/internal/events"
	"github.com/throw-if-null/drafthouse/internal/gen"
	"github.com/throw-if-null/drafthouse/internal/ports"
	"github.com/throw-if-null/drafthouse/internal/preview"
	"github.com/throw-if-null/drafthouse/internal/store"
	"github.com/throw-if-null/drafthouse/internal/supervisor"
	"github.com/throw-if-null/drafthouse/internal/sweeper"
	"github.com/throw-if-null/drafthouse/internal/task"
)

const marketSpec = "# Foo Market\n\n## Overview\n\nA marketplace for handmade goods.\n\n## Core Features\n\n- Listings: browse goods\n- Cart: collect items\n"

type scriptGen struct {
	mu          sync.Mutex
	spec        string
	specErr     error
	codes       []string
	corrections []*gen.Correction
	calls       int
}

func (g *scriptGen) Specification(ctx context.Context, brief string) (string, error) {
	return g.spec, g.specErr
}

func (g *scriptGen) Code(ctx context.Context, brief, spec string, c *gen.Correction) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.corrections = append(g.corrections, c)
	out := g.codes[len(g.codes)-1]
	if g.calls < len(g.codes) {
		out = g.codes[g.calls]
	}
	g.calls++
	return out, nil
}

func bundle(t *testing.T, files ...api.File) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{"files": files})
	if err != nil {
		t.Fatal(err)
	}
	return "Here is your app:\n```json\n" + string(b) + "\n```\n"
}

// fakeInstaller stands in for npm install.
type fakeInstaller struct {
	fail  bool
	calls int32
}

func (f *fakeInstaller) Run(ctx context.Context, dir string, argv, env []string, stdout, stderr io.Writer) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.fail {
		_, _ = io.WriteString(stderr, "npm ERR! 404 Not Found - left-pad@99\n")
		return 1, nil
	}
	mod := filepath.Join(dir, "node_modules", "next")
	if err := os.MkdirAll(mod, 0o755); err != nil {
		return -1, err
	}
	return 0, os.WriteFile(filepath.Join(mod, "package.json"), []byte(`{"name":"next"}`), 0o644)
}

type fakeHandle struct {
	pid  int
	once sync.Once
	done chan struct{}
	st   supervisor.ExitStatus
}

func (h *fakeHandle) Pid() int { return h.pid }

func (h *fakeHandle) Wait() supervisor.ExitStatus {
	<-h.done
	return h.st
}

func (h *fakeHandle) Signal(os.Signal) error {
	h.exit(supervisor.ExitStatus{Code: -1, Signaled: true})
	return nil
}

func (h *fakeHandle) exit(st supervisor.ExitStatus) {
	h.once.Do(func() {
		h.st = st
		close(h.done)
	})
}

type fakeLauncher struct {
	mu      sync.Mutex
	handles []*fakeHandle
	// exitOnLaunch, when set, ends every process as soon as it starts.
	exitOnLaunch *supervisor.ExitStatus
}

func (l *fakeLauncher) Launch(dir string, argv, env []string, stdout, stderr io.Writer) (supervisor.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := &fakeHandle{pid: 4000 + len(l.handles), done: make(chan struct{})}
	l.handles = append(l.handles, h)
	_, _ = io.WriteString(stdout, "ready - started server\n")
	if l.exitOnLaunch != nil {
		h.exit(*l.exitOnLaunch)
	}
	return h, nil
}

func (l *fakeLauncher) last() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[len(l.handles)-1]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

type harness struct {
	o         *Orchestrator
	store     *store.Store
	gen       *scriptGen
	installer *fakeInstaller
	launcher  *fakeLauncher
	serving   *preview.ServingSet
	root      string
}

func newHarness(t *testing.T, g *scriptGen) *harness {
	t.Helper()
	dir, err := os.MkdirTemp("", "drafthouse-pipeline-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	st, err := store.Open(filepath.Join(dir, "drafthouse.db"), time.Second)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store:     st,
		gen:       g,
		installer: &fakeInstaller{},
		launcher:  &fakeLauncher{},
		serving:   preview.NewServingSet(),
		root:      filepath.Join(dir, "drafts"),
	}
	var o *Orchestrator
	sup := supervisor.New(supervisor.Options{
		Launcher:  h.launcher,
		StopGrace: 50 * time.Millisecond,
		OnExit:    func(p *supervisor.Process, es supervisor.ExitStatus) { o.HandleExit(p, es) },
	})
	tasks := task.NewRunner()
	o = New(Options{
		Store:         st,
		Generator:     g,
		Cache:         depcache.New(filepath.Join(dir, "cache"), []string{"npm", "install"}, time.Minute, h.installer),
		Processes:     sup,
		Sweeper:       &sweeper.Sweeper{Root: h.root, MaxAge: time.Hour, Keep: 10, Grace: time.Minute},
		Ports:         ports.NewRegistry(ports.Allocator{Base: 3001, Span: 100}),
		Tasks:         tasks,
		Hub:           events.NewHub(),
		Serving:       h.serving,
		WorkspaceRoot: h.root,
	})
	h.o = o
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tasks.Wait(ctx)
		_ = sup.StopAll(ctx)
	})
	return h
}

func (h *harness) create(t *testing.T, brief string) api.Project {
	t.Helper()
	p, th, err := h.o.Create(context.Background(), brief, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := th.Wait(ctx); err != nil && ctx.Err() != nil {
		t.Fatalf("pipeline did not finish: %v", err)
	}
	return p
}

func runStatus(t *testing.T, st *store.Store, projectID string) map[api.Stage]api.Run {
	t.Helper()
	runs, err := st.ListRuns(context.Background(), projectID)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	out := map[api.Stage]api.Run{}
	for _, r := range runs {
		out[r.Stage] = r
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreate_MarketplaceReachesPreview(t *testing.T) {
	shop := api.File{Path: "app/shop/page.tsx", Content: "export default function Shop({ session }: any) {\n  return <p>{session.user.name}</p>\n}\n"}
	g := &scriptGen{spec: marketSpec, codes: []string{bundle(t, shop), bundle(t, shop)}}
	h := newHarness(t, g)
	ctx := context.Background()

	p := h.create(t, "a marketplace called Foo")

	runs := runStatus(t, h.store, p.ID)
	for _, st := range api.Stages {
		if runs[st].Status != api.RunCompleted {
			t.Fatalf("stage %s: expected completed, got %s (%s)", st, runs[st].Status, runs[st].Error)
		}
	}

	spec, err := h.store.LatestArtifact(ctx, p.ID, api.KindSpecification)
	if err != nil {
		t.Fatalf("spec artifact: %v", err)
	}
	sources, err := h.store.LatestSources(ctx, p.ID)
	if err != nil || len(sources) == 0 {
		t.Fatalf("expected sources, got %d (%v)", len(sources), err)
	}
	for _, s := range sources {
		if s.ID < spec.ID {
			t.Fatalf("source %s written before the specification", s.Path)
		}
	}

	got, err := h.store.GetProject(ctx, p.ID)
	if err != nil || got.Title != "Foo Market" {
		t.Fatalf("expected title from specification, got %q (%v)", got.Title, err)
	}

	drafts, err := h.store.ListArtifacts(ctx, p.ID, api.KindDraftInfo)
	if err != nil || len(drafts) != 2 {
		t.Fatalf("expected building and ready drafts, got %d (%v)", len(drafts), err)
	}
	var first api.DraftInfo
	_ = json.Unmarshal([]byte(drafts[0].Content), &first)
	if first.BuildStatus != api.BuildBuilding {
		t.Fatalf("expected first draft building, got %s", first.BuildStatus)
	}
	info, err := h.store.LatestDraftInfo(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.BuildStatus != api.BuildReady || info.PreviewURL != PreviewURL(p.ID) || info.Port < 3001 || info.Port > 3100 {
		t.Fatalf("unexpected draft %+v", info)
	}
	if info.ManifestHash == "" || info.Attempt != 1 {
		t.Fatalf("draft missing manifest hash or attempt: %+v", info)
	}

	// first output had a fatal finding, so a correction was requested
	if len(g.corrections) != 2 || g.corrections[0] != nil || g.corrections[1] == nil {
		t.Fatalf("expected one corrective retry, got %v", g.corrections)
	}
	if !strings.Contains(g.corrections[1].Findings, "session.user") {
		t.Fatalf("correction should carry findings, got %q", g.corrections[1].Findings)
	}

	ws := filepath.Join(h.root, p.ID)
	b, err := os.ReadFile(filepath.Join(ws, "app", "shop", "page.tsx"))
	if err != nil {
		t.Fatalf("materialized page: %v", err)
	}
	if strings.Contains(string(b), "session.user") || !strings.Contains(string(b), "session?.user?.name") {
		t.Fatalf("expected null-safe session access, got:\n%s", b)
	}
	if _, err := os.Stat(filepath.Join(ws, "package.json")); err != nil {
		t.Fatalf("expected platform manifest: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws, "node_modules", "next", "package.json")); err != nil {
		t.Fatalf("expected node_modules populated: %v", err)
	}
	if h.launcher.count() != 1 {
		t.Fatalf("expected one dev server, got %d", h.launcher.count())
	}

	bs, err := h.o.BuildStatus(ctx, p.ID)
	if err != nil || bs.Status != "completed" || bs.Port != info.Port {
		t.Fatalf("unexpected build status %+v (%v)", bs, err)
	}
	view, err := h.o.View(ctx, p.ID)
	if err != nil || view.Draft == nil || len(view.Runs) != 3 {
		t.Fatalf("unexpected view %+v (%v)", view, err)
	}
}

func TestGeneration_CorrectionReplacesUnparseableOutput(t *testing.T) {
	good := api.File{Path: "app/catalog/page.tsx", Content: "export default function Catalog() {\n  return <p>catalog</p>\n}\n"}
	g := &scriptGen{spec: marketSpec, codes: []string{"Sorry, here you go", bundle(t, good)}}
	h := newHarness(t, g)

	p := h.create(t, "a catalog")
	if g.corrections[1] == nil || g.corrections[1].Previous != "Sorry, here you go" {
		t.Fatalf("correction should carry previous output, got %+v", g.corrections[1])
	}
	sources, _ := h.store.LatestSources(context.Background(), p.ID)
	if len(sources) != 1 || sources[0].Path != good.Path {
		t.Fatalf("expected corrected files, got %+v", sources)
	}
}

func TestGeneration_KeepsRawTextWhenNothingParses(t *testing.T) {
	g := &scriptGen{spec: marketSpec, codes: []string{"not json", "still not json"}}
	h := newHarness(t, g)

	p := h.create(t, "a catalog")
	sources, _ := h.store.LatestSources(context.Background(), p.ID)
	if len(sources) != 1 || sources[0].Path != RawBundlePath || sources[0].Content != "still not json" {
		t.Fatalf("expected raw bundle source, got %+v", sources)
	}
	if runs := runStatus(t, h.store, p.ID); runs[api.StageGeneration].Status != api.RunCompleted {
		t.Fatalf("generation should complete with raw output, got %s", runs[api.StageGeneration].Status)
	}
}

func TestSpecificationFailureHaltsPipeline(t *testing.T) {
	g := &scriptGen{specErr: errors.New("upstream 503"), codes: []string{""}}
	h := newHarness(t, g)
	ctx := context.Background()

	p := h.create(t, "a catalog")
	runs := runStatus(t, h.store, p.ID)
	if r := runs[api.StageSpecification]; r.Status != api.RunFailed || !strings.Contains(r.Error, "upstream 503") {
		t.Fatalf("unexpected specification run %+v", r)
	}
	for _, st := range []api.Stage{api.StageGeneration, api.StageBuild} {
		if r := runs[st]; r.Status != api.RunFailed || r.Error != "halted: specification failed" {
			t.Fatalf("stage %s should be halted, got %+v", st, r)
		}
	}
	if g.calls != 0 {
		t.Fatalf("code generation must not run")
	}
	if _, err := h.store.LatestDraftInfo(ctx, p.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no draft, got %v", err)
	}
	msgs, _ := h.store.ListMessages(ctx, p.ID)
	if len(msgs) != 2 || msgs[0].Role != RoleUser || msgs[1].Role != RoleSystem {
		t.Fatalf("expected user then system message, got %+v", msgs)
	}
	bs, _ := h.o.BuildStatus(ctx, p.ID)
	if bs.Status != "failed" {
		t.Fatalf("expected failed build status, got %+v", bs)
	}
}

func TestTriggerBuild_BusyThenRebuild(t *testing.T) {
	page := api.File{Path: "app/catalog/page.tsx", Content: "export default function Catalog() {\n  return <p>catalog</p>\n}\n"}
	g := &scriptGen{spec: marketSpec, codes: []string{bundle(t, page)}}
	h := newHarness(t, g)
	ctx := context.Background()
	p := h.create(t, "a catalog")

	if _, err := h.o.TriggerBuild(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	release, err := h.o.locks.TryAcquire(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.o.TriggerBuild(ctx, p.ID); !errors.Is(err, task.ErrBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	release()

	first := h.launcher.last()
	th, err := h.o.TriggerBuild(ctx, p.ID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if r := runStatus(t, h.store, p.ID)[api.StageBuild]; r.Attempt != 2 {
		t.Fatalf("expected second attempt, got %+v", r)
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := th.Wait(wctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if r := runStatus(t, h.store, p.ID)[api.StageBuild]; r.Status != api.RunCompleted {
		t.Fatalf("expected completed rebuild, got %+v", r)
	}
	select {
	case <-first.done:
	default:
		t.Fatalf("previous dev server should be stopped")
	}
	if h.launcher.count() != 2 {
		t.Fatalf("expected a second dev server, got %d", h.launcher.count())
	}
	info, _ := h.store.LatestDraftInfo(ctx, p.ID)
	if info.Attempt != 2 || info.BuildStatus != api.BuildReady {
		t.Fatalf("unexpected draft after rebuild %+v", info)
	}
	// same dependency set, installed once
	if n := atomic.LoadInt32(&h.installer.calls); n != 1 {
		t.Fatalf("expected one install, got %d", n)
	}
}

func TestBuild_InstallFailure(t *testing.T) {
	page := api.File{Path: "app/catalog/page.tsx", Content: "export default function Catalog() {\n  return <p>catalog</p>\n}\n"}
	g := &scriptGen{spec: marketSpec, codes: []string{bundle(t, page)}}
	h := newHarness(t, g)
	h.installer.fail = true
	ctx := context.Background()

	p := h.create(t, "a catalog")
	runs := runStatus(t, h.store, p.ID)
	if runs[api.StageGeneration].Status != api.RunCompleted {
		t.Fatalf("generation should complete")
	}
	if r := runs[api.StageBuild]; r.Status != api.RunFailed || !strings.Contains(r.Error, "left-pad") {
		t.Fatalf("expected install failure on build run, got %+v", r)
	}
	info, _ := h.store.LatestDraftInfo(ctx, p.ID)
	if info.BuildStatus != api.BuildFailed || !strings.Contains(info.Error, depcache.ErrInstall.Error()) {
		t.Fatalf("expected failed draft, got %+v", info)
	}
	if h.launcher.count() != 0 {
		t.Fatalf("dev server must not start after a failed install")
	}
	bs, _ := h.o.BuildStatus(ctx, p.ID)
	if bs.Status != "failed" || bs.Error == "" {
		t.Fatalf("unexpected build status %+v", bs)
	}
}

func TestHandleExit_MarksDraftFailed(t *testing.T) {
	page := api.File{Path: "app/catalog/page.tsx", Content: "export default function Catalog() {\n  return <p>catalog</p>\n}\n"}
	g := &scriptGen{spec: marketSpec, codes: []string{bundle(t, page)}}
	h := newHarness(t, g)
	ctx := context.Background()
	p := h.create(t, "a catalog")
	h.serving.Mark(p.ID)

	h.launcher.last().exit(supervisor.ExitStatus{Code: 1})
	eventually(t, "failed draft", func() bool {
		info, err := h.store.LatestDraftInfo(ctx, p.ID)
		return err == nil && info.BuildStatus == api.BuildFailed
	})
	if h.serving.Serving(p.ID) {
		t.Fatalf("exited project must not be serving")
	}
	bs, _ := h.o.BuildStatus(ctx, p.ID)
	if bs.Status != "failed" || !strings.Contains(bs.Error, "exit code 1") {
		t.Fatalf("unexpected build status %+v", bs)
	}
}

func TestImmediateExit_RecordsOneFailure(t *testing.T) {
	page := api.File{Path: "app/catalog/page.tsx", Content: "export default function Catalog() {\n  return <p>catalog</p>\n}\n"}
	for i := 0; i < 5; i++ {
		g := &scriptGen{spec: marketSpec, codes: []string{bundle(t, page)}}
		h := newHarness(t, g)
		h.launcher.exitOnLaunch = &supervisor.ExitStatus{Code: 1}
		ctx := context.Background()
		p := h.create(t, "a catalog")

		eventually(t, "failed draft", func() bool {
			info, err := h.store.LatestDraftInfo(ctx, p.ID)
			return err == nil && info.BuildStatus == api.BuildFailed
		})
		// let a late exit callback land before counting
		time.Sleep(50 * time.Millisecond)

		drafts, err := h.store.ListArtifacts(ctx, p.ID, api.KindDraftInfo)
		if err != nil {
			t.Fatalf("list drafts: %v", err)
		}
		failed := 0
		for _, a := range drafts {
			var info api.DraftInfo
			if err := json.Unmarshal([]byte(a.Content), &info); err != nil {
				t.Fatalf("decode draft: %v", err)
			}
			if info.BuildStatus == api.BuildFailed {
				failed++
			}
		}
		if failed != 1 {
			t.Fatalf("expected one failed draft, got %d", failed)
		}
		msgs, _ := h.store.ListMessages(ctx, p.ID)
		system := 0
		for _, m := range msgs {
			if m.Role == RoleSystem {
				system++
			}
		}
		if system != 1 {
			t.Fatalf("expected one system message, got %d: %+v", system, msgs)
		}
	}
}

func TestReconcile_FailsInterruptedBuild(t *testing.T) {
	h := newHarness(t, &scriptGen{codes: []string{""}})
	ctx := context.Background()
	if _, err := h.store.CreateProject(ctx, "p-1", "Foo", "brief"); err != nil {
		t.Fatal(err)
	}
	for _, st := range api.Stages {
		if _, err := h.store.EnsureRun(ctx, "p-1", st); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.store.TransitionRun(ctx, "p-1", api.StageBuild, api.RunRunning, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.AppendDraftInfo(ctx, "p-1", api.DraftInfo{Port: 3009, BuildStatus: api.BuildBuilding, Attempt: 1}); err != nil {
		t.Fatal(err)
	}

	if err := h.o.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	info, _ := h.store.LatestDraftInfo(ctx, "p-1")
	if info.BuildStatus != api.BuildFailed || info.Error != store.InterruptedMessage || info.Port != 3009 {
		t.Fatalf("unexpected draft after reconcile %+v", info)
	}
	msgs, _ := h.store.ListMessages(ctx, "p-1")
	if len(msgs) != 1 || msgs[0].Role != RoleSystem {
		t.Fatalf("expected one system message, got %+v", msgs)
	}
	if err := h.o.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := h.store.ListMessages(ctx, "p-1"); len(msgs) != 1 {
		t.Fatalf("second reconcile must be a no-op")
	}
}

func TestCreate_RequiresBrief(t *testing.T) {
	h := newHarness(t, &scriptGen{codes: []string{""}})
	if _, _, err := h.o.Create(context.Background(), "   ", ""); !errors.Is(err, ErrEmptyBrief) {
		t.Fatalf("expected ErrEmptyBrief, got %v", err)
	}
}
