// Package pipeline sequences a project from brief to running preview:
// specification, then code generation with validation, then build and
// serve.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/throw-if-null/drafthouse/internal/api"
	"github.com/throw-if-null/drafthouse/internal/depcache"
	"github.com/throw-if-null/drafthouse/internal/events"
	"github.com/throw-if-null/drafthouse/internal/gen"
	"github.com/throw-if-null/drafthouse/internal/logging"
	"github.com/throw-if-null/drafthouse/internal/preview"
	"github.com/throw-if-null/drafthouse/internal/store"
	"github.com/throw-if-null/drafthouse/internal/supervisor"
	"github.com/throw-if-null/drafthouse/internal/task"
	"github.com/throw-if-null/drafthouse/internal/telemetry"
)

var ErrEmptyBrief = errors.New("brief is required")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Store interface {
	CreateProject(ctx context.Context, id, title, brief string) (api.Project, error)
	GetProject(ctx context.Context, id string) (api.Project, error)
	UpdateProjectTitle(ctx context.Context, id, title string) error
	EnsureRun(ctx context.Context, projectID string, stage api.Stage) (api.Run, error)
	StartRunAttempt(ctx context.Context, projectID string, stage api.Stage) (api.Run, error)
	TransitionRun(ctx context.Context, projectID string, stage api.Stage, to api.RunStatus, errText string) (api.Run, error)
	SetRunStep(ctx context.Context, projectID string, stage api.Stage, step string) error
	ListRuns(ctx context.Context, projectID string) ([]api.Run, error)
	AppendArtifact(ctx context.Context, a api.Artifact) (api.Artifact, error)
	AppendDraftInfo(ctx context.Context, projectID string, info api.DraftInfo) (api.Artifact, error)
	LatestArtifact(ctx context.Context, projectID string, kind api.ArtifactKind) (api.Artifact, error)
	LatestDraftInfo(ctx context.Context, projectID string) (api.DraftInfo, error)
	LatestSources(ctx context.Context, projectID string) ([]api.Artifact, error)
	AppendMessage(ctx context.Context, projectID, role, content string) (api.Message, error)
	ReconcileInterruptedRuns(ctx context.Context) ([]api.Run, error)
}

type Cache interface {
	Ensure(ctx context.Context, m depcache.Manifest) (depcache.Entry, bool, error)
	Populate(ctx context.Context, e depcache.Entry, dir string) error
}

type Processes interface {
	Start(ctx context.Context, spec supervisor.Spec) (*supervisor.Process, error)
	Stop(projectID string) error
}

type Sweeper interface {
	Sweep(ctx context.Context) api.CleanupReport
}

type Ports interface {
	Port(projectID string) int
}

type Options struct {
	Store         Store
	Generator     gen.Generator
	Cache         Cache
	Processes     Processes
	Sweeper       Sweeper
	Ports         Ports
	Tasks         *task.Runner
	Locks         *task.Locks
	Hub           *events.Hub
	Serving       *preview.ServingSet
	WorkspaceRoot string
	Log           *slog.Logger
}

type Orchestrator struct {
	store   Store
	gen     gen.Generator
	cache   Cache
	procs   Processes
	sweeper Sweeper
	ports   Ports
	tasks   *task.Runner
	locks   *task.Locks
	hub     *events.Hub
	serving *preview.ServingSet
	root    string
	log     *slog.Logger

	// exitMu orders a build's dispatch against HandleExit. A process
	// belongs to HandleExit only once it is recorded in live; before that
	// the build owns any failure.
	exitMu sync.Mutex
	live   map[string]*supervisor.Process
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:   opts.Store,
		gen:     opts.Generator,
		cache:   opts.Cache,
		procs:   opts.Processes,
		sweeper: opts.Sweeper,
		ports:   opts.Ports,
		tasks:   opts.Tasks,
		locks:   opts.Locks,
		hub:     opts.Hub,
		serving: opts.Serving,
		root:    opts.WorkspaceRoot,
		log:     opts.Log,
		live:    map[string]*supervisor.Process{},
	}
	if o.gen == nil {
		o.gen = gen.Offline{}
	}
	if o.tasks == nil {
		o.tasks = task.NewRunner()
	}
	if o.locks == nil {
		o.locks = task.NewLocks()
	}
	if o.log == nil {
		o.log = logging.For("pipeline")
	}
	return o
}

// PreviewURL is the proxied preview path for a project.
func PreviewURL(projectID string) string {
	return "/v1/projects/" + projectID + "/preview"
}

func (o *Orchestrator) publish(projectID string) {
	o.hub.Publish(projectID)
}

// Create persists a project and runs every stage in one background task.
func (o *Orchestrator) Create(ctx context.Context, brief, title string) (api.Project, *task.Handle, error) {
	brief = strings.TrimSpace(brief)
	if brief == "" {
		return api.Project{}, nil, ErrEmptyBrief
	}
	id := uuid.NewString()
	p, err := o.store.CreateProject(ctx, id, strings.TrimSpace(title), brief)
	if err != nil {
		return api.Project{}, nil, err
	}
	for _, st := range api.Stages {
		if _, err := o.store.EnsureRun(ctx, id, st); err != nil {
			return api.Project{}, nil, err
		}
	}
	if _, err := o.store.AppendMessage(ctx, id, RoleUser, brief); err != nil {
		return api.Project{}, nil, err
	}
	release, err := o.locks.TryAcquire(id)
	if err != nil {
		return api.Project{}, nil, err
	}
	o.log.Info("project created", "project", id)
	h := o.tasks.Go(ctx, "pipeline", id, func(ctx context.Context) error {
		defer release()
		return o.runPipeline(ctx, p)
	})
	return p, h, nil
}

func (o *Orchestrator) runPipeline(ctx context.Context, p api.Project) error {
	spec, err := o.specification(ctx, p)
	if err != nil {
		o.halt(ctx, p.ID, api.StageSpecification)
		return err
	}
	if err := o.generation(ctx, p, spec); err != nil {
		o.halt(ctx, p.ID, api.StageGeneration)
		return err
	}
	if p2, err := o.store.GetProject(ctx, p.ID); err == nil {
		p = p2
	}
	run, err := o.store.TransitionRun(ctx, p.ID, api.StageBuild, api.RunRunning, "")
	if err != nil {
		return err
	}
	o.publish(p.ID)
	return o.build(ctx, p, run.Attempt)
}

// halt fails the stages after a failed one so none stays queued.
func (o *Orchestrator) halt(ctx context.Context, projectID string, failed api.Stage) {
	after := false
	for _, st := range api.Stages {
		if after {
			msg := fmt.Sprintf("halted: %s failed", failed)
			if _, err := o.store.TransitionRun(ctx, projectID, st, api.RunFailed, msg); err != nil {
				o.log.Warn("halt stage", "project", projectID, "stage", st, "error", err)
			}
		}
		if st == failed {
			after = true
		}
	}
	o.publish(projectID)
}

// stage runs fn while the stage's run is running and records the outcome.
func (o *Orchestrator) stage(ctx context.Context, projectID string, st api.Stage, fn func(ctx context.Context) error) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.stage")
	span.SetAttributes(attribute.String("stage", string(st)), telemetry.ProjectAttr(projectID))
	defer func() { telemetry.End(span, err) }()

	if _, err := o.store.TransitionRun(ctx, projectID, st, api.RunRunning, ""); err != nil {
		return err
	}
	o.publish(projectID)
	log := o.log.With("project", projectID, "stage", st)
	log.Info("stage started")

	if err := fn(ctx); err != nil {
		log.Warn("stage failed", "error", err)
		o.fail(ctx, projectID, st, err)
		return err
	}
	if _, err := o.store.TransitionRun(ctx, projectID, st, api.RunCompleted, ""); err != nil {
		return err
	}
	o.publish(projectID)
	log.Info("stage completed")
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, projectID string, st api.Stage, cause error) {
	if _, err := o.store.TransitionRun(ctx, projectID, st, api.RunFailed, cause.Error()); err != nil {
		o.log.Warn("record failed run", "project", projectID, "stage", st, "error", err)
	}
	if _, err := o.store.AppendMessage(ctx, projectID, RoleSystem, fmt.Sprintf("The %s stage failed: %v", st, cause)); err != nil {
		o.log.Warn("append message", "project", projectID, "error", err)
	}
	o.publish(projectID)
}

// TriggerBuild starts a new build attempt from the latest sources. The run
// is running when TriggerBuild returns; the build itself continues in the
// background.
func (o *Orchestrator) TriggerBuild(ctx context.Context, projectID string) (*task.Handle, error) {
	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	release, err := o.locks.TryAcquire(projectID)
	if err != nil {
		return nil, err
	}
	if _, err := o.store.StartRunAttempt(ctx, projectID, api.StageBuild); err != nil {
		release()
		return nil, err
	}
	run, err := o.store.TransitionRun(ctx, projectID, api.StageBuild, api.RunRunning, "")
	if err != nil {
		release()
		return nil, err
	}
	o.publish(projectID)
	o.log.Info("build triggered", "project", projectID, "attempt", run.Attempt)
	return o.tasks.Go(ctx, "build", projectID, func(ctx context.Context) error {
		defer release()
		return o.build(ctx, p, run.Attempt)
	}), nil
}

// BuildStatus summarizes the project's pipeline for clients.
func (o *Orchestrator) BuildStatus(ctx context.Context, projectID string) (api.BuildStatus, error) {
	if _, err := o.store.GetProject(ctx, projectID); err != nil {
		return api.BuildStatus{}, err
	}
	runs, err := o.store.ListRuns(ctx, projectID)
	if err != nil {
		return api.BuildStatus{}, err
	}
	out := api.BuildStatus{Status: "pending", Serving: o.serving.Serving(projectID)}
	info, infoErr := o.store.LatestDraftInfo(ctx, projectID)
	if infoErr == nil {
		out.Port = info.Port
	}

	var build *api.Run
	for i := range runs {
		if runs[i].Stage == api.StageBuild {
			build = &runs[i]
		}
	}
	switch {
	case build == nil:
	case build.Status == api.RunCompleted:
		out.Status = "completed"
		if infoErr == nil && info.BuildStatus == api.BuildFailed {
			out.Status = "failed"
			out.Error = info.Error
		}
	case build.Status == api.RunFailed:
		out.Status = "failed"
		out.Error = build.Error
	case build.Status == api.RunRunning || build.Status == api.RunAwaitingInput:
		out.Status = "running"
	default:
		for _, r := range runs {
			if r.Stage == api.StageBuild {
				continue
			}
			if r.Status == api.RunFailed {
				out.Status = "failed"
				out.Error = r.Error
				break
			}
			if r.Status == api.RunRunning {
				out.Status = "running"
			}
		}
	}
	if out.Status == "failed" {
		out.Serving = false
	}
	return out, nil
}

// View returns the project with its runs and latest draft.
func (o *Orchestrator) View(ctx context.Context, projectID string) (api.ProjectView, error) {
	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return api.ProjectView{}, err
	}
	runs, err := o.store.ListRuns(ctx, projectID)
	if err != nil {
		return api.ProjectView{}, err
	}
	v := api.ProjectView{Project: p, Runs: runs}
	if info, err := o.store.LatestDraftInfo(ctx, projectID); err == nil {
		v.Draft = &info
	} else if !errors.Is(err, store.ErrNotFound) {
		return api.ProjectView{}, err
	}
	return v, nil
}

// Reconcile fails work a previous daemon left unfinished.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	runs, err := o.store.ReconcileInterruptedRuns(ctx)
	if err != nil {
		return err
	}
	told := map[string]bool{}
	for _, r := range runs {
		if r.Stage == api.StageBuild {
			info, _ := o.store.LatestDraftInfo(ctx, r.ProjectID)
			if _, err := o.store.AppendDraftInfo(ctx, r.ProjectID, api.DraftInfo{
				Port:         info.Port,
				BuildStatus:  api.BuildFailed,
				Error:        store.InterruptedMessage,
				ManifestHash: info.ManifestHash,
				Attempt:      r.Attempt,
			}); err != nil {
				return err
			}
		}
		if !told[r.ProjectID] {
			told[r.ProjectID] = true
			if _, err := o.store.AppendMessage(ctx, r.ProjectID, RoleSystem, "Work was interrupted by a daemon restart. Trigger a rebuild to continue."); err != nil {
				return err
			}
		}
	}
	if len(runs) > 0 {
		o.log.Info("reconciled interrupted runs", "runs", len(runs), "projects", len(told))
	}
	return nil
}

// HandleExit records an unexpected preview process exit. Supervisor OnExit
// callbacks land here.
func (o *Orchestrator) HandleExit(p *supervisor.Process, st supervisor.ExitStatus) {
	if !st.Failed() {
		return
	}
	o.exitMu.Lock()
	defer o.exitMu.Unlock()
	if o.live[p.ProjectID] != p {
		return
	}
	delete(o.live, p.ProjectID)
	o.serving.Unmark(p.ProjectID)
	ctx := context.Background()
	info, _ := o.store.LatestDraftInfo(ctx, p.ProjectID)
	if info.BuildStatus == api.BuildFailed {
		return
	}
	msg := "preview process exited: " + st.String()
	if _, err := o.store.AppendDraftInfo(ctx, p.ProjectID, api.DraftInfo{
		Port:         p.Port,
		BuildStatus:  api.BuildFailed,
		Error:        msg,
		ManifestHash: info.ManifestHash,
		Attempt:      info.Attempt,
	}); err != nil {
		o.log.Warn("record process exit", "project", p.ProjectID, "error", err)
	}
	if _, err := o.store.AppendMessage(ctx, p.ProjectID, RoleSystem, "The preview stopped unexpectedly ("+st.String()+"). Trigger a rebuild to restart it."); err != nil {
		o.log.Warn("append message", "project", p.ProjectID, "error", err)
	}
	o.publish(p.ProjectID)
}

// Cleanup runs the workspace sweeper on demand.
func (o *Orchestrator) Cleanup(ctx context.Context) api.CleanupReport {
	if o.sweeper == nil {
		return api.CleanupReport{Removed: []string{}, Kept: []string{}}
	}
	return o.sweeper.Sweep(ctx)
}
