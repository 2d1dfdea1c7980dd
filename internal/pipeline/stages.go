package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/throw-if-null/drafthouse/internal/api"
	"github.com/throw-if-null/drafthouse/internal/gen"
	"github.com/throw-if-null/drafthouse/internal/normalize"
	"github.com/throw-if-null/drafthouse/internal/paths"
	"github.com/throw-if-null/drafthouse/internal/supervisor"
	"github.com/throw-if-null/drafthouse/internal/telemetry"
	"github.com/throw-if-null/drafthouse/internal/validator"
)

// RawBundlePath holds generator output that could not be parsed into files.
const RawBundlePath = "code.txt"

const maxCorrectionFindings = 10

// Build steps recorded on the build run.
const (
	StepPreparing  = "preparing"
	StepInstalling = "installing"
	StepStarting   = "starting"
)

func (o *Orchestrator) specification(ctx context.Context, p api.Project) (string, error) {
	var spec string
	err := o.stage(ctx, p.ID, api.StageSpecification, func(ctx context.Context) error {
		out, err := o.gen.Specification(ctx, p.Brief)
		if err != nil {
			return fmt.Errorf("specification: %w", err)
		}
		if strings.TrimSpace(out) == "" {
			return fmt.Errorf("specification: %w: empty response", gen.ErrMalformed)
		}
		if _, err := o.store.AppendArtifact(ctx, api.Artifact{ProjectID: p.ID, Kind: api.KindSpecification, Content: out}); err != nil {
			return err
		}
		if p.Title == "" {
			title := normalize.NewFacts(p.ID, "", p.Brief, out, 0).Title
			if err := o.store.UpdateProjectTitle(ctx, p.ID, title); err != nil {
				return err
			}
		}
		spec = out
		return nil
	})
	return spec, err
}

// generation asks for code, validates it and retries once with the
// findings. A second bad answer is kept rather than failing the stage.
func (o *Orchestrator) generation(ctx context.Context, p api.Project, spec string) error {
	return o.stage(ctx, p.ID, api.StageGeneration, func(ctx context.Context) error {
		log := o.log.With("project", p.ID)

		raw, files, problem := o.generate(ctx, p.Brief, spec, nil)
		if problem != "" {
			log.Info("generation needs correction", "problem", firstLine(problem))
			o.step(ctx, p.ID, api.StageGeneration, "correcting")
			raw2, files2, problem2 := o.generate(ctx, p.Brief, spec, &gen.Correction{Findings: problem, Previous: raw})
			switch {
			case problem2 == "":
				raw, files = raw2, files2
			case len(files2) > 0:
				log.Warn("corrected output still has findings", "problem", firstLine(problem2))
				raw, files = raw2, files2
			case len(files) > 0:
				log.Warn("keeping first output", "problem", firstLine(problem2))
			case strings.TrimSpace(raw2) != "":
				raw = raw2
			}
		}

		if len(files) == 0 {
			if strings.TrimSpace(raw) == "" {
				return fmt.Errorf("generation: %w: no output", gen.ErrMalformed)
			}
			files = []api.File{{Path: RawBundlePath, Content: raw}}
		}
		o.step(ctx, p.ID, api.StageGeneration, "saving")
		for _, f := range files {
			if _, err := o.store.AppendArtifact(ctx, api.Artifact{
				ProjectID: p.ID,
				Kind:      api.KindSourceFile,
				Path:      f.Path,
				Content:   f.Content,
			}); err != nil {
				return err
			}
		}
		if _, err := o.store.AppendMessage(ctx, p.ID, RoleAssistant, fmt.Sprintf("Generated %d source files.", len(files))); err != nil {
			return err
		}
		return nil
	})
}

// generate returns the raw output, the parsed files and a description of
// what is wrong with them, empty when nothing is.
func (o *Orchestrator) generate(ctx context.Context, brief, spec string, c *gen.Correction) (string, []api.File, string) {
	raw, err := o.gen.Code(ctx, brief, spec, c)
	if err != nil {
		return raw, nil, err.Error()
	}
	files, err := gen.ExtractManifest(raw)
	if err != nil {
		return raw, nil, err.Error()
	}
	if fatal := validator.Fatal(validator.Validate(files)); len(fatal) > 0 {
		return raw, files, validator.Summarize(fatal, maxCorrectionFindings)
	}
	return raw, files, ""
}

func (o *Orchestrator) step(ctx context.Context, projectID string, st api.Stage, step string) {
	if err := o.store.SetRunStep(ctx, projectID, st, step); err != nil {
		o.log.Warn("set run step", "project", projectID, "stage", st, "error", err)
		return
	}
	o.publish(projectID)
}

// build materializes the latest sources, installs dependencies and starts
// the dev server. The build run must already be running.
func (o *Orchestrator) build(ctx context.Context, p api.Project, attempt int) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.stage")
	span.SetAttributes(attribute.String("stage", string(api.StageBuild)), telemetry.ProjectAttr(p.ID), attribute.Int("attempt", attempt))
	defer func() { telemetry.End(span, err) }()

	port := o.ports.Port(p.ID)
	info := api.DraftInfo{Port: port, Attempt: attempt}
	log := o.log.With("project", p.ID, "attempt", attempt, "port", port)

	defer func() {
		if err == nil {
			return
		}
		log.Warn("build failed", "error", err)
		info.BuildStatus = api.BuildFailed
		info.Error = err.Error()
		info.PreviewURL = ""
		if _, aerr := o.store.AppendDraftInfo(ctx, p.ID, info); aerr != nil {
			log.Warn("record failed draft", "error", aerr)
		}
		o.fail(ctx, p.ID, api.StageBuild, err)
	}()

	if o.sweeper != nil {
		rep := o.sweeper.Sweep(ctx)
		if len(rep.Removed) > 0 {
			log.Info("swept workspaces", "removed", len(rep.Removed))
		}
	}

	o.step(ctx, p.ID, api.StageBuild, StepPreparing)
	var spec string
	if a, err := o.store.LatestArtifact(ctx, p.ID, api.KindSpecification); err == nil {
		spec = a.Content
	}
	sources, err := o.store.LatestSources(ctx, p.ID)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return errors.New("no source files to build")
	}
	files := make([]api.File, 0, len(sources))
	for _, a := range sources {
		files = append(files, api.File{Path: a.Path, Content: a.Content})
	}
	res, err := normalize.Prepare(files, normalize.NewFacts(p.ID, p.Title, p.Brief, spec, port))
	if err != nil {
		return fmt.Errorf("normalize: %w", err)
	}
	for path, reason := range res.Dropped {
		log.Debug("dropped generated file", "path", path, "reason", reason)
	}
	info.ManifestHash = res.Manifest.Hash()

	o.serving.Unmark(p.ID)
	o.exitMu.Lock()
	delete(o.live, p.ID)
	o.exitMu.Unlock()
	if err := o.procs.Stop(p.ID); err != nil {
		log.Warn("stop previous process", "error", err)
	}
	dir, err := o.materialize(p.ID, res.Files)
	if err != nil {
		return err
	}

	info.BuildStatus = api.BuildBuilding
	if _, err := o.store.AppendDraftInfo(ctx, p.ID, info); err != nil {
		return err
	}
	o.publish(p.ID)

	o.step(ctx, p.ID, api.StageBuild, StepInstalling)
	entry, installed, err := o.cache.Ensure(ctx, res.Manifest)
	if err != nil {
		return err
	}
	log.Info("dependencies ready", "hash", entry.Hash, "installed", installed)
	if err := o.cache.Populate(ctx, entry, dir); err != nil {
		return err
	}

	o.step(ctx, p.ID, api.StageBuild, StepStarting)
	proc, err := o.procs.Start(ctx, supervisor.Spec{ProjectID: p.ID, Dir: dir, Port: port})
	if err != nil {
		return err
	}
	if err := o.dispatch(ctx, proc, &info); err != nil {
		return err
	}
	if _, err := o.store.TransitionRun(ctx, p.ID, api.StageBuild, api.RunCompleted, ""); err != nil {
		return err
	}
	if _, err := o.store.AppendMessage(ctx, p.ID, RoleAssistant, "Your draft is building. The preview will appear at "+info.PreviewURL+" once the dev server compiles."); err != nil {
		log.Warn("append message", "error", err)
	}
	o.publish(p.ID)
	log.Info("build dispatched", "manifest", info.ManifestHash)
	return nil
}

// dispatch records the draft as ready and hands proc to HandleExit. An exit
// that happened before this point fails the build instead.
func (o *Orchestrator) dispatch(ctx context.Context, proc *supervisor.Process, info *api.DraftInfo) error {
	o.exitMu.Lock()
	defer o.exitMu.Unlock()
	select {
	case <-proc.Done():
		if st := proc.Wait(); st.Failed() {
			return fmt.Errorf("dev server exited: %s", st)
		}
	default:
	}
	info.BuildStatus = api.BuildReady
	info.PreviewURL = PreviewURL(proc.ProjectID)
	info.Error = ""
	if _, err := o.store.AppendDraftInfo(ctx, proc.ProjectID, *info); err != nil {
		return err
	}
	o.live[proc.ProjectID] = proc
	return nil
}

// materialize replaces the project's workspace with files.
func (o *Orchestrator) materialize(projectID string, files []api.File) (string, error) {
	dir, err := paths.WorkspaceDir(o.root, projectID)
	if err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	for _, f := range files {
		dst, err := paths.SafeJoin(dir, f.Path)
		if err != nil {
			return "", fmt.Errorf("write %s: %w", f.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(dst, []byte(f.Content), 0o644); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
