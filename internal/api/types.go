package api

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8710
)

type Stage string

const (
	StageSpecification Stage = "specification"
	StageGeneration    Stage = "generation"
	StageBuild         Stage = "build"
)

// Stages lists pipeline stages in execution order.
var Stages = []Stage{StageSpecification, StageGeneration, StageBuild}

type RunStatus string

const (
	RunQueued        RunStatus = "queued"
	RunRunning       RunStatus = "running"
	RunCompleted     RunStatus = "completed"
	RunFailed        RunStatus = "failed"
	RunAwaitingInput RunStatus = "awaiting_input"
)

type ArtifactKind string

const (
	KindSpecification ArtifactKind = "specification"
	KindSourceFile    ArtifactKind = "source-file"
	KindDraftInfo     ArtifactKind = "draft-info"
)

type BuildState string

const (
	BuildBuilding BuildState = "building"
	BuildReady    BuildState = "ready"
	BuildFailed   BuildState = "failed"
)

type Project struct {
	ID        string `json:"id" db:"id"`
	Title     string `json:"title" db:"title"`
	Brief     string `json:"brief" db:"brief"`
	CreatedAt string `json:"created_at" db:"created_at"`
	UpdatedAt string `json:"updated_at" db:"updated_at"`
}

type Run struct {
	ID         int64     `json:"id" db:"id"`
	ProjectID  string    `json:"project_id" db:"project_id"`
	Stage      Stage     `json:"stage" db:"stage"`
	Status     RunStatus `json:"status" db:"status"`
	Attempt    int       `json:"attempt" db:"attempt"`
	Step       string    `json:"step" db:"step"`
	Error      string    `json:"error,omitempty" db:"error"`
	CreatedAt  string    `json:"created_at" db:"created_at"`
	StartedAt  string    `json:"started_at,omitempty" db:"started_at"`
	FinishedAt string    `json:"finished_at,omitempty" db:"finished_at"`
}

// Artifact is an immutable pipeline output. Path is set for source files.
type Artifact struct {
	ID        int64        `json:"id" db:"id"`
	ProjectID string       `json:"project_id" db:"project_id"`
	Kind      ArtifactKind `json:"kind" db:"kind"`
	Path      string       `json:"path,omitempty" db:"path"`
	Content   string       `json:"content" db:"content"`
	CreatedAt string       `json:"created_at" db:"created_at"`
}

type Message struct {
	ID        int64  `json:"id" db:"id"`
	ProjectID string `json:"project_id" db:"project_id"`
	Role      string `json:"role" db:"role"`
	Content   string `json:"content" db:"content"`
	CreatedAt string `json:"created_at" db:"created_at"`
}

// DraftInfo is the JSON content of a draft-info artifact.
type DraftInfo struct {
	PreviewURL   string     `json:"previewUrl,omitempty"`
	Port         int        `json:"port"`
	BuildStatus  BuildState `json:"buildStatus"`
	Error        string     `json:"error,omitempty"`
	ManifestHash string     `json:"manifestHash,omitempty"`
	Attempt      int        `json:"attempt,omitempty"`
}

type Snapshot struct {
	Runs      []Run      `json:"runs"`
	Artifacts []Artifact `json:"artifacts"`
	Messages  []Message  `json:"messages"`
}

// BuildStatus is the build-status view of a project.
type BuildStatus struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Serving bool   `json:"serving"`
	Port    int    `json:"port,omitempty"`
}

type CreateProjectRequest struct {
	Brief string `json:"brief"`
	Title string `json:"title,omitempty"`
}

type ProjectView struct {
	Project
	Runs  []Run      `json:"runs"`
	Draft *DraftInfo `json:"draft,omitempty"`
}

type CleanupReport struct {
	Removed []string `json:"removed"`
	Kept    []string `json:"kept"`
	Errors  []string `json:"errors,omitempty"`
}

// File is one generated or templated workspace file.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}
