package store

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/throw-if-null/drafthouse/internal/api"
)

// AppendArtifact inserts a new artifact. Artifacts are never updated.
func (s *Store) AppendArtifact(ctx context.Context, a api.Artifact) (api.Artifact, error) {
	a.CreatedAt = now()
	err := s.retry(ctx, func() error {
		res, err := s.db.NamedExecContext(ctx,
			`INSERT INTO artifacts (project_id, kind, path, content, created_at) VALUES (:project_id, :kind, :path, :content, :created_at)`, a)
		if err != nil {
			return err
		}
		a.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return api.Artifact{}, err
	}
	return a, nil
}

// AppendDraftInfo stores info as a draft-info artifact.
func (s *Store) AppendDraftInfo(ctx context.Context, projectID string, info api.DraftInfo) (api.Artifact, error) {
	b, err := json.Marshal(info)
	if err != nil {
		return api.Artifact{}, err
	}
	return s.AppendArtifact(ctx, api.Artifact{ProjectID: projectID, Kind: api.KindDraftInfo, Content: string(b)})
}

// ListArtifacts returns the project's artifacts of kind in insertion order.
// An empty kind lists every artifact.
func (s *Store) ListArtifacts(ctx context.Context, projectID string, kind api.ArtifactKind) ([]api.Artifact, error) {
	return listArtifacts(ctx, s.db, projectID, kind)
}

func listArtifacts(ctx context.Context, q sqlx.QueryerContext, projectID string, kind api.ArtifactKind) ([]api.Artifact, error) {
	out := []api.Artifact{}
	var err error
	if kind == "" {
		err = sqlx.SelectContext(ctx, q, &out, `SELECT * FROM artifacts WHERE project_id = ? ORDER BY id`, projectID)
	} else {
		err = sqlx.SelectContext(ctx, q, &out, `SELECT * FROM artifacts WHERE project_id = ? AND kind = ? ORDER BY id`, projectID, kind)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) LatestArtifact(ctx context.Context, projectID string, kind api.ArtifactKind) (api.Artifact, error) {
	var a api.Artifact
	if err := s.db.GetContext(ctx, &a, `SELECT * FROM artifacts WHERE project_id = ? AND kind = ? ORDER BY id DESC LIMIT 1`, projectID, kind); err != nil {
		if isNotFound(err) {
			return api.Artifact{}, ErrNotFound
		}
		return api.Artifact{}, err
	}
	return a, nil
}

// LatestDraftInfo decodes the newest draft-info artifact.
func (s *Store) LatestDraftInfo(ctx context.Context, projectID string) (api.DraftInfo, error) {
	a, err := s.LatestArtifact(ctx, projectID, api.KindDraftInfo)
	if err != nil {
		return api.DraftInfo{}, err
	}
	var info api.DraftInfo
	if err := json.Unmarshal([]byte(a.Content), &info); err != nil {
		return api.DraftInfo{}, err
	}
	return info, nil
}

// LatestSources returns the newest source-file artifact for each path,
// sorted by path.
func (s *Store) LatestSources(ctx context.Context, projectID string) ([]api.Artifact, error) {
	out := []api.Artifact{}
	err := s.db.SelectContext(ctx, &out, `
SELECT a.* FROM artifacts a
JOIN (SELECT path, MAX(id) AS id FROM artifacts WHERE project_id = ? AND kind = ? GROUP BY path) latest ON a.id = latest.id
ORDER BY a.path`, projectID, api.KindSourceFile)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AppendMessage(ctx context.Context, projectID, role, content string) (api.Message, error) {
	m := api.Message{ProjectID: projectID, Role: role, Content: content, CreatedAt: now()}
	err := s.retry(ctx, func() error {
		res, err := s.db.NamedExecContext(ctx,
			`INSERT INTO messages (project_id, role, content, created_at) VALUES (:project_id, :role, :content, :created_at)`, m)
		if err != nil {
			return err
		}
		m.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return api.Message{}, err
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, projectID string) ([]api.Message, error) {
	return listMessages(ctx, s.db, projectID)
}

func listMessages(ctx context.Context, q sqlx.QueryerContext, projectID string) ([]api.Message, error) {
	out := []api.Message{}
	if err := sqlx.SelectContext(ctx, q, &out, `SELECT * FROM messages WHERE project_id = ? ORDER BY id`, projectID); err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot reads runs, artifacts and messages in one read transaction.
func (s *Store) Snapshot(ctx context.Context, projectID string) (api.Snapshot, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return api.Snapshot{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var snap api.Snapshot
	if snap.Runs, err = listRuns(ctx, tx, projectID); err != nil {
		return api.Snapshot{}, err
	}
	if snap.Artifacts, err = listArtifacts(ctx, tx, projectID, ""); err != nil {
		return api.Snapshot{}, err
	}
	if snap.Messages, err = listMessages(ctx, tx, projectID); err != nil {
		return api.Snapshot{}, err
	}
	return snap, tx.Commit()
}
