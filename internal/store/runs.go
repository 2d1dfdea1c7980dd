package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/throw-if-null/drafthouse/internal/api"
)

// transitions lists the statuses reachable from each status within one
// attempt. completed and failed are terminal.
var transitions = map[api.RunStatus][]api.RunStatus{
	api.RunQueued:        {api.RunRunning, api.RunFailed},
	api.RunRunning:       {api.RunCompleted, api.RunFailed, api.RunAwaitingInput},
	api.RunAwaitingInput: {api.RunRunning, api.RunFailed},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to api.RunStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves status.
func Terminal(status api.RunStatus) bool {
	return len(transitions[status]) == 0
}

const stageOrder = `CASE stage WHEN 'specification' THEN 0 WHEN 'generation' THEN 1 ELSE 2 END`

// EnsureRun creates a queued run for the stage if none exists and returns
// the current row.
func (s *Store) EnsureRun(ctx context.Context, projectID string, stage api.Stage) (api.Run, error) {
	err := s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO runs (project_id, stage, status, attempt, created_at) VALUES (?, ?, ?, 1, ?) ON CONFLICT(project_id, stage) DO NOTHING`,
			projectID, stage, api.RunQueued, now())
		return err
	})
	if err != nil {
		return api.Run{}, err
	}
	return s.GetRun(ctx, projectID, stage)
}

// StartRunAttempt resets the stage's run to queued under the next attempt
// number, creating the run on first use.
func (s *Store) StartRunAttempt(ctx context.Context, projectID string, stage api.Stage) (api.Run, error) {
	err := s.retry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (project_id, stage, status, attempt, created_at) VALUES (?, ?, ?, 1, ?)
ON CONFLICT(project_id, stage) DO UPDATE SET
  attempt = attempt + 1, status = excluded.status, step = '', error = '', started_at = '', finished_at = ''`,
			projectID, stage, api.RunQueued, now())
		return err
	})
	if err != nil {
		return api.Run{}, err
	}
	return s.GetRun(ctx, projectID, stage)
}

// TransitionRun moves the stage's run to status. errText is stored on the
// row (cleared when empty). Moves the table does not allow return
// ErrInvalidTransition.
func (s *Store) TransitionRun(ctx context.Context, projectID string, stage api.Stage, to api.RunStatus, errText string) (api.Run, error) {
	var out api.Run
	err := s.retry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var cur api.Run
		if err := tx.GetContext(ctx, &cur, `SELECT * FROM runs WHERE project_id = ? AND stage = ?`, projectID, stage); err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return err
		}
		if !CanTransition(cur.Status, to) {
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, stage, cur.Status, to)
		}
		ts := now()
		started, finished := cur.StartedAt, cur.FinishedAt
		if to == api.RunRunning && started == "" {
			started = ts
		}
		if Terminal(to) {
			finished = ts
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, error = ?, started_at = ?, finished_at = ? WHERE id = ?`,
			to, errText, started, finished, cur.ID); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &out, `SELECT * FROM runs WHERE id = ?`, cur.ID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return api.Run{}, err
	}
	return out, nil
}

// SetRunStep records a free-form progress label on the stage's run.
func (s *Store) SetRunStep(ctx context.Context, projectID string, stage api.Stage, step string) error {
	return s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE runs SET step = ? WHERE project_id = ? AND stage = ?`, step, projectID, stage)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) GetRun(ctx context.Context, projectID string, stage api.Stage) (api.Run, error) {
	var r api.Run
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM runs WHERE project_id = ? AND stage = ?`, projectID, stage); err != nil {
		if isNotFound(err) {
			return api.Run{}, ErrNotFound
		}
		return api.Run{}, err
	}
	return r, nil
}

// ListRuns returns the project's runs in pipeline order.
func (s *Store) ListRuns(ctx context.Context, projectID string) ([]api.Run, error) {
	return listRuns(ctx, s.db, projectID)
}

func listRuns(ctx context.Context, q sqlx.QueryerContext, projectID string) ([]api.Run, error) {
	out := []api.Run{}
	if err := sqlx.SelectContext(ctx, q, &out, `SELECT * FROM runs WHERE project_id = ? ORDER BY `+stageOrder, projectID); err != nil {
		return nil, err
	}
	return out, nil
}

// ReconcileInterruptedRuns fails runs that a previous process left queued or
// running. The reconciled runs are returned; a second call finds none.
func (s *Store) ReconcileInterruptedRuns(ctx context.Context) ([]api.Run, error) {
	var out []api.Run
	err := s.retry(ctx, func() error {
		out = nil
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var stale []api.Run
		if err := tx.SelectContext(ctx, &stale, `SELECT * FROM runs WHERE status IN (?, ?) ORDER BY id`, api.RunQueued, api.RunRunning); err != nil {
			return err
		}
		ts := now()
		for _, r := range stale {
			if _, err := tx.ExecContext(ctx,
				`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
				api.RunFailed, InterruptedMessage, ts, r.ID); err != nil {
				return err
			}
			r.Status = api.RunFailed
			r.Error = InterruptedMessage
			r.FinishedAt = ts
			out = append(out, r)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
