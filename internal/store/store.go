package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/throw-if-null/drafthouse/internal/api"
)

type Store struct {
	db *sqlx.DB
}

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid run transition")
)

// InterruptedMessage is the error recorded on runs a previous daemon left
// unfinished.
const InterruptedMessage = "interrupted: daemon restart"

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve store path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	busy := int(busyTimeout / time.Millisecond)
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", abs, busy)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := New(db)
	if err := s.Init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init runs migrations using PRAGMA user_version.
func (s *Store) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range schemaV1 {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}
	return tx.Commit()
}

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS projects (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL,
  brief TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  stage TEXT NOT NULL,
  status TEXT NOT NULL,
  attempt INTEGER NOT NULL DEFAULT 1,
  step TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  started_at TEXT NOT NULL DEFAULT '',
  finished_at TEXT NOT NULL DEFAULT '',
  UNIQUE(project_id, stage)
)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  kind TEXT NOT NULL,
  path TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL,
  created_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS artifacts_project_kind ON artifacts(project_id, kind, id)`,
	`CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at TEXT NOT NULL
)`,
}

// timeFormat is RFC 3339 with a fixed-width fraction so stored timestamps
// sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

// isSqliteBusy reports whether err represents a busy/locked sqlite condition.
func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database is busy") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// retry runs fn again on SQLITE_BUSY with a short exponential backoff
// (10ms, 20ms, 40ms, ...). Other errors are returned at once.
func (s *Store) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()
	op := func() error {
		err := fn()
		if err != nil && !isSqliteBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 4), ctx))
}

func (s *Store) CreateProject(ctx context.Context, id, title, brief string) (api.Project, error) {
	ts := now()
	p := api.Project{ID: id, Title: title, Brief: brief, CreatedAt: ts, UpdatedAt: ts}
	err := s.retry(ctx, func() error {
		_, err := s.db.NamedExecContext(ctx, `INSERT INTO projects (id, title, brief, created_at, updated_at) VALUES (:id, :title, :brief, :created_at, :updated_at)`, p)
		return err
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return api.Project{}, fmt.Errorf("project %s already exists", id)
		}
		return api.Project{}, err
	}
	return p, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (api.Project, error) {
	var p api.Project
	if err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE id = ?`, id); err != nil {
		if isNotFound(err) {
			return api.Project{}, ErrNotFound
		}
		return api.Project{}, err
	}
	return p, nil
}

// ListProjects returns projects newest first. If limit <= 0, return all.
func (s *Store) ListProjects(ctx context.Context, limit int) ([]api.Project, error) {
	out := []api.Project{}
	q := `SELECT * FROM projects ORDER BY created_at DESC, rowid DESC`
	var err error
	if limit > 0 {
		err = s.db.SelectContext(ctx, &out, q+` LIMIT ?`, limit)
	} else {
		err = s.db.SelectContext(ctx, &out, q)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdateProjectTitle(ctx context.Context, id, title string) error {
	return s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE projects SET title = ?, updated_at = ? WHERE id = ?`, title, now(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
