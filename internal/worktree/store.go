package worktree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Worktree status values.
const (
	StatusActive  = "active"
	StatusMerged  = "merged"
	StatusDeleted = "deleted"
)

// Worktree is the state of one task's isolated checkout.
type Worktree struct {
	TaskID     string    `db:"task_id" json:"task_id"`
	RepoPath   string    `db:"repo_path" json:"repo_path"`
	Path       string    `db:"path" json:"path"`
	Branch     string    `db:"branch" json:"branch"`
	BaseCommit string    `db:"base_commit" json:"base_commit"`
	HasChanges bool      `db:"has_changes" json:"has_changes"`
	Status     string    `db:"status" json:"status"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Store persists worktree records so a restarted daemon can find them.
type Store interface {
	Save(ctx context.Context, wt *Worktree) error
	Get(ctx context.Context, taskID string) (*Worktree, error)
	ListByRepo(ctx context.Context, repoPath string) ([]*Worktree, error)
	RepoPaths(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, taskID string) error
	Close() error
}

// SQLStore implements Store on sqlite or postgres through sqlx.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates the worktree_states table if needed.
func NewSQLStore(db *sqlx.DB) (*SQLStore, error) {
	store := &SQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize worktree schema: %w", err)
	}
	return store, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS worktree_states (
		task_id TEXT PRIMARY KEY,
		repo_path TEXT NOT NULL,
		path TEXT NOT NULL,
		branch TEXT NOT NULL,
		base_commit TEXT NOT NULL DEFAULT '',
		has_changes BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_worktree_states_repo_path ON worktree_states(repo_path);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save inserts or replaces the record for wt.TaskID.
func (s *SQLStore) Save(ctx context.Context, wt *Worktree) error {
	if wt.TaskID == "" {
		return fmt.Errorf("task ID is required to persist worktree")
	}
	if wt.Status == "" {
		wt.Status = StatusActive
	}
	now := time.Now().UTC()
	if wt.CreatedAt.IsZero() {
		wt.CreatedAt = now
	}
	wt.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO worktree_states (
			task_id, repo_path, path, branch, base_commit, has_changes, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			repo_path = excluded.repo_path,
			path = excluded.path,
			branch = excluded.branch,
			base_commit = excluded.base_commit,
			has_changes = excluded.has_changes,
			status = excluded.status,
			updated_at = excluded.updated_at
	`), wt.TaskID, wt.RepoPath, wt.Path, wt.Branch, wt.BaseCommit, wt.HasChanges, wt.Status,
		wt.CreatedAt, wt.UpdatedAt)
	return err
}

// Get returns the record for taskID or ErrWorktreeNotFound.
func (s *SQLStore) Get(ctx context.Context, taskID string) (*Worktree, error) {
	var wt Worktree
	err := s.db.GetContext(ctx, &wt, s.db.Rebind(`
		SELECT task_id, repo_path, path, branch, base_commit, has_changes, status, created_at, updated_at
		FROM worktree_states WHERE task_id = ?
	`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorktreeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wt, nil
}

// ListByRepo returns all records for a repository, oldest first.
func (s *SQLStore) ListByRepo(ctx context.Context, repoPath string) ([]*Worktree, error) {
	var out []*Worktree
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`
		SELECT task_id, repo_path, path, branch, base_commit, has_changes, status, created_at, updated_at
		FROM worktree_states WHERE repo_path = ? ORDER BY created_at, task_id
	`), repoPath)
	return out, err
}

// RepoPaths returns every repository that still has a worktree record.
func (s *SQLStore) RepoPaths(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, `SELECT DISTINCT repo_path FROM worktree_states ORDER BY repo_path`)
	return out, err
}

// Delete removes the record for taskID. Missing records are not an error.
func (s *SQLStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM worktree_states WHERE task_id = ?`), taskID)
	return err
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
