package worktree

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentrun/internal/db"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	conn, err := db.Open(db.SQLite3, filepath.Join(t.TempDir(), "worktrees.db"))
	require.NoError(t, err)
	store, err := NewSQLStore(conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStoreSaveAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	wt := &Worktree{TaskID: "t1", RepoPath: "/repo", Path: "/repo/.agent-worktrees/t1", Branch: "agent-task-t1", BaseCommit: "abc"}
	require.NoError(t, store.Save(ctx, wt))
	assert.Equal(t, StatusActive, wt.Status)

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "agent-task-t1", got.Branch)
	assert.Equal(t, "abc", got.BaseCommit)
	assert.False(t, got.HasChanges)

	got.HasChanges = true
	got.Status = StatusMerged
	require.NoError(t, store.Save(ctx, got))

	again, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, again.HasChanges)
	assert.Equal(t, StatusMerged, again.Status)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrWorktreeNotFound)
}

func TestSQLStoreListAndDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, id := range []string{"t1", "t2"} {
		require.NoError(t, store.Save(ctx, &Worktree{TaskID: id, RepoPath: "/repo", Path: "/p/" + id, Branch: "b-" + id}))
	}
	require.NoError(t, store.Save(ctx, &Worktree{TaskID: "other", RepoPath: "/elsewhere", Path: "/p/o", Branch: "b-o"}))

	list, err := store.ListByRepo(ctx, "/repo")
	require.NoError(t, err)
	require.Len(t, list, 2)

	repos, err := store.RepoPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/elsewhere", "/repo"}, repos)

	require.NoError(t, store.Delete(ctx, "t1"))
	require.NoError(t, store.Delete(ctx, "t1"))
	list, err = store.ListByRepo(ctx, "/repo")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t2", list[0].TaskID)
}

func TestManagerPersistsState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	repo := setupTestRepo(t)
	m, err := NewManager(ctx, repo, Config{}, store, newTestLogger())
	require.NoError(t, err)

	wt, err := m.CreateWorktree(ctx, "t1")
	require.NoError(t, err)
	writeFile(t, wt.Path, "x.txt", "x\n")
	require.True(t, m.HasChanges(ctx, "t1"))

	saved, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, wt.BaseCommit, saved.BaseCommit)
	assert.True(t, saved.HasChanges)

	ok, _, err := m.MergeToMain(ctx, "t1", "", "")
	require.NoError(t, err)
	require.True(t, ok)
	saved, err = store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, saved.Status)

	require.NoError(t, m.DeleteWorktree(ctx, "t1"))
	_, err = store.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrWorktreeNotFound)
}
