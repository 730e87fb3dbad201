package worktree

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentrun/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// setupTestRepo creates a repository on main with one commit.
func setupTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGitT(t, dir, "init", "--initial-branch=main")
	runGitT(t, dir, "config", "user.email", "test@test.com")
	runGitT(t, dir, "config", "user.name", "Test User")
	runGitT(t, dir, "config", "commit.gpgsign", "false")
	runGitT(t, dir, "config", "merge.conflictStyle", "merge")
	runGitT(t, dir, "config", "core.hooksPath", "/dev/null")

	writeFile(t, dir, "README.md", "# Test Repo\n")
	runGitT(t, dir, "add", ".")
	runGitT(t, dir, "commit", "-m", "Initial commit")
	return dir
}

func runGitT(t *testing.T, dir string, args ...string) string {
	t.Helper()
	fullArgs := append([]string{"-C", dir}, args...)
	cmd := exec.Command("git", fullArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\nOutput: %s", args, err, out)
	}
	return string(out)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir for %s: %v", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", name, err)
	}
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("failed to read %s: %v", name, err)
	}
	return string(data)
}

func newTestManager(t *testing.T, repo string) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), repo, Config{}, nil, newTestLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

// commitOnMain commits content to name in the primary checkout.
func commitOnMain(t *testing.T, repo, name, content string) {
	t.Helper()
	writeFile(t, repo, name, content)
	runGitT(t, repo, "add", name)
	runGitT(t, repo, "commit", "-m", "main: "+name)
}

func TestNewManagerRejectsNonRepo(t *testing.T) {
	_, err := NewManager(context.Background(), t.TempDir(), Config{}, nil, newTestLogger())
	if !errors.Is(err, ErrRepoNotGit) {
		t.Fatalf("expected ErrRepoNotGit, got %v", err)
	}
	if IsGitRepo(context.Background(), filepath.Join(t.TempDir(), "missing")) {
		t.Fatal("missing directory reported as a repository")
	}
}

func TestCreateAndDeleteWorktree(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	m := newTestManager(t, repo)

	wt, err := m.CreateWorktree(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.RepoPath(), DefaultDirName, "t1"), wt.Path)
	assert.Equal(t, "agent-task-t1", wt.Branch)
	assert.Equal(t, strings.TrimSpace(runGitT(t, repo, "rev-parse", "HEAD")), wt.BaseCommit)
	assert.True(t, m.WorktreeExists("t1"))
	assert.FileExists(t, filepath.Join(wt.Path, "README.md"))

	// The worktree directory is excluded from the primary checkout's status.
	assert.Empty(t, strings.TrimSpace(runGitT(t, repo, "status", "--porcelain")))

	require.NoError(t, m.DeleteWorktree(ctx, "t1"))
	assert.False(t, m.WorktreeExists("t1"))
	assert.NotContains(t, runGitT(t, repo, "branch"), "agent-task-t1")

	// Deleting again still succeeds.
	require.NoError(t, m.DeleteWorktree(ctx, "t1"))
}

func TestCreateWorktreeReplacesLeftovers(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	m := newTestManager(t, repo)

	first, err := m.CreateWorktree(ctx, "t1")
	require.NoError(t, err)
	writeFile(t, first.Path, "stale.txt", "left over")

	second, err := m.CreateWorktree(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, first.Path, second.Path)
	assert.NoFileExists(t, filepath.Join(second.Path, "stale.txt"))
}

func TestCreateWorktreeInvalidTaskID(t *testing.T) {
	m := newTestManager(t, setupTestRepo(t))
	for _, id := range []string{"", "../escape", "a/b", ".hidden", "x.lock"} {
		_, err := m.CreateWorktree(context.Background(), id)
		if !errors.Is(err, ErrInvalidTaskID) {
			t.Errorf("task ID %q: expected ErrInvalidTaskID, got %v", id, err)
		}
	}
}

func TestHasChanges(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	m := newTestManager(t, repo)

	wt, err := m.CreateWorktree(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, m.HasChanges(ctx, "t1"))
	assert.Empty(t, m.DiffSummary(ctx, "t1"))

	writeFile(t, wt.Path, "notes.md", "hello\n")
	assert.True(t, m.HasChanges(ctx, "t1"))
	assert.Contains(t, m.DiffSummary(ctx, "t1"), "notes.md")

	// Committed work ahead of main still counts.
	require.NoError(t, m.CommitAll(ctx, "t1", "add notes"))
	assert.Empty(t, strings.TrimSpace(runGitT(t, wt.Path, "status", "--porcelain")))
	assert.True(t, m.HasChanges(ctx, "t1"))

	assert.False(t, m.HasChanges(ctx, "unknown"))
}

func TestResetWorktree(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	m := newTestManager(t, repo)

	wt, err := m.CreateWorktree(ctx, "t1")
	require.NoError(t, err)
	writeFile(t, wt.Path, "README.md", "changed\n")
	writeFile(t, wt.Path, "new.txt", "new\n")

	require.True(t, m.ResetWorktree(ctx, "t1", wt.BaseCommit))
	assert.Equal(t, "# Test Repo\n", readFile(t, wt.Path, "README.md"))
	assert.NoFileExists(t, filepath.Join(wt.Path, "new.txt"))
	assert.False(t, m.ResetWorktree(ctx, "missing", ""))
}

func TestBranches(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	m := newTestManager(t, repo)

	runGitT(t, repo, "branch", "feature")
	_, err := m.CreateWorktree(ctx, "t1")
	require.NoError(t, err)

	assert.Equal(t, "main", m.MainBranch(ctx))
	assert.Equal(t, "main", m.CurrentBranch(ctx))
	assert.Equal(t, []string{"main", "feature"}, m.Branches(ctx))
}

func TestMergeToMainClean(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	m := newTestManager(t, repo)

	wt, err := m.CreateWorktree(ctx, "t1")
	require.NoError(t, err)
	writeFile(t, wt.Path, "feature.txt", "from task\n")

	ok, conflicts, err := m.MergeToMain(ctx, "t1", "Add feature", "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, conflicts)

	assert.Equal(t, "from task\n", readFile(t, repo, "feature.txt"))
	assert.Contains(t, runGitT(t, repo, "log", "-1", "--format=%s"), "Add feature")
	// A merge commit has two parents.
	parents := strings.Fields(runGitT(t, repo, "log", "-1", "--format=%P"))
	assert.Len(t, parents, 2)

	require.NoError(t, m.CleanupAfterMerge(ctx, "t1"))
	assert.False(t, m.WorktreeExists("t1"))
}

func TestMergeToMainNoChanges(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, setupTestRepo(t))
	_, err := m.CreateWorktree(ctx, "t1")
	require.NoError(t, err)

	_, _, err = m.MergeToMain(ctx, "t1", "", "")
	assert.ErrorIs(t, err, ErrNoChanges)

	_, _, err = m.MergeToMain(ctx, "missing", "", "")
	assert.ErrorIs(t, err, ErrWorktreeNotFound)
}

func TestMergeToMainUnknownTarget(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, setupTestRepo(t))
	wt, err := m.CreateWorktree(ctx, "t1")
	require.NoError(t, err)
	writeFile(t, wt.Path, "a.txt", "a\n")

	_, _, err = m.MergeToMain(ctx, "t1", "", "does-not-exist")
	assert.ErrorIs(t, err, ErrInvalidBaseBranch)
}

// setupConflict makes main and the task branch change the same line.
func setupConflict(t *testing.T) (*Manager, string) {
	t.Helper()
	ctx := context.Background()
	repo := setupTestRepo(t)
	commitOnMain(t, repo, "file.txt", "line1\nshared\nline3\n")
	m := newTestManager(t, repo)

	wt, err := m.CreateWorktree(ctx, "t1")
	require.NoError(t, err)
	writeFile(t, wt.Path, "file.txt", "line1\ntask change\nline3\n")
	commitOnMain(t, repo, "file.txt", "line1\nmain change\nline3\n")
	return m, repo
}

func TestMergeConflictResolveAllOriginal(t *testing.T) {
	ctx := context.Background()
	m, repo := setupConflict(t)

	ok, conflicts, err := m.MergeToMain(ctx, "t1", "", "")
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "file.txt", conflicts[0].FilePath)
	require.Len(t, conflicts[0].Hunks, 1)
	assert.Equal(t, []string{"main change"}, conflicts[0].Hunks[0].OriginalLines)
	assert.Equal(t, []string{"task change"}, conflicts[0].Hunks[0].IncomingLines)

	assert.True(t, m.HasRemainingConflicts(ctx))
	assert.False(t, m.CompleteMerge(ctx), "merge must not complete with unmerged files")

	require.True(t, m.ResolveAllConflicts(ctx, false))
	require.True(t, m.CompleteMerge(ctx))

	assert.Equal(t, "line1\nmain change\nline3\n", readFile(t, repo, "file.txt"))
	assert.False(t, m.HasRemainingConflicts(ctx))
	assert.False(t, m.mergeInProgress(ctx))
}

func TestMergeConflictResolveAllIncoming(t *testing.T) {
	ctx := context.Background()
	m, repo := setupConflict(t)

	ok, _, err := m.MergeToMain(ctx, "t1", "", "")
	require.NoError(t, err)
	require.False(t, ok)

	require.True(t, m.ResolveAllConflicts(ctx, true))
	require.True(t, m.CompleteMerge(ctx))
	assert.Equal(t, "line1\ntask change\nline3\n", readFile(t, repo, "file.txt"))
}

func TestResolveConflictHunksKeepIndices(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	base := "alpha\nbravo\ncharlie\ndelta\necho\nfoxtrot\ngolf\nhotel\nindia\njuliet\n"
	commitOnMain(t, repo, "words.txt", base)
	m := newTestManager(t, repo)

	wt, err := m.CreateWorktree(ctx, "t1")
	require.NoError(t, err)
	writeFile(t, wt.Path, "words.txt", strings.NewReplacer("bravo", "bravo-task", "india", "india-task").Replace(base))
	commitOnMain(t, repo, "words.txt", strings.NewReplacer("bravo", "bravo-main", "india", "india-main").Replace(base))

	ok, conflicts, err := m.MergeToMain(ctx, "t1", "", "")
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, conflicts, 1)
	require.Len(t, conflicts[0].Hunks, 2)

	require.True(t, m.ResolveConflict(ctx, "words.txt", 0, true))
	// Resolving the same hunk again is a no-op.
	require.True(t, m.ResolveConflict(ctx, "words.txt", 0, false))

	remaining, err := m.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Len(t, remaining[0].Hunks, 1)
	assert.Equal(t, 1, remaining[0].Hunks[0].HunkIndex)
	assert.Equal(t, []string{"india-main"}, remaining[0].Hunks[0].OriginalLines)

	require.True(t, m.ResolveConflict(ctx, "words.txt", 1, false))
	assert.False(t, m.HasRemainingConflicts(ctx))
	require.True(t, m.CompleteMerge(ctx))

	want := strings.NewReplacer("bravo", "bravo-task", "india", "india-main").Replace(base)
	assert.Equal(t, want, readFile(t, repo, "words.txt"))
}

func TestResolveConflictRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	m, _ := setupConflict(t)
	_, _, err := m.MergeToMain(ctx, "t1", "", "")
	require.NoError(t, err)

	assert.False(t, m.ResolveConflict(ctx, "../outside.txt", 0, true))
	assert.False(t, m.ResolveConflict(ctx, "missing.txt", 0, true))
	assert.False(t, m.ResolveConflict(ctx, "file.txt", 5, true))
	require.True(t, m.AbortMerge(ctx))
}

func TestAbortMergeRestoresLocalChanges(t *testing.T) {
	ctx := context.Background()
	m, repo := setupConflict(t)
	commitOnMain(t, repo, "local.txt", "committed\n")
	writeFile(t, repo, "local.txt", "uncommitted edit\n")

	ok, conflicts, err := m.MergeToMain(ctx, "t1", "", "")
	require.NoError(t, err)
	require.False(t, ok)
	require.NotEmpty(t, conflicts)
	assert.Contains(t, runGitT(t, repo, "stash", "list"), mergeStashMessage)

	require.True(t, m.AbortMerge(ctx))
	assert.Equal(t, "line1\nmain change\nline3\n", readFile(t, repo, "file.txt"))
	assert.Equal(t, "uncommitted edit\n", readFile(t, repo, "local.txt"))
	assert.NotContains(t, runGitT(t, repo, "stash", "list"), mergeStashMessage)

	assert.False(t, m.AbortMerge(ctx), "no merge left to abort")
}

func TestCompleteMergeRestoresLocalChanges(t *testing.T) {
	ctx := context.Background()
	m, repo := setupConflict(t)
	commitOnMain(t, repo, "local.txt", "committed\n")
	writeFile(t, repo, "local.txt", "uncommitted edit\n")

	ok, _, err := m.MergeToMain(ctx, "t1", "", "")
	require.NoError(t, err)
	require.False(t, ok)

	require.True(t, m.ResolveAllConflicts(ctx, true))
	require.True(t, m.CompleteMerge(ctx))
	assert.Equal(t, "uncommitted edit\n", readFile(t, repo, "local.txt"))
}

func TestListAndCleanupOrphanWorktrees(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	m := newTestManager(t, repo)

	for _, id := range []string{"t1", "t2"} {
		_, err := m.CreateWorktree(ctx, id)
		require.NoError(t, err)
	}
	// A directory git no longer tracks.
	require.NoError(t, os.MkdirAll(filepath.Join(repo, DefaultDirName, "t3"), 0o755))

	listed, err := m.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, wt := range listed {
		ids = append(ids, wt.TaskID)
	}
	assert.ElementsMatch(t, []string{"t1", "t2"}, ids)

	cleaned := m.CleanupOrphanWorktrees(ctx, []string{"t2"})
	assert.ElementsMatch(t, []string{"t1", "t3"}, cleaned)
	assert.False(t, m.WorktreeExists("t1"))
	assert.False(t, m.WorktreeExists("t3"))
	assert.True(t, m.WorktreeExists("t2"))
}

func TestTasksUsingDirs(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	m := newTestManager(t, repo)
	wt, err := m.CreateWorktree(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(wt.Path, "pkg", "sub"), 0o755))

	ids := m.TasksUsingDirs([]string{
		wt.Path,
		filepath.Join(wt.Path, "pkg", "sub"),
		filepath.Join(repo, DefaultDirName),
		repo,
		t.TempDir(),
	})
	assert.Equal(t, []string{"t1"}, ids)

	// A live process in t1 keeps it out of orphan cleanup.
	_, err = m.CreateWorktree(ctx, "t2")
	require.NoError(t, err)
	cleaned := m.CleanupOrphanWorktrees(ctx, ids)
	assert.Equal(t, []string{"t2"}, cleaned)
	assert.True(t, m.WorktreeExists("t1"))
}

func TestManagersRepoPaths(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Save(ctx, &Worktree{TaskID: "old", RepoPath: "/from/last/run", Path: "/p", Branch: "b"}))

	managers, err := NewManagers(Config{}, store, newTestLogger())
	require.NoError(t, err)
	repo := setupTestRepo(t)
	m, err := managers.For(ctx, repo)
	require.NoError(t, err)

	paths, err := managers.RepoPaths(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/from/last/run", m.RepoPath()}, paths)
}

func TestManagersSharePerRepository(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "sub"), 0o755))

	managers, err := NewManagers(Config{}, nil, newTestLogger())
	require.NoError(t, err)

	a, err := managers.For(ctx, repo)
	require.NoError(t, err)
	b, err := managers.For(ctx, repo)
	require.NoError(t, err)
	assert.Same(t, a, b)
	sub, err := managers.For(ctx, filepath.Join(repo, "sub"))
	require.NoError(t, err)
	assert.Same(t, a, sub)

	_, err = managers.For(ctx, t.TempDir())
	assert.ErrorIs(t, err, ErrRepoNotGit)
}
