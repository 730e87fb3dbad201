package worktree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/common/logger"
)

// Manager creates and removes task worktrees for one repository and merges
// them back into its primary checkout.
type Manager struct {
	repoPath string
	config   Config
	store    Store
	logger   *logger.Logger

	// mu serializes git operations that touch the primary checkout or the
	// repository's worktree list.
	mu    sync.Mutex
	merge *mergeState
}

// mergeState tracks an in-progress merge on the primary checkout.
type mergeState struct {
	taskID  string
	stashed bool
	// resolved holds the original indices of hunks already resolved per file,
	// so hunk numbering stays stable while a merge is being resolved.
	resolved map[string][]int
}

// IsGitRepo reports whether path is inside a git work tree.
func IsGitRepo(ctx context.Context, path string) bool {
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return false
	}
	res, err := runGit(ctx, path, "rev-parse", "--is-inside-work-tree")
	return err == nil && res.ExitCode == 0 && strings.TrimSpace(res.Stdout) == "true"
}

// NewManager returns a manager for the repository containing repoPath.
// store may be nil.
func NewManager(ctx context.Context, repoPath string, cfg Config, store Store, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	if !IsGitRepo(ctx, repoPath) {
		return nil, fmt.Errorf("%w: %s", ErrRepoNotGit, repoPath)
	}
	top, err := mustGit(ctx, repoPath, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, err
	}

	m := &Manager{
		repoPath: filepath.Clean(strings.TrimSpace(top)),
		config:   cfg,
		store:    store,
		logger:   log.WithFields(zap.String("component", "worktree-manager")),
	}
	if err := m.ensureExcluded(ctx); err != nil {
		m.logger.Warn("failed to exclude worktree directory", zap.Error(err))
	}
	return m, nil
}

// RepoPath returns the repository root.
func (m *Manager) RepoPath() string {
	return m.repoPath
}

// WorktreePath returns the deterministic worktree path for a task.
func (m *Manager) WorktreePath(taskID string) string {
	return filepath.Join(m.repoPath, m.config.DirName, taskID)
}

// BranchName returns the branch backing a task's worktree.
func (m *Manager) BranchName(taskID string) string {
	return m.config.BranchPrefix + taskID
}

// ensureExcluded adds the worktree directory to .git/info/exclude so task
// worktrees never show up as untracked files in the primary checkout.
func (m *Manager) ensureExcluded(ctx context.Context) error {
	out, err := mustGit(ctx, m.repoPath, "rev-parse", "--git-path", "info/exclude")
	if err != nil {
		return err
	}
	path := strings.TrimSpace(out)
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.repoPath, path)
	}
	pattern := "/" + m.config.DirName + "/"

	content, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	prefix := ""
	if len(content) > 0 && !strings.HasSuffix(string(content), "\n") {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + pattern + "\n")
	return err
}

// MainBranch returns main or master when present, otherwise the current branch.
func (m *Manager) MainBranch(ctx context.Context) string {
	for _, name := range []string{"main", "master"} {
		if m.branchExists(ctx, name) {
			return name
		}
	}
	if current := m.CurrentBranch(ctx); current != "" {
		return current
	}
	return "main"
}

// CurrentBranch returns the primary checkout's branch, or "" when detached.
func (m *Manager) CurrentBranch(ctx context.Context) string {
	res, err := runGit(ctx, m.repoPath, "branch", "--show-current")
	if err != nil || res.ExitCode != 0 {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

// Branches lists local branches other than task branches, current first.
func (m *Manager) Branches(ctx context.Context) []string {
	res, err := runGit(ctx, m.repoPath, "branch", "--format=%(refname:short)")
	if err != nil || res.ExitCode != 0 {
		return []string{m.MainBranch(ctx)}
	}
	current := m.CurrentBranch(ctx)
	var branches []string
	if current != "" && !strings.HasPrefix(current, m.config.BranchPrefix) {
		branches = append(branches, current)
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || name == current || strings.HasPrefix(name, m.config.BranchPrefix) {
			continue
		}
		branches = append(branches, name)
	}
	return branches
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	res, err := runGit(ctx, m.repoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil && res.ExitCode == 0
}

// CreateWorktree creates a branch from the current HEAD and a linked
// worktree for it. Leftovers from a previous run with the same task ID are
// removed first.
func (m *Manager) CreateWorktree(ctx context.Context, taskID string) (*Worktree, error) {
	if err := validateTaskID(taskID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.WorktreePath(taskID)
	branch := m.BranchName(taskID)

	if m.WorktreeExists(taskID) || m.branchExists(ctx, branch) {
		m.logger.Info("removing stale worktree before create", zap.String("task_id", taskID))
		m.deleteLocked(ctx, taskID)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	out, err := mustGit(ctx, m.repoPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	baseCommit := strings.TrimSpace(out)

	if _, err := mustGit(ctx, m.repoPath, "worktree", "add", "-b", branch, path, baseCommit); err != nil {
		m.logger.Error("git worktree add failed", zap.String("task_id", taskID), zap.Error(err))
		return nil, err
	}

	wt := &Worktree{
		TaskID:     taskID,
		RepoPath:   m.repoPath,
		Path:       path,
		Branch:     branch,
		BaseCommit: baseCommit,
		Status:     StatusActive,
	}
	m.save(ctx, wt)

	m.logger.Info("created worktree",
		zap.String("task_id", taskID),
		zap.String("path", path),
		zap.String("branch", branch),
		zap.String("base_commit", baseCommit))
	return wt, nil
}

// WorktreeExists reports whether the task's worktree directory exists.
func (m *Manager) WorktreeExists(taskID string) bool {
	if validateTaskID(taskID) != nil {
		return false
	}
	info, err := os.Stat(m.WorktreePath(taskID))
	return err == nil && info.IsDir()
}

// DeleteWorktree removes a task's worktree and its branch. It succeeds when
// the worktree is already gone; failing to delete the branch is only logged.
func (m *Manager) DeleteWorktree(ctx context.Context, taskID string) error {
	if err := validateTaskID(taskID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(ctx, taskID)
	if m.store != nil {
		if err := m.store.Delete(ctx, taskID); err != nil {
			m.logger.Warn("failed to delete worktree record", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) deleteLocked(ctx context.Context, taskID string) {
	path := m.WorktreePath(taskID)
	if _, err := os.Stat(path); err == nil {
		m.removeWorktreeDir(ctx, path)
	} else {
		// Drop registrations whose directory vanished.
		_, _ = runGit(ctx, m.repoPath, "worktree", "prune")
	}

	branch := m.BranchName(taskID)
	if res, err := runGit(ctx, m.repoPath, "branch", "-D", branch); err != nil || res.ExitCode != 0 {
		m.logger.Debug("branch not deleted",
			zap.String("branch", branch),
			zap.String("output", res.Output()))
	}
	m.logger.Info("removed worktree", zap.String("task_id", taskID), zap.String("path", path))
}

// removeWorktreeDir removes a worktree with git, falling back to deleting
// the directory and pruning git's bookkeeping.
func (m *Manager) removeWorktreeDir(ctx context.Context, path string) {
	res, err := runGit(ctx, m.repoPath, "worktree", "remove", "--force", path)
	if err == nil && res.ExitCode == 0 {
		return
	}
	m.logger.Debug("git worktree remove failed, falling back to rm",
		zap.String("output", res.Output()))
	if err := os.RemoveAll(path); err != nil {
		m.logger.Warn("failed to remove worktree directory", zap.String("path", path), zap.Error(err))
	}
	if _, err := runGit(ctx, m.repoPath, "worktree", "prune"); err != nil {
		m.logger.Debug("git worktree prune failed", zap.Error(err))
	}
}

// ResetWorktree discards everything in the worktree and resets it to
// baseCommit, or to the main branch when baseCommit is empty.
func (m *Manager) ResetWorktree(ctx context.Context, taskID, baseCommit string) bool {
	if !m.WorktreeExists(taskID) {
		return false
	}
	target := baseCommit
	if target == "" {
		target = m.MainBranch(ctx)
	}
	path := m.WorktreePath(taskID)
	if _, err := mustGit(ctx, path, "reset", "--hard", target); err != nil {
		m.logger.Warn("worktree reset failed", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	if _, err := mustGit(ctx, path, "clean", "-fd"); err != nil {
		m.logger.Warn("worktree clean failed", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	return true
}

// HasChanges reports uncommitted modifications in the worktree or commits
// on the task branch that the main branch does not have.
func (m *Manager) HasChanges(ctx context.Context, taskID string) bool {
	if !m.WorktreeExists(taskID) {
		return false
	}
	changed := m.hasChanges(ctx, taskID)
	if m.store != nil {
		if wt, err := m.store.Get(ctx, taskID); err == nil && wt.HasChanges != changed {
			wt.HasChanges = changed
			m.save(ctx, wt)
		}
	}
	return changed
}

func (m *Manager) hasChanges(ctx context.Context, taskID string) bool {
	path := m.WorktreePath(taskID)
	res, err := runGit(ctx, path, "status", "--porcelain")
	if err == nil && res.ExitCode == 0 && strings.TrimSpace(res.Stdout) != "" {
		return true
	}
	res, err = runGit(ctx, m.repoPath, "rev-list", "--count", m.MainBranch(ctx)+".."+m.BranchName(taskID))
	if err != nil || res.ExitCode != 0 {
		return false
	}
	ahead, _ := strconv.Atoi(strings.TrimSpace(res.Stdout))
	return ahead > 0
}

// DiffSummary describes uncommitted changes in the worktree as markdown, or
// returns "" when there are none.
func (m *Manager) DiffSummary(ctx context.Context, taskID string) string {
	if !m.WorktreeExists(taskID) {
		return ""
	}
	path := m.WorktreePath(taskID)
	stat, _ := runGit(ctx, path, "diff", "--stat", "HEAD")
	status, _ := runGit(ctx, path, "status", "--porcelain")
	statText := strings.TrimSpace(stat.Stdout)
	statusText := strings.TrimSpace(status.Stdout)
	if statText == "" && statusText == "" {
		return ""
	}
	body := statText
	if body == "" {
		body = statusText
	}
	return "**Uncommitted changes:**\n```\n" + body + "\n```"
}

// FullDiff returns the diff of uncommitted changes against HEAD.
func (m *Manager) FullDiff(ctx context.Context, taskID string) string {
	if !m.WorktreeExists(taskID) {
		return ""
	}
	res, _ := runGit(ctx, m.WorktreePath(taskID), "diff", "HEAD")
	if out := strings.TrimSpace(res.Stdout); out != "" {
		return out
	}
	return "No changes"
}

// CommitAll stages and commits everything in the worktree. A clean worktree
// is not an error.
func (m *Manager) CommitAll(ctx context.Context, taskID, message string) error {
	if !m.WorktreeExists(taskID) {
		return fmt.Errorf("%w: %s", ErrWorktreeNotFound, taskID)
	}
	path := m.WorktreePath(taskID)
	if _, err := mustGit(ctx, path, "add", "-A"); err != nil {
		return err
	}
	res, err := runGit(ctx, path, "diff", "--cached", "--quiet")
	if err != nil {
		return err
	}
	switch res.ExitCode {
	case 0:
		return nil
	case 1:
	default:
		return fmt.Errorf("%w: git diff --cached: %s", ErrGitCommandFailed, res.Output())
	}
	if message == "" {
		message = "Agent changes"
	}
	_, err = mustGit(ctx, path, "commit", "-m", message)
	return err
}

// List returns the task worktrees git knows about, in git's order.
func (m *Manager) List(ctx context.Context) ([]Worktree, error) {
	out, err := mustGit(ctx, m.repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	branchRef := "refs/heads/" + m.config.BranchPrefix

	var result []Worktree
	var current string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "+branchRef):
			taskID := strings.TrimPrefix(line, "branch "+branchRef)
			result = append(result, Worktree{
				TaskID:   taskID,
				RepoPath: m.repoPath,
				Path:     current,
				Branch:   m.BranchName(taskID),
				Status:   StatusActive,
			})
		}
	}
	return result, scanner.Err()
}

// CleanupOrphanWorktrees removes task worktrees whose task is not in
// activeTaskIDs, including directories git no longer tracks. It returns the
// removed task IDs.
func (m *Manager) CleanupOrphanWorktrees(ctx context.Context, activeTaskIDs []string) []string {
	active := make(map[string]bool, len(activeTaskIDs))
	for _, id := range activeTaskIDs {
		active[id] = true
	}

	orphans := make(map[string]bool)
	var order []string
	add := func(taskID string) {
		if active[taskID] || orphans[taskID] || validateTaskID(taskID) != nil {
			return
		}
		orphans[taskID] = true
		order = append(order, taskID)
	}

	listed, err := m.List(ctx)
	if err != nil {
		m.logger.Warn("failed to list worktrees", zap.Error(err))
	}
	for _, wt := range listed {
		add(wt.TaskID)
	}
	entries, err := os.ReadDir(filepath.Join(m.repoPath, m.config.DirName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("failed to read worktree directory", zap.Error(err))
	}
	for _, entry := range entries {
		if entry.IsDir() {
			add(entry.Name())
		}
	}

	var cleaned []string
	for _, taskID := range order {
		m.logger.Info("cleaning up orphaned worktree", zap.String("task_id", taskID))
		if err := m.DeleteWorktree(ctx, taskID); err != nil {
			m.logger.Warn("failed to remove orphaned worktree", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		cleaned = append(cleaned, taskID)
	}
	return cleaned
}

// TasksUsingDirs returns the tasks whose worktree contains one of dirs,
// typically the working directories of live agent processes.
func (m *Manager) TasksUsingDirs(dirs []string) []string {
	base := resolvePath(filepath.Join(m.repoPath, m.config.DirName))
	seen := make(map[string]bool)
	var ids []string
	for _, dir := range dirs {
		rel, err := filepath.Rel(base, resolvePath(dir))
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		taskID := strings.SplitN(rel, string(filepath.Separator), 2)[0]
		if validateTaskID(taskID) != nil || seen[taskID] {
			continue
		}
		seen[taskID] = true
		ids = append(ids, taskID)
	}
	return ids
}

// resolvePath cleans path and follows symlinks when it exists.
func resolvePath(path string) string {
	path = filepath.Clean(path)
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}

func (m *Manager) save(ctx context.Context, wt *Worktree) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, wt); err != nil {
		m.logger.Warn("failed to persist worktree", zap.String("task_id", wt.TaskID), zap.Error(err))
	}
}

// setStatus updates a stored record's status, when a store is configured.
func (m *Manager) setStatus(ctx context.Context, taskID, status string) {
	if m.store == nil || taskID == "" {
		return
	}
	wt, err := m.store.Get(ctx, taskID)
	if err != nil {
		return
	}
	wt.Status = status
	m.save(ctx, wt)
}
