package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"
)

const mergeStashMessage = "agentrun-merge-stash"

// MergeToMain merges a task branch into targetBranch (the main branch when
// empty) in the primary checkout with a merge commit. Outstanding worktree
// changes are committed first and local changes in the primary checkout are
// stashed for the duration of the merge.
//
// On conflict it returns false with the parsed conflicts and leaves the merge
// in progress for ResolveConflict, ResolveAllConflicts, CompleteMerge or
// AbortMerge. Other failures are returned as errors.
func (m *Manager) MergeToMain(ctx context.Context, taskID, message, targetBranch string) (bool, []MergeConflict, error) {
	if !m.WorktreeExists(taskID) {
		return false, nil, fmt.Errorf("%w: %s", ErrWorktreeNotFound, taskID)
	}
	if !m.hasChanges(ctx, taskID) {
		return false, nil, ErrNoChanges
	}
	if err := m.CommitAll(ctx, taskID, "WIP"); err != nil {
		return false, nil, fmt.Errorf("failed to commit worktree changes: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	target := targetBranch
	if target == "" {
		target = m.MainBranch(ctx)
	}
	if !m.branchExists(ctx, target) {
		return false, nil, fmt.Errorf("%w: %s", ErrInvalidBaseBranch, target)
	}

	branch := m.BranchName(taskID)
	stashed, err := m.stashPrimaryChanges(ctx)
	if err != nil {
		return false, nil, err
	}

	if m.CurrentBranch(ctx) != target {
		if _, err := mustGit(ctx, m.repoPath, "checkout", target); err != nil {
			if stashed {
				m.popMergeStash(ctx)
			}
			return false, nil, err
		}
	}

	if message == "" {
		message = "Merge " + branch
	}
	res, err := runGit(ctx, m.repoPath, "merge", "--no-ff", "-m", message, branch)
	if err != nil {
		if stashed {
			m.popMergeStash(ctx)
		}
		return false, nil, err
	}
	if res.ExitCode == 0 {
		if stashed {
			m.popMergeStash(ctx)
		}
		m.setStatus(ctx, taskID, StatusMerged)
		m.logger.Info("merged worktree",
			zap.String("task_id", taskID),
			zap.String("branch", branch),
			zap.String("target", target))
		return true, nil, nil
	}

	if !res.hasConflict() {
		_, _ = runGit(ctx, m.repoPath, "merge", "--abort")
		if stashed {
			m.popMergeStash(ctx)
		}
		return false, nil, fmt.Errorf("%w: git merge: %s", ErrGitCommandFailed, res.Output())
	}

	// The stash stays until the merge is completed or aborted.
	m.merge = &mergeState{taskID: taskID, stashed: stashed, resolved: make(map[string][]int)}
	conflicts, err := m.conflictsLocked(ctx)
	if err != nil {
		return false, nil, err
	}
	m.logger.Info("merge stopped on conflicts",
		zap.String("task_id", taskID),
		zap.String("target", target),
		zap.Int("files", len(conflicts)))
	return false, conflicts, nil
}

// Conflicts re-parses the files that are still unmerged. Hunk indices match
// the ones reported when the merge started.
func (m *Manager) Conflicts(ctx context.Context) ([]MergeConflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conflictsLocked(ctx)
}

func (m *Manager) conflictsLocked(ctx context.Context) ([]MergeConflict, error) {
	files, err := m.unmergedFiles(ctx)
	if err != nil {
		return nil, err
	}
	var conflicts []MergeConflict
	for _, file := range files {
		content, err := os.ReadFile(filepath.Join(m.repoPath, file))
		if err != nil {
			// Deleted on one side; nothing to parse.
			continue
		}
		hunks := ParseConflictHunks(file, string(content))
		if len(hunks) == 0 {
			continue
		}
		remaining := m.remainingIndices(file, len(hunks))
		for i := range hunks {
			hunks[i].HunkIndex = remaining[i]
		}
		conflicts = append(conflicts, MergeConflict{FilePath: file, Hunks: hunks})
	}
	return conflicts, nil
}

// remainingIndices maps the n hunks left in a file back to their original
// indices.
func (m *Manager) remainingIndices(file string, n int) []int {
	var resolved []int
	if m.merge != nil {
		resolved = m.merge.resolved[file]
	}
	out := make([]int, 0, n)
	for idx := 0; len(out) < n; idx++ {
		if !slices.Contains(resolved, idx) {
			out = append(out, idx)
		}
	}
	return out
}

// ResolveConflict resolves one hunk of a conflicted file with either the
// incoming (task branch) or original (target branch) lines. hunkIndex is the
// index reported when the merge started; resolving one hunk does not
// renumber the others, and resolving the same hunk twice is a no-op. A file
// with no hunks left is staged.
func (m *Manager) ResolveConflict(ctx context.Context, filePath string, hunkIndex int, useIncoming bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	full, err := m.repoFile(filePath)
	if err != nil {
		m.logger.Warn("rejected conflict path", zap.String("file", filePath), zap.Error(err))
		return false
	}
	if m.merge == nil {
		m.merge = &mergeState{resolved: make(map[string][]int)}
	}
	resolved := m.merge.resolved[filePath]
	if slices.Contains(resolved, hunkIndex) {
		return true
	}

	info, err := os.Stat(full)
	if err != nil {
		return false
	}
	content, err := os.ReadFile(full)
	if err != nil {
		return false
	}

	ordinal := hunkIndex
	for _, idx := range resolved {
		if idx < hunkIndex {
			ordinal--
		}
	}
	updated, ok := ResolveHunk(string(content), ordinal, useIncoming)
	if !ok {
		return false
	}
	if err := os.WriteFile(full, []byte(updated), info.Mode().Perm()); err != nil {
		m.logger.Warn("failed to write resolved file", zap.String("file", filePath), zap.Error(err))
		return false
	}
	m.merge.resolved[filePath] = append(resolved, hunkIndex)

	if CountHunks(updated) == 0 {
		if _, err := mustGit(ctx, m.repoPath, "add", "--", filePath); err != nil {
			m.logger.Warn("failed to stage resolved file", zap.String("file", filePath), zap.Error(err))
			return false
		}
	}
	m.logger.Debug("resolved conflict hunk",
		zap.String("file", filePath),
		zap.Int("hunk", hunkIndex),
		zap.Bool("incoming", useIncoming))
	return true
}

// ResolveAllConflicts resolves every unmerged file wholesale with git's
// ours (target branch) or theirs (task branch) version and stages it.
func (m *Manager) ResolveAllConflicts(ctx context.Context, useIncoming bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	files, err := m.unmergedFiles(ctx)
	if err != nil {
		m.logger.Warn("failed to list conflicted files", zap.Error(err))
		return false
	}
	side := "--ours"
	if useIncoming {
		side = "--theirs"
	}
	ok := true
	for _, file := range files {
		if _, err := mustGit(ctx, m.repoPath, "checkout", side, "--", file); err != nil {
			// The chosen side deleted the file.
			if _, rmErr := mustGit(ctx, m.repoPath, "rm", "--quiet", "--", file); rmErr != nil {
				m.logger.Warn("failed to resolve file", zap.String("file", file), zap.Error(err))
				ok = false
			}
			continue
		}
		if _, err := mustGit(ctx, m.repoPath, "add", "--", file); err != nil {
			m.logger.Warn("failed to stage file", zap.String("file", file), zap.Error(err))
			ok = false
		}
	}
	if m.merge != nil {
		clear(m.merge.resolved)
	}
	return ok
}

// HasRemainingConflicts reports whether any file is still unmerged.
func (m *Manager) HasRemainingConflicts(ctx context.Context) bool {
	files, err := m.unmergedFiles(ctx)
	return err != nil || len(files) > 0
}

// CompleteMerge commits a merge whose conflicts are all resolved. It returns
// false while any file is still unmerged.
func (m *Manager) CompleteMerge(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	files, err := m.unmergedFiles(ctx)
	if err != nil || len(files) > 0 {
		return false
	}
	if _, err := mustGit(ctx, m.repoPath, "add", "-u"); err != nil {
		m.logger.Warn("failed to stage merge result", zap.Error(err))
		return false
	}
	if m.mergeInProgress(ctx) {
		if _, err := mustGit(ctx, m.repoPath, "commit", "--no-edit"); err != nil {
			m.logger.Warn("failed to commit merge", zap.Error(err))
			return false
		}
	}

	var taskID string
	stashed := true
	if m.merge != nil {
		taskID = m.merge.taskID
		stashed = m.merge.stashed
	}
	m.merge = nil
	if stashed {
		m.popMergeStash(ctx)
	}
	m.setStatus(ctx, taskID, StatusMerged)
	m.logger.Info("completed merge", zap.String("task_id", taskID))
	return true
}

// AbortMerge restores the primary checkout to its state before the merge,
// including stashed local changes. It returns false when no merge is in
// progress.
func (m *Manager) AbortMerge(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mergeInProgress(ctx) {
		return false
	}
	if _, err := mustGit(ctx, m.repoPath, "merge", "--abort"); err != nil {
		m.logger.Warn("failed to abort merge", zap.Error(err))
		return false
	}
	stashed := m.merge == nil || m.merge.stashed
	m.merge = nil
	if stashed {
		m.popMergeStash(ctx)
	}
	m.logger.Info("aborted merge")
	return true
}

// CleanupAfterMerge removes a merged task's worktree and branch.
func (m *Manager) CleanupAfterMerge(ctx context.Context, taskID string) error {
	return m.DeleteWorktree(ctx, taskID)
}

func (m *Manager) mergeInProgress(ctx context.Context) bool {
	res, err := runGit(ctx, m.repoPath, "rev-parse", "-q", "--verify", "MERGE_HEAD")
	return err == nil && res.ExitCode == 0
}

func (m *Manager) unmergedFiles(ctx context.Context) ([]string, error) {
	out, err := mustGit(ctx, m.repoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// repoFile resolves a repository-relative path, rejecting paths that escape
// the repository.
func (m *Manager) repoFile(filePath string) (string, error) {
	if filePath == "" || filepath.IsAbs(filePath) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, filePath)
	}
	full := filepath.Join(m.repoPath, filePath)
	rel, err := filepath.Rel(m.repoPath, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, filePath)
	}
	return full, nil
}

// stashPrimaryChanges stashes tracked modifications in the primary checkout.
// It returns whether a stash was created.
func (m *Manager) stashPrimaryChanges(ctx context.Context) (bool, error) {
	out, err := mustGit(ctx, m.repoPath, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(out) == "" {
		return false, nil
	}
	if _, err := mustGit(ctx, m.repoPath, "stash", "push", "-m", mergeStashMessage); err != nil {
		return false, err
	}
	m.logger.Info("stashed local changes before merge")
	return true, nil
}

// popMergeStash pops the stash created by stashPrimaryChanges, if present.
func (m *Manager) popMergeStash(ctx context.Context) {
	res, err := runGit(ctx, m.repoPath, "stash", "list")
	if err != nil || res.ExitCode != 0 {
		return
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if !strings.Contains(line, mergeStashMessage) {
			continue
		}
		ref, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		pop, err := runGit(ctx, m.repoPath, "stash", "pop", ref)
		if err != nil || pop.ExitCode != 0 {
			m.logger.Warn("failed to restore stashed changes",
				zap.String("stash", ref),
				zap.Bool("conflict", pop.hasConflict()),
				zap.String("output", pop.Output()))
		}
		return
	}
}
