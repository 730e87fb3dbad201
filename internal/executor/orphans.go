package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// CleanupOrphanWorktrees removes the task worktrees of repoPath that no
// running task of this executor and no live agent process uses. It returns
// the removed task ids.
func (e *Executor) CleanupOrphanWorktrees(ctx context.Context, repoPath string) ([]string, error) {
	mgr, err := e.worktrees.For(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	active := e.ActiveTaskIDs()
	if e.processes != nil {
		dirs, err := e.processes.LiveDirs()
		if err != nil {
			// Without the live set every worktree would look orphaned.
			return nil, fmt.Errorf("list live agent processes: %w", err)
		}
		active = append(active, mgr.TasksUsingDirs(dirs)...)
	}
	return mgr.CleanupOrphanWorktrees(ctx, active), nil
}

// CleanupAllOrphanWorktrees runs CleanupOrphanWorktrees for every known
// repository. Repositories that fail are logged and skipped.
func (e *Executor) CleanupAllOrphanWorktrees(ctx context.Context) map[string][]string {
	repos, err := e.worktrees.RepoPaths(ctx)
	if err != nil {
		e.logger.Warn("failed to list repositories with worktrees", zap.Error(err))
		return nil
	}
	removed := make(map[string][]string)
	for _, repo := range repos {
		ids, err := e.CleanupOrphanWorktrees(ctx, repo)
		if err != nil {
			e.logger.Warn("skipping orphan worktree cleanup",
				zap.String("repo", repo), zap.Error(err))
			continue
		}
		if len(ids) > 0 {
			removed[repo] = ids
		}
	}
	return removed
}
