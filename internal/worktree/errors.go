// Package worktree provides Git worktree management for concurrent agent execution.
package worktree

import "errors"

var (
	// ErrWorktreeNotFound is returned when the requested worktree does not exist.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrRepoNotGit is returned when the repository path is not a Git repository.
	ErrRepoNotGit = errors.New("repository is not a git repository")

	// ErrInvalidBaseBranch is returned when a merge target branch does not exist.
	ErrInvalidBaseBranch = errors.New("base branch does not exist")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")

	// ErrInvalidTaskID is returned when a task ID cannot name a worktree.
	ErrInvalidTaskID = errors.New("invalid task ID")

	// ErrNoChanges is returned when merging a worktree that has nothing to merge.
	ErrNoChanges = errors.New("no changes to merge")

	// ErrInvalidPath is returned for conflict paths outside the repository.
	ErrInvalidPath = errors.New("path is outside the repository")
)
