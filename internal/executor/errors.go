package executor

import (
	"errors"
	"fmt"

	"github.com/kandev/agentrun/internal/agents"
	"github.com/kandev/agentrun/internal/worktree"
)

// Task start and lifecycle errors
var (
	ErrInvalidProject       = errors.New("project path is not an existing directory")
	ErrUnknownAccount       = agents.ErrUnknownAccount
	ErrNotVersionControlled = fmt.Errorf("project is not version controlled: %w", worktree.ErrRepoNotGit)
	ErrAgentTimeout         = errors.New("agent produced no output within the inactivity timeout")
	ErrTaskNotFound         = errors.New("task not found")
	ErrExecutorClosed       = errors.New("executor is shut down")
	ErrEmptyDescription     = errors.New("task description is required")
)
