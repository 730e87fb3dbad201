package worktree

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// Default naming. Worktrees live inside the repository under DefaultDirName
// so they move with it and are excluded from its status.
const (
	DefaultDirName      = ".agent-worktrees"
	DefaultBranchPrefix = "agent-task-"
)

// Config holds configuration for the worktree manager.
type Config struct {
	// DirName is the directory, relative to the repository root, that holds
	// task worktrees.
	DirName string `mapstructure:"dirName"`

	// BranchPrefix is prepended to the task ID to name its branch.
	BranchPrefix string `mapstructure:"branchPrefix"`
}

// Validate fills defaults and rejects unsafe values.
func (c *Config) Validate() error {
	if c.DirName == "" {
		c.DirName = DefaultDirName
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if filepath.IsAbs(c.DirName) || strings.Contains(c.DirName, "..") {
		return fmt.Errorf("invalid worktree dir name %q", c.DirName)
	}
	return ValidateBranchPrefix(c.BranchPrefix)
}

// ValidateBranchPrefix ensures a prefix contains only safe branch characters.
func ValidateBranchPrefix(prefix string) error {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return nil
	}
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return fmt.Errorf("invalid branch prefix")
	}
	if strings.Contains(trimmed, "..") || strings.Contains(trimmed, "@{") {
		return fmt.Errorf("invalid branch prefix")
	}
	return nil
}

// validateTaskID accepts IDs usable as both a directory name and a branch
// name component.
func validateTaskID(taskID string) error {
	if taskID == "" || len(taskID) > 128 || strings.HasPrefix(taskID, ".") || strings.HasPrefix(taskID, "-") {
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	for _, r := range taskID {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
			continue
		}
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	if strings.Contains(taskID, "..") || strings.HasSuffix(taskID, ".lock") {
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	return nil
}
