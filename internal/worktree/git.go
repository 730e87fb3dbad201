package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// gitResult is the observable outcome of one git invocation.
type gitResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output returns stdout and stderr joined, for error messages.
func (r gitResult) Output() string {
	out := strings.TrimSpace(r.Stdout)
	if errOut := strings.TrimSpace(r.Stderr); errOut != "" {
		if out != "" {
			out += "\n"
		}
		out += errOut
	}
	return out
}

// hasConflict reports whether git said a merge stopped on conflicts.
func (r gitResult) hasConflict() bool {
	return strings.Contains(r.Stdout, "CONFLICT") || strings.Contains(r.Stderr, "CONFLICT")
}

// runGit runs git in dir. A non-zero exit is not an error; err is set only
// when git could not be run at all.
func runGit(ctx context.Context, dir string, args ...string) (gitResult, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = gitEnv(os.Environ())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := gitResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("%w: git %s: %v", ErrGitCommandFailed, strings.Join(args, " "), err)
	}
	return res, nil
}

// mustGit is runGit for commands whose failure aborts the operation.
func mustGit(ctx context.Context, dir string, args ...string) (string, error) {
	res, err := runGit(ctx, dir, args...)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%w: git %s: %s", ErrGitCommandFailed, strings.Join(args, " "), res.Output())
	}
	return res.Stdout, nil
}

// gitEnv drops variables that would point git at another repository and
// keeps git from prompting for credentials or editors.
func gitEnv(env []string) []string {
	result := make([]string, 0, len(env)+3)
	for _, e := range env {
		if strings.HasPrefix(e, "GIT_DIR=") || strings.HasPrefix(e, "GIT_WORK_TREE=") || strings.HasPrefix(e, "GIT_INDEX_FILE=") {
			continue
		}
		result = append(result, e)
	}
	return append(result, "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true", "GIT_MERGE_AUTOEDIT=no")
}
