package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kandev/agentrun/internal/worktree"
)

var (
	mergeProject string
	mergeTask    string
	mergeMessage string
	mergeTarget  string
	mergeResolve string
	mergeAbort   bool
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge a task branch into the main branch",
	Long: `Merge the worktree branch of a task into the main branch of the project.

Conflicts are printed as JSON and the merge is left in progress. Run again
with --resolve ours|theirs to settle every hunk and commit, or with --abort
to give up.`,
	Args: cobra.NoArgs,
	RunE: runMerge,
}

func init() {
	mergeCmd.Flags().StringVarP(&mergeProject, "project", "p", "", "project directory (default: current directory)")
	mergeCmd.Flags().StringVarP(&mergeTask, "task", "t", "", "task id whose branch to merge")
	mergeCmd.Flags().StringVarP(&mergeMessage, "message", "m", "", "merge commit message")
	mergeCmd.Flags().StringVar(&mergeTarget, "target", "", "branch to merge into (default: main branch)")
	mergeCmd.Flags().StringVar(&mergeResolve, "resolve", "", "resolve an in-progress merge: ours or theirs")
	mergeCmd.Flags().BoolVar(&mergeAbort, "abort", false, "abort an in-progress merge")
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, _ []string) error {
	project, err := projectDir(mergeProject)
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	mgr, err := a.worktrees.For(ctx, project)
	if err != nil {
		return err
	}

	switch {
	case mergeAbort:
		if !mgr.AbortMerge(ctx) {
			return errors.New("no merge to abort")
		}
		fmt.Println("merge aborted")
		return nil
	case mergeResolve != "":
		return resolveMerge(cmd, mgr)
	}

	if mergeTask == "" {
		return errors.New("--task is required")
	}
	msg := mergeMessage
	if msg == "" {
		msg = "Merge task " + mergeTask
	}
	merged, conflicts, err := mgr.MergeToMain(ctx, mergeTask, msg, mergeTarget)
	if err != nil {
		return err
	}
	if merged {
		fmt.Printf("merged task %s\n", mergeTask)
		return nil
	}
	if err := printJSON(conflicts); err != nil {
		return err
	}
	return fmt.Errorf("merge has conflicts in %d file(s)", len(conflicts))
}

func resolveMerge(cmd *cobra.Command, mgr *worktree.Manager) error {
	var useIncoming bool
	switch mergeResolve {
	case "ours":
	case "theirs":
		useIncoming = true
	default:
		return fmt.Errorf("invalid --resolve %q: want ours or theirs", mergeResolve)
	}
	ctx := cmd.Context()
	if !mgr.ResolveAllConflicts(ctx, useIncoming) {
		return errors.New("failed to resolve conflicts")
	}
	if !mgr.CompleteMerge(ctx) {
		return errors.New("failed to complete merge")
	}
	fmt.Println("merge completed")
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
