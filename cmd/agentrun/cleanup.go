package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cleanupProject   string
	cleanupWorktrees bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reap stale agent processes and orphan worktrees",
	Long: `Terminate agent processes recorded by an earlier run that are still alive,
prune expired session logs and, with --worktrees, remove task worktrees of
the project that no live agent process is using.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().StringVarP(&cleanupProject, "project", "p", "", "project directory (default: current directory)")
	cleanupCmd.Flags().BoolVar(&cleanupWorktrees, "worktrees", false, "also remove orphan task worktrees")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx := cmd.Context()

	reaped := a.registry.CleanupStale(ctx, a.cfg.Registry.StaleMaxAgeDuration())
	a.log.Info("Reaped stale agent processes", zap.Ints("pids", reaped))
	pruneEventLog(ctx, a)

	if !cleanupWorktrees {
		return nil
	}
	project, err := projectDir(cleanupProject)
	if err != nil {
		return err
	}
	removed, err := a.executor.CleanupOrphanWorktrees(ctx, project)
	if err != nil {
		return err
	}
	a.log.Info("Removed orphan worktrees", zap.Strings("task_ids", removed))
	return printJSON(removed)
}
