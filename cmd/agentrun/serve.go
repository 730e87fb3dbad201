package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/eventlog"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agentrun daemon",
	Long: `Run the daemon. Tasks are started and cancelled through "task.start" and
"task.cancel" requests on the event bus, and lifecycle notifications are
published under "task.state_changed.<id>" and "task.output.<id>".`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	log := a.log
	log.Info("Starting agentrun daemon", zap.String("event_log", a.cfg.EventLog.Driver))

	// 1. Reap processes left behind by a previous run
	ctx := cmd.Context()
	if reaped := a.registry.CleanupStale(ctx, a.cfg.Registry.StaleMaxAgeDuration()); len(reaped) > 0 {
		log.Info("Reaped stale agent processes", zap.Ints("pids", reaped))
	}

	// 2. Drop expired session logs
	pruneEventLog(ctx, a)

	// 3. Remove worktrees no live agent process is using
	for repo, ids := range a.executor.CleanupAllOrphanWorktrees(ctx) {
		log.Info("Removed orphan worktrees", zap.String("repo", repo), zap.Strings("task_ids", ids))
	}

	// 4. Accept commands
	unsubscribe, err := a.executor.SubscribeCommands(a.bus)
	if err != nil {
		a.shutdown(shutdownTimeout)
		return err
	}
	log.Info("agentrun daemon ready")

	// 5. Wait for a shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	unsubscribe()
	a.shutdown(shutdownTimeout)
	log.Info("agentrun daemon stopped")
	return nil
}

func pruneEventLog(ctx context.Context, a *app) {
	days := a.cfg.EventLog.RetentionDays
	if days <= 0 {
		return
	}
	pruner, ok := a.events.(eventlog.Pruner)
	if !ok {
		return
	}
	removed, err := pruner.Prune(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		a.log.Warn("failed to prune event log", zap.Error(err))
		return
	}
	if removed > 0 {
		a.log.Info("Pruned expired session logs", zap.Int("sessions", removed))
	}
}
