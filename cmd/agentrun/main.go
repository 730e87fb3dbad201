// Package main is the agentrun entry point. "agentrun serve" runs the
// daemon that accepts tasks on the event bus; the other commands run a
// single task or operate on task worktrees from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agentrun",
	Short: "Run coding agents in isolated git worktrees",
	Long: `agentrun runs coding agent CLIs inside pseudo-terminals, one git worktree
per task, and records everything they print to a per-session event log.

  agentrun serve                                  Run the daemon
  agentrun run --project . --account work "..."   Run one task and follow it
  agentrun merge --project . --task <id>          Merge a task branch
  agentrun cleanup --project .                    Reap stale processes and worktrees`,
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory containing config.yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
