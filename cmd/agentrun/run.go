package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/eventmux"
	"github.com/kandev/agentrun/internal/executor"
)

var (
	runProject string
	runAccount string
	runSession string
	runQuiet   bool
)

var runCmd = &cobra.Command{
	Use:   "run [flags] <description>",
	Short: "Run one task and follow its output",
	Long: `Run one task in a fresh worktree of the project and stream the agent's
terminal output until it finishes. Ctrl-C cancels the task.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().StringVarP(&runProject, "project", "p", "", "project directory (default: current directory)")
	runCmd.Flags().StringVarP(&runAccount, "account", "a", "", "account or provider name")
	runCmd.Flags().StringVar(&runSession, "session", "", "session id to record under (default: task id)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "print only the final result")
	_ = runCmd.MarkFlagRequired("account")
	rootCmd.AddCommand(runCmd)
}

func runTask(cmd *cobra.Command, args []string) error {
	project, err := projectDir(runProject)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.shutdown(shutdownTimeout)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	task, err := a.executor.StartTask(ctx, executor.StartTaskRequest{
		SessionID:   runSession,
		ProjectPath: project,
		Description: strings.Join(args, " "),
		Account:     runAccount,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "task %s running in %s (%s)\n", task.ID, task.WorktreePath, task.Branch)

	go func() {
		<-ctx.Done()
		if a.executor.CancelTask(task.ID) {
			fmt.Fprintln(os.Stderr, "\ncancelling task...")
		}
	}()

	if !runQuiet {
		// The stream ends on its own once the session is finished.
		streamCtx, cancelStream := context.WithCancel(context.Background())
		err := a.mux.StreamSince(streamCtx, eventmux.StreamRequest{
			SessionID:       task.SessionID,
			IncludeTerminal: true,
		}, printStreamEvent)
		cancelStream()
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("output stream ended early", zap.Error(err))
		}
	}

	final, err := a.executor.Wait(context.Background(), task.ID)
	if err != nil {
		return err
	}
	return printOutcome(final)
}

func printStreamEvent(ev eventmux.Event) error {
	switch ev.Kind {
	case eventmux.KindTerminal:
		data, _ := ev.Payload["data"].(string)
		if text, _ := ev.Payload["text"].(bool); text {
			_, err := os.Stdout.WriteString(data)
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil
		}
		_, err = os.Stdout.Write(raw)
		return err
	case eventmux.KindError:
		msg, _ := ev.Payload["error"].(string)
		fmt.Fprintln(os.Stderr, "stream error:", msg)
	}
	return nil
}

func printOutcome(t executor.Task) error {
	out, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr)
	fmt.Println(string(out))
	if t.State != executor.StateCompleted {
		return fmt.Errorf("task %s %s: %s", t.ID, t.State, t.Reason)
	}
	return nil
}
