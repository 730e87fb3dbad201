package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kandev/agentrun/internal/events"
	"github.com/kandev/agentrun/internal/events/bus"
)

const requestTimeout = 10 * time.Second

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task running in the daemon",
	Long:  `Send a task.cancel request to a daemon over NATS. Requires nats.url.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	if a.cfg.NATS.URL == "" {
		return errors.New("cancel needs a daemon reachable over NATS (set nats.url)")
	}

	resp, err := a.bus.Request(cmd.Context(), events.TaskCancel,
		bus.NewEvent(events.TaskCancel, events.Source, map[string]interface{}{"task_id": args[0]}),
		requestTimeout)
	if err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}
	if cancelled, _ := resp.Data["cancelled"].(bool); !cancelled {
		return fmt.Errorf("task %s is not running", args[0])
	}
	fmt.Printf("cancellation requested for task %s\n", args[0])
	return nil
}
