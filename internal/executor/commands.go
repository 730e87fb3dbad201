package executor

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/events"
	"github.com/kandev/agentrun/internal/events/bus"
)

// Reply event types for bus commands.
const (
	TaskStartReply  = "task.start.reply"
	TaskCancelReply = "task.cancel.reply"
)

// SubscribeCommands serves task.start and task.cancel requests from the
// bus. Requests that carry a reply subject get an answer event. The
// returned function unsubscribes.
func (e *Executor) SubscribeCommands(eventBus bus.EventBus) (func(), error) {
	startSub, err := eventBus.Subscribe(events.TaskStart, func(ctx context.Context, ev *bus.Event) error {
		return e.handleStartCommand(ctx, eventBus, ev)
	})
	if err != nil {
		return nil, err
	}
	cancelSub, err := eventBus.Subscribe(events.TaskCancel, func(ctx context.Context, ev *bus.Event) error {
		return e.handleCancelCommand(ctx, eventBus, ev)
	})
	if err != nil {
		_ = startSub.Unsubscribe()
		return nil, err
	}
	return func() {
		_ = startSub.Unsubscribe()
		_ = cancelSub.Unsubscribe()
	}, nil
}

func (e *Executor) handleStartCommand(ctx context.Context, eventBus bus.EventBus, ev *bus.Event) error {
	task, err := e.StartTask(ctx, StartTaskRequest{
		SessionID:   ev.String("session_id"),
		ProjectPath: ev.String("project_path"),
		Description: ev.String("description"),
		Account:     ev.String("account"),
	})
	data := map[string]interface{}{}
	if err != nil {
		e.logger.Warn("task.start command rejected", zap.Error(err))
		data["error"] = err.Error()
		data["code"] = errorCode(err)
	} else {
		data["task_id"] = task.ID
		data["session_id"] = task.SessionID
		data["state"] = string(task.State)
		data["worktree_path"] = task.WorktreePath
		data["branch"] = task.Branch
	}
	return reply(ctx, eventBus, ev, TaskStartReply, data)
}

func (e *Executor) handleCancelCommand(ctx context.Context, eventBus bus.EventBus, ev *bus.Event) error {
	taskID := ev.String("task_id")
	cancelled := e.CancelTask(taskID)
	return reply(ctx, eventBus, ev, TaskCancelReply, map[string]interface{}{
		"task_id":   taskID,
		"cancelled": cancelled,
	})
}

func reply(ctx context.Context, eventBus bus.EventBus, req *bus.Event, eventType string, data map[string]interface{}) error {
	subject := req.ReplySubject()
	if subject == "" {
		return nil
	}
	return eventBus.Publish(ctx, subject, bus.NewEvent(eventType, events.Source, data))
}

// errorCode maps start errors to stable codes for remote callers.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidProject), errors.Is(err, ErrEmptyDescription):
		return "invalid_project"
	case errors.Is(err, ErrUnknownAccount):
		return "unknown_account"
	case errors.Is(err, ErrNotVersionControlled):
		return "not_version_controlled"
	case errors.Is(err, ErrExecutorClosed):
		return "unavailable"
	default:
		return "internal"
	}
}
