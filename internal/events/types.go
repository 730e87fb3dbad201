// Package events defines the subjects agentrun publishes and accepts on the
// event bus.
package events

// Task lifecycle notifications published by the executor.
const (
	TaskStateChanged = "task.state_changed"
	TaskOutput       = "task.output"
)

// Commands accepted by the daemon.
const (
	TaskStart  = "task.start"
	TaskCancel = "task.cancel"
)

// Source is the Event.Source value for events produced by agentrun.
const Source = "agentrun"

// BuildTaskSubject returns the per-task subject for an event type,
// e.g. "task.state_changed.ab12cd34".
func BuildTaskSubject(eventType, taskID string) string {
	return eventType + "." + taskID
}
