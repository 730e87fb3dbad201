package executor

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a task.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether no further transitions can happen.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Failure and cancellation reasons recorded on a task.
const (
	ReasonTimeout     = "timeout"
	ReasonCancelled   = "cancelled"
	ReasonStartFailed = "start_failed"
	ReasonPanic       = "worker_panic"
	ReasonShutdown    = "shutdown"
)

// exitCodeReason is the reason recorded for an agent that exited non-zero.
func exitCodeReason(code int) string {
	return "exit_code:" + strconv.Itoa(code)
}

// Task is a point-in-time view of one agent run.
type Task struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	ProjectPath string     `json:"project_path"`
	Description string     `json:"description"`
	Account     string     `json:"account"`
	Provider    string     `json:"provider"`
	Model       string     `json:"model,omitempty"`
	State       State      `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CancelRequested bool `json:"cancel_requested"`

	WorktreePath string `json:"worktree_path"`
	Branch       string `json:"branch"`
	BaseCommit   string `json:"base_commit"`
	HasChanges   bool   `json:"has_changes"`

	StreamID string `json:"stream_id,omitempty"`
	// AgentSessionID is the provider's conversation id, kept only for
	// providers that can continue a conversation.
	AgentSessionID string `json:"agent_session_id,omitempty"`
}

// StreamEvent types delivered through GetEvents.
const (
	StreamState   = "state"
	StreamOutput  = "output"
	StreamMessage = "message"
	StreamWarning = "warning"
)

// StreamEvent is one item buffered for non-multiplexer consumers.
type StreamEvent struct {
	Type      string                 `json:"type"`
	TaskID    string                 `json:"task_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// taskRun is the executor's mutable record of a task.
type taskRun struct {
	id string

	mu   sync.Mutex
	task Task

	events chan StreamEvent
	closed bool

	// lastOutput is the unix nano time of the last observed output byte.
	lastOutput atomic.Int64
	done       chan struct{}
}

func newTaskRun(t Task, queueSize int) *taskRun {
	r := &taskRun{
		id:     t.ID,
		task:   t,
		events: make(chan StreamEvent, queueSize),
		done:   make(chan struct{}),
	}
	r.touch()
	return r
}

func (r *taskRun) snapshot() Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.task
	if t.ExitCode != nil {
		code := *t.ExitCode
		t.ExitCode = &code
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		t.CompletedAt = &at
	}
	return t
}

func (r *taskRun) update(fn func(t *Task)) Task {
	r.mu.Lock()
	fn(&r.task)
	r.mu.Unlock()
	return r.snapshot()
}

func (r *taskRun) touch() {
	r.lastOutput.Store(time.Now().UnixNano())
}

func (r *taskRun) idle() time.Duration {
	return time.Since(time.Unix(0, r.lastOutput.Load()))
}

func (r *taskRun) cancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task.CancelRequested
}

// push buffers ev for GetEvents. A full queue drops the event.
func (r *taskRun) push(eventType string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	ev := StreamEvent{Type: eventType, TaskID: r.id, Timestamp: time.Now().UTC(), Data: data}
	select {
	case r.events <- ev:
	default:
	}
}

// closeEvents ends the event queue after the final state event.
func (r *taskRun) closeEvents() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
}
