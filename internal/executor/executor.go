// Package executor drives coding agents through their task lifecycle: it
// allocates a worktree, runs the agent in a PTY session, watches it for
// inactivity and cancellation, and records the outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/agents"
	"github.com/kandev/agentrun/internal/common/config"
	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/common/tracing"
	"github.com/kandev/agentrun/internal/eventlog"
	"github.com/kandev/agentrun/internal/events"
	"github.com/kandev/agentrun/internal/events/bus"
	"github.com/kandev/agentrun/internal/ptysession"
	"github.com/kandev/agentrun/internal/worktree"
)

const (
	defaultInactivityTimeout = 15 * time.Minute
	defaultWarningRatio      = 0.8
	defaultInitialInputDelay = 200 * time.Millisecond
	defaultMonitorInterval   = 100 * time.Millisecond
	defaultEventQueueSize    = 1000
	defaultMaxContinuations  = 3
	defaultCols              = 80
	defaultRows              = 24
	sessionCleanupTimeout    = 10 * time.Second
)

// Config holds executor settings. Zero values select defaults.
type Config struct {
	InactivityTimeout time.Duration
	// WarningRatio is the share of InactivityTimeout after which an
	// inactivity warning is logged.
	WarningRatio      float64
	InitialInputDelay time.Duration
	MonitorInterval   time.Duration
	EventQueueSize    int
	// MaxContinuations caps the follow-up runs started when an agent exits
	// cleanly without a result. Negative disables them.
	MaxContinuations  int
	Cols              uint16
	Rows              uint16
}

func (c Config) withDefaults() Config {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = defaultInactivityTimeout
	}
	if c.WarningRatio <= 0 || c.WarningRatio >= 1 {
		c.WarningRatio = defaultWarningRatio
	}
	if c.InitialInputDelay <= 0 {
		c.InitialInputDelay = defaultInitialInputDelay
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = defaultMonitorInterval
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = defaultEventQueueSize
	}
	if c.MaxContinuations == 0 {
		c.MaxContinuations = defaultMaxContinuations
	}
	if c.Cols == 0 {
		c.Cols = defaultCols
	}
	if c.Rows == 0 {
		c.Rows = defaultRows
	}
	return c
}

// ConfigFrom maps the executor and pty config sections.
func ConfigFrom(cfg *config.Config) Config {
	continuations := cfg.Executor.MaxContinuations
	if continuations <= 0 {
		continuations = -1
	}
	return Config{
		InactivityTimeout: cfg.Executor.InactivityTimeoutDuration(),
		WarningRatio:      cfg.Executor.WarningRatio,
		InitialInputDelay: cfg.Executor.InitialInputDelayDuration(),
		MonitorInterval:   cfg.Executor.MonitorIntervalDuration(),
		EventQueueSize:    cfg.Executor.EventQueueSize,
		MaxContinuations:  continuations,
		Cols:              uint16(cfg.PTY.Cols),
		Rows:              uint16(cfg.PTY.Rows),
	}
}

// SessionManager is the subset of ptysession.Manager the executor drives.
type SessionManager interface {
	Start(req ptysession.StartRequest) (string, error)
	SendInput(streamID string, data []byte) bool
	CloseInput(streamID string) bool
	Terminate(streamID string) bool
	Done(streamID string) (<-chan struct{}, bool)
	Get(streamID string) (ptysession.Snapshot, bool)
	Cleanup(ctx context.Context, streamID string) bool
}

// LiveProcesses reports the working directories of agent processes that
// are still running, including those of other agentrun instances.
type LiveProcesses interface {
	LiveDirs() ([]string, error)
}

// Dependencies are the collaborators of an Executor. Bus and Processes are
// optional.
type Dependencies struct {
	Sessions  SessionManager
	Processes LiveProcesses
	Worktrees *worktree.Managers
	Catalog   *agents.Catalog
	Accounts  agents.Accounts
	EventLog  eventlog.Store
	Bus       bus.EventBus
}

// StartTaskRequest describes a task to run.
type StartTaskRequest struct {
	// SessionID groups the task's event log; empty uses the task id.
	SessionID   string
	ProjectPath string
	Description string
	Account     string
}

// Executor runs tasks. Each running task owns one worker goroutine.
type Executor struct {
	cfg       Config
	sessions  SessionManager
	processes LiveProcesses
	worktrees *worktree.Managers
	catalog   *agents.Catalog
	accounts  agents.Accounts
	eventLog  eventlog.Store
	publisher *publisher
	logger    *logger.Logger

	mu     sync.RWMutex
	tasks  map[string]*taskRun
	closed bool
	wg     sync.WaitGroup
}

// NewExecutor creates an executor.
func NewExecutor(cfg Config, deps Dependencies, log *logger.Logger) (*Executor, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errors.New("executor: session manager is required")
	case deps.Worktrees == nil:
		return nil, errors.New("executor: worktree managers are required")
	case deps.Catalog == nil:
		return nil, errors.New("executor: provider catalog is required")
	case deps.EventLog == nil:
		return nil, errors.New("executor: event log store is required")
	}
	cfg = cfg.withDefaults()
	log = log.WithFields(zap.String("component", "executor"))
	return &Executor{
		cfg:       cfg,
		sessions:  deps.Sessions,
		processes: deps.Processes,
		worktrees: deps.Worktrees,
		catalog:   deps.Catalog,
		accounts:  deps.Accounts,
		eventLog:  deps.EventLog,
		publisher: newPublisher(deps.Bus, cfg.EventQueueSize, log),
		logger:    log,
		tasks:     make(map[string]*taskRun),
	}, nil
}

// StartTask validates the request, allocates the task's worktree, moves the
// task to Running and hands it to a worker. Validation failures return
// before anything is spawned.
func (e *Executor) StartTask(ctx context.Context, req StartTaskRequest) (Task, error) {
	if e.isClosed() {
		return Task{}, ErrExecutorClosed
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return Task{}, ErrEmptyDescription
	}

	projectPath, err := filepath.Abs(config.ExpandHome(req.ProjectPath))
	if err != nil || req.ProjectPath == "" {
		return Task{}, fmt.Errorf("%w: %q", ErrInvalidProject, req.ProjectPath)
	}
	if info, err := os.Stat(projectPath); err != nil || !info.IsDir() {
		return Task{}, fmt.Errorf("%w: %s", ErrInvalidProject, projectPath)
	}

	acct, err := e.accounts.Resolve(req.Account, e.catalog)
	if err != nil {
		return Task{}, err
	}

	mgr, err := e.worktrees.For(ctx, projectPath)
	if err != nil {
		if errors.Is(err, worktree.ErrRepoNotGit) {
			return Task{}, fmt.Errorf("%w: %s", ErrNotVersionControlled, projectPath)
		}
		return Task{}, err
	}

	taskID := uuid.New().String()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = taskID
	}
	r := newTaskRun(Task{
		ID:          taskID,
		SessionID:   sessionID,
		ProjectPath: mgr.RepoPath(),
		Description: description,
		Account:     acct.Name,
		Provider:    acct.Provider,
		Model:       acct.Model,
		State:       StatePending,
		StartedAt:   time.Now().UTC(),
	}, e.cfg.EventQueueSize)
	log := e.logger.WithTaskID(taskID).WithSessionID(sessionID)

	runCtx, span := tracing.TraceTaskRun(context.WithoutCancel(ctx), taskID, mgr.RepoPath(), acct.Provider)
	wtCtx, wtSpan := tracing.TraceTaskStep(runCtx, "worktree", taskID)
	wt, err := mgr.CreateWorktree(wtCtx, taskID)
	tracing.TraceResult(wtSpan, "allocated", err)
	wtSpan.End()
	if err != nil {
		tracing.TraceResult(span, string(StateFailed), err)
		span.End()
		log.Error("failed to allocate worktree", zap.Error(err))
		return Task{}, fmt.Errorf("failed to allocate worktree: %w", err)
	}

	running := r.update(func(t *Task) {
		t.State = StateRunning
		t.WorktreePath = wt.Path
		t.Branch = wt.Branch
		t.BaseCommit = wt.BaseCommit
	})

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		span.End()
		if derr := mgr.DeleteWorktree(context.WithoutCancel(ctx), taskID); derr != nil {
			log.Warn("failed to remove worktree of rejected task", zap.Error(derr))
		}
		return Task{}, ErrExecutorClosed
	}
	e.tasks[taskID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	log.Info("task started",
		zap.String("account", acct.Name),
		zap.String("provider", acct.Provider),
		zap.String("worktree_path", wt.Path),
		zap.String("branch", wt.Branch))
	e.notifyState(r, running)

	go e.run(runCtx, span, r, mgr, acct)
	return running, nil
}

// CancelTask asks a running task to stop. It returns false when the task is
// unknown or not running. The worker finalizes the task as Cancelled once
// the agent is gone.
func (e *Executor) CancelTask(taskID string) bool {
	return e.requestCancel(taskID, "")
}

func (e *Executor) requestCancel(taskID, reason string) bool {
	r := e.get(taskID)
	if r == nil {
		return false
	}
	r.mu.Lock()
	if r.task.State != StateRunning {
		r.mu.Unlock()
		return false
	}
	already := r.task.CancelRequested
	r.task.CancelRequested = true
	if reason != "" {
		r.task.Reason = reason
	}
	streamID := r.task.StreamID
	r.mu.Unlock()
	if already {
		return true
	}

	e.logger.WithTaskID(taskID).Info("task cancellation requested", zap.String("stream_id", streamID))
	r.push(StreamState, map[string]interface{}{"state": string(StateRunning), "cancel_requested": true})
	if streamID != "" {
		e.sessions.Terminate(streamID)
	}
	return true
}

// GetEvents returns the task's buffered stream events. It waits up to
// timeout for the first event and then drains whatever else is queued
// without blocking. After the task has finished and its queue is empty it
// returns immediately with no events.
func (e *Executor) GetEvents(ctx context.Context, taskID string, timeout time.Duration) ([]StreamEvent, error) {
	r := e.get(taskID)
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	var out []StreamEvent
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case ev, ok := <-r.events:
			if !ok {
				return nil, nil
			}
			out = append(out, ev)
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return out, nil
			}
			out = append(out, ev)
		default:
			return out, nil
		}
	}
}

// GetTask returns a snapshot of the task.
func (e *Executor) GetTask(taskID string) (Task, bool) {
	r := e.get(taskID)
	if r == nil {
		return Task{}, false
	}
	return r.snapshot(), true
}

// ListTasks returns snapshots of all tasks, oldest first.
func (e *Executor) ListTasks() []Task {
	e.mu.RLock()
	out := make([]Task, 0, len(e.tasks))
	for _, r := range e.tasks {
		out = append(out, r.snapshot())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Wait blocks until the task has reached a terminal state.
func (e *Executor) Wait(ctx context.Context, taskID string) (Task, error) {
	r := e.get(taskID)
	if r == nil {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// ActiveTaskIDs returns the ids of tasks that have not finished.
func (e *Executor) ActiveTaskIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var ids []string
	for id, r := range e.tasks {
		if !r.snapshot().State.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Shutdown rejects new tasks, cancels running ones and waits for their
// workers to finish.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.requestCancel(id, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("shutdown timed out waiting for task workers")
		return ctx.Err()
	}
	e.publisher.close(ctx)
	return nil
}

func (e *Executor) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *Executor) get(taskID string) *taskRun {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tasks[taskID]
}

// notifyState queues a state event for GetEvents and the bus.
func (e *Executor) notifyState(r *taskRun, t Task) {
	data := map[string]interface{}{
		"state":      string(t.State),
		"session_id": t.SessionID,
	}
	if t.Reason != "" {
		data["reason"] = t.Reason
	}
	if t.Error != "" {
		data["error"] = t.Error
	}
	if t.State == StateCompleted {
		data["has_changes"] = t.HasChanges
	}
	r.push(StreamState, data)

	busData := make(map[string]interface{}, len(data))
	for k, v := range data {
		busData[k] = v
	}
	e.publisher.publish(events.TaskStateChanged, t.ID, busData)
}
