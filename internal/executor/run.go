package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/agents"
	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/common/tracing"
	"github.com/kandev/agentrun/internal/eventlog"
	"github.com/kandev/agentrun/internal/events"
	"github.com/kandev/agentrun/internal/ptysession"
	"github.com/kandev/agentrun/internal/worktree"
)

// outcome is what a worker decided about a finished task.
type outcome struct {
	state          State
	reason         string
	err            error
	exitCode       *int
	result         string
	agentSessionID string
}

// agentOutput accumulates what the agent printed.
type agentOutput struct {
	screen     *agents.Screen
	parser     *agents.StreamParser
	streamJSON bool
}

// run is the task worker. Every path through it leaves the task in a
// terminal state.
func (e *Executor) run(ctx context.Context, span trace.Span, r *taskRun, mgr *worktree.Manager, acct agents.Account) {
	defer e.wg.Done()
	defer close(r.done)
	defer span.End()

	snap := r.snapshot()
	log := e.logger.WithTaskID(snap.ID).WithSessionID(snap.SessionID)
	elog := eventlog.NewLog(e.eventLog, snap.SessionID)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("task finalization panicked", zap.Any("panic", rec), zap.Stack("stack"))
			e.forceFailed(r, fmt.Errorf("worker panic: %v", rec))
		}
	}()

	out := e.execute(ctx, r, acct, elog, log)
	e.finalize(ctx, r, mgr, elog, out, log)
	tracing.TraceResult(span, string(out.state), out.err)
}

// execute runs the agent and classifies how it ended. Panics are turned
// into a Failed outcome so finalization still runs.
func (e *Executor) execute(ctx context.Context, r *taskRun, acct agents.Account, elog *eventlog.Log, log *logger.Logger) (out outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("task worker panicked", zap.Any("panic", rec), zap.Stack("stack"))
			out = outcome{state: StateFailed, reason: ReasonPanic, err: fmt.Errorf("worker panic: %v", rec)}
		}
	}()

	snap := r.snapshot()
	if r.cancelRequested() {
		return outcome{state: StateCancelled, reason: ReasonCancelled}
	}

	provider := e.catalog.Lookup(acct.Provider)
	inv := provider.Build(acct, snap.WorktreePath, snap.Description)
	if len(inv.Argv) == 0 {
		return outcome{state: StateFailed, reason: ReasonStartFailed, err: ptysession.ErrEmptyCommand}
	}
	output := &agentOutput{
		screen:     agents.NewScreen(int(e.cfg.Cols), int(e.cfg.Rows)),
		parser:     &agents.StreamParser{},
		streamJSON: inv.StreamJSON,
	}

	elog.StartTurn()
	e.appendEvent(ctx, elog, log, eventlog.TypeSessionStarted, map[string]interface{}{
		"task_id":       snap.ID,
		"account":       acct.Name,
		"provider":      inv.Provider,
		"command":       inv.Argv[0],
		"worktree_path": snap.WorktreePath,
		"branch":        snap.Branch,
		"base_commit":   snap.BaseCommit,
	})
	if acct.Model != "" {
		e.appendEvent(ctx, elog, log, eventlog.TypeModelSelected, map[string]interface{}{"model": acct.Model})
	}
	e.appendEvent(ctx, elog, log, eventlog.TypeUserMessage, map[string]interface{}{"text": snap.Description})

	agentCtx, agentSpan := tracing.TraceTaskStep(ctx, "agent", snap.ID)
	defer agentSpan.End()

	// A stream-json agent that exits cleanly without a result line stopped
	// early; it is resumed on a fresh PTY with the same conversation.
	for attempt := 1; ; attempt++ {
		out = e.runPhase(agentCtx, r, inv, elog, output, log)
		if !e.shouldContinue(provider, r, out, output, attempt) {
			break
		}
		log.Info("agent exited without a result, continuing",
			zap.Int("attempt", attempt),
			zap.String("agent_session_id", out.agentSessionID))
		e.releaseStream(ctx, r, log)

		inv = provider.BuildContinuation(acct, snap.WorktreePath, out.agentSessionID)
		elog.StartTurn()
		e.appendEvent(ctx, elog, log, eventlog.TypeUserMessage, map[string]interface{}{
			"text":    agents.ContinuationPrompt,
			"phase":   "continuation",
			"attempt": attempt,
		})
		r.push(StreamMessage, map[string]interface{}{"type": "continuation", "attempt": attempt})
	}
	tracing.TraceResult(agentSpan, out.reason, out.err)
	return out
}

// runPhase runs one agent process to completion and classifies its exit.
func (e *Executor) runPhase(ctx context.Context, r *taskRun, inv agents.Invocation, elog *eventlog.Log, output *agentOutput, log *logger.Logger) outcome {
	snap := r.snapshot()
	streamID, err := e.sessions.Start(ptysession.StartRequest{
		OwnerSessionID: snap.SessionID,
		Command:        inv.Argv,
		Dir:            snap.WorktreePath,
		Env:            inv.Env,
		Rows:           e.cfg.Rows,
		Cols:           e.cfg.Cols,
		StdinPipe:      inv.StdinPipe,
		Sink: ptysession.SinkFunc(func(ev ptysession.Event) {
			e.handleSessionEvent(ctx, r, elog, output, ev, log)
		}),
	})
	if err != nil {
		log.Error("failed to start agent", zap.Strings("command", inv.Argv), zap.Error(err))
		return outcome{state: StateFailed, reason: ReasonStartFailed, err: fmt.Errorf("failed to start agent: %w", err)}
	}
	r.touch()
	r.update(func(t *Task) { t.StreamID = streamID })
	log.Info("agent started", zap.String("stream_id", streamID), zap.String("provider", inv.Provider))

	// CancelTask may have run before the stream id was recorded.
	if r.cancelRequested() {
		e.sessions.Terminate(streamID)
	}

	timedOut := e.monitor(r, streamID, inv, elog, log)

	exitCode := -1
	if s, ok := e.sessions.Get(streamID); ok && s.ExitCode != nil {
		exitCode = *s.ExitCode
	}
	output.parser.Feed([]byte("\n"))
	out := outcome{exitCode: &exitCode, agentSessionID: output.parser.SessionID()}

	switch {
	case r.cancelRequested():
		out.state, out.reason = StateCancelled, ReasonCancelled
	case timedOut:
		out.state, out.reason, out.err = StateFailed, ReasonTimeout, ErrAgentTimeout
	case exitCode != 0:
		out.state, out.reason = StateFailed, exitCodeReason(exitCode)
		out.err = fmt.Errorf("agent exited with code %d", exitCode)
	default:
		out.state = StateCompleted
		out.result = output.parser.Result()
		if out.result == "" {
			out.result = agents.FinalResponse(nil, output.screen.Lines())
		}
	}
	return out
}

// shouldContinue reports whether a finished phase gets a follow-up run.
func (e *Executor) shouldContinue(p agents.Provider, r *taskRun, out outcome, output *agentOutput, attempt int) bool {
	return out.state == StateCompleted &&
		output.streamJSON &&
		output.parser.Result() == "" &&
		out.agentSessionID != "" &&
		p.CanContinue() &&
		attempt <= e.cfg.MaxContinuations &&
		!r.cancelRequested()
}

// releaseStream cleans up the task's current PTY session.
func (e *Executor) releaseStream(ctx context.Context, r *taskRun, log *logger.Logger) {
	streamID := r.snapshot().StreamID
	if streamID == "" {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(ctx, sessionCleanupTimeout)
	defer cancel()
	if !e.sessions.Cleanup(cleanupCtx, streamID) {
		log.Warn("failed to release agent session", zap.String("stream_id", streamID))
	}
}

// monitor waits for the agent to exit. It types the initial input, enforces
// the inactivity timeout and forwards cancellation. It reports whether the
// agent was stopped for inactivity.
func (e *Executor) monitor(r *taskRun, streamID string, inv agents.Invocation, elog *eventlog.Log, log *logger.Logger) bool {
	done, ok := e.sessions.Done(streamID)
	if !ok {
		return false
	}

	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	var inputC <-chan time.Time
	if inv.InitialInput != "" {
		timer := time.NewTimer(e.cfg.InitialInputDelay)
		defer timer.Stop()
		inputC = timer.C
	}

	timeout := e.cfg.InactivityTimeout
	warnAfter := time.Duration(float64(timeout) * e.cfg.WarningRatio)
	var warned, timedOut, stopping bool

	for {
		select {
		case <-done:
			return timedOut

		case <-inputC:
			inputC = nil
			if !e.sessions.SendInput(streamID, []byte(inv.InitialInput)) {
				log.Warn("failed to send prompt to agent", zap.String("stream_id", streamID))
			}
			if inv.StdinPipe {
				e.sessions.CloseInput(streamID)
			}

		case <-ticker.C:
			if stopping {
				continue
			}
			if r.cancelRequested() {
				stopping = true
				e.sessions.Terminate(streamID)
				continue
			}
			idle := r.idle()
			switch {
			case idle >= timeout:
				timedOut, stopping = true, true
				log.Warn("agent inactive, terminating",
					zap.String("stream_id", streamID),
					zap.Duration("idle", idle))
				e.sessions.Terminate(streamID)
			case idle >= warnAfter && !warned:
				warned = true
				data := map[string]interface{}{
					"idle_seconds":    idle.Seconds(),
					"timeout_seconds": timeout.Seconds(),
				}
				e.appendEvent(context.Background(), elog, log, eventlog.TypeInactivityWarning, data)
				r.push(StreamWarning, data)
				log.Info("agent inactive", zap.Duration("idle", idle), zap.Duration("timeout", timeout))
			case idle < warnAfter:
				warned = false
			}
		}
	}
}

// handleSessionEvent is the PTY log sink. It runs on the session's read
// loop and must not block.
func (e *Executor) handleSessionEvent(ctx context.Context, r *taskRun, elog *eventlog.Log, output *agentOutput, ev ptysession.Event, log *logger.Logger) {
	switch ev.Kind {
	case ptysession.EventOutput:
		r.touch()
		if _, err := elog.AppendTerminal(ctx, ev.Data, ev.HasControlSequences); err != nil {
			log.Debug("failed to log terminal output", zap.Error(err))
		}
		_, _ = output.screen.Write(ev.Data)

		encoded := base64.StdEncoding.EncodeToString(ev.Data)
		r.push(StreamOutput, map[string]interface{}{
			"data":     encoded,
			"encoding": eventlog.EncodingBase64,
			"has_ansi": ev.HasControlSequences,
		})
		e.publisher.publish(events.TaskOutput, r.id, map[string]interface{}{
			"stream_id": ev.StreamID,
			"data":      encoded,
			"has_ansi":  ev.HasControlSequences,
		})

		if output.streamJSON {
			for _, msg := range output.parser.Feed(ev.Data) {
				e.recordMessage(ctx, r, elog, msg, log)
			}
		}
	case ptysession.EventError:
		log.Warn("agent session error", zap.String("stream_id", ev.StreamID), zap.String("message", ev.Message))
	}
}

// recordMessage logs one decoded stream-json message.
func (e *Executor) recordMessage(ctx context.Context, r *taskRun, elog *eventlog.Log, msg agents.Message, log *logger.Logger) {
	switch msg.Type {
	case "assistant":
		e.appendEvent(ctx, elog, log, eventlog.TypeAssistantMessage, map[string]interface{}{"text": msg.Text})
		r.push(StreamMessage, map[string]interface{}{"type": msg.Type, "text": msg.Text})
	case "tool_use":
		e.appendEvent(ctx, elog, log, eventlog.TypeToolCallStarted, map[string]interface{}{
			"tool":  msg.Tool,
			"input": msg.Input,
		})
		r.push(StreamMessage, map[string]interface{}{"type": msg.Type, "tool": msg.Tool})
	case "result":
		r.push(StreamMessage, map[string]interface{}{"type": msg.Type, "text": msg.Text})
	}
}

// finalize releases the PTY session, inspects the worktree and records the
// terminal state.
func (e *Executor) finalize(ctx context.Context, r *taskRun, mgr *worktree.Manager, elog *eventlog.Log, out outcome, log *logger.Logger) {
	e.releaseStream(ctx, r, log)
	snap := r.snapshot()

	hasChanges := mgr.HasChanges(ctx, snap.ID)
	if out.state == StateCancelled && snap.Reason != "" {
		out.reason = snap.Reason
	}
	agentSessionID := out.agentSessionID
	if !e.catalog.Lookup(snap.Provider).SupportsContinuation {
		agentSessionID = ""
	}

	now := time.Now().UTC()
	final := r.update(func(t *Task) {
		t.State = out.state
		t.Reason = out.reason
		t.Result = out.result
		t.ExitCode = out.exitCode
		t.HasChanges = hasChanges
		t.AgentSessionID = agentSessionID
		t.CompletedAt = &now
		if out.err != nil {
			t.Error = out.err.Error()
		}
	})

	ended := map[string]interface{}{
		"task_id":     final.ID,
		"state":       string(final.State),
		"has_changes": final.HasChanges,
	}
	if final.Reason != "" {
		ended["reason"] = final.Reason
	}
	if final.ExitCode != nil {
		ended["exit_code"] = *final.ExitCode
	}
	if final.Result != "" {
		ended["result"] = final.Result
	}
	if final.Error != "" {
		ended["error"] = final.Error
	}
	e.appendEvent(ctx, elog, log, eventlog.TypeSessionEnded, ended)

	fields := []zap.Field{
		zap.String("state", string(final.State)),
		zap.String("reason", final.Reason),
		zap.Bool("has_changes", final.HasChanges),
		zap.Duration("duration", now.Sub(final.StartedAt)),
	}
	if final.State == StateCompleted {
		log.Info("task finished", fields...)
	} else {
		log.Warn("task finished", append(fields, zap.String("error", final.Error))...)
	}

	e.notifyState(r, final)
	r.closeEvents()
}

// forceFailed marks a task Failed when finalization itself broke down.
func (e *Executor) forceFailed(r *taskRun, err error) {
	now := time.Now().UTC()
	changed := false
	final := r.update(func(t *Task) {
		if t.State.IsTerminal() {
			return
		}
		changed = true
		t.State = StateFailed
		t.Reason = ReasonPanic
		t.Error = err.Error()
		t.CompletedAt = &now
	})
	if changed {
		e.notifyState(r, final)
	}
	r.closeEvents()
}

// appendEvent writes a structured event. Log failures never affect the task.
func (e *Executor) appendEvent(ctx context.Context, elog *eventlog.Log, log *logger.Logger, eventType string, data map[string]interface{}) {
	if _, err := elog.Append(ctx, eventType, data); err != nil {
		log.Warn("failed to append event log entry", zap.String("type", eventType), zap.Error(err))
	}
}
