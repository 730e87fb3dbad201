package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentrun/internal/agents"
	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/eventlog"
	"github.com/kandev/agentrun/internal/events"
	"github.com/kandev/agentrun/internal/events/bus"
	"github.com/kandev/agentrun/internal/procreg"
	"github.com/kandev/agentrun/internal/ptysession"
	"github.com/kandev/agentrun/internal/worktree"
)

const mockAgentScript = `printf 'Add a comment\n' > AGENT_NOTES.md
printf '{"type":"system","subtype":"init","session_id":"conv-9"}\n'
printf '{"type":"assistant","message":{"content":[{"type":"text","text":"Adding a comment"}]}}\n'
printf '{"type":"result","result":"Added a comment to README"}\n'`

// resumableAgentScript stops after a progress message on its first run and
// reports a result once resumed: sh sees "--resume <id>" as $0 and $1.
const resumableAgentScript = `echo run >> PHASES.txt
if [ "$0" = "--resume" ]; then
  printf '{"type":"system","subtype":"init","session_id":"%s"}\n' "$1"
  printf '{"type":"result","result":"Finished after resuming %s"}\n' "$1"
else
  printf '{"type":"system","subtype":"init","session_id":"conv-7"}\n'
  printf '{"type":"assistant","message":{"content":[{"type":"text","text":"Explored, implementing next"}]}}\n'
fi`

// stubbornAgentScript never reports a result.
const stubbornAgentScript = `echo run >> PHASES.txt
printf '{"type":"system","subtype":"init","session_id":"conv-8"}\n'`

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func setupTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "--initial-branch=main"},
		{"config", "user.email", "test@test.com"},
		{"config", "user.name", "Test User"},
		{"config", "commit.gpgsign", "false"},
		{"config", "core.hooksPath", "/dev/null"},
	} {
		runGitT(t, dir, args...)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test Repo\n"), 0o644); err != nil {
		t.Fatalf("failed to write README: %v", err)
	}
	runGitT(t, dir, "add", ".")
	runGitT(t, dir, "commit", "-m", "Initial commit")
	return dir
}

func runGitT(t *testing.T, dir string, args ...string) {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\nOutput: %s", args, err, out)
	}
}

type testEnv struct {
	exec      *Executor
	sessions  *ptysession.Manager
	registry  *procreg.Registry
	worktrees *worktree.Managers
	store     *eventlog.MemoryStore
	bus       *bus.MemoryEventBus
	pidFile   string
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	log := newTestLogger()

	pidFile := filepath.Join(t.TempDir(), "procs.pid")
	registry := procreg.New(procreg.Config{
		PidFile:          pidFile,
		TerminateTimeout: 500 * time.Millisecond,
	}, log)
	sessions := ptysession.NewManager(ptysession.Config{TerminateTimeout: 500 * time.Millisecond}, registry, log)
	worktrees, err := worktree.NewManagers(worktree.Config{}, nil, log)
	require.NoError(t, err)
	store := eventlog.NewMemoryStore()
	memBus := bus.NewMemoryEventBus(log)

	catalog := agents.NewCatalog("")
	catalog.Register(agents.Provider{
		Name:                 "scripted",
		Command:              agents.NewCommand("sh", "-c", mockAgentScript),
		PromptMode:           agents.PromptArg,
		StreamJSON:           true,
		SupportsContinuation: true,
	})
	for name, script := range map[string]string{"resumable": resumableAgentScript, "stubborn": stubbornAgentScript} {
		catalog.Register(agents.Provider{
			Name:                 name,
			Command:              agents.NewCommand("sh", "-c", script),
			PromptMode:           agents.PromptArg,
			ResumeFlag:           agents.NewParam("--resume", "{session}"),
			StreamJSON:           true,
			SupportsContinuation: true,
		})
	}
	catalog.Register(agents.Provider{
		Name:       "silent",
		Command:    agents.NewCommand("sh", "-c", "sleep 30"),
		PromptMode: agents.PromptArg,
	})
	catalog.Register(agents.Provider{
		Name:       "failing",
		Command:    agents.NewCommand("sh", "-c", "echo broken; exit 3"),
		PromptMode: agents.PromptArg,
	})
	catalog.Register(agents.Provider{
		Name:       "reader",
		Command:    agents.NewCommand("sh", "-c", `read line; echo "got:$line"`),
		PromptMode: agents.PromptStdin,
		StdinPipe:  true,
	})

	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = 20 * time.Millisecond
	}
	if cfg.InitialInputDelay == 0 {
		cfg.InitialInputDelay = 10 * time.Millisecond
	}

	ex, err := NewExecutor(cfg, Dependencies{
		Sessions:  sessions,
		Processes: registry,
		Worktrees: worktrees,
		Catalog:   catalog,
		Accounts: agents.Accounts{
			"work": {Name: "work", Provider: "scripted", Model: "fast"},
		},
		EventLog: store,
		Bus:      memBus,
	}, log)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = ex.Shutdown(ctx)
		_ = sessions.Shutdown(ctx)
		memBus.Close()
	})
	return &testEnv{exec: ex, sessions: sessions, registry: registry, worktrees: worktrees, store: store, bus: memBus, pidFile: pidFile}
}

func waitTask(t *testing.T, e *Executor, taskID string) Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	task, err := e.Wait(ctx, taskID)
	if err != nil {
		t.Fatalf("task %s did not finish: %v (state %s)", taskID, err, task.State)
	}
	return task
}

func entryTypes(entries []eventlog.Entry) []string {
	types := make([]string, len(entries))
	for i, e := range entries {
		types[i] = e.Type
	}
	return types
}

func TestStartTask_Validation(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	repo := setupTestRepo(t)

	_, err := env.exec.StartTask(ctx, StartTaskRequest{ProjectPath: filepath.Join(repo, "missing"), Description: "x", Account: "work"})
	assert.ErrorIs(t, err, ErrInvalidProject)

	_, err = env.exec.StartTask(ctx, StartTaskRequest{ProjectPath: filepath.Join(repo, "README.md"), Description: "x", Account: "work"})
	assert.ErrorIs(t, err, ErrInvalidProject)

	_, err = env.exec.StartTask(ctx, StartTaskRequest{ProjectPath: repo, Description: "x", Account: "nobody"})
	assert.ErrorIs(t, err, ErrUnknownAccount)

	_, err = env.exec.StartTask(ctx, StartTaskRequest{ProjectPath: t.TempDir(), Description: "x", Account: "work"})
	assert.ErrorIs(t, err, ErrNotVersionControlled)
	assert.ErrorIs(t, err, worktree.ErrRepoNotGit)

	_, err = env.exec.StartTask(ctx, StartTaskRequest{ProjectPath: repo, Description: "  ", Account: "work"})
	assert.ErrorIs(t, err, ErrEmptyDescription)

	assert.Empty(t, env.exec.ListTasks())
	assert.Empty(t, env.sessions.List(), "no agent may be spawned for a rejected task")
}

func TestStartTask_CompletesWithMockAgent(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	repo := setupTestRepo(t)

	var mu sync.Mutex
	var states []string
	sub, err := env.bus.Subscribe(events.TaskStateChanged+".*", func(_ context.Context, ev *bus.Event) error {
		mu.Lock()
		states = append(states, ev.String("state"))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	task, err := env.exec.StartTask(ctx, StartTaskRequest{
		SessionID:   "session-1",
		ProjectPath: repo,
		Description: "Add a comment to README",
		Account:     "work",
	})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, task.State)
	assert.Equal(t, "session-1", task.SessionID)
	assert.DirExists(t, task.WorktreePath)
	assert.Equal(t, "agent-task-"+task.ID, task.Branch)

	final := waitTask(t, env.exec, task.ID)
	require.Equal(t, StateCompleted, final.State, "error: %s", final.Error)
	assert.Equal(t, "Added a comment to README", final.Result)
	assert.True(t, final.HasChanges)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, "conv-9", final.AgentSessionID)
	assert.FileExists(t, filepath.Join(final.WorktreePath, "AGENT_NOTES.md"))

	mgr, err := env.worktrees.For(ctx, repo)
	require.NoError(t, err)
	assert.True(t, mgr.HasChanges(ctx, task.ID))

	entries, err := env.store.Since(ctx, "session-1", 0)
	require.NoError(t, err)
	types := entryTypes(entries)
	require.NotEmpty(t, types)
	assert.Equal(t, eventlog.TypeSessionStarted, types[0])
	assert.Equal(t, eventlog.TypeSessionEnded, types[len(types)-1])
	assert.Contains(t, types, eventlog.TypeModelSelected)
	assert.Contains(t, types, eventlog.TypeUserMessage)
	assert.Contains(t, types, eventlog.TypeTerminalOutput)
	assert.Contains(t, types, eventlog.TypeAssistantMessage)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.Equal(t, "completed", entries[len(entries)-1].Data["state"])

	assert.Empty(t, env.sessions.List(), "the PTY session is released")
	assert.Empty(t, env.registry.VerifyCleanup())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == string(StateCompleted)
	}, 5*time.Second, 20*time.Millisecond)
	mu.Lock()
	assert.Equal(t, string(StateRunning), states[0])
	mu.Unlock()
}

func TestGetEvents_DrainsUntilFinished(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	task, err := env.exec.StartTask(ctx, StartTaskRequest{ProjectPath: setupTestRepo(t), Description: "go", Account: "scripted"})
	require.NoError(t, err)
	waitTask(t, env.exec, task.ID)

	var all []StreamEvent
	for i := 0; i < 100; i++ {
		batch, err := env.exec.GetEvents(ctx, task.ID, 50*time.Millisecond)
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
	}
	require.NotEmpty(t, all)
	assert.Equal(t, StreamState, all[0].Type)
	assert.Equal(t, string(StateRunning), all[0].Data["state"])
	last := all[len(all)-1]
	assert.Equal(t, StreamState, last.Type)
	assert.Equal(t, string(StateCompleted), last.Data["state"])

	var sawOutput, sawResult bool
	for _, ev := range all {
		assert.Equal(t, task.ID, ev.TaskID)
		switch {
		case ev.Type == StreamOutput:
			sawOutput = true
		case ev.Type == StreamMessage && ev.Data["type"] == "result":
			sawResult = true
		}
	}
	assert.True(t, sawOutput)
	assert.True(t, sawResult)

	_, err = env.exec.GetEvents(ctx, "missing", 0)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestStartTask_InactivityTimeout(t *testing.T) {
	env := newTestEnv(t, Config{InactivityTimeout: 600 * time.Millisecond, WarningRatio: 0.5})
	ctx := context.Background()

	task, err := env.exec.StartTask(ctx, StartTaskRequest{ProjectPath: setupTestRepo(t), Description: "hang", Account: "silent"})
	require.NoError(t, err)

	var pid int
	require.Eventually(t, func() bool {
		snap, ok := env.sessions.LatestBySession(task.SessionID)
		if ok {
			pid = snap.PID
		}
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	final := waitTask(t, env.exec, task.ID)
	assert.Equal(t, StateFailed, final.State)
	assert.Equal(t, ReasonTimeout, final.Reason)
	assert.Equal(t, ErrAgentTimeout.Error(), final.Error)
	assert.False(t, final.HasChanges)

	err = syscall.Kill(pid, 0)
	assert.True(t, errors.Is(err, syscall.ESRCH), "agent process %d still alive: %v", pid, err)
	assert.Empty(t, env.registry.VerifyCleanup())

	entries, err := env.store.Since(ctx, task.SessionID, 0)
	require.NoError(t, err)
	types := entryTypes(entries)
	assert.Contains(t, types, eventlog.TypeInactivityWarning)
	ended := entries[len(entries)-1]
	assert.Equal(t, eventlog.TypeSessionEnded, ended.Type)
	assert.Equal(t, ReasonTimeout, ended.Data["reason"])
}

func TestStartTask_NonZeroExitFails(t *testing.T) {
	env := newTestEnv(t, Config{})
	task, err := env.exec.StartTask(context.Background(), StartTaskRequest{ProjectPath: setupTestRepo(t), Description: "x", Account: "failing"})
	require.NoError(t, err)

	final := waitTask(t, env.exec, task.ID)
	assert.Equal(t, StateFailed, final.State)
	assert.Equal(t, "exit_code:3", final.Reason)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 3, *final.ExitCode)
	assert.Empty(t, final.AgentSessionID)
}

func TestStartTask_PromptOnStdin(t *testing.T) {
	env := newTestEnv(t, Config{})
	task, err := env.exec.StartTask(context.Background(), StartTaskRequest{ProjectPath: setupTestRepo(t), Description: "hello world", Account: "reader"})
	require.NoError(t, err)

	final := waitTask(t, env.exec, task.ID)
	require.Equal(t, StateCompleted, final.State, "error: %s", final.Error)
	assert.Equal(t, "got:hello world", final.Result)
	assert.False(t, final.HasChanges)
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t, Config{})
	task, err := env.exec.StartTask(context.Background(), StartTaskRequest{ProjectPath: setupTestRepo(t), Description: "x", Account: "silent"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, _ := env.exec.GetTask(task.ID)
		return snap.StreamID != ""
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, env.exec.CancelTask(task.ID))
	assert.True(t, env.exec.CancelTask(task.ID), "repeated cancel while running is accepted")

	final := waitTask(t, env.exec, task.ID)
	assert.Equal(t, StateCancelled, final.State)
	assert.Equal(t, ReasonCancelled, final.Reason)
	assert.True(t, final.CancelRequested)

	assert.False(t, env.exec.CancelTask(task.ID), "finished tasks cannot be cancelled")
	assert.False(t, env.exec.CancelTask("missing"))
}

func TestShutdown_CancelsRunningTasks(t *testing.T) {
	env := newTestEnv(t, Config{})
	repo := setupTestRepo(t)
	task, err := env.exec.StartTask(context.Background(), StartTaskRequest{ProjectPath: repo, Description: "x", Account: "silent"})
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, env.exec.ActiveTaskIDs())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, env.exec.Shutdown(ctx))

	final, ok := env.exec.GetTask(task.ID)
	require.True(t, ok)
	assert.Equal(t, StateCancelled, final.State)
	assert.Equal(t, ReasonShutdown, final.Reason)
	assert.Empty(t, env.exec.ActiveTaskIDs())

	_, err = env.exec.StartTask(context.Background(), StartTaskRequest{ProjectPath: repo, Description: "x", Account: "silent"})
	assert.ErrorIs(t, err, ErrExecutorClosed)
}

func TestCleanupOrphanWorktrees_KeepsWorktreesOfLiveProcesses(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	repo := setupTestRepo(t)
	mgr, err := env.worktrees.For(ctx, repo)
	require.NoError(t, err)
	busy, err := mgr.CreateWorktree(ctx, "busy")
	require.NoError(t, err)
	_, err = mgr.CreateWorktree(ctx, "stale")
	require.NoError(t, err)

	// An agent started by another agentrun instance still works in busy.
	agent := exec.Command("sleep", "30")
	agent.Dir = busy.Path
	require.NoError(t, agent.Start())
	t.Cleanup(func() {
		_ = agent.Process.Kill()
		_ = agent.Wait()
	})
	f, err := os.OpenFile(env.pidFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = fmt.Fprintf(f, "%d:%d:%s\n", agent.Process.Pid, time.Now().Unix(), busy.Path)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	removed, err := env.exec.CleanupOrphanWorktrees(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, removed)
	assert.True(t, mgr.WorktreeExists("busy"))
	assert.False(t, mgr.WorktreeExists("stale"))
	assert.NoError(t, agent.Process.Signal(syscall.Signal(0)), "agent keeps running")

	assert.Empty(t, env.exec.CleanupAllOrphanWorktrees(ctx))
}

func phaseCount(t *testing.T, worktreePath string) int {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(worktreePath, "PHASES.txt"))
	if err != nil {
		t.Fatalf("failed to read phase log: %v", err)
	}
	return strings.Count(string(data), "run\n")
}

func TestStartTask_ContinuesAgentThatStoppedEarly(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	repo := setupTestRepo(t)

	task, err := env.exec.StartTask(ctx, StartTaskRequest{
		SessionID:   "session-c",
		ProjectPath: repo,
		Description: "Refactor the parser",
		Account:     "resumable",
	})
	require.NoError(t, err)

	final := waitTask(t, env.exec, task.ID)
	require.Equal(t, StateCompleted, final.State, "error: %s", final.Error)
	assert.Equal(t, "Finished after resuming conv-7", final.Result)
	assert.Equal(t, "conv-7", final.AgentSessionID)
	assert.Equal(t, 2, phaseCount(t, final.WorktreePath))

	entries, err := env.store.Since(ctx, "session-c", 0)
	require.NoError(t, err)
	var prompts []eventlog.Entry
	for _, e := range entries {
		if e.Type == eventlog.TypeUserMessage {
			prompts = append(prompts, e)
		}
	}
	require.Len(t, prompts, 2)
	assert.Equal(t, "Refactor the parser", prompts[0].Data["text"])
	assert.Equal(t, agents.ContinuationPrompt, prompts[1].Data["text"])
	assert.Equal(t, "continuation", prompts[1].Data["phase"])
	assert.NotEqual(t, prompts[0].TurnID, prompts[1].TurnID, "each phase is its own turn")
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.Equal(t, eventlog.TypeSessionEnded, entries[len(entries)-1].Type)

	assert.Empty(t, env.sessions.List(), "every phase's PTY session is released")
	assert.Empty(t, env.registry.VerifyCleanup())
}

func TestStartTask_ContinuationAttemptsAreCapped(t *testing.T) {
	env := newTestEnv(t, Config{MaxContinuations: 2})
	ctx := context.Background()
	repo := setupTestRepo(t)

	task, err := env.exec.StartTask(ctx, StartTaskRequest{ProjectPath: repo, Description: "Keep going", Account: "stubborn"})
	require.NoError(t, err)
	final := waitTask(t, env.exec, task.ID)
	require.Equal(t, StateCompleted, final.State, "error: %s", final.Error)
	assert.Equal(t, 3, phaseCount(t, final.WorktreePath), "first run plus two continuations")

	env = newTestEnv(t, Config{MaxContinuations: -1})
	task, err = env.exec.StartTask(ctx, StartTaskRequest{ProjectPath: setupTestRepo(t), Description: "Keep going", Account: "stubborn"})
	require.NoError(t, err)
	final = waitTask(t, env.exec, task.ID)
	assert.Equal(t, 1, phaseCount(t, final.WorktreePath), "continuation disabled")
}
