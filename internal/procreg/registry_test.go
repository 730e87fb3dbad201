//go:build !windows

package procreg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentrun/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(Config{
		PidFile:          filepath.Join(t.TempDir(), "procs.pid"),
		TerminateTimeout: 500 * time.Millisecond,
		LockTimeout:      time.Second,
	}, newTestLogger(t))
}

// startGroup runs script in its own process group and reaps it in the background.
func startGroup(t *testing.T, script string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sh", "-c", script)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	go func() { _ = cmd.Wait() }()
	t.Cleanup(func() { _ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) })
	return cmd
}

func readPidFile(t *testing.T, r *Registry) string {
	t.Helper()
	data, err := os.ReadFile(r.cfg.PidFile)
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

func TestRegister_PersistsRecordAndGroup(t *testing.T) {
	r := newTestRegistry(t)
	cmd := startGroup(t, "sleep 30")
	pid := cmd.Process.Pid

	proc, err := r.Register(pid, "sleeper", "")
	require.NoError(t, err)
	assert.Equal(t, pid, proc.PGID, "child runs in its own group")
	assert.Contains(t, readPidFile(t, r), fmt.Sprintf("%d:", pid))

	r.Unregister(pid)
	assert.NotContains(t, readPidFile(t, r), fmt.Sprintf("%d:", pid))
	_, ok := r.Get(pid)
	assert.False(t, ok)
}

func TestRegister_RejectsInvalidPID(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(0, "bad", "")
	assert.ErrorIs(t, err, ErrInvalidPID)
}

func TestRegister_SkipsSharedGroup(t *testing.T) {
	r := newTestRegistry(t)
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	go func() { _ = cmd.Wait() }()
	defer func() { _ = cmd.Process.Kill() }()

	proc, err := r.Register(cmd.Process.Pid, "same-group", "")
	require.NoError(t, err)
	assert.Equal(t, 0, proc.PGID)
}

func TestTerminate_GracefulExit(t *testing.T) {
	r := newTestRegistry(t)
	cmd := startGroup(t, "sleep 30")
	pid := cmd.Process.Pid
	_, err := r.Register(pid, "graceful", "")
	require.NoError(t, err)

	start := time.Now()
	require.True(t, r.Terminate(context.Background(), pid, 2*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.False(t, processAlive(pid))
	assert.NotContains(t, r.VerifyCleanup(), pid)
}

func TestTerminate_EscalatesWhenTermIgnored(t *testing.T) {
	r := newTestRegistry(t)
	cmd := startGroup(t, `trap "" TERM; sleep 30 & wait`)
	pid := cmd.Process.Pid
	_, err := r.Register(pid, "stubborn", "")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.True(t, r.Terminate(context.Background(), pid, 300*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	assert.False(t, processAlive(pid))
	assert.NotContains(t, r.VerifyCleanup(), pid)
}

func TestTerminate_AlreadyDead(t *testing.T) {
	r := newTestRegistry(t)
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	assert.True(t, r.Terminate(context.Background(), cmd.Process.Pid, time.Second))
}

func TestTerminateAll(t *testing.T) {
	r := newTestRegistry(t)
	var pids []int
	for i := 0; i < 3; i++ {
		cmd := startGroup(t, "sleep 30")
		_, err := r.Register(cmd.Process.Pid, "batch", "")
		require.NoError(t, err)
		pids = append(pids, cmd.Process.Pid)
	}

	alive := r.TerminateAll(context.Background())
	assert.Empty(t, alive)
	for _, pid := range pids {
		assert.False(t, processAlive(pid), "pid %d still alive", pid)
	}
	assert.Empty(t, r.List())
	assert.Empty(t, strings.TrimSpace(readPidFile(t, r)))
}

func TestVerifyCleanup_DropsDeadRecords(t *testing.T) {
	r := newTestRegistry(t)
	live := startGroup(t, "sleep 30")
	dead := exec.Command("true")
	require.NoError(t, dead.Run())

	_, err := r.Register(live.Process.Pid, "live", "")
	require.NoError(t, err)
	_, err = r.Register(dead.Process.Pid, "dead", "")
	require.NoError(t, err)

	assert.Equal(t, []int{live.Process.Pid}, r.VerifyCleanup())
	_, ok := r.Get(dead.Process.Pid)
	assert.False(t, ok)
}

func TestCleanupStale_KillsOldRecordsFromPreviousInstance(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "procs.pid")
	old := startGroup(t, "sleep 30")
	fresh := startGroup(t, "sleep 30")

	// Records are second-granular, so "old" is one second before its
	// process started and fresh lies in the future.
	oldStarted := time.Now().Add(-time.Second).Unix()
	freshStarted := time.Now().Add(time.Hour).Unix()
	content := fmt.Sprintf("%d:%d\n%d:%d:/work/fresh\nnot-a-record\n",
		old.Process.Pid, oldStarted,
		fresh.Process.Pid, freshStarted)
	require.NoError(t, os.WriteFile(pidFile, []byte(content), 0o644))

	r := New(Config{PidFile: pidFile, TerminateTimeout: 500 * time.Millisecond}, newTestLogger(t))
	killed := r.CleanupStale(context.Background(), 500*time.Millisecond)

	assert.Equal(t, []int{old.Process.Pid}, killed)
	assert.False(t, processAlive(old.Process.Pid))
	assert.True(t, processAlive(fresh.Process.Pid))

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d:%d:/work/fresh\n", fresh.Process.Pid, freshStarted), string(data))
}

func TestCleanupStale_SkipsReusedPID(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("process start times are read from /proc")
	}
	pidFile := filepath.Join(t.TempDir(), "procs.pid")
	// The process started now, long after the record claims its pid was
	// registered: the recorded process is gone and the pid was handed out again.
	unrelated := startGroup(t, "sleep 30")
	content := fmt.Sprintf("%d:%d\n", unrelated.Process.Pid, time.Now().Add(-time.Hour).Unix())
	require.NoError(t, os.WriteFile(pidFile, []byte(content), 0o644))

	r := New(Config{PidFile: pidFile, TerminateTimeout: 500 * time.Millisecond}, newTestLogger(t))
	killed := r.CleanupStale(context.Background(), time.Minute)

	assert.Empty(t, killed)
	assert.True(t, processAlive(unrelated.Process.Pid), "unrelated process must not be signalled")
	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Empty(t, string(data), "record of the reused pid is dropped")
}

func TestProcessStartTime(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("process start times are read from /proc")
	}
	cmd := startGroup(t, "sleep 30")
	started, ok := processStartTime(cmd.Process.Pid)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), started, startTimeSlack)
}

func TestLiveDirs(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "procs.pid")
	other := startGroup(t, "sleep 30")
	dead := exec.Command("true")
	require.NoError(t, dead.Run())
	// Records written by another instance sharing the pidfile.
	content := fmt.Sprintf("%d:%d:/work/other\n%d:%d:/work/dead\n",
		other.Process.Pid, time.Now().Unix(),
		dead.Process.Pid, time.Now().Unix())
	require.NoError(t, os.WriteFile(pidFile, []byte(content), 0o644))

	r := New(Config{PidFile: pidFile, TerminateTimeout: 500 * time.Millisecond}, newTestLogger(t))
	own := startGroup(t, "sleep 30")
	_, err := r.Register(own.Process.Pid, "own", "/work/own")
	require.NoError(t, err)
	assert.Contains(t, readPidFile(t, r), fmt.Sprintf("%d:", own.Process.Pid))
	assert.Contains(t, readPidFile(t, r), ":/work/own\n")

	dirs, err := r.LiveDirs()
	require.NoError(t, err)
	assert.Equal(t, []string{"/work/other", "/work/own"}, dirs)
}

func TestFileLock_TimesOutWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	holder := newFileLock(path)
	release, err := holder.Lock(time.Second)
	require.NoError(t, err)
	defer func() { _ = release() }()

	// A second lock object opens its own descriptor, like another process would.
	other := newFileLock(path)
	_, err = other.Lock(100 * time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
}
