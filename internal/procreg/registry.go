// Package procreg tracks every OS process agentrun spawns and guarantees it
// is eventually terminated, including after an unclean restart.
package procreg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/common/tracing"
)

const (
	defaultPidFile          = "/tmp/agentrun_processes.pid"
	defaultTerminateTimeout = 2 * time.Second
	defaultLockTimeout      = 10 * time.Second
	exitPollInterval        = 50 * time.Millisecond
	killConfirmWindow       = 500 * time.Millisecond
	terminateAllParallelism = 8
	// startTimeSlack absorbs the second-granular record timestamps and boot
	// time when comparing a record against the live process start time.
	startTimeSlack = 5 * time.Second
)

// ManagedProcess is a process the registry is responsible for.
type ManagedProcess struct {
	PID         int
	PGID        int // 0 when no separate group is known
	StartedAt   time.Time
	Description string
	Dir         string // working directory, empty when not known
}

// Config holds registry settings. Zero values select defaults.
type Config struct {
	PidFile          string
	TerminateTimeout time.Duration
	LockTimeout      time.Duration
}

// Registry keeps managed processes in memory and mirrors them to a
// lock-protected pidfile so another instance can reap orphans.
type Registry struct {
	cfg    Config
	lock   *fileLock
	logger *logger.Logger

	mu    sync.Mutex
	procs map[int]*ManagedProcess
}

// New creates a Registry.
func New(cfg Config, log *logger.Logger) *Registry {
	if cfg.PidFile == "" {
		cfg.PidFile = defaultPidFile
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = defaultTerminateTimeout
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	return &Registry{
		cfg:    cfg,
		lock:   newFileLock(cfg.PidFile + ".lock"),
		logger: log.WithFields(zap.String("component", "process-registry")),
		procs:  make(map[int]*ManagedProcess),
	}
}

// Register starts tracking pid and records it in the pidfile together with
// its working directory. The process group is derived here so termination
// reaches the agent's children.
func (r *Registry) Register(pid int, description, dir string) (*ManagedProcess, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	proc := &ManagedProcess{
		PID:         pid,
		PGID:        processGroup(pid),
		StartedAt:   time.Now(),
		Description: description,
		Dir:         dir,
	}

	r.mu.Lock()
	r.procs[pid] = proc
	r.mu.Unlock()

	if err := r.persistAdd(proc); err != nil {
		r.logger.Warn("failed to persist process record", zap.Int("pid", pid), zap.Error(err))
	}

	r.logger.Debug("process registered",
		zap.Int("pid", pid),
		zap.Int("pgid", proc.PGID),
		zap.String("description", description),
		zap.String("dir", dir))
	out := *proc
	return &out, nil
}

// Unregister stops tracking pid. Unknown pids are ignored.
func (r *Registry) Unregister(pid int) {
	r.mu.Lock()
	_, ok := r.procs[pid]
	delete(r.procs, pid)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := r.persistRemove(pid); err != nil {
		r.logger.Warn("failed to update process record", zap.Int("pid", pid), zap.Error(err))
	}
}

// Get returns a copy of the record for pid.
func (r *Registry) Get(pid int) (ManagedProcess, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[pid]
	if !ok {
		return ManagedProcess{}, false
	}
	return *p, true
}

// List returns copies of all records ordered by pid.
func (r *Registry) List() []ManagedProcess {
	r.mu.Lock()
	out := make([]ManagedProcess, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, *p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Terminate escalates graceful termination to a forceful kill and reports
// whether the process is confirmed dead. A timeout <= 0 uses the configured
// default. Confirmed-dead processes are unregistered.
func (r *Registry) Terminate(ctx context.Context, pid int, timeout time.Duration) bool {
	ctx, span := tracing.TraceProcessTerminate(ctx, pid)
	defer span.End()

	if timeout <= 0 {
		timeout = r.cfg.TerminateTimeout
	}

	pgid := 0
	if proc, ok := r.Get(pid); ok {
		pgid = proc.PGID
	}
	log := r.logger.WithFields(zap.Int("pid", pid), zap.Int("pgid", pgid))

	if !processAlive(pid) {
		r.Unregister(pid)
		tracing.TraceResult(span, "already_dead", nil)
		return true
	}

	if err := signalGraceful(pid, pgid); err != nil {
		log.Debug("graceful signal failed", zap.Error(err))
	}
	if waitForExit(ctx, pid, timeout) {
		r.Unregister(pid)
		log.Debug("process exited after graceful signal")
		tracing.TraceResult(span, "graceful", nil)
		return true
	}

	log.Warn("process ignored graceful signal, killing", zap.Duration("timeout", timeout))
	if err := signalForceful(pid, pgid); err != nil {
		log.Debug("forceful signal failed", zap.Error(err))
	}
	if waitForExit(ctx, pid, killConfirmWindow) {
		r.Unregister(pid)
		tracing.TraceResult(span, "killed", nil)
		return true
	}

	err := fmt.Errorf("process %d still alive after kill", pid)
	log.Error("process termination failed", zap.Error(err))
	tracing.TraceResult(span, "failed", err)
	return false
}

// waitForExit polls liveness until the deadline passes or ctx ends.
func waitForExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()

	for {
		if !processAlive(pid) {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return !processAlive(pid)
		case <-ctx.Done():
			return !processAlive(pid)
		}
	}
}

// TerminateAll terminates every registered process concurrently and returns
// the pids still alive afterwards.
func (r *Registry) TerminateAll(ctx context.Context) []int {
	procs := r.List()
	if len(procs) == 0 {
		return nil
	}
	r.logger.Info("terminating all managed processes", zap.Int("count", len(procs)))

	var g errgroup.Group
	g.SetLimit(terminateAllParallelism)
	for _, p := range procs {
		pid := p.PID
		g.Go(func() error {
			r.Terminate(ctx, pid, r.cfg.TerminateTimeout)
			return nil
		})
	}
	_ = g.Wait()

	return r.VerifyCleanup()
}

// VerifyCleanup returns registered pids that are still alive. Records of
// dead processes are dropped as a side effect.
func (r *Registry) VerifyCleanup() []int {
	var alive []int
	for _, p := range r.List() {
		if processAlive(p.PID) {
			alive = append(alive, p.PID)
			continue
		}
		r.Unregister(p.PID)
	}
	return alive
}

// CleanupStale kills processes from the pidfile that started more than
// maxAge ago, including ones left by a previous instance, and returns the
// pids it killed. Records of dead processes are removed.
func (r *Registry) CleanupStale(ctx context.Context, maxAge time.Duration) []int {
	unlock, err := r.lock.Lock(r.cfg.LockTimeout)
	if err != nil {
		r.logger.Warn("stale cleanup skipped", zap.Error(err))
		return nil
	}
	records, err := r.readRecords()
	if err != nil {
		_ = unlock()
		r.logger.Warn("failed to read process records", zap.Error(err))
		return nil
	}

	cutoff := time.Now().Add(-maxAge)
	var stale, keep []record
	for _, rec := range records {
		switch {
		case !processAlive(rec.pid):
		case pidReused(rec):
			r.logger.Warn("dropping record of reused pid", zap.Int("pid", rec.pid))
		case rec.startedAt.Before(cutoff):
			stale = append(stale, rec)
		default:
			keep = append(keep, rec)
		}
	}
	if err := r.writeRecords(keep); err != nil {
		r.logger.Warn("failed to rewrite process records", zap.Error(err))
	}
	_ = unlock()

	var killed []int
	for _, rec := range stale {
		r.mu.Lock()
		if _, ok := r.procs[rec.pid]; !ok {
			r.procs[rec.pid] = &ManagedProcess{
				PID:         rec.pid,
				PGID:        processGroup(rec.pid),
				StartedAt:   rec.startedAt,
				Description: "stale",
				Dir:         rec.dir,
			}
		}
		r.mu.Unlock()

		if r.Terminate(ctx, rec.pid, r.cfg.TerminateTimeout) {
			killed = append(killed, rec.pid)
		}
	}
	if len(killed) > 0 {
		r.logger.Info("killed stale processes", zap.Ints("pids", killed))
	}
	return killed
}

// LiveDirs returns the working directories of live processes recorded in
// the pidfile by any instance sharing it, this one included.
func (r *Registry) LiveDirs() ([]string, error) {
	unlock, err := r.lock.Lock(r.cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	records, err := r.readRecords()
	_ = unlock()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var dirs []string
	add := func(dir string) {
		if dir != "" && !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	for _, rec := range records {
		if processAlive(rec.pid) && !pidReused(rec) {
			add(rec.dir)
		}
	}
	for _, p := range r.List() {
		if processAlive(p.PID) {
			add(p.Dir)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// pidReused reports whether the process now holding rec.pid started after
// the record was written, i.e. the recorded process is gone and the pid
// belongs to someone else. Unknown start times trust the record.
func pidReused(rec record) bool {
	started, ok := processStartTime(rec.pid)
	if !ok {
		return false
	}
	return started.After(rec.startedAt.Add(startTimeSlack))
}

type record struct {
	pid       int
	startedAt time.Time
	dir       string
}

// String renders the pidfile line: "pid:startedAtUnix" with ":dir" appended
// when the directory is known.
func (rec record) String() string {
	if rec.dir == "" {
		return fmt.Sprintf("%d:%d", rec.pid, rec.startedAt.Unix())
	}
	return fmt.Sprintf("%d:%d:%s", rec.pid, rec.startedAt.Unix(), rec.dir)
}

func (r *Registry) persistAdd(p *ManagedProcess) error {
	unlock, err := r.lock.Lock(r.cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = unlock() }()

	f, err := os.OpenFile(r.cfg.PidFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	rec := record{pid: p.PID, startedAt: p.StartedAt, dir: p.Dir}
	if _, err := fmt.Fprintln(f, rec.String()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (r *Registry) persistRemove(pid int) error {
	unlock, err := r.lock.Lock(r.cfg.LockTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = unlock() }()

	records, err := r.readRecords()
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, rec := range records {
		if rec.pid != pid {
			kept = append(kept, rec)
		}
	}
	return r.writeRecords(kept)
}

// readRecords parses "pid:startedAtUnix[:dir]" lines. Malformed lines are
// dropped. Callers hold the file lock.
func (r *Registry) readRecords() ([]record, error) {
	f, err := os.Open(r.cfg.PidFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(strings.TrimSpace(scanner.Text()), ":", 3)
		if len(parts) < 2 {
			continue
		}
		pid, err1 := strconv.Atoi(parts[0])
		ts, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil || pid <= 0 {
			continue
		}
		rec := record{pid: pid, startedAt: time.Unix(ts, 0)}
		if len(parts) == 3 {
			rec.dir = parts[2]
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

// writeRecords replaces the pidfile atomically. Callers hold the file lock.
func (r *Registry) writeRecords(records []record) error {
	var b strings.Builder
	for _, rec := range records {
		b.WriteString(rec.String())
		b.WriteByte('\n')
	}
	tmp := r.cfg.PidFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.cfg.PidFile)
}
