// Package ptysession runs processes attached to pseudo-terminals and fans
// their output out to live subscribers and one synchronous logging sink.
package ptysession

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/procreg"
)

const (
	defaultCols             = 120
	defaultRows             = 40
	defaultHistorySize      = 1000
	defaultSubscriberSize   = 1000
	defaultTerminateTimeout = 2 * time.Second
	defaultPollInterval     = 50 * time.Millisecond
	readChunkSize           = 32 * 1024
	carryHoldTimeout        = time.Second
	exitReapTimeout         = 2 * time.Second
)

// Config holds manager settings. Zero values select defaults.
type Config struct {
	DefaultCols      uint16
	DefaultRows      uint16
	HistorySize      int
	SubscriberSize   int
	TerminateTimeout time.Duration
	PollInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultCols == 0 {
		c.DefaultCols = defaultCols
	}
	if c.DefaultRows == 0 {
		c.DefaultRows = defaultRows
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.SubscriberSize <= 0 {
		c.SubscriberSize = defaultSubscriberSize
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = defaultTerminateTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// ProcessRegistry is the subset of procreg.Registry the manager uses.
type ProcessRegistry interface {
	Register(pid int, description, dir string) (*procreg.ManagedProcess, error)
	Unregister(pid int)
	Terminate(ctx context.Context, pid int, timeout time.Duration) bool
}

// StartRequest describes a process to start on a new PTY.
type StartRequest struct {
	OwnerSessionID string
	Command        []string
	Dir            string
	Env            map[string]string // merged over the host environment
	Rows           uint16
	Cols           uint16
	Sink           Sink
	// StdinPipe connects the child's stdin to a pipe instead of the PTY,
	// for programs that read their input until end of file.
	StdinPipe bool
}

// Manager owns all PTY sessions of the process.
type Manager struct {
	cfg      Config
	registry ProcessRegistry
	logger   *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
	startSeq uint64
}

// NewManager creates a Manager. registry may be nil, in which case
// termination is escalated locally.
func NewManager(cfg Config, registry ProcessRegistry, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		registry: registry,
		logger:   log.WithFields(zap.String("component", "pty-manager")),
		sessions: make(map[string]*session),
	}
}

// Start spawns the command and returns the new stream id.
func (m *Manager) Start(req StartRequest) (string, error) {
	if len(req.Command) == 0 || req.Command[0] == "" {
		return "", ErrEmptyCommand
	}
	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = m.cfg.DefaultCols
	}
	if rows == 0 {
		rows = m.cfg.DefaultRows
	}
	env := mergeEnv(os.Environ(), req.Env)

	sp, err := spawnPTY(spawnRequest{
		argv:      req.Command,
		dir:       req.Dir,
		env:       env,
		cols:      cols,
		rows:      rows,
		stdinPipe: req.StdinPipe,
	})
	if err != nil {
		return "", err
	}

	streamID := uuid.New().String()
	m.mu.Lock()
	m.startSeq++
	seq := m.startSeq
	m.mu.Unlock()

	s := &session{
		streamID:       streamID,
		ownerSessionID: req.OwnerSessionID,
		pid:            sp.pid,
		command:        append([]string(nil), req.Command...),
		dir:            req.Dir,
		env:            env,
		stdinPipe:      req.StdinPipe,
		startedAt:      time.Now().UTC(),
		seq:            seq,
		pty:            sp.pty,
		stdin:          sp.stdin,
		sink:           req.Sink,
		active:         true,
		historySize:    m.cfg.HistorySize,
		subs:           make(map[int]*subscriber),
		waitDone:       make(chan struct{}),
		done:           make(chan struct{}),
	}

	if m.registry != nil {
		desc := fmt.Sprintf("pty %s: %s", streamID, strings.Join(req.Command, " "))
		if _, err := m.registry.Register(sp.pid, desc, req.Dir); err != nil {
			m.logger.Warn("failed to register pty process",
				zap.String("stream_id", streamID),
				zap.Int("pid", sp.pid),
				zap.Error(err))
		}
	}

	m.mu.Lock()
	m.sessions[streamID] = s
	m.mu.Unlock()

	go func() {
		s.waitStatus = sp.wait()
		close(s.waitDone)
	}()
	go m.readLoop(s)

	m.logger.Info("pty session started",
		zap.String("stream_id", streamID),
		zap.String("owner_session_id", req.OwnerSessionID),
		zap.Int("pid", sp.pid),
		zap.String("command", req.Command[0]),
		zap.String("dir", req.Dir))
	return streamID, nil
}

// mergeEnv overlays extra onto base. TERM defaults to xterm-256color so
// agents emit the sequences a PTY consumer expects.
func mergeEnv(base []string, extra map[string]string) []string {
	vars := make(map[string]string, len(base)+len(extra)+1)
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	for k, v := range extra {
		vars[k] = v
	}
	if vars["TERM"] == "" {
		vars["TERM"] = "xterm-256color"
	}
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) get(streamID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[streamID]
}

// Subscribe returns a live view of the stream. Recent events are replayed
// first; see Subscription.Next.
func (m *Manager) Subscribe(streamID string) (*Subscription, error) {
	s := m.get(streamID)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, streamID)
	}
	return s.subscribe(m.cfg.SubscriberSize), nil
}

// SendInput writes data to the process. It returns false when the session
// is unknown, has ended, or is being terminated.
func (m *Manager) SendInput(streamID string, data []byte) bool {
	s := m.get(streamID)
	if s == nil || !s.acceptsInput() {
		return false
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	if s.stdinPipe {
		if s.stdin == nil {
			return false
		}
		_, err = s.stdin.Write(data)
	} else {
		_, err = s.pty.Write(data)
	}
	if err != nil {
		m.logger.Debug("pty input write failed", zap.String("stream_id", streamID), zap.Error(err))
		return false
	}
	return true
}

// CloseInput closes the stdin pipe of a session started with StdinPipe.
func (m *Manager) CloseInput(streamID string) bool {
	s := m.get(streamID)
	if s == nil || !s.stdinPipe {
		return false
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.stdin == nil {
		return true
	}
	err := s.stdin.Close()
	s.stdin = nil
	return err == nil
}

// Resize changes the window size and signals the process group.
func (m *Manager) Resize(streamID string, rows, cols uint16) bool {
	s := m.get(streamID)
	if s == nil || rows == 0 || cols == 0 {
		return false
	}
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return false
	}

	s.writeMu.Lock()
	err := s.pty.Resize(cols, rows)
	s.writeMu.Unlock()
	if err != nil {
		m.logger.Debug("pty resize failed", zap.String("stream_id", streamID), zap.Error(err))
		return false
	}
	if err := notifyResize(s.pid); err != nil {
		m.logger.Debug("window change signal failed", zap.String("stream_id", streamID), zap.Error(err))
	}
	return true
}

// Terminate requests graceful termination of the session's process group,
// escalating to a forceful kill in the background. The session stops
// accepting input immediately. It returns false for unknown streams.
func (m *Manager) Terminate(streamID string) bool {
	s := m.get(streamID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	if !s.active || s.terminating {
		s.mu.Unlock()
		return true
	}
	s.terminating = true
	s.mu.Unlock()

	m.logger.Info("terminating pty session", zap.String("stream_id", streamID), zap.Int("pid", s.pid))
	go m.escalate(s)
	return true
}

func (m *Manager) escalate(s *session) {
	if m.registry != nil {
		if !m.registry.Terminate(context.Background(), s.pid, m.cfg.TerminateTimeout) {
			m.logger.Error("pty process survived termination",
				zap.String("stream_id", s.streamID),
				zap.Int("pid", s.pid))
		}
		return
	}

	if err := terminateGroup(s.pid); err != nil {
		m.logger.Debug("graceful signal failed", zap.Int("pid", s.pid), zap.Error(err))
	}
	timer := time.NewTimer(m.cfg.TerminateTimeout)
	defer timer.Stop()
	select {
	case <-s.waitDone:
		return
	case <-timer.C:
	}
	m.logger.Warn("pty process ignored graceful signal, killing", zap.Int("pid", s.pid))
	if err := killGroup(s.pid); err != nil {
		m.logger.Debug("forceful signal failed", zap.Int("pid", s.pid), zap.Error(err))
	}
}

// Done returns a channel closed once the session's read loop has finished
// and its Exit or Error event has been dispatched.
func (m *Manager) Done(streamID string) (<-chan struct{}, bool) {
	s := m.get(streamID)
	if s == nil {
		return nil, false
	}
	return s.done, true
}

// Cleanup terminates the session if needed, waits for its read loop to
// finish and forgets it.
func (m *Manager) Cleanup(ctx context.Context, streamID string) bool {
	s := m.get(streamID)
	if s == nil {
		return false
	}
	m.Terminate(streamID)
	select {
	case <-s.done:
	case <-ctx.Done():
		return false
	}
	m.mu.Lock()
	delete(m.sessions, streamID)
	m.mu.Unlock()
	return true
}

// Get returns a snapshot of the session.
func (m *Manager) Get(streamID string) (Snapshot, bool) {
	s := m.get(streamID)
	if s == nil {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// LatestBySession returns the most recently started session of an owner,
// preferring active ones.
func (m *Manager) LatestBySession(ownerSessionID string) (Snapshot, bool) {
	m.mu.Lock()
	var latest, latestActive *session
	for _, s := range m.sessions {
		if s.ownerSessionID != ownerSessionID {
			continue
		}
		if latest == nil || s.seq > latest.seq {
			latest = s
		}
		s.mu.Lock()
		active := s.active
		s.mu.Unlock()
		if active && (latestActive == nil || s.seq > latestActive.seq) {
			latestActive = s
		}
	}
	m.mu.Unlock()

	switch {
	case latestActive != nil:
		return latestActive.snapshot(), true
	case latest != nil:
		return latest.snapshot(), true
	}
	return Snapshot{}, false
}

// List returns snapshots of all sessions in start order.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	out := make([]Snapshot, len(all))
	for i, s := range all {
		out[i] = s.snapshot()
	}
	return out
}

// Shutdown terminates every session and waits for their read loops.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if !m.Cleanup(ctx, id) && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}
