// Package eventmux merges live PTY output with a session's event log into a
// single stream ordered by event log sequence number.
package eventmux

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/eventlog"
	"github.com/kandev/agentrun/internal/ptysession"
)

const (
	defaultPingInterval = 15 * time.Second
	defaultPollInterval = 100 * time.Millisecond
)

// ErrSeqAhead is reported when a client resumes from a sequence number the
// event log has not reached.
var ErrSeqAhead = errors.New("resume sequence is ahead of the event log")

// EventLog is the read side of the event log.
type EventLog interface {
	Since(ctx context.Context, sessionID string, sinceSeq int64, types ...string) ([]eventlog.Entry, error)
	LatestSeq(ctx context.Context, sessionID string) (int64, error)
}

// Sessions finds and follows live PTY sessions. *ptysession.Manager
// implements it.
type Sessions interface {
	LatestBySession(ownerSessionID string) (ptysession.Snapshot, bool)
	Subscribe(streamID string) (*ptysession.Subscription, error)
}

// Config holds multiplexer settings. Zero values select defaults.
type Config struct {
	PingInterval time.Duration
	PollInterval time.Duration
}

// StreamRequest selects what StreamSince emits.
type StreamRequest struct {
	SessionID         string
	SinceSeq          int64
	IncludeTerminal   bool
	IncludeStructured bool
}

// Multiplexer produces merged streams. It is stateless between calls.
type Multiplexer struct {
	cfg      Config
	log      EventLog
	sessions Sessions
	logger   *logger.Logger
}

// New creates a Multiplexer. sessions may be nil, in which case streams
// are served from the event log alone.
func New(cfg Config, log EventLog, sessions Sessions, l *logger.Logger) *Multiplexer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Multiplexer{
		cfg:      cfg,
		log:      log,
		sessions: sessions,
		logger:   l.WithFields(zap.String("component", "event-mux")),
	}
}

// StreamSince calls handler for every event after req.SinceSeq until the
// session ends, ctx is done or handler returns an error. Entries already in
// the log are replayed first; then the live PTY session, when there is
// one, paces the stream and the log is polled otherwise.
//
// Every terminal_output entry the PTY's sink logged is emitted from the log,
// so a stream from 0 and a stream resumed from any emitted Seq see the same
// events with no gaps or duplicates.
func (m *Multiplexer) StreamSince(ctx context.Context, req StreamRequest, handler func(Event) error) error {
	st := &stream{
		m:        m,
		req:      req,
		handler:  handler,
		lastSeq:  req.SinceSeq,
		lastPing: time.Now(),
	}
	log := m.logger.WithSessionID(req.SessionID)

	latest, err := m.log.LatestSeq(ctx, req.SessionID)
	if err != nil {
		return fmt.Errorf("read latest seq: %w", err)
	}
	if req.SinceSeq > latest {
		log.Warn("client resumed ahead of event log",
			zap.Int64("since_seq", req.SinceSeq),
			zap.Int64("latest_seq", latest))
		return st.emit(KindError, map[string]interface{}{"error": ErrSeqAhead.Error(), "latest_seq": latest})
	}

	if err := st.drain(ctx); err != nil {
		return err
	}
	if st.ended {
		return st.complete()
	}

	var followed string
	for {
		if m.sessions != nil {
			snap, ok := m.sessions.LatestBySession(req.SessionID)
			if ok && !snap.Active && snap.ExitCode != nil && snap.StreamID != st.exitFrom {
				st.setExit(snap.StreamID, *snap.ExitCode)
			}
			if ok && snap.Active && snap.StreamID != followed {
				followed = snap.StreamID
				done, err := st.follow(ctx, snap.StreamID)
				if err != nil || done {
					return err
				}
				continue
			}
		}

		if err := st.drain(ctx); err != nil {
			return err
		}
		if st.ended {
			return st.complete()
		}
		if err := st.maybePing(); err != nil {
			return err
		}
		if err := sleepCtx(ctx, m.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// stream is the state of one StreamSince call.
type stream struct {
	m        *Multiplexer
	req      StreamRequest
	handler  func(Event) error
	lastSeq  int64
	lastPing time.Time
	ended    bool
	exitCode *int
	exitFrom string // stream that reported exitCode
}

// follow streams one PTY session. It returns done=true when the stream is
// over; otherwise the PTY exited without the session ending and the caller
// falls back to polling for a continuation.
func (st *stream) follow(ctx context.Context, streamID string) (bool, error) {
	sub, err := st.m.sessions.Subscribe(streamID)
	if err != nil {
		if errors.Is(err, ptysession.ErrSessionNotFound) {
			return false, nil
		}
		return true, err
	}
	defer sub.Close()

	for {
		wait, cancel := context.WithTimeout(ctx, st.m.cfg.PollInterval)
		ev, ok := sub.Next(wait)
		timedOut := !ok && wait.Err() != nil
		cancel()
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		// Output is a wake-up: the sink already logged it, so the drain
		// below emits it in log order together with structured entries.
		if err := st.drain(ctx); err != nil {
			return true, err
		}
		if st.ended {
			if ok && ev.Kind == ptysession.EventExit {
				st.setExit(streamID, ev.ExitCode)
			}
			return true, st.complete()
		}
		if err := st.maybePing(); err != nil {
			return true, err
		}
		if timedOut {
			continue
		}
		if !ok {
			// Subscription closed without a terminal event.
			return false, nil
		}

		switch ev.Kind {
		case ptysession.EventExit:
			st.setExit(streamID, ev.ExitCode)
			return false, nil
		case ptysession.EventError:
			return true, st.emit(KindError, map[string]interface{}{"error": ev.Message})
		}
	}
}

func (st *stream) setExit(streamID string, code int) {
	c := code
	st.exitCode = &c
	st.exitFrom = streamID
}

// drain emits every log entry after lastSeq.
func (st *stream) drain(ctx context.Context) error {
	entries, err := st.m.log.Since(ctx, st.req.SessionID, st.lastSeq)
	if err != nil {
		return fmt.Errorf("read event log: %w", err)
	}
	for i := range entries {
		e := &entries[i]
		st.lastSeq = e.Seq
		if err := st.emitEntry(e); err != nil {
			return err
		}
		if e.Type == eventlog.TypeSessionEnded {
			st.ended = true
			return nil
		}
	}
	return nil
}

func (st *stream) emitEntry(e *eventlog.Entry) error {
	if e.IsTerminal() {
		if !st.req.IncludeTerminal {
			return nil
		}
		p, ok := eventlog.DecodeTerminal(e)
		if !ok {
			st.m.logger.Debug("skipping malformed terminal entry", zap.Int64("seq", e.Seq))
			return nil
		}
		return st.emit(KindTerminal, map[string]interface{}{
			"data":     p.Data,
			"text":     p.Text,
			"has_ansi": p.HasANSI,
			"ts":       e.Timestamp,
		})
	}
	if !st.req.IncludeStructured {
		return nil
	}
	return st.emit(KindStructured, map[string]interface{}{
		"event_id": e.EventID,
		"type":     e.Type,
		"turn_id":  e.TurnID,
		"ts":       e.Timestamp,
		"data":     e.Data,
	})
}

func (st *stream) emit(kind Kind, payload map[string]interface{}) error {
	return st.handler(Event{Kind: kind, Payload: payload, Seq: st.lastSeq, Synthetic: kind.IsSynthetic()})
}

func (st *stream) complete() error {
	if st.exitCode == nil && st.m.sessions != nil {
		if snap, ok := st.m.sessions.LatestBySession(st.req.SessionID); ok && snap.ExitCode != nil {
			st.setExit(snap.StreamID, *snap.ExitCode)
		}
	}
	var code interface{}
	if st.exitCode != nil {
		code = *st.exitCode
	}
	return st.emit(KindComplete, map[string]interface{}{"exit_code": code})
}

func (st *stream) maybePing() error {
	now := time.Now()
	if now.Sub(st.lastPing) < st.m.cfg.PingInterval {
		return nil
	}
	st.lastPing = now
	return st.emit(KindPing, map[string]interface{}{"ts": now.UTC()})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
