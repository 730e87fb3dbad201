package ptysession

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// readLoop is the session's single reader. It polls with a short timeout so
// a reaped child is noticed even when a grandchild keeps the PTY open.
func (m *Manager) readLoop(s *session) {
	defer close(s.done)
	log := m.logger.WithStreamID(s.streamID)
	buf := make([]byte, readChunkSize)
	var readErr error

	for {
		n, err := s.pty.ReadTimeout(buf, m.cfg.PollInterval)
		if n > 0 {
			m.handleOutput(s, buf[:n])
			continue
		}
		if s.carry.expired(time.Now(), carryHoldTimeout) {
			m.flushCarry(s)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("pty read failed", zap.Error(err))
				readErr = err
			}
			break
		}
		select {
		case <-s.waitDone:
		default:
			continue
		}
		break
	}

	m.flushCarry(s)
	m.finish(s, readErr)
}

// handleOutput answers terminal queries on behalf of the missing terminal
// and dispatches what is left. Cursor position queries are removed from
// the stream; device attribute queries pass through. A query prefix at the
// end of data is held back until the next read completes or rules it out.
func (m *Manager) handleOutput(s *session, data []byte) {
	cleaned, queries := stripCursorQueries(s.carry.join(data))
	cleaned = s.carry.hold(cleaned, time.Now())
	for i := 0; i < queries; i++ {
		m.reply(s, cursorPositionResponse)
	}
	if containsDA1Query(cleaned) {
		m.reply(s, deviceAttrsResponse)
	}
	if len(cleaned) == 0 {
		return
	}

	m.dispatchOutput(s, cleaned)
}

// dispatchOutput copies data out of the read buffer and dispatches it.
func (m *Manager) dispatchOutput(s *session, data []byte) {
	out := make([]byte, len(data))
	copy(out, data)
	m.dispatch(s, Event{
		Kind:                EventOutput,
		StreamID:            s.streamID,
		Data:                out,
		HasControlSequences: hasControlSequences(out),
	})
}

// flushCarry dispatches a held query prefix that never completed.
func (m *Manager) flushCarry(s *session) {
	if rest := s.carry.take(); len(rest) > 0 {
		m.dispatchOutput(s, rest)
	}
}

func (m *Manager) reply(s *session, response []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.pty.Write(response); err != nil {
		m.logger.Debug("failed to answer terminal query",
			zap.String("stream_id", s.streamID),
			zap.Error(err))
	}
}

// dispatch hands ev to the sink and then to subscribers.
func (m *Manager) dispatch(s *session, ev Event) {
	if s.sink != nil {
		m.callSink(s, ev)
	}
	s.record(ev)
}

func (m *Manager) callSink(s *session, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("pty log sink panicked",
				zap.String("stream_id", s.streamID),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	s.sink.HandleEvent(ev)
}

// finish reaps the child, emits the single terminal event and releases the
// descriptor. A child that does not exit after its PTY closed is killed.
// readErr turns the Exit event into an Error event.
func (m *Manager) finish(s *session, readErr error) {
	code := -1
	timer := time.NewTimer(exitReapTimeout)
	select {
	case <-s.waitDone:
		code = s.waitStatus
	case <-timer.C:
		m.logger.Warn("pty closed but process still running, killing",
			zap.String("stream_id", s.streamID),
			zap.Int("pid", s.pid))
		_ = killGroup(s.pid)
		timer.Reset(exitReapTimeout)
		select {
		case <-s.waitDone:
			code = s.waitStatus
		case <-timer.C:
		}
	}
	timer.Stop()

	s.mu.Lock()
	s.exitCode = &code
	s.mu.Unlock()

	if readErr != nil {
		m.dispatch(s, Event{Kind: EventError, StreamID: s.streamID, ExitCode: code, Message: readErr.Error()})
	} else {
		m.dispatch(s, Event{Kind: EventExit, StreamID: s.streamID, ExitCode: code})
	}

	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.pty.Close()
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
	s.writeMu.Unlock()

	if m.registry != nil {
		m.registry.Unregister(s.pid)
	}
	m.logger.Info("pty session exited",
		zap.String("stream_id", s.streamID),
		zap.Int("pid", s.pid),
		zap.Int("exit_code", code))
}
