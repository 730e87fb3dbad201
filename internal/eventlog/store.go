package eventlog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists entries for many sessions.
type Store interface {
	// Append assigns the next Seq for e.SessionID and persists e. EventID and
	// Timestamp are filled in when empty.
	Append(ctx context.Context, e *Entry) error
	// Since returns entries with Seq > sinceSeq in Seq order. When types is
	// non-empty only entries of those types are returned.
	Since(ctx context.Context, sessionID string, sinceSeq int64, types ...string) ([]Entry, error)
	// LatestSeq returns the highest Seq of a session, or 0 for an empty one.
	LatestSeq(ctx context.Context, sessionID string) (int64, error)
	// Sessions lists the session ids with at least one entry.
	Sessions(ctx context.Context) ([]string, error)
	Close() error
}

// Pruner is implemented by stores that can drop old sessions.
type Pruner interface {
	// Prune removes sessions whose newest entry is older than maxAge and
	// returns how many were removed.
	Prune(ctx context.Context, maxAge time.Duration) (int, error)
}

// sessionLocks serializes sequence assignment per session.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (s *sessionLocks) lock(sessionID string) func() {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	m, ok := s.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[sessionID] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func validateSessionID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

func prepareEntry(e *Entry, seq int64) {
	e.Seq = seq
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

func typeFilter(types []string) func(string) bool {
	if len(types) == 0 {
		return func(string) bool { return true }
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(t string) bool {
		_, ok := set[t]
		return ok
	}
}
