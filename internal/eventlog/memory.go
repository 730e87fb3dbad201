package eventlog

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps entries in process. Used for ephemeral runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Entry
	closed   bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Entry)}
}

func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	if err := validateSessionID(e.SessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	entries := s.sessions[e.SessionID]
	prepareEntry(e, int64(len(entries))+1)
	s.sessions[e.SessionID] = append(entries, *e)
	return nil
}

func (s *MemoryStore) Since(_ context.Context, sessionID string, sinceSeq int64, types ...string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	keep := typeFilter(types)
	entries := s.sessions[sessionID]
	var out []Entry
	start := sinceSeq
	if start < 0 {
		start = 0
	}
	for i := start; i < int64(len(entries)); i++ {
		if keep(entries[i].Type) {
			out = append(out, entries[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestSeq(_ context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.sessions[sessionID])), nil
}

func (s *MemoryStore) Sessions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
