package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	fileExt        = ".jsonl"
	maxLineBytes   = 16 * 1024 * 1024
	initialLineBuf = 64 * 1024
)

// FileStore writes one JSON-lines file per session under a directory.
// Sequence counters are seeded from the file on first use so numbering
// continues across restarts.
type FileStore struct {
	dir   string
	locks sessionLocks

	mu     sync.Mutex
	latest map[string]int64
	closed bool
}

// NewFileStore creates the directory if needed and returns a FileStore.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	return &FileStore{dir: dir, latest: make(map[string]int64)}, nil
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+fileExt)
}

func (s *FileStore) Append(_ context.Context, e *Entry) error {
	if err := validateSessionID(e.SessionID); err != nil {
		return err
	}
	unlock := s.locks.lock(e.SessionID)
	defer unlock()

	latest, err := s.latestLocked(e.SessionID)
	if err != nil {
		return err
	}
	prepareEntry(e, latest+1)

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.path(e.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write session log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close session log: %w", err)
	}

	s.mu.Lock()
	s.latest[e.SessionID] = e.Seq
	s.mu.Unlock()
	return nil
}

// latestLocked returns the cached counter, scanning the file once if needed.
// Callers hold the session lock.
func (s *FileStore) latestLocked(sessionID string) (int64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrStoreClosed
	}
	seq, ok := s.latest[sessionID]
	s.mu.Unlock()
	if ok {
		return seq, nil
	}

	err := s.scan(sessionID, func(e *Entry) {
		if e.Seq > seq {
			seq = e.Seq
		}
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.latest[sessionID] = seq
	s.mu.Unlock()
	return seq, nil
}

// scan decodes every line of a session file. A missing file is empty.
// Undecodable lines, such as a torn final write, are skipped.
func (s *FileStore) scan(sessionID string, fn func(*Entry)) error {
	f, err := os.Open(s.path(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, initialLineBuf), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		fn(&e)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read session log: %w", err)
	}
	return nil
}

func (s *FileStore) Since(_ context.Context, sessionID string, sinceSeq int64, types ...string) ([]Entry, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	keep := typeFilter(types)
	var out []Entry
	err := s.scan(sessionID, func(e *Entry) {
		if e.Seq > sinceSeq && keep(e.Type) {
			out = append(out, *e)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *FileStore) LatestSeq(_ context.Context, sessionID string) (int64, error) {
	if err := validateSessionID(sessionID); err != nil {
		return 0, err
	}
	unlock := s.locks.lock(sessionID)
	defer unlock()
	return s.latestLocked(sessionID)
}

func (s *FileStore) Sessions(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list event log dir: %w", err)
	}
	var ids []string
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), fileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(de.Name(), fileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Prune removes session files not written to within maxAge.
func (s *FileStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := s.Sessions(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, id := range ids {
		info, err := os.Stat(s.path(id))
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		unlock := s.locks.lock(id)
		if err := os.Remove(s.path(id)); err == nil {
			removed++
			s.mu.Lock()
			delete(s.latest, id)
			s.mu.Unlock()
		}
		unlock()
	}
	return removed, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
