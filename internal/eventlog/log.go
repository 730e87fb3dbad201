package eventlog

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/google/uuid"
)

// Log is the per-session handle components write through. It stamps every
// entry with the session id and the current turn.
type Log struct {
	store     Store
	sessionID string

	mu     sync.Mutex
	turnID string
}

// NewLog returns a handle for sessionID backed by store.
func NewLog(store Store, sessionID string) *Log {
	return &Log{store: store, sessionID: sessionID}
}

// SessionID returns the session this handle writes to.
func (l *Log) SessionID() string {
	return l.sessionID
}

// StartTurn begins a new turn and returns its id. Later entries carry it.
func (l *Log) StartTurn() string {
	id := uuid.New().String()
	l.mu.Lock()
	l.turnID = id
	l.mu.Unlock()
	return id
}

// TurnID returns the current turn id, or "" before the first turn.
func (l *Log) TurnID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.turnID
}

// Append records a structured event and returns its seq.
func (l *Log) Append(ctx context.Context, eventType string, data map[string]interface{}) (int64, error) {
	e := &Entry{
		SessionID: l.sessionID,
		TurnID:    l.TurnID(),
		Type:      eventType,
		Data:      data,
	}
	if err := l.store.Append(ctx, e); err != nil {
		return 0, err
	}
	return e.Seq, nil
}

// AppendTerminal records raw PTY output, base64 encoded.
func (l *Log) AppendTerminal(ctx context.Context, raw []byte, hasANSI bool) (int64, error) {
	return l.Append(ctx, TypeTerminalOutput, map[string]interface{}{
		"data":     base64.StdEncoding.EncodeToString(raw),
		"encoding": EncodingBase64,
		"has_ansi": hasANSI,
	})
}

// AppendTerminalText records terminal output already decoded to text.
func (l *Log) AppendTerminalText(ctx context.Context, text string) (int64, error) {
	return l.Append(ctx, TypeTerminalOutput, map[string]interface{}{
		"data":     text,
		"encoding": EncodingText,
		"has_ansi": false,
	})
}

// Since returns this session's entries after sinceSeq.
func (l *Log) Since(ctx context.Context, sinceSeq int64, types ...string) ([]Entry, error) {
	return l.store.Since(ctx, l.sessionID, sinceSeq, types...)
}

// LatestSeq returns this session's highest seq.
func (l *Log) LatestSeq(ctx context.Context) (int64, error) {
	return l.store.LatestSeq(ctx, l.sessionID)
}

// TerminalPayload is the decoded form of a terminal_output entry.
type TerminalPayload struct {
	// Data is base64 for raw output and plain text for text output.
	Data    string
	HasANSI bool
	Text    bool
}

// DecodeTerminal extracts the terminal payload of e. ok is false when e is
// not a terminal entry or the payload is malformed.
func DecodeTerminal(e *Entry) (TerminalPayload, bool) {
	if !e.IsTerminal() || e.Data == nil {
		return TerminalPayload{}, false
	}
	data, ok := e.Data["data"].(string)
	if !ok {
		return TerminalPayload{}, false
	}
	hasANSI, _ := e.Data["has_ansi"].(bool)
	encoding, _ := e.Data["encoding"].(string)
	return TerminalPayload{
		Data:    data,
		HasANSI: hasANSI,
		Text:    encoding == EncodingText,
	}, true
}
