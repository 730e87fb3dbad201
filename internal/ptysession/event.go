package ptysession

import (
	"bytes"
	"time"
)

// EventKind tags a PTY event.
type EventKind string

const (
	EventOutput EventKind = "output"
	EventExit   EventKind = "exit"
	EventError  EventKind = "error"
)

// Event is one item of a session's output stream. Exactly one of the
// terminal kinds (Exit or Error) ends every stream.
type Event struct {
	Kind     EventKind
	StreamID string

	// Output
	Data                []byte
	HasControlSequences bool

	// Exit (and Error, when known): the exit status, -signal when killed by
	// a signal, -1 when unknown.
	ExitCode int

	// Error
	Message string
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventExit || e.Kind == EventError
}

// Sink observes every event of a session synchronously, before any
// subscriber, and never has events dropped.
type Sink interface {
	HandleEvent(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) HandleEvent(ev Event) { f(ev) }

var (
	cursorPositionQuery    = []byte("\x1b[6n")
	// The trailing CR completes a line for readers in canonical mode.
	cursorPositionResponse = []byte("\x1b[1;1R\r")
	deviceAttrsResponse    = []byte("\x1b[?1;2c")
)

// stripCursorQueries removes cursor position queries and returns the
// remaining bytes with the number of queries removed.
func stripCursorQueries(data []byte) ([]byte, int) {
	n := bytes.Count(data, cursorPositionQuery)
	if n == 0 {
		return data, 0
	}
	return bytes.ReplaceAll(data, cursorPositionQuery, nil), n
}

// partialQueryLen returns the length of the longest proper prefix of the
// cursor position query that data ends with.
func partialQueryLen(data []byte) int {
	for k := len(cursorPositionQuery) - 1; k > 0; k-- {
		if bytes.HasSuffix(data, cursorPositionQuery[:k]) {
			return k
		}
	}
	return 0
}

// queryCarry holds a cursor position query prefix cut off at the end of a
// read, so a query split across reads is still recognised. It is owned by
// the read loop.
type queryCarry struct {
	buf   []byte
	since time.Time
}

// join prepends the carried prefix to data.
func (c *queryCarry) join(data []byte) []byte {
	if len(c.buf) == 0 {
		return data
	}
	out := append(c.buf, data...)
	c.buf = nil
	return out
}

// hold moves a trailing query prefix of data into the carry and returns the
// rest.
func (c *queryCarry) hold(data []byte, now time.Time) []byte {
	k := partialQueryLen(data)
	if k == 0 {
		return data
	}
	c.buf = append([]byte(nil), data[len(data)-k:]...)
	c.since = now
	return data[:len(data)-k]
}

// expired reports whether a held prefix has waited longer than max.
func (c *queryCarry) expired(now time.Time, max time.Duration) bool {
	return len(c.buf) > 0 && now.Sub(c.since) >= max
}

// take empties the carry.
func (c *queryCarry) take() []byte {
	out := c.buf
	c.buf = nil
	return out
}

// containsDA1Query checks for a Primary Device Attributes query: ESC [ c or
// ESC [ 0 c. ESC [ <1-9> c is cursor movement and does not count.
func containsDA1Query(data []byte) bool {
	for i := 0; i+2 < len(data); i++ {
		if data[i] != '\x1b' || data[i+1] != '[' {
			continue
		}
		if data[i+2] == 'c' {
			return true
		}
		if data[i+2] == '0' && i+3 < len(data) && data[i+3] == 'c' {
			return true
		}
	}
	return false
}

// hasControlSequences reports whether data carries CSI or OSC sequences.
func hasControlSequences(data []byte) bool {
	return bytes.Contains(data, []byte("\x1b[")) || bytes.Contains(data, []byte("\x1b]"))
}
