package ptysession

import (
	"bytes"
	"context"
	"fmt"
	"sync"
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

// fakePTY records writes and never produces output.
type fakePTY struct {
	mu     sync.Mutex
	writes bytes.Buffer
}

func (f *fakePTY) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes.Write(b)
}
func (f *fakePTY) Close() error                { return nil }
func (f *fakePTY) Resize(uint16, uint16) error { return nil }
func (f *fakePTY) ReadTimeout([]byte, time.Duration) (int, error) {
	return 0, nil
}

func (f *fakePTY) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes.String()
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) HandleEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newFakeSession(sink Sink, history int) (*session, *fakePTY) {
	p := &fakePTY{}
	return &session{
		streamID:    "stream-1",
		pty:         p,
		sink:        sink,
		active:      true,
		historySize: history,
		subs:        make(map[int]*subscriber),
		waitDone:    make(chan struct{}),
		done:        make(chan struct{}),
	}, p
}

func newFakeManager(t *testing.T) *Manager {
	return NewManager(Config{}, nil, newTestLogger(t))
}

func drain(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []Event
	for {
		ev, ok := sub.Next(ctx)
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func output(i int) Event {
	return Event{Kind: EventOutput, StreamID: "stream-1", Data: []byte(fmt.Sprintf("chunk-%d", i))}
}

func TestDispatch_SinkSeesEverythingWhenSubscribersOverflow(t *testing.T) {
	m := newFakeManager(t)
	sink := &recordingSink{}
	s, _ := newFakeSession(sink, 1000)

	const n = 50
	subs := []*Subscription{s.subscribe(5), s.subscribe(5), s.subscribe(20)}
	for i := 0; i < n; i++ {
		m.dispatch(s, output(i))
	}
	m.dispatch(s, Event{Kind: EventExit, StreamID: "stream-1", ExitCode: 0})

	require.Len(t, sink.all(), n+1)
	for i, ev := range sink.all()[:n] {
		assert.Equal(t, fmt.Sprintf("chunk-%d", i), string(ev.Data))
	}

	for _, sub := range subs {
		got := drain(t, sub)
		require.NotEmpty(t, got)
		last := got[len(got)-1]
		assert.Equal(t, EventExit, last.Kind, "terminal event is never dropped")

		// Each subscriber sees a prefix of the total order.
		for i, ev := range got[:len(got)-1] {
			assert.Equal(t, fmt.Sprintf("chunk-%d", i), string(ev.Data))
		}
		assert.Equal(t, n-(len(got)-1), sub.Dropped())
	}
}

func TestDispatch_SinkPanicIsSwallowed(t *testing.T) {
	m := newFakeManager(t)
	s, _ := newFakeSession(SinkFunc(func(Event) { panic("boom") }), 10)
	sub := s.subscribe(10)

	m.dispatch(s, output(0))
	m.dispatch(s, Event{Kind: EventExit, StreamID: "stream-1"})

	got := drain(t, sub)
	require.Len(t, got, 2)
	assert.Equal(t, "chunk-0", string(got[0].Data))
}

func TestSubscribe_LateSubscriberGetsHistory(t *testing.T) {
	m := newFakeManager(t)
	s, _ := newFakeSession(nil, 3)

	for i := 0; i < 5; i++ {
		m.dispatch(s, output(i))
	}
	sub := s.subscribe(10)
	m.dispatch(s, output(5))
	m.dispatch(s, Event{Kind: EventExit, StreamID: "stream-1", ExitCode: 7})

	got := drain(t, sub)
	require.Len(t, got, 5)
	assert.Equal(t, "chunk-2", string(got[0].Data), "history keeps the most recent events")
	assert.Equal(t, "chunk-5", string(got[3].Data))
	assert.Equal(t, 7, got[4].ExitCode)
}

func TestSubscribe_AfterExitReplaysAndEnds(t *testing.T) {
	m := newFakeManager(t)
	s, _ := newFakeSession(nil, 10)
	m.dispatch(s, output(0))
	m.dispatch(s, Event{Kind: EventExit, StreamID: "stream-1", ExitCode: 1})

	got := drain(t, s.subscribe(10))
	require.Len(t, got, 2)
	assert.True(t, got[1].Terminal())

	// A tiny queue still ends with the exit event.
	got = drain(t, s.subscribe(1))
	require.Len(t, got, 2)
	assert.Equal(t, EventExit, got[1].Kind)
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	m := newFakeManager(t)
	s, _ := newFakeSession(nil, 10)
	sub := s.subscribe(10)
	other := s.subscribe(10)
	sub.Close()
	sub.Close()

	m.dispatch(s, output(0))
	m.dispatch(s, Event{Kind: EventExit, StreamID: "stream-1"})

	assert.Empty(t, drain(t, sub))
	assert.Len(t, drain(t, other), 2)
}

func TestHandleOutput_AnswersCursorQueryOnce(t *testing.T) {
	m := newFakeManager(t)
	sink := &recordingSink{}
	s, p := newFakeSession(sink, 10)
	sub := s.subscribe(10)

	m.handleOutput(s, []byte("before\x1b[6nafter"))
	m.dispatch(s, Event{Kind: EventExit, StreamID: "stream-1"})

	assert.Equal(t, "\x1b[1;1R\r", p.written(), "exactly one synthesized response")
	got := drain(t, sub)
	require.Len(t, got, 2)
	assert.Equal(t, "beforeafter", string(got[0].Data))
	assert.NotContains(t, string(sink.all()[0].Data), "\x1b[6n")
}

func TestHandleOutput_QueryOnlyChunkIsNotDispatched(t *testing.T) {
	m := newFakeManager(t)
	sink := &recordingSink{}
	s, p := newFakeSession(sink, 10)

	m.handleOutput(s, []byte("\x1b[6n"))
	assert.Empty(t, sink.all())
	assert.Equal(t, "\x1b[1;1R\r", p.written())
}

func TestHandleOutput_CursorQuerySplitAcrossReads(t *testing.T) {
	m := newFakeManager(t)
	sink := &recordingSink{}
	s, p := newFakeSession(sink, 10)

	m.handleOutput(s, []byte("a\x1b[6"))
	assert.Empty(t, p.written(), "incomplete query is not answered yet")
	require.Len(t, sink.all(), 1)
	assert.Equal(t, "a", string(sink.all()[0].Data), "query prefix is held back")

	m.handleOutput(s, []byte("nb"))
	assert.Equal(t, "\x1b[1;1R\r", p.written())
	require.Len(t, sink.all(), 2)
	assert.Equal(t, "b", string(sink.all()[1].Data))
}

func TestHandleOutput_HeldPrefixReleasedWhenNotAQuery(t *testing.T) {
	m := newFakeManager(t)
	sink := &recordingSink{}
	s, p := newFakeSession(sink, 10)

	m.handleOutput(s, []byte("red \x1b["))
	m.handleOutput(s, []byte("31mtext"))
	assert.Empty(t, p.written())
	require.Len(t, sink.all(), 2)
	assert.Equal(t, "red ", string(sink.all()[0].Data))
	assert.Equal(t, "\x1b[31mtext", string(sink.all()[1].Data))

	m.handleOutput(s, []byte("tail\x1b"))
	m.flushCarry(s)
	require.Len(t, sink.all(), 4)
	assert.Equal(t, "\x1b", string(sink.all()[3].Data))
}

func TestQueryCarry_Expiry(t *testing.T) {
	var c queryCarry
	now := time.Now()
	assert.Equal(t, "x", string(c.hold([]byte("x\x1b["), now)))
	assert.False(t, c.expired(now.Add(500*time.Millisecond), time.Second))
	assert.True(t, c.expired(now.Add(time.Second), time.Second))
	assert.Equal(t, "\x1b[", string(c.take()))
	assert.False(t, c.expired(now.Add(time.Hour), time.Second), "empty carry never expires")
}

func TestHandleOutput_DeviceAttributesAnsweredButKept(t *testing.T) {
	m := newFakeManager(t)
	sink := &recordingSink{}
	s, p := newFakeSession(sink, 10)

	m.handleOutput(s, []byte("\x1b[c"))
	assert.Equal(t, "\x1b[?1;2c", p.written())
	require.Len(t, sink.all(), 1)
	assert.Equal(t, "\x1b[c", string(sink.all()[0].Data))
	assert.True(t, sink.all()[0].HasControlSequences)
}
