package ptysession

import (
	"context"
	"io"
	"sync"
	"time"
)

// session is the manager-owned state of one PTY process. All mutable fields
// are guarded by mu; the read loop is the only writer of active/exitCode.
type session struct {
	streamID       string
	ownerSessionID string
	pid            int
	command        []string
	dir            string
	env            []string
	stdinPipe      bool
	startedAt      time.Time
	seq            uint64 // start order, for LatestBySession

	pty   ptyHandle
	stdin io.WriteCloser
	sink  Sink

	writeMu sync.Mutex // serializes writes to the pty and stdin pipe
	carry   queryCarry // read loop only

	mu          sync.Mutex
	active      bool
	terminating bool
	finished    bool // terminal event dispatched
	exitCode    *int
	history     []Event
	historySize int
	subs        map[int]*subscriber
	nextSubID   int

	waitDone   chan struct{} // closed once the child is reaped
	waitStatus int           // classified exit code, valid after waitDone
	done       chan struct{} // closed when the read loop returns
}

// Snapshot is a point-in-time copy of a session's public state.
type Snapshot struct {
	StreamID       string
	OwnerSessionID string
	PID            int
	Command        []string
	Dir            string
	StartedAt      time.Time
	Active         bool
	Terminating    bool
	ExitCode       *int
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		StreamID:       s.streamID,
		OwnerSessionID: s.ownerSessionID,
		PID:            s.pid,
		Command:        append([]string(nil), s.command...),
		Dir:            s.dir,
		StartedAt:      s.startedAt,
		Active:         s.active,
		Terminating:    s.terminating,
	}
	if s.exitCode != nil {
		code := *s.exitCode
		snap.ExitCode = &code
	}
	return snap
}

// acceptsInput reports whether input may still be written.
func (s *session) acceptsInput() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && !s.terminating
}

// record appends ev to the replay history and hands it to every subscriber.
// Callers must not hold mu.
func (s *session) record(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) >= s.historySize {
		copy(s.history, s.history[1:])
		s.history = s.history[:len(s.history)-1]
	}
	s.history = append(s.history, ev)

	for _, sub := range s.subs {
		sub.deliver(ev)
	}
	if ev.Terminal() {
		s.finished = true
		clear(s.subs)
	}
}

// subscriber is one consumer's bounded queue. When the queue is full new
// output is dropped so a slow consumer cannot stall the read loop. The
// terminal event is never dropped: it is parked in final if it does not fit.
type subscriber struct {
	queue   chan Event
	final   *Event
	closed  bool
	dropped int
}

// deliver is called with the session lock held.
func (sub *subscriber) deliver(ev Event) {
	if sub.closed {
		return
	}
	select {
	case sub.queue <- ev:
	default:
		if !ev.Terminal() {
			sub.dropped++
			return
		}
		e := ev
		sub.final = &e
	}
	if ev.Terminal() {
		sub.closed = true
		close(sub.queue)
	}
}

// Subscription is a live view of one session's events.
type Subscription struct {
	s    *session
	id   int
	sub  *subscriber
	once sync.Once
}

// Next blocks for the next event. It returns false once the stream has
// ended (after the Exit or Error event), the subscription was closed, or
// ctx is done.
func (sp *Subscription) Next(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-sp.sub.queue:
		if ok {
			return ev, true
		}
		return sp.takeFinal()
	case <-ctx.Done():
		return Event{}, false
	}
}

func (sp *Subscription) takeFinal() (Event, bool) {
	sp.s.mu.Lock()
	defer sp.s.mu.Unlock()
	if sp.sub.final == nil {
		return Event{}, false
	}
	ev := *sp.sub.final
	sp.sub.final = nil
	return ev, true
}

// Dropped returns how many output events did not fit in the queue.
func (sp *Subscription) Dropped() int {
	sp.s.mu.Lock()
	defer sp.s.mu.Unlock()
	return sp.sub.dropped
}

// Close detaches the subscription. Safe to call more than once.
func (sp *Subscription) Close() {
	sp.once.Do(func() {
		sp.s.mu.Lock()
		defer sp.s.mu.Unlock()
		delete(sp.s.subs, sp.id)
		if !sp.sub.closed {
			sp.sub.closed = true
			close(sp.sub.queue)
		}
	})
}

// subscribe registers a queue pre-filled with the replay history. A
// session that already finished yields its history and then ends.
func (s *session) subscribe(capacity int) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &subscriber{queue: make(chan Event, capacity)}
	for _, ev := range s.history {
		sub.deliver(ev)
	}
	sp := &Subscription{s: s, id: -1, sub: sub}
	if !s.finished {
		sp.id = s.nextSubID
		s.nextSubID++
		s.subs[sp.id] = sub
	} else if !sub.closed {
		sub.closed = true
		close(sub.queue)
	}
	return sp
}
