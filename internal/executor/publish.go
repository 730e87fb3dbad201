package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/events"
	"github.com/kandev/agentrun/internal/events/bus"
)

const publishTimeout = 5 * time.Second

type outgoing struct {
	subject string
	event   *bus.Event
}

// publisher forwards task notifications to the event bus from a single
// goroutine, so PTY read loops never wait on the bus.
type publisher struct {
	bus    bus.EventBus
	logger *logger.Logger
	queue  chan outgoing
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newPublisher(eventBus bus.EventBus, size int, log *logger.Logger) *publisher {
	p := &publisher{
		bus:    eventBus,
		logger: log,
		queue:  make(chan outgoing, size),
		done:   make(chan struct{}),
	}
	if eventBus == nil {
		close(p.done)
		return p
	}
	go p.run()
	return p
}

func (p *publisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := p.bus.Publish(ctx, msg.subject, msg.event); err != nil {
			p.logger.Debug("failed to publish task event",
				zap.String("subject", msg.subject),
				zap.Error(err))
		}
		cancel()
	}
}

// publish enqueues a notification. Notifications are dropped when there is
// no bus or the queue is full.
func (p *publisher) publish(eventType, taskID string, data map[string]interface{}) {
	if p.bus == nil {
		return
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	data["task_id"] = taskID
	msg := outgoing{
		subject: events.BuildTaskSubject(eventType, taskID),
		event:   bus.NewEvent(eventType, events.Source, data),
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- msg:
	default:
		p.logger.Warn("task event queue full, dropping event",
			zap.String("type", eventType),
			zap.String("task_id", taskID))
	}
}

// close drains pending notifications and stops the publisher.
func (p *publisher) close(ctx context.Context) {
	if p.bus == nil {
		return
	}
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	select {
	case <-p.done:
	case <-ctx.Done():
	}
}
