package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/common/logger"
)

const memoryQueueSize = 256

// MemoryEventBus implements EventBus in process. Each subscription has its
// own delivery goroutine, so a subscriber sees events in publish order.
type MemoryEventBus struct {
	subscriptions []*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	handler EventHandler
	queue   chan delivery
	done    chan struct{}
	once    sync.Once
}

type delivery struct {
	ctx     context.Context
	subject string
	event   *Event
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		logger: log.WithFields(zap.String("component", "memory-bus")),
	}
}

// Publish enqueues the event for every matching subscriber.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	for _, sub := range b.subscriptions {
		if !matches(subject, sub.subject, sub.pattern) {
			continue
		}
		select {
		case sub.queue <- delivery{ctx: context.WithoutCancel(ctx), subject: subject, event: event}:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe creates a subscription to a subject pattern.
// NATS-style wildcards are supported: * (one token) and > (rest).
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   make(chan delivery, memoryQueueSize),
		done:    make(chan struct{}),
	}
	b.subscriptions = append(b.subscriptions, sub)
	go sub.run()

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.queue:
			if err := s.handler(d.ctx, d.event); err != nil {
				s.bus.logger.Error("Event handler error",
					zap.String("subject", d.subject),
					zap.String("event_type", d.event.Type),
					zap.Error(err))
			}
		}
	}
}

// Unsubscribe removes the subscription
func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() { close(s.done) })

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subscriptions {
		if sub == s {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Request publishes event with a generated reply subject and waits for the
// first event published on it.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	replySubject := fmt.Sprintf("_INBOX.%s", event.ID)
	responseChan := make(chan *Event, 1)

	sub, err := b.Subscribe(replySubject, func(ctx context.Context, e *Event) error {
		select {
		case responseChan <- e:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subscription: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if event.Data == nil {
		event.Data = make(map[string]interface{})
	}
	event.Data[ReplyKey] = replySubject

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case response := <-responseChan:
		return response, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("request timeout after %v", timeout)
	}
}

// Close stops every subscription and rejects further use.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscriptions {
		sub.once.Do(func() { close(sub.done) })
	}
	b.subscriptions = nil

	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true until Close is called.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to a regex, or nil when the
// pattern has no wildcards.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
