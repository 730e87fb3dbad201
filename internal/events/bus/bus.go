// Package bus provides the event bus used for task lifecycle notifications.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// ReplyKey is the Data key carrying the reply subject of a request.
const ReplyKey = "_reply"

// Event represents a message on the event bus
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// ReplySubject returns the subject a request expects its answer on.
func (e *Event) ReplySubject() string {
	if e == nil || e.Data == nil {
		return ""
	}
	s, _ := e.Data[ReplyKey].(string)
	return s
}

// String returns the string value stored under key, or "".
func (e *Event) String(key string) string {
	if e == nil || e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Request publishes event with a reply subject and waits for the answer
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	Close()

	IsConnected() bool
}
