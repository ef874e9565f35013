// Package bus provides the event bus crewlyd's Event Notifier publishes
// through: fixed-subject, fire-and-forget notifications (task.transitioned,
// message.executed, ...) with no in-process consumer of its own. The
// surface is deliberately narrow — publish, subscribe to exact subjects,
// and report connection status — rather than a general message-bus SDK,
// since nothing in this daemon needs wildcard routing, competing-consumer
// queue groups, or a request/reply RPC pattern.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // Service that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      interface{}            `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the narrow publish/subscribe port the Event Notifier and its
// two implementations (in-memory, NATS) satisfy.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to an exact subject.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
