// Package bus provides the event bus the stores use to signal
// orchestration lifecycle changes.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the stores. Instance subjects are suffixed with
// the instance ID so waiters can subscribe narrowly.
const (
	SubjectOrchestrationReady = "orchestration.ready"
	SubjectOrchestrationState = "orchestration.state"
	SubjectActivityReady      = "activity.ready"
)

// InstanceSubject builds "<subject>.<instanceID>".
func InstanceSubject(subject, instanceID string) string {
	return subject + "." + instanceID
}

// Event is a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus abstracts the in-memory and NATS implementations.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern. Patterns use
	// NATS wildcards: * matches one token, > matches the rest.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
