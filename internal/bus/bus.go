// Package bus provides a pluggable publish/subscribe abstraction (in-memory
// or NATS) used to decouple webhook ingestion from event-mapper processing.
// The surface is intentionally small: one fixed subject carries a
// "delivery available" ping from the webhook handler to the ingest worker;
// the durability guarantee lives in the store's delivery table, not here.
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
	Data      map[string]interface{} `json:"data"`
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
}

// EventBus is the publish/subscribe interface both backends implement.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to an exact subject
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close releases the bus's resources
	Close()
}
