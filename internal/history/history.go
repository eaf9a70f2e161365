package history

import (
	"context"
	"time"
)

// EventType defines the kind of node event.
type EventType string

const (
	EventActivated   EventType = "activated"
	EventDeactivated EventType = "deactivated"
	EventVersion     EventType = "version"
)

// Event is a node state change exported to external systems. Version is
// set only for EventVersion.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Cell       string    `json:"cell"`
	Host       string    `json:"host"`
	Node       string    `json:"node"`
	Port       int       `json:"port"`
	Version    string    `json:"version,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to several sinks and returns the first error.
// Every sink is attempted even if an earlier one fails.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes every sink that implements io.Closer.
func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
