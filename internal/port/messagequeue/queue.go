// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue. The context carries
// the request ID propagated from the publisher, when one was set.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Close shuts down the queue connection.
	Close() error
}

// Subject constants for usage metering events.
const (
	// SubjectUsageTurn carries one finalized chat turn's token usage and
	// cost. Downstream consumers (dashboards, invoicing) subscribe here.
	SubjectUsageTurn = "usage.turn"
)
