// Package bus abstracts the durable message transport for async code
// execution requests and heavy-job completion events.
//
// Delivery is at-least-once: a message stays pending until the consumer
// explicitly acknowledges it, and unacknowledged messages are redelivered.
// The backing implementation uses Redis Streams with consumer groups.
package bus

import (
	"context"
	"errors"
)

// ErrNoMessage is returned when no message is available within the
// receive block window.
var ErrNoMessage = errors.New("bus: no message available")

// Message is a single entry read from a topic.
type Message struct {
	ID      string
	Payload []byte
}

// Consumer reads messages from one logical topic. Ack must be called only
// after the message has been fully processed; anything unacknowledged is
// redelivered.
type Consumer interface {
	Receive(ctx context.Context) (*Message, error)
	Ack(ctx context.Context, messageID string) error
	Ping(ctx context.Context) error
	Close() error
}

// Publisher appends messages to one logical topic.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}
