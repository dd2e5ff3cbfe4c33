// Package queue defines the durable, at-least-once message channel used between
// pipeline stages.
//
// Implementations hide received messages for a visibility timeout. A message that
// is not deleted before the timeout elapses becomes visible again and its
// ReceiveCount grows. Nothing about ordering is guaranteed.
package queue

import (
	"context"
	"time"
)

// Message is one delivery of a queued body.
type Message struct {
	ID   string
	Body []byte

	// Handle identifies this delivery for Delete.
	Handle string

	// ReceiveCount is the number of times the message has been received,
	// including this delivery.
	ReceiveCount int
}

// Publisher appends messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, body []byte) (string, error)
}

// Consumer receives and acknowledges messages.
type Consumer interface {
	// Receive returns up to maxCount messages, waiting at most wait for the first one.
	// An empty slice with a nil error means the wait elapsed with nothing to deliver.
	Receive(ctx context.Context, maxCount int, wait time.Duration) ([]Message, error)

	// Delete removes a received message so it is never redelivered.
	// A stale handle (the message was received again since) succeeds without
	// deleting anything, matching SQS.
	Delete(ctx context.Context, handle string) error
}

// Queue is both ends of a message channel.
type Queue interface {
	Publisher
	Consumer
}
