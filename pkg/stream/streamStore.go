package stream

import (
	"context"
	"time"

	"github.com/zoff-tech/go-agentbus/pkg/event"
)

// DeadLetterStream receives messages that exceeded their delivery budget
// for some consumer group. It is an ordinary stream and can be consumed
// like any other.
const DeadLetterStream = "deadletter"

// Message is one delivered entry of a stream, scoped to the consumer group
// that fetched it.
type Message struct {
	Seq           int64
	Stream        string
	Event         event.Event
	DeliveryCount int
	AppendedAt    time.Time
}

// Store is the durable, ordered, replayable log shared by every module.
//
// Append is a single atomic write. Fetch hands each message to exactly one
// member of a consumer group; a message stays claimed until it is acked,
// released, or its claim times out and another member reclaims it. Ordering
// holds per stream, never across streams.
type Store interface {
	// Append writes the event to the named stream and returns its sequence.
	Append(ctx context.Context, stream string, ev event.Event) (int64, error)

	// Fetch claims up to batchSize messages from the given streams on behalf
	// of consumer (a named member of group). It returns pending messages,
	// plus claimed messages whose claim timeout expired. Messages past the
	// delivery budget are moved to DeadLetterStream and acked instead of
	// being returned.
	Fetch(ctx context.Context, group, consumer string, streams []string, batchSize int) ([]Message, error)

	// Ack marks the message handled for the group. Acked messages are never
	// redelivered to that group.
	Ack(ctx context.Context, group, stream string, seq int64) error

	// Release returns a claimed message to pending so the next Fetch (by any
	// group member) redelivers it without waiting for the claim timeout.
	Release(ctx context.Context, group, stream string, seq int64) error
}
