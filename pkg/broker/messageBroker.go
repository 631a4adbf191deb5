package broker

import (
	"context"

	"github.com/zoff-tech/go-agentbus/pkg/event"
)

// MessageBroker forwards bus events to an external broker for consumers
// that live outside the platform (dashboards, data pipelines).
type MessageBroker interface {
	// Publish sends the event outward. The routing destination is derived
	// from the event's stream and type.
	Publish(ctx context.Context, ev event.Event) error
	// Close cleans up any resources (connections).
	Close() error
}
