package consumer

import (
	"context"
	"sync"

	"github.com/zoff-tech/go-agentbus/pkg/event"
)

// Subscriber handles events of the types it declares. Name must be unique
// across the process: it keys the idempotency markers, so two subscribers
// sharing a name would suppress each other's deliveries.
type Subscriber interface {
	// Name identifies the subscriber for idempotency and logging.
	Name() string

	// EventTypes lists the event types this subscriber wants.
	EventTypes() []string

	// Handle processes one event. It may be called concurrently for
	// different events but never twice for the same (subscriber, event) pair.
	Handle(ctx context.Context, ev event.Event) error

	// OnError classifies a Handle failure: true means transient (redeliver),
	// false means permanent (drop the event for this subscriber).
	OnError(ctx context.Context, ev event.Event, err error) bool
}

// Registry maps event types to subscribers. Multiple independent subscribers
// may register for the same type; their failures are isolated.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Subscriber
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]Subscriber)}
}

// Register adds the subscriber under every event type it declares.
func (r *Registry) Register(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range sub.EventTypes() {
		r.handlers[t] = append(r.handlers[t], sub)
	}
}

// Handlers returns the subscribers registered for the event type, possibly none.
func (r *Registry) Handlers(eventType string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.handlers[eventType]
	out := make([]Subscriber, len(subs))
	copy(out, subs)
	return out
}

// EventTypes returns every event type with at least one subscriber.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
