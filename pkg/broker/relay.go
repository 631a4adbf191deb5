package broker

import (
	"context"
	"log/slog"

	"github.com/zoff-tech/go-agentbus/pkg/event"
)

// Relay is a bus subscriber that forwards matching events to an external
// broker. Broker outages are always treated as transient so the event is
// redelivered once the broker is back.
type Relay struct {
	broker     MessageBroker
	eventTypes []string
	logger     *slog.Logger
}

func NewRelay(broker MessageBroker, eventTypes []string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		broker:     broker,
		eventTypes: eventTypes,
		logger:     logger.With("component", "broker-relay"),
	}
}

func (r *Relay) Name() string {
	return "broker-relay"
}

func (r *Relay) EventTypes() []string {
	return r.eventTypes
}

func (r *Relay) Handle(ctx context.Context, ev event.Event) error {
	return r.broker.Publish(ctx, ev)
}

func (r *Relay) OnError(ctx context.Context, ev event.Event, err error) bool {
	r.logger.Warn("failed to relay event, will retry",
		"event_id", ev.ID, "event_type", ev.Type, "error", err)
	return true
}
