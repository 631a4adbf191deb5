package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-agentbus/pkg/config"
	"github.com/zoff-tech/go-agentbus/pkg/event"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub brokers.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubBroker{client: client}, nil
}

type pubSubBroker struct {
	client *pubsub.Client
}

// Publish sends the event to the Pub/Sub topic named after its stream,
// with the event type as ordering key so per-type order survives the hop.
func (p *pubSubBroker) Publish(ctx context.Context, ev event.Event) error {
	topic := event.StreamName(ev.Type)

	tracer := otel.Tracer("agentbus")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(topic),
		),
	)
	defer span.End()

	body, err := json.Marshal(ev)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}

	// Inject the trace context into the message attributes
	propagator := otel.GetTextMapPropagator()
	attributes := make(map[string]string, len(ev.Meta)+3)
	maps.Copy(attributes, ev.Meta)
	propagator.Inject(ctx, propagation.MapCarrier(attributes))
	attributes["event_id"] = ev.ID
	attributes["event_type"] = ev.Type
	attributes["event_source"] = ev.Source

	message := &pubsub.Message{
		Data:        body,
		Attributes:  attributes,
		OrderingKey: ev.Type,
	}

	res := p.client.Topic(topic).Publish(ctx, message)
	_, err = res.Get(ctx) // wait for server ack
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(body)),
	)

	return nil
}

func (p *pubSubBroker) Close() error {
	return p.client.Close()
}
