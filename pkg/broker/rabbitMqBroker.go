package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-agentbus/pkg/config"
	"github.com/zoff-tech/go-agentbus/pkg/event"
)

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error)

// NewRabbitMqBroker connects to RabbitMQ with a pooled set of channels and
// background connection recovery. Replaceable for tests.
var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	broker := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		logger:          slog.Default().With("component", "rabbitmq-broker"),
		reconnectTicker: time.NewTicker(5 * time.Second),
		stopReconnect:   make(chan struct{}),
	}

	if err := broker.connectAndInitialize(); err != nil {
		return nil, err
	}

	go broker.recoverConnection()

	return broker, nil
}

type rabbitMqBroker struct {
	connection      *amqp.Connection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	settings        *config.BrokerSettings
	logger          *slog.Logger
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
}

// Publish routes the event to the configured topic exchange with the event
// type as routing key, so external consumers can bind on "mission.*" etc.
func (r *rabbitMqBroker) Publish(ctx context.Context, ev event.Event) error {
	tracer := otel.Tracer("agentbus")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(r.settings.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(ev.Type),
		),
	)
	defer span.End()

	body, err := json.Marshal(ev)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}

	// Inject the trace context into the message headers
	propagator := otel.GetTextMapPropagator()
	headers := make(map[string]string, len(ev.Meta))
	maps.Copy(headers, ev.Meta)
	propagator.Inject(ctx, propagation.MapCarrier(headers))

	amqpHeaders := make(amqp.Table, len(headers)+2)
	for k, v := range headers {
		amqpHeaders[k] = v
	}
	amqpHeaders["event_id"] = ev.ID
	amqpHeaders["event_source"] = ev.Source

	pooledChan, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer r.releaseChannel(pooledChan)

	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	err = pooledChan.channel.ExchangeDeclare(
		r.settings.Exchange, // name of the exchange
		"topic",             // type
		true,                // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	err = pooledChan.channel.Publish(
		r.settings.Exchange, ev.Type, false, false,
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   ev.ID,
			Timestamp:   ev.Timestamp,
			Body:        body,
			Headers:     amqpHeaders,
		},
	)
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(body)),
	)

	return nil
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	close(r.channelPool)
	for pooledChan := range r.channelPool {
		pooledChan.channel.Close()
	}

	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}
