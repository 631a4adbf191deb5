package event

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-agentbus/pkg/metrics"
)

// Publisher appends events to the bus. Publish never returns an error:
// delivery failure must not break the business logic that raised the event,
// so implementations log and swallow transport problems.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Appender is the piece of the stream store a publisher needs.
type Appender interface {
	Append(ctx context.Context, stream string, ev Event) (int64, error)
}

// StreamPublisher appends events to the durable stream derived from the
// event type. A nil *StreamPublisher is valid and publishes nothing, which
// is how modules run without the bus configured.
type StreamPublisher struct {
	appender Appender
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewStreamPublisher wires a publisher to a stream appender.
func NewStreamPublisher(appender Appender, logger *slog.Logger) *StreamPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamPublisher{
		appender: appender,
		logger:   logger.With("component", "publisher"),
		tracer:   otel.Tracer("agentbus"),
	}
}

// Publish appends the event to its stream. Errors are logged, never returned.
func (p *StreamPublisher) Publish(ctx context.Context, ev Event) {
	if p == nil || p.appender == nil {
		slog.Debug("event stream not configured, dropping event",
			"event_type", ev.Type, "event_id", ev.ID)
		return
	}

	stream := StreamName(ev.Type)

	ctx, span := p.tracer.Start(ctx, "Publish", trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", ev.Type),
		attribute.String("event.stream", stream),
	))
	defer span.End()

	seq, err := p.appender.Append(ctx, stream, ev)
	if err != nil {
		span.RecordError(err)
		p.logger.Error("failed to append event",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"stream", stream,
			"source", ev.Source,
			"error", err)
		return
	}

	metrics.EventsPublished.WithLabelValues(stream).Inc()
	p.logger.Debug("event published",
		"event_id", ev.ID, "event_type", ev.Type, "stream", stream, "seq", seq)
}

// NopPublisher discards every event. Useful in tests and for modules that
// opt out of the bus entirely.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}
