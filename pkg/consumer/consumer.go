package consumer

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-agentbus/pkg/event"
	"github.com/zoff-tech/go-agentbus/pkg/metrics"
	"github.com/zoff-tech/go-agentbus/pkg/stream"
)

// Config identifies a consumer within its group and tunes the poll loop.
type Config struct {
	// Group is the consumer-group name. Members sharing a group split the
	// messages of their streams between them.
	Group string

	// Name identifies this member inside the group (claims are attributed
	// to it for debugging and claim-timeout recovery).
	Name string

	// Streams to read. Cross-domain subscribers list several.
	Streams []string

	BatchSize    int
	PollInterval time.Duration
	IdleDelay    time.Duration
}

// Consumer is a long-lived polling member of a consumer group. Each fetched
// message is dispatched to every registered subscriber for its event type,
// gated per subscriber by the idempotency guard, and acknowledged once no
// subscriber wants a redelivery.
type Consumer struct {
	cfg      Config
	store    stream.Store
	registry *Registry
	guard    IdempotencyGuard
	logger   *slog.Logger
	tracer   trace.Tracer
}

func New(cfg Config, store stream.Store, registry *Registry, guard IdempotencyGuard, logger *slog.Logger) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:      cfg,
		store:    store,
		registry: registry,
		guard:    guard,
		logger:   logger.With("component", "consumer", "group", cfg.Group, "consumer", cfg.Name),
		tracer:   otel.Tracer("agentbus"),
	}
}

// Run polls until ctx is canceled. Shutdown is graceful: the batch in flight
// finishes before Run returns, so no message is abandoned mid-handler. A
// message claimed by a crashed member is redelivered elsewhere once its
// claim times out.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.logger.Info("consumer started",
		"streams", c.cfg.Streams, "batch_size", c.cfg.BatchSize, "poll_interval", c.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			processed := c.poll(ctx)
			if processed == 0 {
				select {
				case <-ctx.Done():
					c.logger.Info("consumer stopping", "reason", ctx.Err())
					return nil
				case <-time.After(c.cfg.IdleDelay):
				}
			}
		}
	}
}

func (c *Consumer) poll(ctx context.Context) int {
	messages, err := c.store.Fetch(ctx, c.cfg.Group, c.cfg.Name, c.cfg.Streams, c.cfg.BatchSize)
	if err != nil {
		c.logger.Error("failed to fetch messages", "error", err)
		return 0
	}

	for _, msg := range messages {
		c.process(ctx, msg)
		if ctx.Err() != nil {
			break
		}
	}
	return len(messages)
}

// process dispatches one message. The message is acked when every subscriber
// either succeeded, skipped a duplicate, or failed permanently; a transient
// failure leaves it claimed so the claim timeout redelivers it.
func (c *Consumer) process(ctx context.Context, msg stream.Message) {
	ev := msg.Event

	ctx, span := c.tracer.Start(ctx, "ProcessMessage", trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", ev.Type),
		attribute.String("event.stream", msg.Stream),
		attribute.Int64("event.seq", msg.Seq),
		attribute.Int("event.delivery_count", msg.DeliveryCount),
	))
	defer span.End()

	handlers := c.registry.Handlers(ev.Type)
	if len(handlers) == 0 {
		c.logger.Debug("no subscribers for event type", "event_type", ev.Type, "event_id", ev.ID)
		c.ack(ctx, msg)
		return
	}

	transient := false
	for _, sub := range handlers {
		if !c.dispatch(ctx, sub, ev) {
			transient = true
		}
	}

	if transient {
		// Release rather than leaving the claim to time out, so the next
		// poll redelivers immediately.
		if err := c.store.Release(ctx, c.cfg.Group, msg.Stream, msg.Seq); err != nil {
			c.logger.Error("failed to release message", "stream", msg.Stream, "seq", msg.Seq, "error", err)
		}
		span.SetStatus(codes.Error, "transient handler failure")
		return
	}
	c.ack(ctx, msg)
}

// dispatch runs one subscriber against one event. It returns false only for
// transient failures that should trigger a redelivery.
func (c *Consumer) dispatch(ctx context.Context, sub Subscriber, ev event.Event) bool {
	proceed, err := c.guard.MarkOrSkip(ctx, sub.Name(), ev.ID, ev)
	if err != nil {
		// Guard storage trouble is transient by definition.
		c.logger.Error("idempotency guard unavailable",
			"subscriber", sub.Name(), "event_id", ev.ID, "error", err)
		return false
	}
	if !proceed {
		c.logger.Debug("duplicate delivery skipped", "subscriber", sub.Name(), "event_id", ev.ID)
		metrics.EventsDuplicate.WithLabelValues(sub.Name()).Inc()
		return true
	}

	start := time.Now()
	err = sub.Handle(ctx, ev)
	metrics.HandlerDuration.WithLabelValues(sub.Name()).Observe(time.Since(start).Seconds())
	if err == nil {
		return true
	}

	retryable := sub.OnError(ctx, ev, err)
	if rbErr := c.guard.Rollback(ctx, sub.Name(), ev.ID); rbErr != nil {
		c.logger.Error("failed to roll back idempotency marker",
			"subscriber", sub.Name(), "event_id", ev.ID, "error", rbErr)
	}

	if retryable {
		c.logger.Warn("handler failed, will redeliver",
			"subscriber", sub.Name(), "event_id", ev.ID, "event_type", ev.Type, "error", err)
		metrics.HandlerFailures.WithLabelValues(sub.Name(), "transient").Inc()
		return false
	}

	c.logger.Error("handler failed permanently, dropping event",
		"subscriber", sub.Name(), "event_id", ev.ID, "event_type", ev.Type, "error", err)
	metrics.HandlerFailures.WithLabelValues(sub.Name(), "permanent").Inc()
	return true
}

func (c *Consumer) ack(ctx context.Context, msg stream.Message) {
	if err := c.store.Ack(ctx, c.cfg.Group, msg.Stream, msg.Seq); err != nil {
		c.logger.Error("failed to ack message", "stream", msg.Stream, "seq", msg.Seq, "error", err)
		return
	}
	metrics.EventsConsumed.WithLabelValues(c.cfg.Group).Inc()
}
