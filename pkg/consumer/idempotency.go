package consumer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-agentbus/pkg/event"
)

// IdempotencyGuard gates handler execution so that no (subscriber, event)
// pair runs its side effects more than once, even across crash-and-redeliver.
type IdempotencyGuard interface {
	// MarkOrSkip atomically records the (subscriber, traceID) pair. It
	// returns true when the caller should proceed and false when the pair
	// was already marked, meaning this delivery is a duplicate.
	MarkOrSkip(ctx context.Context, subscriber, traceID string, ev event.Event) (bool, error)

	// Rollback removes the marker after a failed attempt so the next
	// delivery is treated as fresh.
	Rollback(ctx context.Context, subscriber, traceID string) error
}

// PostgresGuard stores markers in a table whose primary key is
// (subscriber_name, trace_id); insert-if-absent is the whole mechanism.
// The remaining columns exist for audit only.
type PostgresGuard struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewPostgresGuard(db *sql.DB) *PostgresGuard {
	return &PostgresGuard{db: db, tracer: otel.Tracer("agentbus")}
}

// Migrate creates the marker table if it does not exist.
func (g *PostgresGuard) Migrate(ctx context.Context) error {
	_, err := g.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS processed_events (
			subscriber_name TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (subscriber_name, trace_id)
		)`)
	if err != nil {
		return fmt.Errorf("migrate idempotency guard: %w", err)
	}
	return nil
}

func (g *PostgresGuard) MarkOrSkip(ctx context.Context, subscriber, traceID string, ev event.Event) (bool, error) {
	ctx, span := g.tracer.Start(ctx, "MarkOrSkip")
	defer span.End()

	res, err := g.db.ExecContext(ctx,
		`INSERT INTO processed_events (subscriber_name, trace_id, event_type, tenant_id, processed_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
		subscriber, traceID, ev.Type, ev.Meta["tenant_id"], time.Now())
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("mark %s for %s: %w", traceID, subscriber, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (g *PostgresGuard) Rollback(ctx context.Context, subscriber, traceID string) error {
	ctx, span := g.tracer.Start(ctx, "Rollback")
	defer span.End()

	_, err := g.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE subscriber_name=$1 AND trace_id=$2`,
		subscriber, traceID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("rollback %s for %s: %w", traceID, subscriber, err)
	}
	return nil
}
