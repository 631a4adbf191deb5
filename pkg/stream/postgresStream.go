package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-agentbus/pkg/event"
)

// Options tune the consumer-group behavior of a Postgres-backed store.
type Options struct {
	// ClaimTimeout is how long a claim may be held before another group
	// member can reclaim the message. This is the crash-recovery path.
	ClaimTimeout time.Duration

	// MaxDeliveries is the delivery budget per group; past it the message
	// goes to the dead-letter stream instead of being redelivered.
	MaxDeliveries int
}

// PostgresStore implements Store on two tables: an append-only message log
// and a per-group delivery ledger. Every statement is individually atomic;
// claims use FOR UPDATE SKIP LOCKED so group members load-balance without
// distributed locks.
type PostgresStore struct {
	db            *sql.DB
	logger        *slog.Logger
	tracer        trace.Tracer
	claimTimeout  time.Duration
	maxDeliveries int
}

// NewPostgresStore wraps an open connection. Zero Options fields fall back
// to defaults.
func NewPostgresStore(db *sql.DB, opts Options, logger *slog.Logger) *PostgresStore {
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = defaultClaimTimeout
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = defaultMaxDeliveries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:            db,
		logger:        logger.With("component", "stream"),
		tracer:        otel.Tracer("agentbus"),
		claimTimeout:  opts.ClaimTimeout,
		maxDeliveries: opts.MaxDeliveries,
	}
}

// Migrate creates the stream tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stream_messages (
			seq BIGSERIAL PRIMARY KEY,
			stream TEXT NOT NULL,
			event JSONB NOT NULL,
			appended_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stream_messages_stream ON stream_messages (stream, seq)`,
		`CREATE TABLE IF NOT EXISTS stream_deliveries (
			group_name TEXT NOT NULL,
			stream TEXT NOT NULL,
			seq BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			claimed_by TEXT,
			claimed_at TIMESTAMPTZ,
			delivery_count INT NOT NULL DEFAULT 0,
			PRIMARY KEY (group_name, stream, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stream_deliveries_claim ON stream_deliveries (group_name, stream, status, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate stream store: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, stream string, ev event.Event) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "Append")
	defer span.End()

	start := time.Now()
	data, err := json.Marshal(ev)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}

	var seq int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO stream_messages (stream, event, appended_at) VALUES ($1, $2, $3) RETURNING seq`,
		stream, data, ev.Timestamp).Scan(&seq)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("append to stream %s: %w", stream, err)
	}

	addDBStatsToSpan(span, "Append", 1, time.Since(start))
	return seq, nil
}

func (s *PostgresStore) Fetch(ctx context.Context, group, consumer string, streams []string, batchSize int) ([]Message, error) {
	ctx, span := s.tracer.Start(ctx, "Fetch")
	defer span.End()

	start := time.Now()
	messages, err := s.withTransaction(ctx, func(tx *sql.Tx) ([]Message, error) {
		// Register every message the group has not seen yet. This must be an
		// anti-join, not a MAX(seq) watermark: sequences are allocated at
		// insert time but become visible at commit time, so a slow producer
		// can surface a seq below ones already registered, and a watermark
		// would skip it forever. Insert-if-absent keeps concurrent members
		// from racing.
		for _, st := range streams {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO stream_deliveries (group_name, stream, seq)
				 SELECT $1, m.stream, m.seq FROM stream_messages m
				 WHERE m.stream = $2 AND NOT EXISTS (
					SELECT 1 FROM stream_deliveries d
					WHERE d.group_name = $1 AND d.stream = m.stream AND d.seq = m.seq)
				 ON CONFLICT DO NOTHING`,
				group, st)
			if err != nil {
				return nil, fmt.Errorf("register deliveries for %s: %w", st, err)
			}
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT d.stream, d.seq, d.delivery_count, m.event, m.appended_at
			 FROM stream_deliveries d
			 JOIN stream_messages m ON m.seq = d.seq
			 WHERE d.group_name = $1 AND d.stream = ANY($2)
			 AND (d.status = 'pending' OR (d.status = 'claimed' AND d.claimed_at < $3))
			 ORDER BY d.seq
			 LIMIT $4
			 FOR UPDATE OF d SKIP LOCKED`,
			group, pq.Array(streams), time.Now().Add(-s.claimTimeout), batchSize)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var claimed []Message
		for rows.Next() {
			var (
				msg  Message
				data []byte
			)
			if err := rows.Scan(&msg.Stream, &msg.Seq, &msg.DeliveryCount, &data, &msg.AppendedAt); err != nil {
				return nil, err
			}
			if err := json.Unmarshal(data, &msg.Event); err != nil {
				return nil, fmt.Errorf("decode event at %s/%d: %w", msg.Stream, msg.Seq, err)
			}
			claimed = append(claimed, msg)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}

		now := time.Now()
		delivered := claimed[:0]
		for _, msg := range claimed {
			if msg.DeliveryCount >= s.maxDeliveries {
				if err := s.deadLetter(ctx, tx, group, msg); err != nil {
					return nil, err
				}
				continue
			}
			_, err := tx.ExecContext(ctx,
				`UPDATE stream_deliveries SET status='claimed', claimed_by=$1, claimed_at=$2, delivery_count = delivery_count + 1 WHERE group_name=$3 AND stream=$4 AND seq=$5`,
				consumer, now, group, msg.Stream, msg.Seq)
			if err != nil {
				return nil, err
			}
			msg.DeliveryCount++
			delivered = append(delivered, msg)
		}
		return delivered, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "Fetch", len(messages), time.Since(start))
	return messages, nil
}

// deadLetter copies an over-budget message to the dead-letter stream and
// acks the original for this group so it stops cycling.
func (s *PostgresStore) deadLetter(ctx context.Context, tx *sql.Tx, group string, msg Message) error {
	data, err := json.Marshal(msg.Event)
	if err != nil {
		return fmt.Errorf("encode dead-lettered event %s: %w", msg.Event.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stream_messages (stream, event, appended_at) VALUES ($1, $2, $3)`,
		DeadLetterStream, data, time.Now()); err != nil {
		return fmt.Errorf("dead-letter %s/%d: %w", msg.Stream, msg.Seq, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE stream_deliveries SET status='acked' WHERE group_name=$1 AND stream=$2 AND seq=$3`,
		group, msg.Stream, msg.Seq); err != nil {
		return err
	}
	s.logger.Warn("message exceeded delivery budget, dead-lettered",
		"group", group, "stream", msg.Stream, "seq", msg.Seq,
		"event_id", msg.Event.ID, "deliveries", msg.DeliveryCount)
	return nil
}

func (s *PostgresStore) Ack(ctx context.Context, group, stream string, seq int64) error {
	ctx, span := s.tracer.Start(ctx, "Ack")
	defer span.End()

	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE stream_deliveries SET status='acked' WHERE group_name=$1 AND stream=$2 AND seq=$3`,
		group, stream, seq)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("ack %s/%d for group %s: %w", stream, seq, group, err)
	}
	addDBStatsToSpan(span, "Ack", 1, time.Since(start))
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, group, stream string, seq int64) error {
	ctx, span := s.tracer.Start(ctx, "Release")
	defer span.End()

	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE stream_deliveries SET status='pending', claimed_by=NULL, claimed_at=NULL WHERE group_name=$1 AND stream=$2 AND seq=$3 AND status='claimed'`,
		group, stream, seq)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("release %s/%d for group %s: %w", stream, seq, group, err)
	}
	addDBStatsToSpan(span, "Release", 1, time.Since(start))
	return nil
}

func (s *PostgresStore) withTransaction(ctx context.Context, fn func(tx *sql.Tx) ([]Message, error)) ([]Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	messages, err := fn(tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return messages, nil
}
