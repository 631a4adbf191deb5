package mission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-agentbus/pkg/event"
	"github.com/zoff-tech/go-agentbus/pkg/metrics"
)

const missionColumns = "id, name, description, status, priority, retry_count, created_at, updated_at"

// PostgresStore is the primary mission backend. The compound mutation of a
// status change (mission row, stats counters, log row) runs in one
// transaction here; the Mongo and Spanner backends only get per-statement
// atomicity and lean on RebuildStats instead.
type PostgresStore struct {
	db        *sql.DB
	publisher event.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	source    string
}

// NewPostgresStore wires the store to an open connection. publisher may be
// nil: the store then performs all of its work without emitting events.
func NewPostgresStore(db *sql.DB, publisher event.Publisher, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:        db,
		publisher: publisher,
		logger:    logger.With("component", "mission-store"),
		tracer:    otel.Tracer("agentbus"),
		source:    "mission-store",
	}
}

// Migrate creates the mission tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS missions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			retry_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_missions_status ON missions (status)`,
		`CREATE INDEX IF NOT EXISTS idx_missions_created_at ON missions (created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS mission_logs (
			id BIGSERIAL PRIMARY KEY,
			mission_id TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mission_logs_mission ON mission_logs (mission_id, id)`,
		`CREATE TABLE IF NOT EXISTS mission_stats (
			status TEXT PRIMARY KEY,
			count INT NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate mission store: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, spec Spec) (*Mission, error) {
	ctx, span := s.tracer.Start(ctx, "CreateMission")
	defer span.End()

	if err := spec.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := time.Now().UTC()
	m := &Mission{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		Description: spec.Description,
		Status:      StatusPending,
		Priority:    spec.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO missions (id, name, description, status, priority, retry_count, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, m.Name, m.Description, m.Status, m.Priority, m.RetryCount, m.CreatedAt, m.UpdatedAt); err != nil {
			return err
		}
		return bumpStats(ctx, tx, m.Status, 1)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create mission %q: %w", spec.Name, err)
	}

	metrics.MissionsCreated.Inc()
	metrics.MissionsByStatus.WithLabelValues(string(StatusPending)).Inc()

	s.publish(ctx, EventCreated, m.ID, CreatedPayload{
		MissionID:   m.ID,
		Name:        m.Name,
		Description: m.Description,
		Priority:    m.Priority,
		Status:      m.Status,
	})

	s.logger.Info("mission created", "mission_id", m.ID, "name", m.Name, "priority", m.Priority)
	return m, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Mission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+missionColumns+` FROM missions WHERE id = $1`, id)
	return scanMission(row)
}

func (s *PostgresStore) List(ctx context.Context, status *Status) ([]*Mission, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status != nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+missionColumns+` FROM missions WHERE status = $1 ORDER BY created_at DESC`, *status)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+missionColumns+` FROM missions ORDER BY created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	defer rows.Close()

	var missions []*Mission
	for rows.Next() {
		var m Mission
		if err := rows.Scan(&m.ID, &m.Name, &m.Description, &m.Status, &m.Priority, &m.RetryCount, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		missions = append(missions, &m)
	}
	return missions, rows.Err()
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status) (*Mission, error) {
	ctx, span := s.tracer.Start(ctx, "UpdateMissionStatus")
	defer span.End()

	if !status.Valid() {
		return nil, &TransitionError{From: "", To: status}
	}

	var (
		m   *Mission
		old Status
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+missionColumns+` FROM missions WHERE id = $1 FOR UPDATE`, id)
		var err error
		m, err = scanMission(row)
		if err != nil || m == nil {
			return err
		}

		old = m.Status
		if !CanTransition(old, status) {
			return &TransitionError{From: old, To: status}
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE missions SET status = $1, updated_at = $2 WHERE id = $3`,
			status, now, id); err != nil {
			return err
		}
		if err := bumpStats(ctx, tx, old, -1); err != nil {
			return err
		}
		if err := bumpStats(ctx, tx, status, 1); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mission_logs (mission_id, level, message, created_at) VALUES ($1, $2, $3, $4)`,
			id, "INFO", fmt.Sprintf("status changed from %s to %s", old, status), now); err != nil {
			return err
		}
		m.Status = status
		m.UpdatedAt = now
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if m == nil {
		// Documented non-error: the mission is already gone.
		s.logger.Debug("status update for unknown mission", "mission_id", id, "status", status)
		return nil, nil
	}

	metrics.MissionTransitions.WithLabelValues(string(status)).Inc()
	metrics.MissionsByStatus.WithLabelValues(string(old)).Dec()
	metrics.MissionsByStatus.WithLabelValues(string(status)).Inc()

	s.publish(ctx, EventStatusChanged, m.ID, StatusChangedPayload{
		MissionID: m.ID,
		Old:       old,
		New:       status,
	})

	s.logger.Info("mission status changed", "mission_id", id, "old", old, "new", status)
	return m, nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, id string, entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mission_logs (mission_id, level, message, created_at) VALUES ($1, $2, $3, $4)`,
		id, entry.Level, entry.Message, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("append log for mission %s: %w", id, err)
	}

	s.publish(ctx, EventLogAppended, id, LogAppendedPayload{
		MissionID: id,
		Level:     entry.Level,
		Message:   entry.Message,
	})
	return nil
}

func (s *PostgresStore) GetLog(ctx context.Context, id string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT level, message, created_at FROM mission_logs WHERE mission_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("get log for mission %s: %w", id, err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.Level, &e.Message, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count FROM mission_stats`)
	if err != nil {
		return Stats{}, fmt.Errorf("get mission stats: %w", err)
	}
	defer rows.Close()

	stats := emptyStats()
	for rows.Next() {
		var (
			status Status
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

func (s *PostgresStore) RebuildStats(ctx context.Context) (Stats, error) {
	ctx, span := s.tracer.Start(ctx, "RebuildMissionStats")
	defer span.End()

	stats := emptyStats()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM missions GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				status Status
				count  int
			)
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			stats.ByStatus[status] = count
			stats.Total += count
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM mission_stats`); err != nil {
			return err
		}
		for _, status := range Statuses {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO mission_stats (status, count) VALUES ($1, $2)`,
				status, stats.ByStatus[status]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Stats{}, fmt.Errorf("rebuild mission stats: %w", err)
	}

	for status, count := range stats.ByStatus {
		metrics.MissionsByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
	s.logger.Info("mission stats rebuilt", "total", stats.Total)
	return stats, nil
}

// ClaimNext picks the next runnable mission for a worker: highest priority
// first, oldest first within a priority. SKIP LOCKED keeps concurrent
// workers off each other's claims.
func (s *PostgresStore) ClaimNext(ctx context.Context) (*Mission, error) {
	ctx, span := s.tracer.Start(ctx, "ClaimNextMission")
	defer span.End()

	var (
		m   *Mission
		old Status
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+missionColumns+` FROM missions WHERE status IN ('PENDING', 'QUEUED') ORDER BY priority DESC, created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`)
		var err error
		m, err = scanMission(row)
		if err != nil || m == nil {
			return err
		}
		old = m.Status
		if old == StatusQueued {
			return nil
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE missions SET status = $1, updated_at = $2 WHERE id = $3`,
			StatusQueued, now, m.ID); err != nil {
			return err
		}
		if err := bumpStats(ctx, tx, old, -1); err != nil {
			return err
		}
		if err := bumpStats(ctx, tx, StatusQueued, 1); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mission_logs (mission_id, level, message, created_at) VALUES ($1, $2, $3, $4)`,
			m.ID, "INFO", fmt.Sprintf("status changed from %s to %s", old, StatusQueued), now); err != nil {
			return err
		}
		m.Status = StatusQueued
		m.UpdatedAt = now
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("claim next mission: %w", err)
	}
	if m == nil {
		return nil, nil
	}

	if old != StatusQueued {
		metrics.MissionTransitions.WithLabelValues(string(StatusQueued)).Inc()
		metrics.MissionsByStatus.WithLabelValues(string(old)).Dec()
		metrics.MissionsByStatus.WithLabelValues(string(StatusQueued)).Inc()
		s.publish(ctx, EventStatusChanged, m.ID, StatusChangedPayload{
			MissionID: m.ID,
			Old:       old,
			New:       StatusQueued,
		})
	}
	return m, nil
}

// IncrementRetry bumps the persisted retry counter after a failed attempt
// and returns the new value.
func (s *PostgresStore) IncrementRetry(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE missions SET retry_count = retry_count + 1, updated_at = $1 WHERE id = $2 RETURNING retry_count`,
		time.Now().UTC(), id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry for mission %s: %w", id, err)
	}
	return count, nil
}

func (s *PostgresStore) publish(ctx context.Context, eventType, missionID string, payload any) {
	if s.publisher == nil {
		return
	}
	ev, err := event.New(eventType, s.source, payload, event.WithTarget("mission_"+missionID))
	if err != nil {
		s.logger.Error("failed to build event", "event_type", eventType, "mission_id", missionID, "error", err)
		return
	}
	s.publisher.Publish(ctx, ev)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func bumpStats(ctx context.Context, tx *sql.Tx, status Status, delta int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO mission_stats (status, count) VALUES ($1, $2) ON CONFLICT (status) DO UPDATE SET count = mission_stats.count + $2`,
		status, delta)
	return err
}

func scanMission(row *sql.Row) (*Mission, error) {
	var m Mission
	err := row.Scan(&m.ID, &m.Name, &m.Description, &m.Status, &m.Priority, &m.RetryCount, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func emptyStats() Stats {
	stats := Stats{ByStatus: make(map[Status]int, len(Statuses))}
	for _, status := range Statuses {
		stats.ByStatus[status] = 0
	}
	return stats
}
