package mission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"

	"github.com/zoff-tech/go-agentbus/pkg/event"
	"github.com/zoff-tech/go-agentbus/pkg/metrics"
)

// SpannerStore backs missions with Cloud Spanner. Compound mutations run in
// a ReadWriteTransaction, which Spanner gives us for free.
type SpannerStore struct {
	client    *spanner.Client
	publisher event.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	source    string
}

func NewSpannerStore(client *spanner.Client, publisher event.Publisher, logger *slog.Logger) *SpannerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpannerStore{
		client:    client,
		publisher: publisher,
		logger:    logger.With("component", "mission-store"),
		tracer:    otel.Tracer("agentbus"),
		source:    "mission-store",
	}
}

func (s *SpannerStore) Create(ctx context.Context, spec Spec) (*Mission, error) {
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

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `INSERT INTO missions (id, name, description, status, priority, retry_count, created_at, updated_at)
                  VALUES (@id, @name, @description, @status, @priority, 0, @now, @now)`,
			Params: map[string]interface{}{
				"id":          m.ID,
				"name":        m.Name,
				"description": m.Description,
				"status":      string(m.Status),
				"priority":    m.Priority,
				"now":         now,
			},
		}
		if _, err := txn.Update(ctx, stmt); err != nil {
			return err
		}
		return bumpSpannerStats(ctx, txn, m.Status, 1)
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
	return m, nil
}

func (s *SpannerStore) Get(ctx context.Context, id string) (*Mission, error) {
	stmt := spanner.Statement{
		SQL: `SELECT id, name, description, status, priority, retry_count, created_at, updated_at
              FROM missions WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mission %s: %w", id, err)
	}
	return scanSpannerMission(row)
}

func (s *SpannerStore) List(ctx context.Context, status *Status) ([]*Mission, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT id, name, description, status, priority, retry_count, created_at, updated_at FROM missions ORDER BY created_at DESC`,
		Params: map[string]interface{}{},
	}
	if status != nil {
		stmt.SQL = `SELECT id, name, description, status, priority, retry_count, created_at, updated_at FROM missions WHERE status = @status ORDER BY created_at DESC`
		stmt.Params["status"] = string(*status)
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var missions []*Mission
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list missions: %w", err)
		}
		m, err := scanSpannerMission(row)
		if err != nil {
			return nil, err
		}
		missions = append(missions, m)
	}
	return missions, nil
}

func (s *SpannerStore) UpdateStatus(ctx context.Context, id string, status Status) (*Mission, error) {
	ctx, span := s.tracer.Start(ctx, "UpdateMissionStatus")
	defer span.End()

	var (
		m   *Mission
		old Status
	)
	now := time.Now().UTC()
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `SELECT id, name, description, status, priority, retry_count, created_at, updated_at
                  FROM missions WHERE id = @id`,
			Params: map[string]interface{}{"id": id},
		}
		iter := txn.Query(ctx, stmt)
		defer iter.Stop()

		row, err := iter.Next()
		if err == iterator.Done {
			m = nil
			return nil
		}
		if err != nil {
			return err
		}
		m, err = scanSpannerMission(row)
		if err != nil {
			return err
		}

		old = m.Status
		if !CanTransition(old, status) {
			return &TransitionError{From: old, To: status}
		}

		update := spanner.Statement{
			SQL: `UPDATE missions SET status = @status, updated_at = @now WHERE id = @id`,
			Params: map[string]interface{}{
				"status": string(status),
				"now":    now,
				"id":     id,
			},
		}
		if _, err := txn.Update(ctx, update); err != nil {
			return err
		}
		if err := bumpSpannerStats(ctx, txn, old, -1); err != nil {
			return err
		}
		if err := bumpSpannerStats(ctx, txn, status, 1); err != nil {
			return err
		}
		logStmt := spanner.Statement{
			SQL: `INSERT INTO mission_logs (id, mission_id, level, message, created_at)
                  VALUES (@logID, @missionID, 'INFO', @message, @now)`,
			Params: map[string]interface{}{
				"logID":     uuid.NewString(),
				"missionID": id,
				"message":   fmt.Sprintf("status changed from %s to %s", old, status),
				"now":       now,
			},
		}
		_, err = txn.Update(ctx, logStmt)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if m == nil {
		s.logger.Debug("status update for unknown mission", "mission_id", id, "status", status)
		return nil, nil
	}

	m.Status = status
	m.UpdatedAt = now

	metrics.MissionTransitions.WithLabelValues(string(status)).Inc()
	metrics.MissionsByStatus.WithLabelValues(string(old)).Dec()
	metrics.MissionsByStatus.WithLabelValues(string(status)).Inc()

	s.publish(ctx, EventStatusChanged, id, StatusChangedPayload{MissionID: id, Old: old, New: status})
	return m, nil
}

func (s *SpannerStore) AppendLog(ctx context.Context, id string, entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `INSERT INTO mission_logs (id, mission_id, level, message, created_at)
                  VALUES (@logID, @missionID, @level, @message, @now)`,
			Params: map[string]interface{}{
				"logID":     uuid.NewString(),
				"missionID": id,
				"level":     entry.Level,
				"message":   entry.Message,
				"now":       entry.Timestamp,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
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

func (s *SpannerStore) GetLog(ctx context.Context, id string) ([]LogEntry, error) {
	stmt := spanner.Statement{
		SQL: `SELECT level, message, created_at FROM mission_logs
              WHERE mission_id = @id ORDER BY created_at`,
		Params: map[string]interface{}{"id": id},
	}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var entries []LogEntry
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("get log for mission %s: %w", id, err)
		}
		var e LogEntry
		if err := row.Columns(&e.Level, &e.Message, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *SpannerStore) Stats(ctx context.Context) (Stats, error) {
	stmt := spanner.Statement{SQL: `SELECT status, count FROM mission_stats`}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	stats := emptyStats()
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return Stats{}, fmt.Errorf("get mission stats: %w", err)
		}
		var (
			status string
			count  int64
		)
		if err := row.Columns(&status, &count); err != nil {
			return Stats{}, err
		}
		stats.ByStatus[Status(status)] = int(count)
		stats.Total += int(count)
	}
	return stats, nil
}

func (s *SpannerStore) RebuildStats(ctx context.Context) (Stats, error) {
	ctx, span := s.tracer.Start(ctx, "RebuildMissionStats")
	defer span.End()

	stats := emptyStats()
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{SQL: `SELECT status, COUNT(*) FROM missions GROUP BY status`}
		iter := txn.Query(ctx, stmt)
		defer iter.Stop()
		for {
			row, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return err
			}
			var (
				status string
				count  int64
			)
			if err := row.Columns(&status, &count); err != nil {
				return err
			}
			stats.ByStatus[Status(status)] = int(count)
			stats.Total += int(count)
		}

		if _, err := txn.Update(ctx, spanner.Statement{SQL: `DELETE FROM mission_stats WHERE true`}); err != nil {
			return err
		}
		for _, status := range Statuses {
			insert := spanner.Statement{
				SQL: `INSERT INTO mission_stats (status, count) VALUES (@status, @count)`,
				Params: map[string]interface{}{
					"status": string(status),
					"count":  stats.ByStatus[status],
				},
			}
			if _, err := txn.Update(ctx, insert); err != nil {
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
	return stats, nil
}

func bumpSpannerStats(ctx context.Context, txn *spanner.ReadWriteTransaction, status Status, delta int) error {
	stmt := spanner.Statement{
		SQL: `UPDATE mission_stats SET count = count + @delta WHERE status = @status`,
		Params: map[string]interface{}{
			"delta":  delta,
			"status": string(status),
		},
	}
	count, err := txn.Update(ctx, stmt)
	if err != nil {
		return err
	}
	if count == 0 {
		insert := spanner.Statement{
			SQL: `INSERT INTO mission_stats (status, count) VALUES (@status, @delta)`,
			Params: map[string]interface{}{
				"status": string(status),
				"delta":  delta,
			},
		}
		_, err = txn.Update(ctx, insert)
	}
	return err
}

func scanSpannerMission(row *spanner.Row) (*Mission, error) {
	var (
		m          Mission
		status     string
		priority   int64
		retryCount int64
	)
	if err := row.Columns(&m.ID, &m.Name, &m.Description, &status, &priority, &retryCount, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status = Status(status)
	m.Priority = int(priority)
	m.RetryCount = int(retryCount)
	return &m, nil
}

func (s *SpannerStore) publish(ctx context.Context, eventType, missionID string, payload any) {
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
