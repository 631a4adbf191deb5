package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-agentbus/pkg/event"
	"github.com/zoff-tech/go-agentbus/pkg/metrics"
)

// MongoStore is the document-backed mission store. Each statement is
// individually atomic; the compound status mutation is not transactional,
// so drifted counters are healed by RebuildStats.
type MongoStore struct {
	client    *mongo.Client
	database  string
	publisher event.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	source    string
}

func NewMongoStore(client *mongo.Client, database string, publisher event.Publisher, logger *slog.Logger) *MongoStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MongoStore{
		client:    client,
		database:  database,
		publisher: publisher,
		logger:    logger.With("component", "mission-store"),
		tracer:    otel.Tracer("agentbus"),
		source:    "mission-store",
	}
}

type mongoMission struct {
	ID          string    `bson:"_id"`
	Name        string    `bson:"name"`
	Description string    `bson:"description"`
	Status      Status    `bson:"status"`
	Priority    int       `bson:"priority"`
	RetryCount  int       `bson:"retry_count"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func (d mongoMission) toMission() *Mission {
	return &Mission{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Status:      d.Status,
		Priority:    d.Priority,
		RetryCount:  d.RetryCount,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func (s *MongoStore) missions() *mongo.Collection {
	return s.client.Database(s.database).Collection("missions")
}

func (s *MongoStore) logs() *mongo.Collection {
	return s.client.Database(s.database).Collection("mission_logs")
}

func (s *MongoStore) stats() *mongo.Collection {
	return s.client.Database(s.database).Collection("mission_stats")
}

func (s *MongoStore) Create(ctx context.Context, spec Spec) (*Mission, error) {
	ctx, span := s.tracer.Start(ctx, "CreateMission")
	defer span.End()

	if err := spec.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := time.Now().UTC()
	doc := mongoMission{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		Description: spec.Description,
		Status:      StatusPending,
		Priority:    spec.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if _, err := s.missions().InsertOne(ctx, doc); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create mission %q: %w", spec.Name, err)
	}
	if err := s.bumpStats(ctx, StatusPending, 1); err != nil {
		s.logger.Error("failed to bump stats", "status", StatusPending, "error", err)
	}

	m := doc.toMission()
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

func (s *MongoStore) Get(ctx context.Context, id string) (*Mission, error) {
	var doc mongoMission
	err := s.missions().FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mission %s: %w", id, err)
	}
	return doc.toMission(), nil
}

func (s *MongoStore) List(ctx context.Context, status *Status) ([]*Mission, error) {
	filter := bson.M{}
	if status != nil {
		filter["status"] = *status
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.missions().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	defer cursor.Close(ctx)

	var missions []*Mission
	for cursor.Next(ctx) {
		var doc mongoMission
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		missions = append(missions, doc.toMission())
	}
	return missions, cursor.Err()
}

func (s *MongoStore) UpdateStatus(ctx context.Context, id string, status Status) (*Mission, error) {
	ctx, span := s.tracer.Start(ctx, "UpdateMissionStatus")
	defer span.End()

	m, err := s.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if m == nil {
		s.logger.Debug("status update for unknown mission", "mission_id", id, "status", status)
		return nil, nil
	}

	old := m.Status
	if !CanTransition(old, status) {
		return nil, &TransitionError{From: old, To: status}
	}

	now := time.Now().UTC()
	_, err = s.missions().UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status, "updated_at": now}})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("update mission %s: %w", id, err)
	}
	if err := s.bumpStats(ctx, old, -1); err != nil {
		s.logger.Error("failed to bump stats", "status", old, "error", err)
	}
	if err := s.bumpStats(ctx, status, 1); err != nil {
		s.logger.Error("failed to bump stats", "status", status, "error", err)
	}
	if _, err := s.logs().InsertOne(ctx, bson.M{
		"mission_id": id,
		"level":      "INFO",
		"message":    fmt.Sprintf("status changed from %s to %s", old, status),
		"created_at": now,
	}); err != nil {
		s.logger.Error("failed to append transition log", "mission_id", id, "error", err)
	}

	m.Status = status
	m.UpdatedAt = now

	metrics.MissionTransitions.WithLabelValues(string(status)).Inc()
	metrics.MissionsByStatus.WithLabelValues(string(old)).Dec()
	metrics.MissionsByStatus.WithLabelValues(string(status)).Inc()

	s.publish(ctx, EventStatusChanged, id, StatusChangedPayload{MissionID: id, Old: old, New: status})
	s.logger.Info("mission status changed", "mission_id", id, "old", old, "new", status)
	return m, nil
}

func (s *MongoStore) AppendLog(ctx context.Context, id string, entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.logs().InsertOne(ctx, bson.M{
		"mission_id": id,
		"level":      entry.Level,
		"message":    entry.Message,
		"created_at": entry.Timestamp,
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

func (s *MongoStore) GetLog(ctx context.Context, id string) ([]LogEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.logs().Find(ctx, bson.M{"mission_id": id}, opts)
	if err != nil {
		return nil, fmt.Errorf("get log for mission %s: %w", id, err)
	}
	defer cursor.Close(ctx)

	var entries []LogEntry
	for cursor.Next(ctx) {
		var doc struct {
			Level     string    `bson:"level"`
			Message   string    `bson:"message"`
			CreatedAt time.Time `bson:"created_at"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		entries = append(entries, LogEntry{Level: doc.Level, Message: doc.Message, Timestamp: doc.CreatedAt})
	}
	return entries, cursor.Err()
}

func (s *MongoStore) Stats(ctx context.Context) (Stats, error) {
	cursor, err := s.stats().Find(ctx, bson.M{})
	if err != nil {
		return Stats{}, fmt.Errorf("get mission stats: %w", err)
	}
	defer cursor.Close(ctx)

	stats := emptyStats()
	for cursor.Next(ctx) {
		var doc struct {
			Status Status `bson:"_id"`
			Count  int    `bson:"count"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return Stats{}, err
		}
		stats.ByStatus[doc.Status] = doc.Count
		stats.Total += doc.Count
	}
	return stats, cursor.Err()
}

func (s *MongoStore) RebuildStats(ctx context.Context) (Stats, error) {
	ctx, span := s.tracer.Start(ctx, "RebuildMissionStats")
	defer span.End()

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cursor, err := s.missions().Aggregate(ctx, pipeline)
	if err != nil {
		span.RecordError(err)
		return Stats{}, fmt.Errorf("rebuild mission stats: %w", err)
	}
	defer cursor.Close(ctx)

	stats := emptyStats()
	for cursor.Next(ctx) {
		var doc struct {
			Status Status `bson:"_id"`
			Count  int    `bson:"count"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return Stats{}, err
		}
		stats.ByStatus[doc.Status] = doc.Count
		stats.Total += doc.Count
	}
	if err := cursor.Err(); err != nil {
		return Stats{}, err
	}

	for _, status := range Statuses {
		_, err := s.stats().UpdateOne(ctx,
			bson.M{"_id": status},
			bson.M{"$set": bson.M{"count": stats.ByStatus[status]}},
			options.Update().SetUpsert(true))
		if err != nil {
			return Stats{}, err
		}
		metrics.MissionsByStatus.WithLabelValues(string(status)).Set(float64(stats.ByStatus[status]))
	}

	s.logger.Info("mission stats rebuilt", "total", stats.Total)
	return stats, nil
}

func (s *MongoStore) bumpStats(ctx context.Context, status Status, delta int) error {
	_, err := s.stats().UpdateOne(ctx,
		bson.M{"_id": status},
		bson.M{"$inc": bson.M{"count": delta}},
		options.Update().SetUpsert(true))
	return err
}

func (s *MongoStore) publish(ctx context.Context, eventType, missionID string, payload any) {
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
