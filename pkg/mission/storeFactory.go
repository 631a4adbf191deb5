package mission

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"cloud.google.com/go/spanner"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/go-agentbus/pkg/config"
	"github.com/zoff-tech/go-agentbus/pkg/event"
)

// NewStore builds the mission store selected by the database settings.
func NewStore(ctx context.Context, cfg config.DbSettings, publisher event.Publisher, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		store := NewPostgresStore(db, publisher, logger)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		return NewMongoStore(client, cfg.Database, publisher, logger), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("create spanner client: %w", err)
		}
		return NewSpannerStore(client, publisher, logger), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}
