package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/zoff-tech/go-agentbus/pkg/broker"
	"github.com/zoff-tech/go-agentbus/pkg/config"
	"github.com/zoff-tech/go-agentbus/pkg/consumer"
	"github.com/zoff-tech/go-agentbus/pkg/event"
	"github.com/zoff-tech/go-agentbus/pkg/mission"
	"github.com/zoff-tech/go-agentbus/pkg/stream"
	"github.com/zoff-tech/go-agentbus/pkg/telemetry"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "agentbus",
		Short:         "Event stream and mission system backbone",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", ".", "path to the config directory")

	root.AddCommand(consumerCmd(&cfgPath))
	root.AddCommand(workerCmd(&cfgPath))
	root.AddCommand(relayCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		slog.Error("agentbus exited with error", "error", err)
		os.Exit(1)
	}
}

// bootstrap loads config, initializes telemetry and the metrics endpoint,
// and returns a context canceled on SIGINT/SIGTERM.
func bootstrap(cfgPath string) (*config.Settings, context.Context, context.CancelFunc, func(), error) {
	cfg, err := config.LoadFromFile(cfgPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	addr := cfg.MetricsAddr
	if addr == "" {
		addr = ":9090"
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics endpoint failed", "addr", addr, "error", err)
		}
	}()

	return cfg, ctx, stop, shutdownTelemetry, nil
}

// openBus opens the Postgres-backed stream store and idempotency guard the
// bus itself always lives on, regardless of the mission store backend.
func openBus(ctx context.Context, cfg *config.Settings) (*sql.DB, *stream.PostgresStore, *consumer.PostgresGuard, error) {
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := stream.NewPostgresStore(db, stream.Options{
		ClaimTimeout:  cfg.Stream.ClaimTimeout,
		MaxDeliveries: cfg.Stream.MaxDeliveries,
	}, slog.Default())
	if err := store.Migrate(ctx); err != nil {
		return nil, nil, nil, err
	}

	guard := consumer.NewPostgresGuard(db)
	if err := guard.Migrate(ctx); err != nil {
		return nil, nil, nil, err
	}

	return db, store, guard, nil
}

func consumerCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "consumer",
		Short: "Run a consumer-group member dispatching events to subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ctx, stop, shutdownTelemetry, err := bootstrap(*cfgPath)
			if err != nil {
				return err
			}
			defer stop()
			defer shutdownTelemetry()

			db, store, guard, err := openBus(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			registry := consumer.NewRegistry()
			registry.Register(&auditLogger{logger: slog.Default()})

			c := consumer.New(consumer.Config{
				Group:        cfg.Consumer.Group,
				Name:         memberName(cfg.Consumer.Name),
				Streams:      cfg.Consumer.Streams,
				BatchSize:    cfg.Consumer.BatchSize,
				PollInterval: cfg.Consumer.PollInterval,
				IdleDelay:    cfg.Consumer.IdleDelay,
			}, store, registry, guard, slog.Default())

			return c.Run(ctx)
		},
	}
}

func workerCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the mission worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ctx, stop, shutdownTelemetry, err := bootstrap(*cfgPath)
			if err != nil {
				return err
			}
			defer stop()
			defer shutdownTelemetry()

			db, streamStore, _, err := openBus(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			publisher := event.NewStreamPublisher(streamStore, slog.Default())
			missions, err := mission.NewStore(ctx, cfg.Database, publisher, slog.Default())
			if err != nil {
				return err
			}
			workerStore, ok := missions.(mission.WorkerStore)
			if !ok {
				return fmt.Errorf("database type %q cannot claim missions, the worker requires postgres", cfg.Database.Type)
			}
			// Heal any counter drift left by a crash mid-update.
			if _, err := missions.RebuildStats(ctx); err != nil {
				return err
			}

			w := mission.NewWorker(workerStore, defaultRunner(), mission.WorkerConfig{
				PollInterval: cfg.Worker.PollInterval,
				IdleDelay:    cfg.Worker.IdleDelay,
				MaxRetries:   cfg.Worker.MaxRetries,
				Backoff: mission.BackoffConfig{
					BaseDelay: cfg.Worker.BackoffBase,
					MaxDelay:  cfg.Worker.BackoffMax,
				},
			}, slog.Default())

			return w.Run(ctx)
		},
	}
}

func relayCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Forward bus events to an external message broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, ctx, stop, shutdownTelemetry, err := bootstrap(*cfgPath)
			if err != nil {
				return err
			}
			defer stop()
			defer shutdownTelemetry()

			db, store, guard, err := openBus(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			mb, err := broker.NewBroker(ctx, &cfg.Broker)
			if err != nil {
				return fmt.Errorf("initialize broker: %w", err)
			}
			defer mb.Close()

			relay := broker.NewRelay(mb, cfg.Broker.EventTypes, slog.Default())
			registry := consumer.NewRegistry()
			registry.Register(relay)

			streams := cfg.Consumer.Streams
			if len(streams) == 0 {
				streams = relayStreams(cfg.Broker.EventTypes)
			}

			c := consumer.New(consumer.Config{
				Group:        cfg.Consumer.Group,
				Name:         memberName(cfg.Consumer.Name),
				Streams:      streams,
				BatchSize:    cfg.Consumer.BatchSize,
				PollInterval: cfg.Consumer.PollInterval,
				IdleDelay:    cfg.Consumer.IdleDelay,
			}, store, registry, guard, slog.Default())

			return c.Run(ctx)
		},
	}
}

// relayStreams derives the set of streams covering the relayed event types.
func relayStreams(eventTypes []string) []string {
	seen := make(map[string]struct{})
	var streams []string
	for _, t := range eventTypes {
		name := event.StreamName(t)
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		streams = append(streams, name)
	}
	return streams
}

func memberName(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil {
		return "agentbus"
	}
	return host
}
