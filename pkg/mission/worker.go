package mission

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Runner executes the workload a mission stands for.
type Runner interface {
	Run(ctx context.Context, m *Mission) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, m *Mission) error

func (f RunnerFunc) Run(ctx context.Context, m *Mission) error {
	return f(ctx, m)
}

// WorkerStore is what the worker needs from a store backend. The Postgres
// store provides all of it.
type WorkerStore interface {
	Claimer
	UpdateStatus(ctx context.Context, id string, status Status) (*Mission, error)
	AppendLog(ctx context.Context, id string, entry LogEntry) error
	IncrementRetry(ctx context.Context, id string) (int, error)
}

// WorkerConfig tunes the mission worker loop.
type WorkerConfig struct {
	PollInterval time.Duration
	IdleDelay    time.Duration
	MaxRetries   int
	Backoff      BackoffConfig
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 1 * time.Second,
		IdleDelay:    3 * time.Second,
		MaxRetries:   3,
		Backoff:      DefaultBackoff(),
	}
}

// Worker claims runnable missions by priority and drives them to a terminal
// status. All transitions go through the store, so lifecycle events are
// emitted uniformly without the worker touching the bus itself.
type Worker struct {
	store  WorkerStore
	runner Runner
	cfg    WorkerConfig
	logger *slog.Logger
	tracer trace.Tracer
	rng    *rand.Rand
}

func NewWorker(store WorkerStore, runner Runner, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = 3 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:  store,
		runner: runner,
		cfg:    cfg,
		logger: logger.With("component", "mission-worker"),
		tracer: otel.Tracer("agentbus"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run polls until ctx is canceled. The mission being executed when
// cancellation arrives finishes its current attempt first.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("mission worker started",
		"poll_interval", w.cfg.PollInterval, "max_retries", w.cfg.MaxRetries)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("mission worker stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			m, err := w.store.ClaimNext(ctx)
			if err != nil {
				w.logger.Error("failed to claim mission", "error", err)
				continue
			}
			if m == nil {
				select {
				case <-ctx.Done():
					w.logger.Info("mission worker stopping", "reason", ctx.Err())
					return nil
				case <-time.After(w.cfg.IdleDelay):
				}
				continue
			}
			w.execute(ctx, m)
		}
	}
}

func (w *Worker) execute(ctx context.Context, m *Mission) {
	ctx, span := w.tracer.Start(ctx, "ExecuteMission", trace.WithAttributes(
		attribute.String("mission.id", m.ID),
		attribute.String("mission.name", m.Name),
		attribute.Int("mission.priority", m.Priority),
	))
	defer span.End()

	running, err := w.store.UpdateStatus(ctx, m.ID, StatusRunning)
	if err != nil {
		span.RecordError(err)
		w.logger.Error("failed to start mission", "mission_id", m.ID, "error", err)
		return
	}
	if running == nil {
		// Already gone; nothing to do.
		return
	}

	for attempt := 1; ; attempt++ {
		err := w.runner.Run(ctx, running)
		if err == nil {
			if _, err := w.store.UpdateStatus(ctx, m.ID, StatusCompleted); err != nil {
				w.logger.Error("failed to complete mission", "mission_id", m.ID, "error", err)
			}
			w.logger.Info("mission completed", "mission_id", m.ID, "attempts", attempt)
			return
		}

		span.RecordError(err)
		w.logger.Warn("mission attempt failed",
			"mission_id", m.ID, "attempt", attempt, "max_retries", w.cfg.MaxRetries, "error", err)

		if logErr := w.store.AppendLog(ctx, m.ID, LogEntry{
			Level:   "ERROR",
			Message: "attempt failed: " + err.Error(),
		}); logErr != nil {
			w.logger.Error("failed to append mission log", "mission_id", m.ID, "error", logErr)
		}
		if _, retryErr := w.store.IncrementRetry(ctx, m.ID); retryErr != nil {
			w.logger.Error("failed to record retry", "mission_id", m.ID, "error", retryErr)
		}

		if attempt > w.cfg.MaxRetries {
			span.SetStatus(codes.Error, "retries exhausted")
			if _, err := w.store.UpdateStatus(ctx, m.ID, StatusFailed); err != nil {
				w.logger.Error("failed to fail mission", "mission_id", m.ID, "error", err)
			}
			w.logger.Error("mission failed, retries exhausted", "mission_id", m.ID, "attempts", attempt)
			return
		}

		delay := NextDelay(attempt, w.cfg.Backoff, w.rng)
		select {
		case <-ctx.Done():
			// Shutdown mid-retry leaves the mission RUNNING; an operator can
			// cancel it or another worker can be pointed at it.
			w.logger.Warn("shutdown during retry backoff", "mission_id", m.ID)
			return
		case <-time.After(delay):
		}
	}
}
