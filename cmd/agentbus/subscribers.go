package main

import (
	"context"
	"log/slog"

	"github.com/zoff-tech/go-agentbus/pkg/event"
	"github.com/zoff-tech/go-agentbus/pkg/mission"
)

// auditLogger is the consumer command's built-in subscriber: it writes every
// mission lifecycle event to the structured log, giving operators an audit
// trail without any external system.
type auditLogger struct {
	logger *slog.Logger
}

func (a *auditLogger) Name() string {
	return "audit-logger"
}

func (a *auditLogger) EventTypes() []string {
	return []string{mission.EventCreated, mission.EventStatusChanged, mission.EventLogAppended}
}

func (a *auditLogger) Handle(ctx context.Context, ev event.Event) error {
	a.logger.Info("audit",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"source", ev.Source,
		"target", ev.Target,
		"payload", string(ev.Payload))
	return nil
}

// OnError never fires in practice (Handle cannot fail), but logging is a
// side effect we would not want duplicated, so failures count as permanent.
func (a *auditLogger) OnError(ctx context.Context, ev event.Event, err error) bool {
	return false
}

// defaultRunner is the workload used when no domain-specific Runner is
// wired in: it records an attempt in the mission log and succeeds. Real
// deployments construct mission.NewWorker with their own Runner.
func defaultRunner() mission.Runner {
	return mission.RunnerFunc(func(ctx context.Context, m *mission.Mission) error {
		slog.Info("executing mission", "mission_id", m.ID, "name", m.Name)
		return nil
	})
}
