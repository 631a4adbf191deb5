package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bus counters.
var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentbus_events_published_total",
		Help: "Events appended to a stream, by stream.",
	}, []string{"stream"})

	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentbus_events_consumed_total",
		Help: "Events acknowledged by a consumer group, by group.",
	}, []string{"group"})

	EventsDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentbus_events_duplicate_total",
		Help: "Deliveries skipped by the idempotency guard, by subscriber.",
	}, []string{"subscriber"})

	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentbus_handler_failures_total",
		Help: "Handler failures by subscriber and classification (transient|permanent).",
	}, []string{"subscriber", "kind"})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentbus_handler_duration_seconds",
		Help:    "Handler execution latency by subscriber.",
		Buckets: prometheus.DefBuckets,
	}, []string{"subscriber"})
)

// Mission counters and gauges.
var (
	MissionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentbus_missions_created_total",
		Help: "Missions created.",
	})

	MissionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentbus_mission_transitions_total",
		Help: "Mission status transitions, by new status.",
	}, []string{"status"})

	MissionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentbus_missions_by_status",
		Help: "Current mission counts from the stats aggregate.",
	}, []string{"status"})
)
