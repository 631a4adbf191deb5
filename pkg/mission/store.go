package mission

import (
	"context"
)

// Store persists missions, their append-only logs and the stats aggregate,
// and publishes a lifecycle event for every mutation.
//
// Get and UpdateStatus return (nil, nil) for unknown ids: callers treat a
// missing mission as already gone, not as a failure.
type Store interface {
	// Create validates the spec, persists a new PENDING mission and
	// publishes mission.created.
	Create(ctx context.Context, spec Spec) (*Mission, error)

	// Get returns the mission or (nil, nil) when it does not exist.
	Get(ctx context.Context, id string) (*Mission, error)

	// List returns missions newest-created first, optionally filtered by
	// status. The full set is scanned; fine at moderate scale.
	List(ctx context.Context, status *Status) ([]*Mission, error)

	// UpdateStatus validates the transition, persists the new status,
	// maintains the stats aggregate, appends a log entry and publishes
	// mission.status_changed. Unknown ids return (nil, nil); illegal
	// transitions return *TransitionError.
	UpdateStatus(ctx context.Context, id string, status Status) (*Mission, error)

	// AppendLog adds an entry to the mission's log and publishes
	// mission.log_appended.
	AppendLog(ctx context.Context, id string, entry LogEntry) error

	// GetLog returns the mission's log entries in append order.
	GetLog(ctx context.Context, id string) ([]LogEntry, error)

	// Stats returns the maintained counters.
	Stats(ctx context.Context) (Stats, error)

	// RebuildStats recomputes the counters from a full scan, repairing any
	// drift left by a crash between the independent writes.
	RebuildStats(ctx context.Context) (Stats, error)
}

// Claimer is the extra capability the worker needs: atomically claim the
// next runnable mission. Only the Postgres backend provides it.
type Claimer interface {
	// ClaimNext picks the highest-priority, oldest PENDING or QUEUED
	// mission, moves it to QUEUED under the claim, and returns it.
	// (nil, nil) means no runnable mission.
	ClaimNext(ctx context.Context) (*Mission, error)
}
