package mission

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Status is the lifecycle state of a mission. COMPLETED, FAILED and
// CANCELLED are terminal: no transition leaves them.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Statuses lists every valid status, used for stats aggregation.
var Statuses = []Status{
	StatusPending, StatusQueued, StatusRunning,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal lifecycle move.
// CANCELLED is reachable from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusQueued || to == StatusRunning
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Mission is a unit of trackable, retryable work. It is owned by the store:
// external code mutates it only through Create, UpdateStatus and AppendLog.
type Mission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	Priority    int       `json:"priority"`
	RetryCount  int       `json:"retry_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Spec is the caller-supplied part of a new mission.
type Spec struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Priority    int    `json:"priority" validate:"gte=0"`
}

var specValidator = validator.New()

// Validate checks required fields. Failures come back as *ValidationError.
func (s Spec) Validate() error {
	if err := specValidator.Struct(s); err != nil {
		return &ValidationError{msg: err.Error()}
	}
	return nil
}

// LogEntry is one line of a mission's append-only log.
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats is the derived mission aggregate. It is a cache maintained alongside
// every create and status change, rebuildable from a full scan.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

// ValidationError reports a rejected mission spec.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid mission spec: %s", e.msg)
}

// TransitionError reports an illegal status transition.
type TransitionError struct {
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal mission transition %s -> %s", e.From, e.To)
}

// Event types emitted by the mission store.
const (
	EventCreated       = "mission.created"
	EventStatusChanged = "mission.status_changed"
	EventLogAppended   = "mission.log_appended"
)

// CreatedPayload is the payload of mission.created events.
type CreatedPayload struct {
	MissionID   string `json:"mission_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`
	Status      Status `json:"status"`
}

// StatusChangedPayload is the payload of mission.status_changed events.
type StatusChangedPayload struct {
	MissionID string `json:"mission_id"`
	Old       Status `json:"old"`
	New       Status `json:"new"`
}

// LogAppendedPayload is the payload of mission.log_appended events.
type LogAppendedPayload struct {
	MissionID string `json:"mission_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}
