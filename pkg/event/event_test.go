package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventEnvelope(t *testing.T) {
	ev, err := New("mission.created", "mission-store", map[string]string{"name": "Deploy v2.0"})
	require.NoError(t, err)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "mission.created", ev.Type)
	assert.Equal(t, "mission-store", ev.Source)
	assert.False(t, ev.Timestamp.IsZero())
	assert.NotNil(t, ev.Meta, "meta must be present even when empty")
	assert.Empty(t, ev.Target)

	var payload map[string]string
	require.NoError(t, ev.DecodePayload(&payload))
	assert.Equal(t, "Deploy v2.0", payload["name"])
}

func TestNewEventOptions(t *testing.T) {
	ev, err := New("mission.status_changed", "mission-store", nil,
		WithTarget("mission_42"),
		WithMeta("correlation_id", "abc"),
		WithMeta("schema_version", "1"))
	require.NoError(t, err)

	assert.Equal(t, "mission_42", ev.Target)
	assert.Equal(t, "abc", ev.Meta["correlation_id"])
	assert.Equal(t, "1", ev.Meta["schema_version"])
}

func TestNewEventUniqueIDs(t *testing.T) {
	a, err := New("threat.detected", "sensor", nil)
	require.NoError(t, err)
	b, err := New("threat.detected", "sensor", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestNewEventRejectsMissingFields(t *testing.T) {
	_, err := New("", "source", nil)
	assert.Error(t, err)

	_, err = New("mission.created", "", nil)
	assert.Error(t, err)
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "mission", StreamName("mission.status_changed"))
	assert.Equal(t, "ir", StreamName("ir.case_opened"))
	assert.Equal(t, "hardware", StreamName("hardware.enrolled"))
	// A type without a dot maps to itself.
	assert.Equal(t, "heartbeat", StreamName("heartbeat"))
}
