package mission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusRunning, true},
		{StatusQueued, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},

		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusQueued, StatusCompleted, false},
		{StatusQueued, StatusPending, false},
		{StatusRunning, StatusQueued, false},
		{StatusRunning, StatusPending, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCancellableFromAnyNonTerminalState(t *testing.T) {
	for _, from := range []Status{StatusPending, StatusQueued, StatusRunning} {
		assert.True(t, CanTransition(from, StatusCancelled), "%s -> CANCELLED", from)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, from.IsTerminal())
		for _, to := range Statuses {
			assert.False(t, CanTransition(from, to), "%s -> %s must be rejected", from, to)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range Statuses {
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("PAUSED").Valid())
	assert.False(t, Status("").Valid())
}

func TestSpecValidate(t *testing.T) {
	assert.NoError(t, Spec{Name: "probe", Priority: 3}.Validate())

	err := Spec{Priority: 1}.Validate()
	assert.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	assert.Error(t, Spec{Name: "probe", Priority: -1}.Validate())
}

func TestTransitionErrorMessage(t *testing.T) {
	err := &TransitionError{From: StatusCompleted, To: StatusRunning}
	assert.Contains(t, err.Error(), "COMPLETED")
	assert.Contains(t, err.Error(), "RUNNING")
}
