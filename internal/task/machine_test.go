package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  State
		to    State
		valid bool
	}{
		// Running transitions
		{"running to completed", StateRunning, StateCompleted, true},
		{"running to error", StateRunning, StateError, true},
		{"running to waiting", StateRunning, StateWaitingForPermission, true},
		{"running to stopping", StateRunning, StateStopping, true},
		{"running to stopped invalid", StateRunning, StateStopped, false},

		// Waiting transitions
		{"waiting to running", StateWaitingForPermission, StateRunning, true},
		{"waiting to stopping invalid", StateWaitingForPermission, StateStopping, false},
		{"waiting to completed invalid", StateWaitingForPermission, StateCompleted, false},
		{"waiting to error invalid", StateWaitingForPermission, StateError, false},

		// Stopping transitions
		{"stopping to stopped", StateStopping, StateStopped, true},
		{"stopping to completed", StateStopping, StateCompleted, true},
		{"stopping to error", StateStopping, StateError, true},
		{"stopping to running invalid", StateStopping, StateRunning, false},

		// Terminal states have no outgoing edges
		{"completed to running invalid", StateCompleted, StateRunning, false},
		{"error to running invalid", StateError, StateRunning, false},
		{"stopped to running invalid", StateStopped, StateRunning, false},
		{"completed to error invalid", StateCompleted, StateError, false},

		// Same state is not an edge
		{"running to running", StateRunning, StateRunning, false},
		{"completed to completed", StateCompleted, StateCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidTransition(tt.from, tt.to))
		})
	}
}

func TestValidTargetStates(t *testing.T) {
	assert.Equal(t, []State{StateCompleted, StateError, StateStopping, StateWaitingForPermission}, ValidTargetStates(StateRunning))
	assert.Equal(t, []State{StateRunning}, ValidTargetStates(StateWaitingForPermission))
	assert.Empty(t, ValidTargetStates(StateCompleted))
	assert.Empty(t, ValidTargetStates(State("bogus")))
}

func TestStatePredicates(t *testing.T) {
	for _, s := range AllStates {
		assert.True(t, s.Valid(), s)
		assert.NotEqual(t, s.IsTerminal(), s.IsActive(), "state %s must be exactly one of active or terminal", s)
	}
	assert.False(t, State("paused").Valid())

	_, err := ParseState("paused")
	require.Error(t, err)

	s, err := ParseState("waiting_for_permission")
	require.NoError(t, err)
	assert.Equal(t, StateWaitingForPermission, s)
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in   string
		want Decision
	}{
		{"Allow", DecisionAllow},
		{"y", DecisionAllow},
		{"deny", DecisionDeny},
		{"n", DecisionDeny},
		{"AllowAll", DecisionAllowAll},
		{"allow-all", DecisionAllowAll},
		{"A", DecisionAllowAll},
	}
	for _, tt := range tests {
		got, err := ParseDecision(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseDecision("maybe")
	assert.Error(t, err)
}
