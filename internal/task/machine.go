package task

import "sort"

// validTransitions defines which state transitions are allowed.
// Map key is the current state, value is the set of valid target states.
var validTransitions = map[State]map[State]bool{
	StateRunning: {
		StateCompleted:            true, // Runtime returned a final result
		StateError:                true, // Runtime reported a failure
		StateWaitingForPermission: true, // Capability request raised
		StateStopping:             true, // Caller requested cancellation
	},
	StateWaitingForPermission: {
		// A pending prompt must be answered before the task can be stopped,
		// otherwise the runtime waits on a decision it never receives.
		StateRunning: true,
	},
	StateStopping: {
		StateStopped:   true, // Runtime confirmed cancellation
		StateCompleted: true, // Finished before the stop landed
		StateError:     true, // Failed before the stop landed
	},
}

// IsValidTransition reports whether from -> to is an edge of the state graph.
// Same-state updates are not edges; the Registry handles them separately.
func IsValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ValidTargetStates returns the states reachable from the given state in one step.
func ValidTargetStates(from State) []State {
	targets, ok := validTransitions[from]
	if !ok {
		return nil
	}
	result := make([]State, 0, len(targets))
	for state := range targets {
		result = append(result, state)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
