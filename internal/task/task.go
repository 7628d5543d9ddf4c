// Package task holds the in-memory record of submitted executions and the
// state machine they move through.
package task

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a task.
type State string

const (
	StateRunning              State = "running"
	StateWaitingForPermission State = "waiting_for_permission"
	StateStopping             State = "stopping"
	StateStopped              State = "stopped"
	StateCompleted            State = "completed"
	StateError                State = "error"
)

// AllStates lists every state in graph order.
var AllStates = []State{
	StateRunning,
	StateWaitingForPermission,
	StateStopping,
	StateStopped,
	StateCompleted,
	StateError,
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateStopped, StateCompleted, StateError:
		return true
	default:
		return false
	}
}

// IsActive reports whether the task is still being worked on by the runtime.
// Active tasks cannot be replayed and show a busy indicator.
func (s State) IsActive() bool {
	switch s {
	case StateRunning, StateWaitingForPermission, StateStopping:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// ParseState converts a wire string into a State.
func ParseState(s string) (State, error) {
	state := State(s)
	if !state.Valid() {
		return "", fmt.Errorf("unknown task state %q", s)
	}
	return state, nil
}

// Decision is the user's answer to a permission prompt.
type Decision string

const (
	DecisionAllow    Decision = "Allow"
	DecisionDeny     Decision = "Deny"
	DecisionAllowAll Decision = "AllowAll"
)

// ParseDecision accepts the canonical names plus the short forms used on the
// command line.
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "Allow", "allow", "a", "y", "yes":
		return DecisionAllow, nil
	case "Deny", "deny", "d", "n", "no":
		return DecisionDeny, nil
	case "AllowAll", "allowall", "allow_all", "allow-all", "A":
		return DecisionAllowAll, nil
	default:
		return "", fmt.Errorf("unknown decision %q (want Allow, Deny or AllowAll)", s)
	}
}

// PermissionPrompt is a capability request raised by running code.
type PermissionPrompt struct {
	Name    string `json:"name"`
	APIName string `json:"api_name"`
	Message string `json:"message"`
	// IsUnary means the user may grant the capability for the rest of the task.
	IsUnary bool `json:"is_unary"`
}

// Event is one named event emitted by the running action.
type Event struct {
	Name       string    `json:"event_name"`
	Data       any       `json:"data"`
	ReceivedAt time.Time `json:"received_at"`
}

// Task is one submitted execution of an action against a fixed code snapshot.
type Task struct {
	ID         string            `json:"id"`
	ActionName string            `json:"action_name"`
	Input      map[string]string `json:"input"`
	Code       string            `json:"code"`
	CodeHash   string            `json:"code_hash"`

	State            State             `json:"state"`
	Result           any               `json:"result,omitempty"`
	Error            string            `json:"error,omitempty"`
	PermissionPrompt *PermissionPrompt `json:"permission_prompt,omitempty"`
	Events           []Event           `json:"events"`

	ReplayOf   string     `json:"replay_of,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a copy that shares nothing mutable with t. Result and event
// data are decoded JSON values and are treated as immutable.
func (t Task) Clone() Task {
	out := t
	out.Input = CopyInput(t.Input)
	if t.PermissionPrompt != nil {
		p := *t.PermissionPrompt
		out.PermissionPrompt = &p
	}
	out.Events = make([]Event, len(t.Events))
	copy(out.Events, t.Events)
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		out.FinishedAt = &f
	}
	return out
}

// CopyInput copies an input map, turning nil into an empty map.
func CopyInput(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Payload carries the data that accompanies a transition.
type Payload struct {
	Result           any
	Error            string
	PermissionPrompt *PermissionPrompt
}
