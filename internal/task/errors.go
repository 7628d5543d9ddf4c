package task

import (
	"errors"
	"fmt"
)

// Registry errors.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// DuplicateTaskError is returned when Create is called with an id that is
// already registered. It points at a runtime or id-generation bug.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s already registered", e.TaskID)
}

// Is lets errors.Is match ErrDuplicateTask.
func (e *DuplicateTaskError) Is(target error) bool {
	return target == ErrDuplicateTask
}

// TransitionError is returned when an update tries to move a task along an
// edge that is not in the state graph. The task is left unchanged.
type TransitionError struct {
	TaskID    string
	FromState State
	ToState   State
	Reason    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for task %s: %s -> %s: %s",
		e.TaskID, e.FromState, e.ToState, e.Reason)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IsLateUpdate reports whether err is a transition rejected only because the
// task had already reached a terminal state. Transports treat these as
// expected races rather than protocol bugs.
func IsLateUpdate(err error) bool {
	var te *TransitionError
	if !errors.As(err, &te) {
		return false
	}
	return te.FromState.IsTerminal()
}
