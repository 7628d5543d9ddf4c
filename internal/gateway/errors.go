package gateway

import (
	"errors"
	"fmt"

	"github.com/iambrandonn/powblocks/internal/runtime"
	"github.com/iambrandonn/powblocks/internal/task"
)

// ErrNoPendingPrompt is returned when a decision is sent for a task that is
// not waiting for permission.
var ErrNoPendingPrompt = errors.New("task has no pending permission prompt")

// SubmissionError reports a submit the runtime refused or never answered.
// TaskID is set when the failure was recorded as a task in error.
type SubmissionError struct {
	ActionName string
	TaskID     string
	Err        error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.ActionName, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Rejected reports whether the runtime refused the submission outright, as
// opposed to being unreachable.
func (e *SubmissionError) Rejected() bool {
	return runtime.IsRejected(e.Err)
}

// TransportError reports a runtime call that failed for a known task.
type TransportError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s task %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// InvalidDecisionError reports a decision the pending prompt does not allow.
type InvalidDecisionError struct {
	TaskID   string
	Decision task.Decision
	Reason   string
}

func (e *InvalidDecisionError) Error() string {
	return fmt.Sprintf("invalid decision %q for task %s: %s", e.Decision, e.TaskID, e.Reason)
}
