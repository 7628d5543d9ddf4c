// Package runtime talks to the external execution runtime that actually runs
// submitted code. Two implementations are provided: Process supervises a
// local runtime subprocess speaking NDJSON, and HTTPClient calls a runtime
// service over HTTP with Server-Sent Events for push updates.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iambrandonn/powblocks/internal/protocol"
	"github.com/iambrandonn/powblocks/internal/task"
)

// ErrStillRunning is returned by Poll while the task has not finished. It
// carries no new information and is not a failure.
var ErrStillRunning = errors.New(protocol.StillRunning)

// ErrStopped is returned by Poll when the task ended because it was cancelled.
var ErrStopped = errors.New(protocol.Stopped)

// ErrNotRunning is returned when the runtime process is not available.
var ErrNotRunning = errors.New("runtime not running")

// SubmitRequest asks the runtime to run one action against a code snapshot.
type SubmitRequest struct {
	ActionName     string
	Input          map[string]string
	Code           string
	IdempotencyKey string
}

// StateUpdate is a pushed task state change.
type StateUpdate = protocol.StateUpdate

// EventUpdate is a pushed task event.
type EventUpdate = protocol.EventUpdate

// Runtime is the request side of an execution runtime.
type Runtime interface {
	// Submit starts an action and returns the runtime-assigned task id.
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	// Cancel asks the runtime to stop a task. The runtime may finish first.
	Cancel(ctx context.Context, taskID string) error
	// Decide answers the task's outstanding permission prompt.
	Decide(ctx context.Context, taskID string, decision task.Decision) error
	// Poll returns the raw final result of a task, ErrStillRunning,
	// ErrStopped, or a *FailureError when the task failed.
	Poll(ctx context.Context, taskID string) (json.RawMessage, error)
}

// Streamer is implemented by runtimes that push updates. Channels are closed
// when ctx is done or the runtime goes away.
type Streamer interface {
	SubscribeState(ctx context.Context, taskID string) (<-chan StateUpdate, error)
	SubscribeEvents(ctx context.Context, taskID string) (<-chan EventUpdate, error)
}

// FailureError is a task failure reported by the runtime in answer to Poll.
// The task should end in the error state with Message as its error text.
type FailureError struct {
	TaskID  string
	Message string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Message)
}

// RequestError means the runtime received a request and refused it, for
// example a submit with malformed code. Retrying the same request will not
// help.
type RequestError struct {
	Op      protocol.Op
	TaskID  string
	Message string
}

func (e *RequestError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("runtime rejected %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("runtime rejected %s for task %s: %s", e.Op, e.TaskID, e.Message)
}

// IsRejected reports whether err is a refusal from the runtime rather than a
// communication failure.
func IsRejected(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}

// pollResult maps a poll answer onto the Poll contract.
func pollResult(taskID string, ok bool, result json.RawMessage, errText string) (json.RawMessage, error) {
	if ok {
		return result, nil
	}
	switch errText {
	case protocol.StillRunning:
		return nil, ErrStillRunning
	case protocol.Stopped:
		return nil, ErrStopped
	}
	if errText == "" {
		errText = "task failed"
	}
	return nil, &FailureError{TaskID: taskID, Message: errText}
}
