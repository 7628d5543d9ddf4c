// Package transport moves task updates from the execution runtime into the
// task registry. Push follows the runtime's state and event streams; Poll
// asks the runtime for each task's result on a fixed interval. Exactly one
// strategy is active at a time and both write through the registry, so
// callers see the same model whichever is in use.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/iambrandonn/powblocks/internal/protocol"
	"github.com/iambrandonn/powblocks/internal/runtime"
	"github.com/iambrandonn/powblocks/internal/task"
	"github.com/iambrandonn/powblocks/internal/telemetry"
)

// ErrClosed is returned by Track after Close.
var ErrClosed = errors.New("transport closed")

// Strategy produces updates for tracked tasks until each is terminal.
type Strategy interface {
	// Name identifies the strategy ("push" or "poll").
	Name() string
	// Track starts following a task. ctx only bounds the setup; the task is
	// followed until it is terminal or the strategy is closed. Tracking an
	// already tracked task is a no-op.
	Track(ctx context.Context, taskID string) error
	// Run drives the strategy until ctx is done.
	Run(ctx context.Context) error
	// Close releases every tracked task.
	Close() error
}

// Names accepted by New.
const (
	NamePush = "push"
	NamePoll = "poll"
)

// Options carries the dependencies shared by both strategies.
type Options struct {
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// New builds the named strategy. Push needs rt to implement
// runtime.Streamer.
func New(name string, rt runtime.Runtime, registry *task.Registry, pollConfig PollConfig, opts Options) (Strategy, error) {
	switch name {
	case NamePush:
		streamer, ok := rt.(runtime.Streamer)
		if !ok {
			return nil, fmt.Errorf("runtime %T does not push updates; use the poll strategy", rt)
		}
		return NewPush(streamer, registry, opts), nil
	case NamePoll, "":
		return NewPoll(rt, registry, pollConfig, opts), nil
	default:
		return nil, fmt.Errorf("unknown transport strategy %q (want push or poll)", name)
	}
}

// applier writes runtime updates into the registry. Rejected updates are
// logged and dropped; they never fail the transport.
type applier struct {
	registry *task.Registry
	logger   zerolog.Logger
}

// transition applies one state change and reports whether the task is now
// finished (terminal or gone).
func (a applier) transition(taskID string, to task.State, payload task.Payload) (finished bool) {
	err := a.registry.ApplyTransition(taskID, to, payload)
	switch {
	case err == nil:
	case task.IsLateUpdate(err):
		a.logger.Debug().Err(err).Str("task_id", taskID).Msg("discarding update for finished task")
	case errors.Is(err, task.ErrTaskNotFound):
		a.logger.Warn().Str("task_id", taskID).Str("state", string(to)).Msg("update for unknown task")
		return true
	default:
		a.logger.Warn().Err(err).Str("task_id", taskID).Msg("ignoring invalid task update")
	}
	return a.finished(taskID)
}

func (a applier) finished(taskID string) bool {
	t, ok := a.registry.Get(taskID)
	return !ok || t.State.IsTerminal()
}

func (a applier) state(u runtime.StateUpdate) bool {
	if !u.State.Valid() {
		a.logger.Warn().Str("task_id", u.TaskID).Str("state", string(u.State)).Msg("runtime sent unknown state")
		return a.finished(u.TaskID)
	}
	return a.transition(u.TaskID, u.State, task.Payload{
		Result:           protocol.DecodeResult(u.Result),
		Error:            u.Error,
		PermissionPrompt: u.PermissionPrompt,
	})
}

func (a applier) event(u runtime.EventUpdate) {
	appended, err := a.registry.AppendEvent(u.TaskID, u.EventName, protocol.DecodeResult(u.Data))
	if err != nil {
		a.logger.Warn().Err(err).Str("task_id", u.TaskID).Str("event", u.EventName).Msg("dropping event")
		return
	}
	if !appended {
		a.logger.Debug().Str("task_id", u.TaskID).Str("event", u.EventName).Msg("dropping late event for finished task")
	}
}
