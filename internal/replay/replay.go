// Package replay re-runs a previous task as a new one with the same action,
// input and code. The original task is never touched.
package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/iambrandonn/powblocks/internal/checksum"
	"github.com/iambrandonn/powblocks/internal/gateway"
	"github.com/iambrandonn/powblocks/internal/task"
)

// Runner submits a task. gateway.Gateway satisfies it.
type Runner interface {
	Run(ctx context.Context, actionName string, input map[string]string, code string, opts ...gateway.RunOption) (string, error)
}

// History looks up tasks that are no longer in the registry, such as ones
// from an earlier session.
type History interface {
	Get(ctx context.Context, id string) (task.Task, error)
}

// Controller replays tasks.
type Controller struct {
	registry *task.Registry
	runner   Runner
	history  History
	logger   zerolog.Logger
}

// NewController creates a Controller. history may be nil, in which case only
// tasks in the registry can be replayed.
func NewController(registry *task.Registry, runner Runner, history History, logger zerolog.Logger) *Controller {
	return &Controller{
		registry: registry,
		runner:   runner,
		history:  history,
		logger:   logger,
	}
}

// CanReplay reports whether a task in state s should be offered for replay.
// Tasks the runtime is still working on are not.
func CanReplay(s task.State) bool {
	return s.Valid() && !s.IsActive()
}

// Replay submits a new task with exactly the original's action name, input
// and code, and returns the new task's id. The new task records which task
// it replays. Replay does not check CanReplay.
func (c *Controller) Replay(ctx context.Context, id string) (string, error) {
	original, err := c.lookup(ctx, id)
	if err != nil {
		return "", err
	}
	if original.CodeHash != "" {
		if err := checksum.Verify(original.Code, original.CodeHash); err != nil {
			return "", fmt.Errorf("replay %s: code snapshot does not match its hash: %w", id, err)
		}
	}

	newID, err := c.runner.Run(ctx, original.ActionName, original.Input, original.Code, gateway.AsReplayOf(id))
	if err != nil {
		return newID, fmt.Errorf("replay %s: %w", id, err)
	}
	c.logger.Info().Str("task_id", newID).Str("replay_of", id).Msg("task replayed")
	return newID, nil
}

func (c *Controller) lookup(ctx context.Context, id string) (task.Task, error) {
	if t, ok := c.registry.Get(id); ok {
		return t, nil
	}
	if c.history == nil {
		return task.Task{}, fmt.Errorf("replay %s: %w", id, task.ErrTaskNotFound)
	}

	t, err := c.history.Get(ctx, id)
	if err != nil {
		return task.Task{}, fmt.Errorf("replay %s: %w", id, err)
	}
	// Make the original visible next to its replay.
	if err := c.registry.Restore(t); err != nil && !errors.Is(err, task.ErrDuplicateTask) {
		c.logger.Warn().Err(err).Str("task_id", id).Msg("cannot restore task from history")
	}
	return t, nil
}
