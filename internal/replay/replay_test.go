package replay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/powblocks/internal/checksum"
	"github.com/iambrandonn/powblocks/internal/gateway"
	"github.com/iambrandonn/powblocks/internal/protocol"
	"github.com/iambrandonn/powblocks/internal/runtime"
	"github.com/iambrandonn/powblocks/internal/task"
	"github.com/iambrandonn/powblocks/pkg/testharness"
)

type nopTracker struct{}

func (nopTracker) Track(context.Context, string) error { return nil }

type mapHistory map[string]task.Task

func (h mapHistory) Get(_ context.Context, id string) (task.Task, error) {
	t, ok := h[id]
	if !ok {
		return task.Task{}, fmt.Errorf("history %s: %w", id, task.ErrTaskNotFound)
	}
	return t, nil
}

func newController(t *testing.T, history History) (*Controller, *testharness.FakeRuntime, *task.Registry, *gateway.Gateway) {
	t.Helper()
	rt := testharness.NewFakeRuntime()
	reg := task.NewRegistry()
	gw := gateway.New(rt, reg, nopTracker{}, gateway.DefaultConfig())
	return NewController(reg, gw, history, zerolog.Nop()), rt, reg, gw
}

func TestReplaySubmitsIdenticalSnapshot(t *testing.T) {
	c, rt, reg, gw := newController(t, nil)
	ctx := context.Background()

	input := map[string]string{"city": "Oslo", "units": "metric"}
	origID, err := gw.Run(ctx, "weather", input, "export const weather = () => 1")
	require.NoError(t, err)
	require.NoError(t, reg.ApplyTransition(origID, task.StateCompleted, task.Payload{Result: 1.0}))
	before, _ := reg.Get(origID)

	newID, err := c.Replay(ctx, origID)
	require.NoError(t, err)
	assert.NotEqual(t, origID, newID)

	replayed, ok := reg.Get(newID)
	require.True(t, ok)
	assert.Equal(t, task.StateRunning, replayed.State)
	assert.Equal(t, origID, replayed.ReplayOf)
	assert.Equal(t, before.ActionName, replayed.ActionName)
	assert.Equal(t, before.Input, replayed.Input)
	assert.Equal(t, before.Code, replayed.Code)
	assert.Equal(t, before.CodeHash, replayed.CodeHash)

	after, _ := reg.Get(origID)
	assert.Equal(t, before, after, "original untouched")

	submits := rt.Calls(protocol.OpSubmit)
	require.Len(t, submits, 2)
	assert.Equal(t, submits[0].Input, submits[1].Input)
	assert.Equal(t, submits[0].Code, submits[1].Code)
	assert.NotEqual(t, submits[0].IdempotencyKey, submits[1].IdempotencyKey, "a replay is a new submission")
}

func TestReplayFallsBackToHistory(t *testing.T) {
	finished := time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)
	old := task.Task{
		ID:         "old-1",
		ActionName: "main",
		Input:      map[string]string{"n": "3"},
		Code:       "export function main() {}",
		CodeHash:   checksum.SHA256String("export function main() {}"),
		State:      task.StateError,
		Error:      "boom",
		CreatedAt:  finished.Add(-time.Minute),
		UpdatedAt:  finished,
		FinishedAt: &finished,
	}
	c, rt, reg, _ := newController(t, mapHistory{"old-1": old})

	newID, err := c.Replay(context.Background(), "old-1")
	require.NoError(t, err)

	restored, ok := reg.Get("old-1")
	require.True(t, ok, "original restored for display")
	assert.Equal(t, task.StateError, restored.State)

	replayed, _ := reg.Get(newID)
	assert.Equal(t, "old-1", replayed.ReplayOf)
	assert.Equal(t, map[string]string{"n": "3"}, replayed.Input)

	// A second replay finds the original in the registry.
	_, err = c.Replay(context.Background(), "old-1")
	require.NoError(t, err)
	assert.Len(t, rt.Calls(protocol.OpSubmit), 2)
}

func TestReplayUnknownTask(t *testing.T) {
	c, _, _, _ := newController(t, nil)
	_, err := c.Replay(context.Background(), "nope")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)

	c, _, _, _ = newController(t, mapHistory{})
	_, err = c.Replay(context.Background(), "nope")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestReplayRejectsCorruptSnapshot(t *testing.T) {
	finished := time.Now()
	c, rt, _, _ := newController(t, mapHistory{"old-1": {
		ID:         "old-1",
		ActionName: "main",
		Code:       "tampered",
		CodeHash:   checksum.SHA256String("original"),
		State:      task.StateCompleted,
		FinishedAt: &finished,
	}})

	_, err := c.Replay(context.Background(), "old-1")
	assert.ErrorContains(t, err, "does not match its hash")
	assert.Empty(t, rt.Calls(protocol.OpSubmit))
}

func TestReplaySubmissionFailure(t *testing.T) {
	c, rt, reg, gw := newController(t, nil)
	ctx := context.Background()
	origID, err := gw.Run(ctx, "main", nil, "x")
	require.NoError(t, err)
	require.NoError(t, reg.ApplyTransition(origID, task.StateCompleted, task.Payload{}))

	rt.SubmitFunc = func(ctx context.Context, req runtime.SubmitRequest) (string, error) {
		return "", errors.New("runtime down")
	}
	newID, err := c.Replay(ctx, origID)
	var subErr *gateway.SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.NotEmpty(t, newID, "recorded as a failed task")
	failed, _ := reg.Get(newID)
	assert.Equal(t, task.StateError, failed.State)
	assert.Equal(t, origID, failed.ReplayOf)
}

func TestCanReplay(t *testing.T) {
	tests := map[task.State]bool{
		task.StateRunning:              false,
		task.StateWaitingForPermission: false,
		task.StateStopping:             false,
		task.StateStopped:              true,
		task.StateCompleted:            true,
		task.StateError:                true,
		task.State("bogus"):            false,
	}
	for state, want := range tests {
		assert.Equal(t, want, CanReplay(state), string(state))
	}
}
