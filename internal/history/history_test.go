package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/powblocks/internal/db"
	"github.com/iambrandonn/powblocks/internal/task"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	_, err = database.Migrate(context.Background())
	require.NoError(t, err)
	return NewStore(database, zerolog.Nop())
}

func finishedTask(id string, finished time.Time) task.Task {
	return task.Task{
		ID:         id,
		ActionName: "weather",
		Input:      map[string]string{"city": "Oslo"},
		Code:       "export const weather = () => 21",
		CodeHash:   "sha256:abc",
		State:      task.StateCompleted,
		Result:     map[string]any{"temp": 21.5, "sky": "clear"},
		Events: []task.Event{
			{Name: "progress", Data: map[string]any{"pct": 50.0}, ReceivedAt: finished.Add(-time.Second)},
			{Name: "log", Data: "raw text", ReceivedAt: finished.Add(-time.Millisecond)},
		},
		CreatedAt:  finished.Add(-time.Minute),
		UpdatedAt:  finished,
		FinishedAt: &finished,
	}
}

func TestSaveAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	want := finishedTask("T1", time.Date(2025, 10, 19, 12, 0, 0, 123456789, time.UTC))

	require.NoError(t, s.Save(ctx, want))
	got, err := s.Get(ctx, "T1")
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("task mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveErrorTaskAndReplace(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	finished := time.Date(2025, 10, 19, 12, 0, 0, 0, time.UTC)

	failed := finishedTask("T1", finished)
	failed.State = task.StateError
	failed.Result = nil
	failed.Error = "ReferenceError: x is not defined"
	failed.Events = nil
	failed.ReplayOf = "T0"
	require.NoError(t, s.Save(ctx, failed))

	got, err := s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, task.StateError, got.State)
	assert.Nil(t, got.Result)
	assert.Equal(t, "ReferenceError: x is not defined", got.Error)
	assert.Equal(t, "T0", got.ReplayOf)
	assert.Empty(t, got.Events)

	failed.Error = "updated"
	require.NoError(t, s.Save(ctx, failed))
	got, err = s.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Error)
}

func TestSaveRejectsActiveTask(t *testing.T) {
	s := newStore(t)
	running := finishedTask("T1", time.Now())
	running.State = task.StateRunning
	assert.Error(t, s.Save(context.Background(), running))
}

func TestGetMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestListNewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2025, 10, 19, 12, 0, 0, 0, time.UTC)

	// Sub-second offsets check that stored timestamps sort correctly.
	offsets := []time.Duration{0, 500 * time.Millisecond, 2 * time.Second}
	for i, off := range offsets {
		require.NoError(t, s.Save(ctx, finishedTask(fmt.Sprintf("T%d", i), base.Add(off))))
	}

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	var ids []string
	for _, tk := range all {
		ids = append(ids, tk.ID)
	}
	assert.Equal(t, []string{"T2", "T1", "T0"}, ids)

	limited, err := s.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	assert.Equal(t, "T2", limited[0].ID)
}

func TestWatcherRecordsFinishedTasks(t *testing.T) {
	s := newStore(t)
	reg := task.NewRegistry()
	reg.Watch(s.Watcher())
	ctx := context.Background()

	_, err := reg.Create("T1", "main", map[string]string{"n": "1"}, "code")
	require.NoError(t, err)
	_, err = reg.AppendEvent("T1", "tick", 1.0)
	require.NoError(t, err)

	_, err = s.Get(ctx, "T1")
	assert.ErrorIs(t, err, task.ErrTaskNotFound, "running tasks are not recorded")

	require.NoError(t, reg.ApplyTransition("T1", task.StateCompleted, task.Payload{Result: "done"}))
	got, err := s.Get(ctx, "T1")
	require.NoError(t, err)

	live, _ := reg.Get("T1")
	if diff := cmp.Diff(live, got); diff != "" {
		t.Errorf("recorded task differs from registry (-live +recorded):\n%s", diff)
	}
}
