package transport

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/powblocks/internal/runtime"
	"github.com/iambrandonn/powblocks/internal/task"
	"github.com/iambrandonn/powblocks/pkg/testharness"
)

func newPushFixture(t *testing.T) (*Push, *testharness.FakeRuntime, *task.Registry) {
	t.Helper()
	rt := testharness.NewFakeRuntime()
	reg := task.NewRegistry()
	p := NewPush(rt, reg, Options{Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = p.Close() })
	return p, rt, reg
}

func waitState(t *testing.T, reg *task.Registry, id string, want task.State) task.Task {
	t.Helper()
	var got task.Task
	require.Eventually(t, func() bool {
		got, _ = reg.Get(id)
		return got.State == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return got
}

func waitReleased(t *testing.T, p *Push) {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.Tracked()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestPushEventsThenResult(t *testing.T) {
	p, rt, reg := newPushFixture(t)
	ctx := context.Background()
	mustCreate(t, reg, "T1")
	require.NoError(t, p.Track(ctx, "T1"))
	assert.Equal(t, []string{"T1"}, p.Tracked())

	rt.PushEvent("T1", "progress", `{"pct":50}`)
	rt.PushEvent("T1", "log", `not json`)
	require.Eventually(t, func() bool {
		got, _ := reg.Get("T1")
		return len(got.Events) == 2
	}, 2*time.Second, 5*time.Millisecond)

	rt.PushState("T1", task.StateCompleted, testharness.WithResult(`{"temp":21}`))
	got := waitState(t, reg, "T1", task.StateCompleted)
	waitReleased(t, p)

	assert.Equal(t, map[string]any{"temp": float64(21)}, got.Result)
	require.Len(t, got.Events, 2)
	assert.Equal(t, "progress", got.Events[0].Name)
	assert.Equal(t, map[string]any{"pct": float64(50)}, got.Events[0].Data)
	assert.Equal(t, "not json", got.Events[1].Data)
}

func TestPushPermissionPrompt(t *testing.T) {
	p, rt, reg := newPushFixture(t)
	mustCreate(t, reg, "T1")
	require.NoError(t, p.Track(context.Background(), "T1"))

	prompt := task.PermissionPrompt{Name: "read", APIName: "fs", Message: "read /etc/hosts?", IsUnary: true}
	rt.PushState("T1", task.StateWaitingForPermission, testharness.WithPrompt(prompt))
	got := waitState(t, reg, "T1", task.StateWaitingForPermission)
	require.NotNil(t, got.PermissionPrompt)
	assert.Equal(t, prompt, *got.PermissionPrompt)

	rt.PushState("T1", task.StateRunning)
	got = waitState(t, reg, "T1", task.StateRunning)
	assert.Nil(t, got.PermissionPrompt)
	assert.Equal(t, []string{"T1"}, p.Tracked())
}

func TestPushIgnoresInvalidUpdates(t *testing.T) {
	p, rt, reg := newPushFixture(t)
	mustCreate(t, reg, "T1")
	require.NoError(t, p.Track(context.Background(), "T1"))

	// running -> stopped is not an edge; an unknown state is dropped.
	rt.PushState("T1", task.StateStopped)
	rt.PushState("T1", task.State("exploded"))
	rt.PushState("T1", task.StateError, testharness.WithError("boom"))

	got := waitState(t, reg, "T1", task.StateError)
	assert.Equal(t, "boom", got.Error)
	waitReleased(t, p)
}

func TestPushDropsLateEvents(t *testing.T) {
	p, rt, reg := newPushFixture(t)
	mustCreate(t, reg, "T1")
	require.NoError(t, p.Track(context.Background(), "T1"))

	rt.PushState("T1", task.StateCompleted, testharness.WithResult(`1`))
	waitState(t, reg, "T1", task.StateCompleted)
	waitReleased(t, p)

	rt.PushEvent("T1", "progress", `{}`)
	rt.PushState("T1", task.StateError, testharness.WithError("late"))
	time.Sleep(20 * time.Millisecond)

	got, _ := reg.Get("T1")
	assert.Equal(t, task.StateCompleted, got.State)
	assert.Empty(t, got.Events)
}

func TestPushReleasesTaskFinishedElsewhere(t *testing.T) {
	p, _, reg := newPushFixture(t)
	mustCreate(t, reg, "T1")
	require.NoError(t, p.Track(context.Background(), "T1"))

	require.NoError(t, reg.ApplyTransition("T1", task.StateStopping, task.Payload{}))
	assert.Equal(t, []string{"T1"}, p.Tracked(), "stopping is not terminal")

	require.NoError(t, reg.ApplyTransition("T1", task.StateError, task.Payload{Error: "stop failed: timeout"}))
	waitReleased(t, p)
}

func TestPushStoppingToStopped(t *testing.T) {
	p, rt, reg := newPushFixture(t)
	mustCreate(t, reg, "T1")
	require.NoError(t, p.Track(context.Background(), "T1"))
	require.NoError(t, reg.ApplyTransition("T1", task.StateStopping, task.Payload{}))

	rt.PushState("T1", task.StateStopped)
	waitState(t, reg, "T1", task.StateStopped)
	waitReleased(t, p)
}

func TestPushStreamLost(t *testing.T) {
	p, rt, reg := newPushFixture(t)
	mustCreate(t, reg, "T1")
	mustCreate(t, reg, "T2")
	require.NoError(t, p.Track(context.Background(), "T1"))
	require.NoError(t, p.Track(context.Background(), "T2"))

	rt.PushState("T2", task.StateCompleted)
	waitState(t, reg, "T2", task.StateCompleted)

	// The runtime goes away.
	rt.Hub.Close()

	got := waitState(t, reg, "T1", task.StateError)
	assert.Equal(t, "lost connection to runtime", got.Error)
	assert.Equal(t, task.StateCompleted, mustGet(t, reg, "T2").State)
	waitReleased(t, p)
}

func TestPushTrackUnknownTask(t *testing.T) {
	p, _, _ := newPushFixture(t)
	err := p.Track(context.Background(), "missing")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	assert.Empty(t, p.Tracked())
}

func TestPushTrackIsIdempotent(t *testing.T) {
	p, rt, reg := newPushFixture(t)
	mustCreate(t, reg, "T1")
	require.NoError(t, p.Track(context.Background(), "T1"))
	require.NoError(t, p.Track(context.Background(), "T1"))

	rt.PushEvent("T1", "tick", `1`)
	require.Eventually(t, func() bool {
		got, _ := reg.Get("T1")
		return len(got.Events) > 0
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got, _ := reg.Get("T1")
	assert.Len(t, got.Events, 1, "one follower per task")
}

func TestPushCloseReleasesEverything(t *testing.T) {
	p, _, reg := newPushFixture(t)
	mustCreate(t, reg, "T1")
	mustCreate(t, reg, "T2")
	require.NoError(t, p.Track(context.Background(), "T1"))
	require.NoError(t, p.Track(context.Background(), "T2"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Empty(t, p.Tracked())
	assert.Equal(t, task.StateRunning, mustGet(t, reg, "T1").State, "closing does not touch tasks")
	assert.ErrorIs(t, p.Track(context.Background(), "T1"), ErrClosed)
}

func TestNewStrategy(t *testing.T) {
	reg := task.NewRegistry()
	opts := Options{Logger: zerolog.Nop()}

	s, err := New(NamePush, testharness.NewFakeRuntime(), reg, PollConfig{}, opts)
	require.NoError(t, err)
	assert.Equal(t, NamePush, s.Name())
	require.NoError(t, s.Close())

	s, err = New("", testharness.NewFakeRuntime(), reg, PollConfig{}, opts)
	require.NoError(t, err)
	assert.Equal(t, NamePoll, s.Name())
	require.NoError(t, s.Close())

	_, err = New("carrier-pigeon", testharness.NewFakeRuntime(), reg, PollConfig{}, opts)
	assert.ErrorContains(t, err, "unknown transport strategy")

	_, err = New(NamePush, pollOnly{testharness.NewFakeRuntime()}, reg, PollConfig{}, opts)
	assert.ErrorContains(t, err, "does not push updates")
}

// pollOnly hides the Streamer half of a FakeRuntime.
type pollOnly struct{ runtime.Runtime }
