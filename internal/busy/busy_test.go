package busy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/powblocks/internal/task"
)

type pending struct {
	at      time.Time
	f       func()
	stopped bool
}

// fakeClock runs scheduled callbacks when Advance passes their deadline.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pending
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &pending{at: c.now.Add(d), f: f}
	c.pending = append(c.pending, p)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		was := !p.stopped
		p.stopped = true
		return was
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*pending
	var rest []*pending
	for _, p := range c.pending {
		switch {
		case p.stopped:
		case !p.at.After(c.now):
			p.stopped = true
			due = append(due, p)
		default:
			rest = append(rest, p)
		}
	}
	c.pending = rest
	c.mu.Unlock()

	for _, p := range due {
		p.f()
	}
}

func newIndicator(t *testing.T) (*Indicator, *fakeClock, *[]bool) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 10, 19, 12, 0, 0, 0, time.UTC)}
	var changes []bool
	b := New(Config{}, func(v bool) { changes = append(changes, v) })
	b.after = clock.AfterFunc
	b.now = clock.Now
	return b, clock, &changes
}

func TestDefaults(t *testing.T) {
	b := New(Config{}, nil)
	assert.Equal(t, 300*time.Millisecond, b.config.Delay)
	assert.Equal(t, 500*time.Millisecond, b.config.MinDuration)
}

func TestShortTaskNeverShows(t *testing.T) {
	b, clock, changes := newIndicator(t)

	b.Set(true)
	clock.Advance(299 * time.Millisecond)
	b.Set(false)
	clock.Advance(time.Second)

	assert.False(t, b.Visible())
	assert.Empty(t, *changes)
}

func TestShowsAfterDelay(t *testing.T) {
	b, clock, changes := newIndicator(t)

	b.Set(true)
	clock.Advance(299 * time.Millisecond)
	assert.False(t, b.Visible())
	clock.Advance(time.Millisecond)
	assert.True(t, b.Visible())

	// Finishing long after the minimum hides at once.
	clock.Advance(time.Second)
	b.Set(false)
	assert.False(t, b.Visible())
	assert.Equal(t, []bool{true, false}, *changes)
}

func TestStaysUpForMinimum(t *testing.T) {
	b, clock, changes := newIndicator(t)

	b.Set(true)
	clock.Advance(300 * time.Millisecond)
	require.True(t, b.Visible())

	clock.Advance(100 * time.Millisecond)
	b.Set(false)
	assert.True(t, b.Visible(), "shown for 100ms only")

	clock.Advance(399 * time.Millisecond)
	assert.True(t, b.Visible())
	clock.Advance(time.Millisecond)
	assert.False(t, b.Visible())
	assert.Equal(t, []bool{true, false}, *changes)
}

func TestReactivationCancelsPendingHide(t *testing.T) {
	b, clock, changes := newIndicator(t)

	b.Set(true)
	clock.Advance(300 * time.Millisecond)
	b.Set(false)
	clock.Advance(100 * time.Millisecond)
	b.Set(true)
	clock.Advance(time.Second)

	assert.True(t, b.Visible())
	assert.Equal(t, []bool{true}, *changes)
}

func TestCloseHides(t *testing.T) {
	b, clock, changes := newIndicator(t)
	b.Set(true)
	clock.Advance(300 * time.Millisecond)

	b.Close()
	assert.False(t, b.Visible())
	b.Set(true)
	clock.Advance(time.Second)
	assert.False(t, b.Visible())
	assert.Equal(t, []bool{true, false}, *changes)
}

func TestWatcherFollowsOneTask(t *testing.T) {
	b, clock, _ := newIndicator(t)
	reg := task.NewRegistry()
	reg.Watch(b.Watcher("T1"))

	_, err := reg.Create("T1", "main", nil, "x")
	require.NoError(t, err)
	_, err = reg.Create("T2", "main", nil, "x")
	require.NoError(t, err)
	clock.Advance(300 * time.Millisecond)
	require.True(t, b.Visible())

	require.NoError(t, reg.ApplyTransition("T2", task.StateCompleted, task.Payload{}))
	assert.True(t, b.Visible(), "other tasks are ignored")

	require.NoError(t, reg.ApplyTransition("T1", task.StateWaitingForPermission, task.Payload{
		PermissionPrompt: &task.PermissionPrompt{APIName: "fs"},
	}))
	assert.True(t, b.Visible(), "waiting for permission is still active")

	require.NoError(t, reg.ApplyTransition("T1", task.StateRunning, task.Payload{}))
	require.NoError(t, reg.ApplyTransition("T1", task.StateError, task.Payload{Error: "x"}))
	clock.Advance(500 * time.Millisecond)
	assert.False(t, b.Visible())
}
