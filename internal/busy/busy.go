// Package busy decides when to show a busy indicator for a task. The
// indicator appears only after the task has been active for Delay, and once
// shown stays up for at least MinDuration so it never flickers.
package busy

import (
	"sync"
	"time"

	"github.com/iambrandonn/powblocks/internal/task"
)

// Config holds the indicator timings.
type Config struct {
	// Delay before the indicator appears.
	// Default: 300ms
	Delay time.Duration `mapstructure:"delay" yaml:"delay"`

	// MinDuration the indicator stays visible once shown.
	// Default: 500ms
	MinDuration time.Duration `mapstructure:"min_duration" yaml:"min_duration"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Delay:       300 * time.Millisecond,
		MinDuration: 500 * time.Millisecond,
	}
}

// afterFunc schedules f and returns a function that cancels it.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Indicator tracks whether work is active and reports visibility changes to
// onChange. onChange runs with the indicator locked and must not call back
// into it.
type Indicator struct {
	config   Config
	onChange func(visible bool)
	after    afterFunc
	now      func() time.Time

	mu      sync.Mutex
	active  bool
	visible bool
	shownAt time.Time
	stop    func() bool
	gen     uint64
	closed  bool
}

// New creates an Indicator. Zero timings fall back to the defaults.
func New(config Config, onChange func(visible bool)) *Indicator {
	def := DefaultConfig()
	if config.Delay <= 0 {
		config.Delay = def.Delay
	}
	if config.MinDuration <= 0 {
		config.MinDuration = def.MinDuration
	}
	if onChange == nil {
		onChange = func(bool) {}
	}
	return &Indicator{
		config:   config,
		onChange: onChange,
		after:    realAfterFunc,
		now:      time.Now,
	}
}

// Visible reports whether the indicator is showing.
func (b *Indicator) Visible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.visible
}

// Set records whether work is active.
func (b *Indicator) Set(active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || active == b.active {
		return
	}
	b.active = active
	b.cancelLocked()

	switch {
	case active && !b.visible:
		b.scheduleLocked(b.config.Delay, true)
	case !active && b.visible:
		remaining := b.config.MinDuration - b.now().Sub(b.shownAt)
		if remaining <= 0 {
			b.setVisibleLocked(false)
			return
		}
		b.scheduleLocked(remaining, false)
	}
}

// Watcher returns a task.Watcher that drives the indicator from one task's
// state.
func (b *Indicator) Watcher(taskID string) task.Watcher {
	return func(c task.Change) {
		if c.TaskID != taskID {
			return
		}
		b.Set(c.Task.State.IsActive())
	}
}

// Close cancels pending timers and hides the indicator.
func (b *Indicator) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.cancelLocked()
	if b.visible {
		b.setVisibleLocked(false)
	}
}

func (b *Indicator) scheduleLocked(d time.Duration, show bool) {
	gen := b.gen
	b.stop = b.after(d, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		// A timer that lost the race with cancel must not act.
		if b.closed || gen != b.gen {
			return
		}
		b.stop = nil
		b.setVisibleLocked(show)
	})
}

func (b *Indicator) cancelLocked() {
	b.gen++
	if b.stop != nil {
		b.stop()
		b.stop = nil
	}
}

func (b *Indicator) setVisibleLocked(visible bool) {
	if visible == b.visible {
		return
	}
	b.visible = visible
	if visible {
		b.shownAt = b.now()
	}
	b.onChange(visible)
}
