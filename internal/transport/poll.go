package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/iambrandonn/powblocks/internal/protocol"
	"github.com/iambrandonn/powblocks/internal/runtime"
	"github.com/iambrandonn/powblocks/internal/task"
	"github.com/iambrandonn/powblocks/internal/telemetry"
)

// PollConfig contains configuration for the poll strategy.
type PollConfig struct {
	// Interval is how often tracked tasks are polled.
	// Default: 1s
	Interval time.Duration

	// MaxConcurrentPolls limits polls in flight during one tick.
	// Default: 10
	MaxConcurrentPolls int

	// FailureBackoffBase is the base delay before re-polling a task whose
	// poll could not reach the runtime.
	// Default: 1s
	FailureBackoffBase time.Duration

	// FailureBackoffMax caps the retry backoff for repeated failures.
	// Default: 30s
	FailureBackoffMax time.Duration

	// MaxFailures is how many consecutive unreachable polls a task survives
	// before it is put in error.
	// Default: 5
	MaxFailures int
}

// DefaultPollConfig returns the defaults.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:           time.Second,
		MaxConcurrentPolls: 10,
		FailureBackoffBase: time.Second,
		FailureBackoffMax:  30 * time.Second,
		MaxFailures:        5,
	}
}

// pollState tracks polling state for a task.
type pollState struct {
	lastPolledAt time.Time
	lastError    string
	failureCount int
	nextPollAt   time.Time
}

// Poll asks the runtime for the result of every tracked task on each tick.
// The ticker only runs while something is tracked.
type Poll struct {
	config  PollConfig
	runtime runtime.Runtime
	apply   applier
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	group   singleflight.Group
	now     func() time.Time

	mu      sync.Mutex
	closed  bool
	tracked map[string]*pollState
	wake    chan struct{}
	done    chan struct{}
}

// NewPoll creates a poll strategy.
func NewPoll(rt runtime.Runtime, registry *task.Registry, config PollConfig, opts Options) *Poll {
	def := DefaultPollConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.MaxConcurrentPolls <= 0 {
		config.MaxConcurrentPolls = def.MaxConcurrentPolls
	}
	if config.FailureBackoffBase <= 0 {
		config.FailureBackoffBase = def.FailureBackoffBase
	}
	if config.FailureBackoffMax <= 0 {
		config.FailureBackoffMax = def.FailureBackoffMax
	}
	if config.FailureBackoffMax < config.FailureBackoffBase {
		config.FailureBackoffMax = config.FailureBackoffBase
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = def.MaxFailures
	}

	logger := opts.Logger.With().Str("strategy", NamePoll).Logger()
	return &Poll{
		config:  config,
		runtime: rt,
		apply:   applier{registry: registry, logger: logger},
		metrics: opts.Metrics,
		logger:  logger,
		now:     time.Now,
		tracked: make(map[string]*pollState),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Name implements Strategy.
func (p *Poll) Name() string { return NamePoll }

// Track implements Strategy.
func (p *Poll) Track(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if _, ok := p.tracked[taskID]; !ok {
		p.tracked[taskID] = &pollState{}
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Tracked returns the ids of tasks still being polled, sorted.
func (p *Poll) Tracked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.tracked))
	for id := range p.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Poll) idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracked) == 0
}

// Run implements Strategy. It sleeps while nothing is tracked and ticks
// every Interval otherwise.
func (p *Poll) Run(ctx context.Context) error {
	p.logger.Info().
		Dur("interval", p.config.Interval).
		Int("max_concurrent", p.config.MaxConcurrentPolls).
		Msg("poll transport starting")
	defer p.logger.Info().Msg("poll transport stopped")

	for {
		if p.idle() {
			select {
			case <-ctx.Done():
				return nil
			case <-p.done:
				return nil
			case <-p.wake:
				continue
			}
		}

		ticker := time.NewTicker(p.config.Interval)
		p.logger.Debug().Msg("poll ticker started")
		for !p.idle() {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return nil
			case <-p.done:
				ticker.Stop()
				return nil
			case <-p.wake:
			case <-ticker.C:
				p.PollNow(ctx)
			}
		}
		ticker.Stop()
		p.logger.Debug().Msg("poll ticker stopped, nothing to track")
	}
}

// PollNow polls every due task once and waits for the answers.
func (p *Poll) PollNow(ctx context.Context) {
	now := p.now()

	p.mu.Lock()
	var due []string
	for id, st := range p.tracked {
		if st.nextPollAt.IsZero() || !now.Before(st.nextPollAt) {
			due = append(due, id)
		}
	}
	p.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(p.config.MaxConcurrentPolls)
	for _, id := range due {
		g.Go(func() error {
			p.pollTask(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Poll) pollTask(ctx context.Context, taskID string) {
	// Tasks finished through another path, such as a forced stop, are
	// dropped without asking the runtime.
	if p.apply.finished(taskID) {
		p.untrack(taskID)
		return
	}

	v, err, _ := p.group.Do(taskID, func() (any, error) {
		return p.runtime.Poll(ctx, taskID)
	})
	if ctx.Err() != nil {
		return
	}
	raw, _ := v.(json.RawMessage)

	var failure *runtime.FailureError
	switch {
	case err == nil:
		p.finish(ctx, taskID, task.StateCompleted, task.Payload{Result: protocol.DecodeResult(raw)}, telemetry.PollCompleted)

	case errors.Is(err, runtime.ErrStillRunning):
		p.metrics.RecordPoll(ctx, telemetry.PollStillRunning)
		p.recordSuccess(taskID)

	case errors.Is(err, runtime.ErrStopped):
		p.finishStopped(ctx, taskID)

	case errors.As(err, &failure):
		p.finish(ctx, taskID, task.StateError, task.Payload{Error: failure.Message}, telemetry.PollFailed)

	default:
		p.metrics.RecordPoll(ctx, telemetry.PollError)
		p.recordFailure(ctx, taskID, err)
	}
}

// finish applies a terminal outcome. Results that disagree with a task that
// is already terminal are discarded by the registry.
func (p *Poll) finish(ctx context.Context, taskID string, to task.State, payload task.Payload, outcome string) {
	before, _ := p.apply.registry.Get(taskID)
	if before.State.IsTerminal() {
		outcome = telemetry.PollDiscarded
	}
	p.metrics.RecordPoll(ctx, outcome)
	if p.apply.transition(taskID, to, payload) {
		p.untrack(taskID)
	}
}

// finishStopped maps the runtime's stopped answer onto the state graph. Only
// a task we asked to stop can end in stopped; a task the runtime cancelled on
// its own ends in error.
func (p *Poll) finishStopped(ctx context.Context, taskID string) {
	t, ok := p.apply.registry.Get(taskID)
	if ok && t.State == task.StateRunning {
		p.finish(ctx, taskID, task.StateError, task.Payload{Error: "task stopped by runtime"}, telemetry.PollStopped)
		return
	}
	p.finish(ctx, taskID, task.StateStopped, task.Payload{}, telemetry.PollStopped)
}

// untrack drops a task. Only the first call has an effect.
func (p *Poll) untrack(taskID string) {
	p.mu.Lock()
	_, ok := p.tracked[taskID]
	delete(p.tracked, taskID)
	p.mu.Unlock()
	if ok {
		p.logger.Debug().Str("task_id", taskID).Msg("stopped polling task")
	}
}

func (p *Poll) recordSuccess(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.tracked[taskID]
	if !ok {
		return
	}
	st.lastPolledAt = p.now()
	st.lastError = ""
	st.failureCount = 0
	st.nextPollAt = time.Time{}
}

func (p *Poll) recordFailure(ctx context.Context, taskID string, err error) {
	now := p.now()

	p.mu.Lock()
	st, ok := p.tracked[taskID]
	if !ok {
		p.mu.Unlock()
		return
	}
	st.lastPolledAt = now
	st.lastError = err.Error()
	st.failureCount++
	failures := st.failureCount
	backoff := p.backoffDuration(failures)
	st.nextPollAt = now.Add(backoff)
	p.mu.Unlock()

	if failures >= p.config.MaxFailures {
		p.logger.Error().Err(err).Str("task_id", taskID).Int("failures", failures).Msg("giving up polling task")
		p.finish(ctx, taskID, task.StateError, task.Payload{Error: "poll failed: " + err.Error()}, telemetry.PollFailed)
		return
	}

	p.logger.Warn().
		Err(err).
		Str("task_id", taskID).
		Int("failures", failures).
		Dur("retry_in", backoff).
		Msg("poll failed")
}

func (p *Poll) backoffDuration(failureCount int) time.Duration {
	if failureCount <= 0 {
		return 0
	}
	backoff := p.config.FailureBackoffBase
	for i := 1; i < failureCount; i++ {
		if backoff >= p.config.FailureBackoffMax {
			return p.config.FailureBackoffMax
		}
		backoff *= 2
	}
	if backoff > p.config.FailureBackoffMax {
		backoff = p.config.FailureBackoffMax
	}
	return backoff
}

// Close implements Strategy.
func (p *Poll) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.tracked = make(map[string]*pollState)
	close(p.done)
	return nil
}
