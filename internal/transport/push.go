package transport

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/iambrandonn/powblocks/internal/runtime"
	"github.com/iambrandonn/powblocks/internal/task"
)

// Push follows each tracked task's state and event streams and applies
// updates as they arrive. A task's subscriptions are released exactly once,
// when it becomes terminal by any path or the strategy closes.
type Push struct {
	streamer runtime.Streamer
	registry *task.Registry
	apply    applier
	logger   zerolog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	tracked map[string]context.CancelFunc
}

// NewPush creates a push strategy over streamer.
func NewPush(streamer runtime.Streamer, registry *task.Registry, opts Options) *Push {
	logger := opts.Logger.With().Str("strategy", NamePush).Logger()
	base, cancel := context.WithCancel(context.Background())
	return &Push{
		streamer: streamer,
		registry: registry,
		apply:    applier{registry: registry, logger: logger},
		logger:   logger,
		base:     base,
		cancel:   cancel,
		tracked:  make(map[string]context.CancelFunc),
	}
}

// Name implements Strategy.
func (p *Push) Name() string { return NamePush }

// Track implements Strategy.
func (p *Push) Track(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if _, ok := p.tracked[taskID]; ok {
		p.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(p.base)
	p.tracked[taskID] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	states, err := p.streamer.SubscribeState(subCtx, taskID)
	if err == nil {
		var events <-chan runtime.EventUpdate
		events, err = p.streamer.SubscribeEvents(subCtx, taskID)
		if err == nil {
			finished, ferr := p.registry.Subscribe(subCtx, taskID)
			if ferr != nil {
				err = ferr
			} else {
				go p.follow(subCtx, taskID, states, events, finished)
				p.logger.Debug().Str("task_id", taskID).Msg("following task")
				return nil
			}
		}
	}

	p.release(taskID)
	p.wg.Done()
	return err
}

// follow applies updates for one task until it finishes.
func (p *Push) follow(ctx context.Context, taskID string, states <-chan runtime.StateUpdate, events <-chan runtime.EventUpdate, finished <-chan task.Task) {
	defer p.wg.Done()
	defer p.release(taskID)

	for {
		select {
		case <-ctx.Done():
			return

		case _, ok := <-finished:
			if !ok {
				// The registry closes this after the terminal snapshot,
				// whichever path finished the task.
				return
			}

		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			p.apply.event(e)

		case u, ok := <-states:
			if !ok {
				p.streamLost(ctx, taskID)
				return
			}
			if u.TaskID == "" {
				u.TaskID = taskID
			}
			if u.State.IsTerminal() {
				p.drainEvents(events)
			}
			if p.apply.state(u) {
				return
			}
		}
	}
}

// drainEvents applies events that are already buffered so they land before
// the terminal state closes the log.
func (p *Push) drainEvents(events <-chan runtime.EventUpdate) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			p.apply.event(e)
		default:
			return
		}
	}
}

// streamLost handles a state stream that ended before the task finished,
// which happens when the runtime goes away.
func (p *Push) streamLost(ctx context.Context, taskID string) {
	if ctx.Err() != nil || p.apply.finished(taskID) {
		return
	}
	p.logger.Error().Str("task_id", taskID).Msg("runtime state stream ended before task finished")
	p.apply.transition(taskID, task.StateError, task.Payload{Error: "lost connection to runtime"})
}

// release drops a task's subscriptions. Only the first call has an effect.
func (p *Push) release(taskID string) {
	p.mu.Lock()
	cancel, ok := p.tracked[taskID]
	delete(p.tracked, taskID)
	p.mu.Unlock()
	if !ok {
		return
	}
	cancel()
	p.logger.Debug().Str("task_id", taskID).Msg("released task")
}

// Tracked returns the ids of tasks currently followed.
func (p *Push) Tracked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.tracked))
	for id := range p.tracked {
		ids = append(ids, id)
	}
	return ids
}

// Run implements Strategy. Push work happens in per-task goroutines, so Run
// only waits for ctx and then closes.
func (p *Push) Run(ctx context.Context) error {
	<-ctx.Done()
	return p.Close()
}

// Close implements Strategy.
func (p *Push) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	return nil
}
