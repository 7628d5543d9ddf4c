// Package engine assembles the task core: registry, transport strategy,
// gateway, permission negotiator and replay controller, plus the optional
// history store, journal and metrics. It is the surface the CLI talks to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/iambrandonn/powblocks/internal/eventlog"
	"github.com/iambrandonn/powblocks/internal/gateway"
	"github.com/iambrandonn/powblocks/internal/permission"
	"github.com/iambrandonn/powblocks/internal/replay"
	"github.com/iambrandonn/powblocks/internal/runtime"
	"github.com/iambrandonn/powblocks/internal/task"
	"github.com/iambrandonn/powblocks/internal/telemetry"
	"github.com/iambrandonn/powblocks/internal/transport"
)

// History persists finished tasks. history.Store satisfies it.
type History interface {
	replay.History
	Watcher() task.Watcher
}

// Options configures an Engine. Zero values leave the optional parts out.
type Options struct {
	Strategy string
	Poll     transport.PollConfig
	Gateway  gateway.Config
	Policy   permission.Policy

	History History
	Journal *eventlog.EventLog
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Logger  zerolog.Logger
}

// DefaultOptions returns push delivery with default poll, gateway and
// permission settings.
func DefaultOptions() Options {
	return Options{
		Strategy: transport.NamePush,
		Poll:     transport.DefaultPollConfig(),
		Gateway:  gateway.DefaultConfig(),
		Policy:   permission.Policy{Default: permission.ModePrompt},
		Logger:   zerolog.Nop(),
	}
}

// Engine runs tasks against one runtime.
type Engine struct {
	registry   *task.Registry
	strategy   transport.Strategy
	gateway    *gateway.Gateway
	negotiator *permission.Negotiator
	replay     *replay.Controller
	logger     zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	closed  bool
}

// New wires an Engine around rt. Call Start before running tasks and Close
// when done.
func New(rt runtime.Runtime, opts Options) (*Engine, error) {
	logger := opts.Logger
	registry := task.NewRegistry()

	if opts.Journal != nil {
		rt = eventlog.Record(rt, opts.Journal)
		registry.Watch(opts.Journal.Watcher())
	}
	if opts.Metrics != nil {
		registry.Watch(opts.Metrics.Watcher())
		if err := opts.Metrics.ObserveTasks(registry.Counts); err != nil {
			return nil, fmt.Errorf("register task gauge: %w", err)
		}
	}
	if opts.History != nil {
		registry.Watch(opts.History.Watcher())
	}

	strategy, err := transport.New(opts.Strategy, rt, registry, opts.Poll, transport.Options{
		Logger:  logger.With().Str("component", "transport").Logger(),
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	gwOpts := []gateway.Option{
		gateway.WithLogger(logger.With().Str("component", "gateway").Logger()),
		gateway.WithMetrics(opts.Metrics),
	}
	if opts.Tracer != nil {
		gwOpts = append(gwOpts, gateway.WithTracer(opts.Tracer))
	}
	gw := gateway.New(rt, registry, strategy, opts.Gateway, gwOpts...)

	return &Engine{
		registry:   registry,
		strategy:   strategy,
		gateway:    gw,
		negotiator: permission.NewNegotiator(registry, gw, opts.Policy, logger.With().Str("component", "permission").Logger()),
		replay:     replay.NewController(registry, gw, opts.History, logger.With().Str("component", "replay").Logger()),
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

// Start runs the transport strategy in the background until Close.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("engine closed")
	}
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	go func() {
		defer close(e.done)
		if err := e.strategy.Run(ctx); err != nil {
			e.logger.Error().Err(err).Str("strategy", e.strategy.Name()).Msg("transport stopped with error")
		}
	}()
	e.logger.Debug().Str("strategy", e.strategy.Name()).Msg("engine started")
	return nil
}

// Close stops the transport and releases every tracked task. Tasks keep
// their last known state.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	err := e.strategy.Close()
	if started {
		e.cancel()
		<-e.done
	}
	return err
}

// Strategy returns the name of the transport in use.
func (e *Engine) Strategy() string {
	return e.strategy.Name()
}

// Run submits a task and returns its id.
func (e *Engine) Run(ctx context.Context, actionName string, input map[string]string, code string) (string, error) {
	return e.gateway.Run(ctx, actionName, input, code)
}

// Stop asks the runtime to cancel a task.
func (e *Engine) Stop(ctx context.Context, id string) error {
	return e.gateway.Stop(ctx, id)
}

// Prompt returns the pending permission prompt of a task.
func (e *Engine) Prompt(id string) (*task.PermissionPrompt, bool) {
	return e.negotiator.Prompt(id)
}

// Respond answers a pending permission prompt.
func (e *Engine) Respond(ctx context.Context, id string, decision task.Decision) error {
	return e.negotiator.Respond(ctx, id, decision)
}

// Resolve answers a pending prompt from the permission policy. It reports
// false when the user has to decide.
func (e *Engine) Resolve(ctx context.Context, id string) (bool, error) {
	return e.negotiator.Resolve(ctx, id)
}

// Replay runs a previous task again and returns the new task's id.
func (e *Engine) Replay(ctx context.Context, id string) (string, error) {
	return e.replay.Replay(ctx, id)
}

// Get returns a snapshot of a task.
func (e *Engine) Get(id string) (task.Task, bool) {
	return e.registry.Get(id)
}

// List returns snapshots of every task.
func (e *Engine) List() []task.Task {
	return e.registry.List()
}

// ClearEvents empties a task's event log.
func (e *Engine) ClearEvents(id string) error {
	return e.registry.ClearEvents(id)
}

// Subscribe streams snapshots of a task until it is terminal or ctx ends.
func (e *Engine) Subscribe(ctx context.Context, id string) (<-chan task.Task, error) {
	return e.registry.Subscribe(ctx, id)
}

// Watch registers w for every task change.
func (e *Engine) Watch(w task.Watcher) {
	e.registry.Watch(w)
}

// Wait blocks until the task is terminal and returns its final snapshot.
func (e *Engine) Wait(ctx context.Context, id string) (task.Task, error) {
	updates, err := e.registry.Subscribe(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	var last task.Task
	for t := range updates {
		last = t
	}
	if !last.State.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		return last, fmt.Errorf("task %s: updates ended in state %s", id, last.State)
	}
	return last, nil
}
