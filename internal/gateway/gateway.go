// Package gateway performs the user-initiated runtime calls: submitting an
// action, stopping a task and answering a permission prompt. Every call
// goes through the registry so the task model reflects it immediately.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iambrandonn/powblocks/internal/idempotency"
	"github.com/iambrandonn/powblocks/internal/protocol"
	"github.com/iambrandonn/powblocks/internal/runtime"
	"github.com/iambrandonn/powblocks/internal/task"
	"github.com/iambrandonn/powblocks/internal/telemetry"
)

const tracerName = "github.com/iambrandonn/powblocks/internal/gateway"

// Config controls gateway policy.
type Config struct {
	// RecordRejected registers a failed submission as a task in error under
	// a client-generated id.
	// Default: true
	RecordRejected bool

	// StopRetries is how many times a failed cancel is retried before the
	// task is forced into error.
	// Default: 2
	StopRetries int

	// StopRetryDelay is the pause between cancel attempts.
	// Default: 250ms
	StopRetryDelay time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		RecordRejected: true,
		StopRetries:    2,
		StopRetryDelay: 250 * time.Millisecond,
	}
}

// Tracker starts following a task once it is registered. transport.Strategy
// satisfies it.
type Tracker interface {
	Track(ctx context.Context, taskID string) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics records runtime call counts and latencies.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithTracer wraps runtime calls in spans from tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(g *Gateway) { g.tracer = tracer }
}

// Gateway issues runtime calls on behalf of the user.
type Gateway struct {
	runtime  runtime.Runtime
	registry *task.Registry
	tracker  Tracker
	config   Config
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	newID    func() string
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a Gateway. Zero StopRetries and StopRetryDelay are kept as
// given; start from DefaultConfig for the defaults.
func New(rt runtime.Runtime, registry *task.Registry, tracker Tracker, config Config, opts ...Option) *Gateway {
	if config.StopRetries < 0 {
		config.StopRetries = 0
	}
	g := &Gateway{
		runtime:  rt,
		registry: registry,
		tracker:  tracker,
		config:   config,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
		newID:    uuid.NewString,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RunOption adjusts a single Run.
type RunOption func(*runOptions)

type runOptions struct {
	create []task.CreateOption
}

// AsReplayOf marks the submitted task as a replay of an earlier task.
func AsReplayOf(id string) RunOption {
	return func(o *runOptions) {
		o.create = append(o.create, task.WithReplayOf(id))
	}
}

// Run submits an action against a code snapshot and registers the task as
// running. A failed submission returns a *SubmissionError; when
// RecordRejected is set the failure is also registered as a task in error
// and its id is returned alongside the error.
func (g *Gateway) Run(ctx context.Context, actionName string, input map[string]string, code string, opts ...RunOption) (string, error) {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	ctx, span := g.tracer.Start(ctx, "gateway.run", trace.WithAttributes(
		attribute.String("powblocks.action", actionName),
	))
	defer span.End()

	input = task.CopyInput(input)
	attempt := g.newID()
	key, err := idempotency.GenerateKey(idempotency.Submission{
		ActionName: actionName,
		Input:      input,
		Code:       code,
		Attempt:    attempt,
	})
	if err != nil {
		return "", fmt.Errorf("derive idempotency key: %w", err)
	}

	start := time.Now()
	id, err := g.runtime.Submit(ctx, runtime.SubmitRequest{
		ActionName:     actionName,
		Input:          input,
		Code:           code,
		IdempotencyKey: key,
	})
	g.metrics.RecordRuntimeCall(ctx, string(protocol.OpSubmit), err, time.Since(start))
	if err != nil {
		failSpan(span, err)
		return g.submissionFailed(actionName, input, code, attempt, err, ro)
	}
	if id == "" {
		id = attempt
	}
	span.SetAttributes(attribute.String("powblocks.task_id", id))

	if _, err := g.registry.Create(id, actionName, input, code, ro.create...); err != nil {
		failSpan(span, err)
		return "", fmt.Errorf("register task %s: %w", id, err)
	}
	g.logger.Info().Str("task_id", id).Str("action", actionName).Msg("task submitted")

	if err := g.tracker.Track(ctx, id); err != nil {
		failSpan(span, err)
		g.logger.Error().Err(err).Str("task_id", id).Msg("cannot follow task")
		g.force(id, "track task: "+err.Error())
		return id, fmt.Errorf("track task %s: %w", id, err)
	}
	return id, nil
}

func (g *Gateway) submissionFailed(actionName string, input map[string]string, code, attempt string, err error, ro runOptions) (string, error) {
	subErr := &SubmissionError{ActionName: actionName, Err: err}
	g.logger.Warn().Err(err).Str("action", actionName).Bool("rejected", subErr.Rejected()).Msg("submission failed")
	if !g.config.RecordRejected {
		return "", subErr
	}

	if _, cerr := g.registry.Create(attempt, actionName, input, code, ro.create...); cerr != nil {
		g.logger.Error().Err(cerr).Str("task_id", attempt).Msg("cannot record failed submission")
		return "", subErr
	}
	if terr := g.registry.ApplyTransition(attempt, task.StateError, task.Payload{Error: err.Error()}); terr != nil {
		g.logger.Error().Err(terr).Str("task_id", attempt).Msg("cannot record failed submission")
	}
	subErr.TaskID = attempt
	return attempt, subErr
}

// Stop asks the runtime to cancel a task. The task moves to stopping at
// once; the runtime's answer finishes it. If the cancel cannot be delivered
// after StopRetries retries the task is forced into error and a
// *TransportError is returned; whatever the runtime later reports for it is
// discarded. Stopping a finished task is a no-op.
func (g *Gateway) Stop(ctx context.Context, id string) error {
	t, ok := g.registry.Get(id)
	if !ok {
		return fmt.Errorf("stop %s: %w", id, task.ErrTaskNotFound)
	}
	if t.State.IsTerminal() {
		return nil
	}

	ctx, span := g.tracer.Start(ctx, "gateway.stop", trace.WithAttributes(
		attribute.String("powblocks.task_id", id),
	))
	defer span.End()

	if err := g.registry.ApplyTransition(id, task.StateStopping, task.Payload{}); err != nil {
		if task.IsLateUpdate(err) {
			return nil
		}
		failSpan(span, err)
		return fmt.Errorf("stop %s: %w", id, err)
	}

	var err error
	for attempt := 0; attempt <= g.config.StopRetries; attempt++ {
		if attempt > 0 {
			if serr := g.sleep(ctx, g.config.StopRetryDelay); serr != nil {
				err = serr
				break
			}
		}
		start := time.Now()
		err = g.runtime.Cancel(ctx, id)
		g.metrics.RecordRuntimeCall(ctx, string(protocol.OpCancel), err, time.Since(start))
		if err == nil {
			g.logger.Info().Str("task_id", id).Msg("stop requested")
			return nil
		}
		g.logger.Warn().Err(err).Str("task_id", id).Int("attempt", attempt+1).Msg("cancel failed")
		if runtime.IsRejected(err) {
			break
		}
	}

	failSpan(span, err)
	g.force(id, "stop failed: "+err.Error())
	return &TransportError{Op: "stop", TaskID: id, Err: err}
}

// RespondToPermissionPrompt sends the user's decision for a task's pending
// prompt. On acknowledgement the task returns to running, unless the runtime
// has meanwhile resumed it or raised another prompt.
func (g *Gateway) RespondToPermissionPrompt(ctx context.Context, id string, decision task.Decision) error {
	t, ok := g.registry.Get(id)
	if !ok {
		return fmt.Errorf("respond to %s: %w", id, task.ErrTaskNotFound)
	}
	if t.State != task.StateWaitingForPermission || t.PermissionPrompt == nil {
		return fmt.Errorf("respond to %s: %w", id, ErrNoPendingPrompt)
	}
	if err := checkDecision(id, t.PermissionPrompt, decision); err != nil {
		return err
	}
	answered := *t.PermissionPrompt

	ctx, span := g.tracer.Start(ctx, "gateway.decide", trace.WithAttributes(
		attribute.String("powblocks.task_id", id),
		attribute.String("powblocks.decision", string(decision)),
		attribute.String("powblocks.api", t.PermissionPrompt.APIName),
	))
	defer span.End()

	start := time.Now()
	err := g.runtime.Decide(ctx, id, decision)
	g.metrics.RecordRuntimeCall(ctx, string(protocol.OpDecide), err, time.Since(start))
	if err != nil {
		failSpan(span, err)
		return &TransportError{Op: "decide", TaskID: id, Err: err}
	}

	resumed, err := g.registry.ResolvePrompt(id, answered)
	switch {
	case err != nil:
		g.logger.Warn().Err(err).Str("task_id", id).Msg("cannot resume task after decision")
	case !resumed:
		g.logger.Debug().Str("task_id", id).Msg("task moved on before decision ack")
	}
	g.logger.Info().Str("task_id", id).Str("decision", string(decision)).Msg("permission decision sent")
	return nil
}

func checkDecision(id string, prompt *task.PermissionPrompt, decision task.Decision) error {
	switch decision {
	case task.DecisionAllow, task.DecisionDeny:
		return nil
	case task.DecisionAllowAll:
		if !prompt.IsUnary {
			return &InvalidDecisionError{TaskID: id, Decision: decision, Reason: "prompt cannot be granted for the whole task"}
		}
		return nil
	default:
		return &InvalidDecisionError{TaskID: id, Decision: decision, Reason: "unknown decision"}
	}
}

// force moves a task into error unless it already finished.
func (g *Gateway) force(id, message string) {
	err := g.registry.ApplyTransition(id, task.StateError, task.Payload{Error: message})
	switch {
	case err == nil:
	case task.IsLateUpdate(err), errors.Is(err, task.ErrTaskNotFound):
		g.logger.Debug().Err(err).Str("task_id", id).Msg("task already finished")
	default:
		g.logger.Warn().Err(err).Str("task_id", id).Msg("cannot force task into error")
	}
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
