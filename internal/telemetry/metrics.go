package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/iambrandonn/powblocks/internal/runtime"
	"github.com/iambrandonn/powblocks/internal/task"
)

// Common attribute keys for metrics.
var (
	AttrFrom    = attribute.Key("from")
	AttrTo      = attribute.Key("to")
	AttrOp      = attribute.Key("op")
	AttrOutcome = attribute.Key("outcome")
	AttrState   = attribute.Key("state")
)

// Poll outcomes recorded by RecordPoll.
const (
	PollStillRunning = "still_running"
	PollCompleted    = "completed"
	PollFailed       = "failed"
	PollStopped      = "stopped"
	PollError        = "transport_error"
	PollDiscarded    = "discarded"
)

// Metrics holds the instruments powblocks records. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	meter        metric.Meter
	transitions  metric.Int64Counter
	runtimeCalls metric.Int64Counter
	callDuration metric.Float64Histogram
	polls        metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	m.transitions, err = meter.Int64Counter("powblocks_task_transitions_total",
		metric.WithDescription("Task state transitions applied to the registry"))
	if err != nil {
		return nil, err
	}
	m.runtimeCalls, err = meter.Int64Counter("powblocks_runtime_calls_total",
		metric.WithDescription("Requests sent to the execution runtime"))
	if err != nil {
		return nil, err
	}
	m.callDuration, err = meter.Float64Histogram("powblocks_runtime_call_duration_seconds",
		metric.WithDescription("Runtime request latency in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	m.polls, err = meter.Int64Counter("powblocks_polls_total",
		metric.WithDescription("Poll answers received, by outcome"))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordTransition counts one applied state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to task.State) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		AttrFrom.String(string(from)),
		AttrTo.String(string(to)),
	))
}

// RecordRuntimeCall counts a runtime request and its latency. The outcome is
// "ok", "rejected" for a refusal, or "error" for a communication failure.
func (m *Metrics) RecordRuntimeCall(ctx context.Context, op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case runtime.IsRejected(err):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	m.runtimeCalls.Add(ctx, 1, metric.WithAttributes(AttrOp.String(op), AttrOutcome.String(outcome)))
	m.callDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrOp.String(op)))
}

// RecordPoll counts one poll answer.
func (m *Metrics) RecordPoll(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.polls.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
}

// Watcher returns a registry watcher that counts transitions.
func (m *Metrics) Watcher() task.Watcher {
	return func(c task.Change) {
		if c.Kind == task.ChangeTransitioned {
			m.RecordTransition(context.Background(), c.FromState, c.ToState)
		}
	}
}

// ObserveTasks registers a gauge reporting how many tasks are in each state.
func (m *Metrics) ObserveTasks(counts func() map[task.State]int) error {
	if m == nil || counts == nil {
		return nil
	}
	gauge, err := m.meter.Int64ObservableGauge("powblocks_tasks",
		metric.WithDescription("Tasks currently known, by state"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		byState := counts()
		for _, s := range task.AllStates {
			o.ObserveInt64(gauge, int64(byState[s]), metric.WithAttributes(AttrState.String(string(s))))
		}
		return nil
	}, gauge)
	return err
}
