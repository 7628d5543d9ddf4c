package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/iambrandonn/powblocks/internal/protocol"
	"github.com/iambrandonn/powblocks/internal/runtime"
	"github.com/iambrandonn/powblocks/internal/task"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

// sums collects every int64 sum and gauge data point keyed by metric name and
// a compact rendering of its attributes.
func sums(t *testing.T, reader *sdkmetric.ManualReader) map[string]map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			var points []metricdata.DataPoint[int64]
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				points = data.DataPoints
			case metricdata.Gauge[int64]:
				points = data.DataPoints
			default:
				continue
			}
			byAttrs := make(map[string]int64)
			for _, dp := range points {
				byAttrs[dp.Attributes.Encoded(attribute.DefaultEncoder())] = dp.Value
			}
			out[m.Name] = byAttrs
		}
	}
	return out
}

func TestRecordTransitionWatcher(t *testing.T) {
	m, reader := newTestMetrics(t)
	reg := task.NewRegistry()
	reg.Watch(m.Watcher())

	_, err := reg.Create("t-1", "main", nil, "code")
	require.NoError(t, err)
	require.NoError(t, reg.ApplyTransition("t-1", task.StateCompleted, task.Payload{Result: "ok"}))
	// Idempotent terminal updates are not counted.
	require.NoError(t, reg.ApplyTransition("t-1", task.StateCompleted, task.Payload{Result: "ok"}))

	got := sums(t, reader)["powblocks_task_transitions_total"]
	assert.Equal(t, map[string]int64{"from=running,to=completed": 1}, got)
}

func TestRecordRuntimeCallOutcomes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRuntimeCall(ctx, "submit", nil, 10*time.Millisecond)
	m.RecordRuntimeCall(ctx, "submit", &runtime.RequestError{Op: protocol.OpSubmit, Message: "bad"}, time.Millisecond)
	m.RecordRuntimeCall(ctx, "cancel", errors.New("connection refused"), time.Millisecond)

	got := sums(t, reader)["powblocks_runtime_calls_total"]
	assert.Equal(t, map[string]int64{
		"op=submit,outcome=ok":       1,
		"op=submit,outcome=rejected": 1,
		"op=cancel,outcome=error":    1,
	}, got)
}

func TestRecordPollAndObserveTasks(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPoll(ctx, PollStillRunning)
	m.RecordPoll(ctx, PollStillRunning)
	m.RecordPoll(ctx, PollCompleted)
	require.NoError(t, m.ObserveTasks(func() map[task.State]int {
		return map[task.State]int{task.StateRunning: 2, task.StateCompleted: 1}
	}))

	got := sums(t, reader)
	assert.Equal(t, map[string]int64{"outcome=still_running": 2, "outcome=completed": 1}, got["powblocks_polls_total"])
	tasks := got["powblocks_tasks"]
	assert.Equal(t, int64(2), tasks["state=running"])
	assert.Equal(t, int64(1), tasks["state=completed"])
	assert.Equal(t, int64(0), tasks["state=stopping"])
	assert.Len(t, tasks, len(task.AllStates))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordTransition(ctx, task.StateRunning, task.StateCompleted)
	m.RecordRuntimeCall(ctx, "submit", nil, time.Second)
	m.RecordPoll(ctx, PollCompleted)
	m.Watcher()(task.Change{Kind: task.ChangeTransitioned})
	assert.NoError(t, m.ObserveTasks(func() map[task.State]int { return nil }))
}

func TestInitWithoutExporters(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	assert.Nil(t, p.Handler)
	assert.NotNil(t, p.Tracer)
	assert.NotNil(t, p.Meter)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInitPrometheusServesMetrics(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Config{ServiceName: "powblocks-test", MetricsAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	require.NotNil(t, p.Handler)

	m, err := NewMetrics(p.Meter)
	require.NoError(t, err)
	m.RecordPoll(ctx, PollCompleted)

	resp, err := http.Get("http://" + p.MetricsAddr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "powblocks_polls_total")
}
