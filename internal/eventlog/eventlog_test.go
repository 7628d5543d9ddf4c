package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/powblocks/internal/protocol"
	"github.com/iambrandonn/powblocks/internal/runtime"
	"github.com/iambrandonn/powblocks/internal/task"
	"github.com/iambrandonn/powblocks/pkg/testharness"
)

func newLog(t *testing.T) *EventLog {
	t.Helper()
	log, err := NewEventLog(filepath.Join(t.TempDir(), "journal", "session.ndjson"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func TestEventLogWatcherJournalsChanges(t *testing.T) {
	log := newLog(t)
	reg := task.NewRegistry()
	reg.Watch(log.Watcher())

	_, err := reg.Create("t-1", "weather", map[string]string{"city": "Oslo"}, "code")
	require.NoError(t, err)
	_, err = reg.AppendEvent("t-1", "progress", map[string]any{"pct": 50})
	require.NoError(t, err)
	prompt := task.PermissionPrompt{Name: "net", APIName: "fetch", Message: "allow?", IsUnary: true}
	require.NoError(t, reg.ApplyTransition("t-1", task.StateWaitingForPermission, task.Payload{PermissionPrompt: &prompt}))
	require.NoError(t, reg.ApplyTransition("t-1", task.StateRunning, task.Payload{}))
	require.NoError(t, reg.ApplyTransition("t-1", task.StateCompleted, task.Payload{Result: "sunny"}))
	require.NoError(t, log.Close())

	journal, err := Read(log.Path())
	require.NoError(t, err)
	require.Len(t, journal.Changes, 5)

	created := journal.Changes[0]
	assert.Equal(t, task.ChangeCreated, created.Change)
	assert.Equal(t, "weather", created.ActionName)
	assert.Equal(t, task.StateRunning, created.To)

	event := journal.Changes[1]
	assert.Equal(t, task.ChangeEvent, event.Change)
	assert.Equal(t, "progress", event.EventName)
	assert.Equal(t, map[string]any{"pct": float64(50)}, event.EventData)

	waiting := journal.Changes[2]
	require.NotNil(t, waiting.PermissionPrompt)
	assert.Equal(t, "fetch", waiting.PermissionPrompt.APIName)

	done := journal.Changes[4]
	assert.Equal(t, task.StateRunning, done.From)
	assert.Equal(t, task.StateCompleted, done.To)
	assert.Equal(t, "sunny", done.Result)

	for i := 1; i < len(journal.Changes); i++ {
		assert.Greater(t, journal.Changes[i].Seq, journal.Changes[i-1].Seq)
	}
	assert.Equal(t, map[string]task.State{"t-1": task.StateCompleted}, journal.FinalStates())
	assert.Empty(t, journal.Unfinished())
	assert.Len(t, journal.TaskChanges("t-1"), 5)
}

func TestJournalUnfinished(t *testing.T) {
	log := newLog(t)
	reg := task.NewRegistry()
	reg.Watch(log.Watcher())

	for _, id := range []string{"a", "b", "c"} {
		_, err := reg.Create(id, "act", nil, "code")
		require.NoError(t, err)
	}
	require.NoError(t, reg.ApplyTransition("b", task.StateError, task.Payload{Error: "boom"}))
	require.NoError(t, reg.ApplyTransition("c", task.StateStopping, task.Payload{}))
	require.NoError(t, log.Close())

	journal, err := Read(log.Path())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, journal.Unfinished())
}

func TestEventLogWriteAfterClose(t *testing.T) {
	log := newLog(t)
	require.NoError(t, log.Close())
	require.NoError(t, log.Close(), "second close is a no-op")

	err := log.WriteRequest(&protocol.Request{Kind: protocol.MessageKindRequest, Op: protocol.OpPoll})
	assert.Error(t, err)
}

func TestReadRejectsMalformedLines(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "not json", content: "{broken\n", wantErr: "line 1: failed to parse envelope"},
		{name: "unknown kind", content: `{"kind":"request","op":"submit"}` + "\n" + `{"kind":"mystery"}` + "\n", wantErr: "line 2: unknown message kind: mystery"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "j.ndjson")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))
			_, err := Read(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestReadSkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "j.ndjson")
	content := strings.Join([]string{
		`{"kind":"request","message_id":"m1","op":"cancel","task_id":"t"}`,
		``,
		`{"kind":"response","message_id":"m1","ok":true,"task_id":"t"}`,
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	journal, err := Read(path)
	require.NoError(t, err)
	require.Len(t, journal.Requests, 1)
	resp, ok := journal.ResponseFor("m1")
	require.True(t, ok)
	assert.True(t, resp.OK)
	_, ok = journal.ResponseFor("m2")
	assert.False(t, ok)
}

func TestRecordJournalsRequests(t *testing.T) {
	log := newLog(t)
	fake := testharness.NewFakeRuntime()
	fake.CancelFunc = func(ctx context.Context, taskID string) error {
		return &runtime.RequestError{Op: protocol.OpCancel, TaskID: taskID, Message: "unknown task"}
	}
	rt := Record(fake, log)
	ctx := context.Background()

	id, err := rt.Submit(ctx, runtime.SubmitRequest{ActionName: "weather", Code: "code", IdempotencyKey: "ik:1"})
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)

	_, err = rt.Poll(ctx, id)
	assert.ErrorIs(t, err, runtime.ErrStillRunning)

	fake.ScriptPoll(id, testharness.PollAnswer{Result: json.RawMessage(`"ok"`)})
	raw, err := rt.Poll(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(raw))

	assert.Error(t, rt.Cancel(ctx, "gone"))
	require.NoError(t, rt.Decide(ctx, id, task.DecisionAllow))
	require.NoError(t, log.Close())

	journal, err := Read(log.Path())
	require.NoError(t, err)

	var ops []protocol.Op
	for _, req := range journal.Requests {
		ops = append(ops, req.Op)
	}
	assert.Equal(t, []protocol.Op{protocol.OpSubmit, protocol.OpPoll, protocol.OpCancel, protocol.OpDecide}, ops,
		"still-running polls are not journaled")
	require.Len(t, journal.Responses, 4)

	submit := journal.Requests[0]
	assert.Equal(t, "ik:1", submit.IdempotencyKey)
	resp, ok := journal.ResponseFor(submit.MessageID)
	require.True(t, ok)
	assert.Equal(t, "task-1", resp.TaskID)

	cancel, ok := journal.ResponseFor(journal.Requests[2].MessageID)
	require.True(t, ok)
	assert.False(t, cancel.OK)
	assert.Contains(t, cancel.Error, "unknown task")

	poll, ok := journal.ResponseFor(journal.Requests[1].MessageID)
	require.True(t, ok)
	assert.JSONEq(t, `"ok"`, string(poll.Result))
}

func TestRecordKeepsStreaming(t *testing.T) {
	log := newLog(t)

	_, ok := Record(testharness.NewFakeRuntime(), log).(runtime.Streamer)
	assert.True(t, ok)

	_, ok = Record(pollOnly{}, log).(runtime.Streamer)
	assert.False(t, ok)
}

type pollOnly struct{ runtime.Runtime }

func TestRecordPassesErrorsThrough(t *testing.T) {
	log := newLog(t)
	fake := testharness.NewFakeRuntime()
	boom := errors.New("connection refused")
	fake.PollFunc = func(context.Context, string) (json.RawMessage, error) { return nil, boom }

	_, err := Record(fake, log).Poll(context.Background(), "t")
	assert.ErrorIs(t, err, boom)
}
