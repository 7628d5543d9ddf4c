package transcript

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/iambrandonn/powblocks/internal/eventlog"
	"github.com/iambrandonn/powblocks/internal/protocol"
	"github.com/iambrandonn/powblocks/internal/task"
)

func TestFormatChange(t *testing.T) {
	f := NewFormatter(true)
	prompt := &task.PermissionPrompt{Name: "net", APIName: "fetch", Message: "weather api"}

	tests := []struct {
		name   string
		change task.Change
		want   string
	}{
		{
			name: "created",
			change: task.Change{Kind: task.ChangeCreated, TaskID: "t-1", ToState: task.StateRunning,
				Task: task.Task{ActionName: "weather"}},
			want: "[t-1] weather running",
		},
		{
			name: "created replay",
			change: task.Change{Kind: task.ChangeCreated, TaskID: "t-2", ToState: task.StateRunning,
				Task: task.Task{ActionName: "weather", ReplayOf: "t-1"}},
			want: "[t-2] weather running (replay of t-1)",
		},
		{
			name: "completed",
			change: task.Change{Kind: task.ChangeTransitioned, TaskID: "t-1", FromState: task.StateRunning,
				ToState: task.StateCompleted, Task: task.Task{Result: map[string]any{"temp": 3.5}}},
			want: `[t-1] running → completed: {"temp":3.5}`,
		},
		{
			name: "error",
			change: task.Change{Kind: task.ChangeTransitioned, TaskID: "t-1", FromState: task.StateStopping,
				ToState: task.StateError, Task: task.Task{Error: "stop failed: timeout"}},
			want: "[t-1] stopping → error: stop failed: timeout",
		},
		{
			name: "waiting",
			change: task.Change{Kind: task.ChangeTransitioned, TaskID: "t-1", FromState: task.StateRunning,
				ToState: task.StateWaitingForPermission, Task: task.Task{PermissionPrompt: prompt}},
			want: "[t-1] running → waiting_for_permission: fetch wants net (weather api)",
		},
		{
			name: "event",
			change: task.Change{Kind: task.ChangeEvent, TaskID: "t-1", ToState: task.StateRunning,
				Task: task.Task{Events: []task.Event{{Name: "log", Data: "hello"}, {Name: "progress", Data: map[string]any{"pct": 50.0}}}}},
			want: `[t-1] progress {"pct":50}`,
		},
		{
			name:   "cleared",
			change: task.Change{Kind: task.ChangeEventsCleared, TaskID: "t-1"},
			want:   "[t-1] events cleared",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.FormatChange(tt.change))
		})
	}
}

func TestPlainFormatterHasNoEscapes(t *testing.T) {
	f := NewFormatter(true)
	for s := range stateColors {
		assert.Equal(t, string(s), f.State(s))
	}
	assert.Equal(t, "mystery", NewFormatter(false).State("mystery"))
}

func TestFormatTaskDetail(t *testing.T) {
	f := NewFormatter(true)
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := f.FormatTaskDetail(task.Task{
		ID: "t-1", ActionName: "weather", State: task.StateCompleted,
		Input:      map[string]string{"b": "2", "a": "1"},
		Result:     "sunny",
		CodeHash:   "sha256:abc",
		ReplayOf:   "t-0",
		Events:     []task.Event{{Name: "progress"}},
		FinishedAt: &finished,
	})

	assert.Contains(t, out, "state:   completed")
	assert.Less(t, strings.Index(out, "a=1"), strings.Index(out, "b=2"), "inputs sorted")
	assert.Contains(t, out, "result:  sunny")
	assert.Contains(t, out, "replay of: t-0")
	assert.Contains(t, out, "events (1):")
	assert.Contains(t, f.FormatTask(task.Task{ID: "t-1", State: task.StateError, FinishedAt: &finished}), "error")
}

func TestFormatJournal(t *testing.T) {
	f := NewFormatter(true)

	assert.Equal(t, "→ submit weather", f.FormatRequest(&protocol.Request{Op: protocol.OpSubmit, ActionName: "weather"}))
	assert.Equal(t, "→ decide t-1 AllowAll", f.FormatRequest(&protocol.Request{Op: protocol.OpDecide, TaskID: "t-1", Decision: task.DecisionAllowAll}))
	assert.Equal(t, "← ok t-1 ok", f.FormatResponse(&protocol.Response{OK: true, TaskID: "t-1", Result: json.RawMessage(`"ok"`)}))
	assert.Equal(t, "← failed bad code", f.FormatResponse(&protocol.Response{Error: "bad code"}))

	assert.Equal(t, "[t-1] running → completed: 42", f.FormatJournalChange(&eventlog.TaskChange{
		Change: task.ChangeTransitioned, TaskID: "t-1", From: task.StateRunning, To: task.StateCompleted, Result: 42.0,
	}))
	assert.Equal(t, "[t-1] progress", f.FormatJournalChange(&eventlog.TaskChange{
		Change: task.ChangeEvent, TaskID: "t-1", EventName: "progress",
	}))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "null", FormatValue(nil))
	assert.Equal(t, "plain", FormatValue("plain"))
	assert.Equal(t, `[1,"a"]`, FormatValue([]any{1, "a"}))
}
