package testharness

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/iambrandonn/powblocks/internal/protocol"
	"github.com/iambrandonn/powblocks/internal/runtime"
	"github.com/iambrandonn/powblocks/internal/task"
)

// Call records one request made to a FakeRuntime.
type Call struct {
	Op             protocol.Op
	TaskID         string
	ActionName     string
	Input          map[string]string
	Code           string
	Decision       task.Decision
	IdempotencyKey string
}

// PollAnswer is one scripted answer to Poll.
type PollAnswer struct {
	Result json.RawMessage
	Err    error
}

// FakeRuntime is an in-memory runtime.Runtime and runtime.Streamer for unit
// tests. Pushed updates go through an embedded runtime.Hub, so tests publish
// with PushState and PushEvent. Each Func hook replaces the default
// behaviour of its operation when set: Submit hands out "task-N" ids, Cancel
// and Decide succeed, and Poll consumes answers queued with ScriptPoll and
// then reports runtime.ErrStillRunning.
type FakeRuntime struct {
	*runtime.Hub

	SubmitFunc func(ctx context.Context, req runtime.SubmitRequest) (string, error)
	CancelFunc func(ctx context.Context, taskID string) error
	DecideFunc func(ctx context.Context, taskID string, decision task.Decision) error
	PollFunc   func(ctx context.Context, taskID string) (json.RawMessage, error)

	mu     sync.Mutex
	nextID int
	polls  map[string][]PollAnswer
	calls  []Call
}

// NewFakeRuntime creates a FakeRuntime with default behaviour.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		Hub:   runtime.NewHub(),
		polls: make(map[string][]PollAnswer),
	}
}

func (f *FakeRuntime) record(c Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

// Submit implements runtime.Runtime.
func (f *FakeRuntime) Submit(ctx context.Context, req runtime.SubmitRequest) (string, error) {
	f.record(Call{
		Op:             protocol.OpSubmit,
		ActionName:     req.ActionName,
		Input:          task.CopyInput(req.Input),
		Code:           req.Code,
		IdempotencyKey: req.IdempotencyKey,
	})
	if f.SubmitFunc != nil {
		return f.SubmitFunc(ctx, req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("task-%d", f.nextID), nil
}

// Cancel implements runtime.Runtime.
func (f *FakeRuntime) Cancel(ctx context.Context, taskID string) error {
	f.record(Call{Op: protocol.OpCancel, TaskID: taskID})
	if f.CancelFunc != nil {
		return f.CancelFunc(ctx, taskID)
	}
	return nil
}

// Decide implements runtime.Runtime.
func (f *FakeRuntime) Decide(ctx context.Context, taskID string, decision task.Decision) error {
	f.record(Call{Op: protocol.OpDecide, TaskID: taskID, Decision: decision})
	if f.DecideFunc != nil {
		return f.DecideFunc(ctx, taskID, decision)
	}
	return nil
}

// Poll implements runtime.Runtime.
func (f *FakeRuntime) Poll(ctx context.Context, taskID string) (json.RawMessage, error) {
	f.record(Call{Op: protocol.OpPoll, TaskID: taskID})
	if f.PollFunc != nil {
		return f.PollFunc(ctx, taskID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.polls[taskID]
	if len(queue) == 0 {
		return nil, runtime.ErrStillRunning
	}
	answer := queue[0]
	f.polls[taskID] = queue[1:]
	return answer.Result, answer.Err
}

// ScriptPoll queues answers for a task's next polls.
func (f *FakeRuntime) ScriptPoll(taskID string, answers ...PollAnswer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[taskID] = append(f.polls[taskID], answers...)
}

// PushState publishes a state update for a task.
func (f *FakeRuntime) PushState(taskID string, state task.State, opts ...func(*runtime.StateUpdate)) {
	u := runtime.StateUpdate{
		Kind:       protocol.MessageKindState,
		TaskID:     taskID,
		State:      state,
		OccurredAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&u)
	}
	f.PublishState(u)
}

// WithResult sets the raw result of a pushed state.
func WithResult(raw string) func(*runtime.StateUpdate) {
	return func(u *runtime.StateUpdate) { u.Result = json.RawMessage(raw) }
}

// WithError sets the error text of a pushed state.
func WithError(msg string) func(*runtime.StateUpdate) {
	return func(u *runtime.StateUpdate) { u.Error = msg }
}

// WithPrompt attaches a permission prompt to a pushed state.
func WithPrompt(p task.PermissionPrompt) func(*runtime.StateUpdate) {
	return func(u *runtime.StateUpdate) { u.PermissionPrompt = &p }
}

// PushEvent publishes a named event for a task.
func (f *FakeRuntime) PushEvent(taskID, name, data string) {
	var raw json.RawMessage
	if data != "" {
		raw = json.RawMessage(data)
	}
	f.PublishEvent(runtime.EventUpdate{
		Kind:       protocol.MessageKindEvent,
		TaskID:     taskID,
		EventName:  name,
		Data:       raw,
		OccurredAt: time.Now().UTC(),
	})
}

// Calls returns the recorded requests, optionally filtered by op.
func (f *FakeRuntime) Calls(ops ...protocol.Op) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(ops) == 0 {
		return append([]Call(nil), f.calls...)
	}
	var out []Call
	for _, c := range f.calls {
		for _, op := range ops {
			if c.Op == op {
				out = append(out, c)
				break
			}
		}
	}
	return out
}
