package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iambrandonn/powblocks/internal/checksum"
)

// ChangeKind describes what a Change did to a task.
type ChangeKind string

const (
	ChangeCreated       ChangeKind = "created"
	ChangeTransitioned  ChangeKind = "transitioned"
	ChangePrompt        ChangeKind = "prompt"
	ChangeEvent         ChangeKind = "event"
	ChangeEventsCleared ChangeKind = "events_cleared"
	ChangeRestored      ChangeKind = "restored"
)

// Change is delivered to watchers after every mutation.
type Change struct {
	Kind      ChangeKind
	TaskID    string
	FromState State // empty for ChangeCreated and ChangeRestored
	ToState   State
	Task      Task // snapshot after the mutation
	Timestamp time.Time
	Seq       uint64
}

// Watcher receives changes in mutation order. Watchers run after the
// registry lock is released and may read from the registry. A mutation made
// from inside a watcher is delivered after the current change.
type Watcher func(Change)

// CreateOption adjusts a task at creation.
type CreateOption func(*Task)

// WithReplayOf marks the new task as a replay of an earlier one.
func WithReplayOf(id string) CreateOption {
	return func(t *Task) {
		t.ReplayOf = id
	}
}

// Registry is the authoritative record of all known tasks. Mutations are
// serialized by a single lock; notifications are serialized separately so
// watchers observe changes in the order they were applied.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	order   []string
	seq     uint64
	pending []Change

	// notifyMu guards delivery, watchers and subs.
	notifyMu sync.Mutex
	watchers []Watcher
	subs     map[string]map[*subscription]struct{}

	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*Task),
		subs:  make(map[string]map[*subscription]struct{}),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Watch registers a watcher for every change to every task.
func (r *Registry) Watch(w Watcher) {
	r.notifyMu.Lock()
	r.watchers = append(r.watchers, w)
	r.notifyMu.Unlock()
	r.drain()
}

// Create registers a new task in state running. The input map and code are
// copied so later edits by the caller never reach the task.
func (r *Registry) Create(id, actionName string, input map[string]string, code string, opts ...CreateOption) (Task, error) {
	if id == "" {
		return Task{}, fmt.Errorf("task id is required")
	}

	now := r.now()
	t := &Task{
		ID:         id,
		ActionName: actionName,
		Input:      CopyInput(input),
		Code:       code,
		CodeHash:   checksum.SHA256String(code),
		State:      StateRunning,
		Events:     []Event{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, opt := range opts {
		opt(t)
	}

	r.mu.Lock()
	if _, exists := r.tasks[id]; exists {
		r.mu.Unlock()
		return Task{}, &DuplicateTaskError{TaskID: id}
	}
	r.tasks[id] = t
	r.order = append(r.order, id)
	snap := t.Clone()
	r.enqueueLocked(Change{Kind: ChangeCreated, TaskID: id, ToState: StateRunning, Task: snap, Timestamp: now})
	r.mu.Unlock()

	r.drain()
	return snap.Clone(), nil
}

// Restore inserts an already-finished task, typically loaded from history so
// it can be replayed. It does not re-run anything.
func (r *Registry) Restore(t Task) error {
	if !t.State.IsTerminal() {
		return fmt.Errorf("restore task %s: state %s is not terminal", t.ID, t.State)
	}

	restored := t.Clone()
	if restored.Events == nil {
		restored.Events = []Event{}
	}

	r.mu.Lock()
	if _, exists := r.tasks[t.ID]; exists {
		r.mu.Unlock()
		return &DuplicateTaskError{TaskID: t.ID}
	}
	r.tasks[t.ID] = &restored
	r.order = append(r.order, t.ID)
	snap := restored.Clone()
	r.enqueueLocked(Change{Kind: ChangeRestored, TaskID: t.ID, ToState: snap.State, Task: snap, Timestamp: r.now()})
	r.mu.Unlock()

	r.drain()
	return nil
}

// Get returns a snapshot of the task.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

// List returns snapshots of all tasks in creation order.
func (r *Registry) List() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Task, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.tasks[id].Clone())
	}
	return result
}

// Counts returns the number of tasks per state.
func (r *Registry) Counts() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[State]int, len(AllStates))
	for _, t := range r.tasks {
		counts[t.State]++
	}
	return counts
}

// ApplyTransition moves a task to a new state. Updates along edges that are
// not in the graph are rejected with a *TransitionError and leave the task
// untouched. Re-applying the current terminal state is a silent no-op.
func (r *Registry) ApplyTransition(id string, to State, payload Payload) error {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("apply %s to %s: %w", to, id, ErrTaskNotFound)
	}
	err := r.transitionLocked(t, to, payload)
	r.mu.Unlock()

	r.drain()
	return err
}

// ResolvePrompt moves a task from waiting_for_permission back to running,
// but only while answered is still its pending prompt. It reports whether
// the task moved. A task that has already resumed or is waiting on a newer
// prompt is left alone.
func (r *Registry) ResolvePrompt(id string, answered PermissionPrompt) (bool, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("resolve prompt of %s: %w", id, ErrTaskNotFound)
	}
	if t.State != StateWaitingForPermission || !samePrompt(t.PermissionPrompt, &answered) {
		r.mu.Unlock()
		return false, nil
	}
	err := r.transitionLocked(t, StateRunning, Payload{})
	r.mu.Unlock()

	r.drain()
	return err == nil, err
}

// transitionLocked must be called with r.mu held. Changes are queued for
// the caller to drain.
func (r *Registry) transitionLocked(t *Task, to State, payload Payload) error {
	id := t.ID
	from := t.State
	now := r.now()

	if from == to {
		if to != StateWaitingForPermission || payload.PermissionPrompt == nil || samePrompt(t.PermissionPrompt, payload.PermissionPrompt) {
			return nil
		}
		// A new prompt while already waiting replaces the outstanding one.
		p := *payload.PermissionPrompt
		t.PermissionPrompt = &p
		t.UpdatedAt = now
		r.enqueueLocked(Change{Kind: ChangePrompt, TaskID: id, FromState: from, ToState: to, Task: t.Clone(), Timestamp: now})
		return nil
	}

	if !IsValidTransition(from, to) {
		reason := "transition not allowed"
		if from.IsTerminal() {
			reason = "task already finished"
		}
		return &TransitionError{TaskID: id, FromState: from, ToState: to, Reason: reason}
	}

	if to == StateWaitingForPermission && payload.PermissionPrompt == nil {
		return &TransitionError{TaskID: id, FromState: from, ToState: to, Reason: "permission prompt is required"}
	}

	t.State = to
	t.UpdatedAt = now
	t.PermissionPrompt = nil

	switch to {
	case StateWaitingForPermission:
		p := *payload.PermissionPrompt
		t.PermissionPrompt = &p
	case StateCompleted:
		t.Result = payload.Result
	case StateError:
		t.Error = payload.Error
		if t.Error == "" {
			t.Error = "task failed"
		}
	}
	if to.IsTerminal() {
		finished := now
		t.FinishedAt = &finished
	}

	r.enqueueLocked(Change{Kind: ChangeTransitioned, TaskID: id, FromState: from, ToState: to, Task: t.Clone(), Timestamp: now})
	return nil
}

// AppendEvent records an event for a task. Events for finished tasks are
// dropped; appended reports whether the event was kept.
func (r *Registry) AppendEvent(id, name string, data any) (appended bool, err error) {
	r.mu.Lock()

	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("append event %s to %s: %w", name, id, ErrTaskNotFound)
	}
	if t.State.IsTerminal() {
		r.mu.Unlock()
		return false, nil
	}

	now := r.now()
	t.Events = append(t.Events, Event{Name: name, Data: data, ReceivedAt: now})
	t.UpdatedAt = now

	r.enqueueLocked(Change{Kind: ChangeEvent, TaskID: id, FromState: t.State, ToState: t.State, Task: t.Clone(), Timestamp: now})
	r.mu.Unlock()

	r.drain()
	return true, nil
}

// ClearEvents empties a task's event log without touching its state.
func (r *Registry) ClearEvents(id string) error {
	r.mu.Lock()

	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("clear events of %s: %w", id, ErrTaskNotFound)
	}

	t.Events = []Event{}
	now := r.now()
	t.UpdatedAt = now

	r.enqueueLocked(Change{Kind: ChangeEventsCleared, TaskID: id, FromState: t.State, ToState: t.State, Task: t.Clone(), Timestamp: now})
	r.mu.Unlock()

	r.drain()
	return nil
}

// enqueueLocked must be called with r.mu held. It stamps the change with a
// sequence number and queues it; the caller delivers it with drain after
// releasing r.mu.
func (r *Registry) enqueueLocked(change Change) {
	r.seq++
	change.Seq = r.seq
	r.pending = append(r.pending, change)
}

// drain delivers queued changes in sequence order. Only one goroutine
// delivers at a time; a mutation made while another goroutine is delivering
// (including one made by a watcher) is picked up by that goroutine.
func (r *Registry) drain() {
	for {
		if !r.notifyMu.TryLock() {
			return
		}
		for {
			r.mu.Lock()
			batch := r.pending
			r.pending = nil
			r.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, change := range batch {
				for _, w := range r.watchers {
					w(change)
				}
				r.publish(change)
			}
		}
		r.notifyMu.Unlock()

		// A change queued after the last empty check lost its TryLock race
		// against us; go around again so it is not stranded.
		r.mu.RLock()
		empty := len(r.pending) == 0
		r.mu.RUnlock()
		if empty {
			return
		}
	}
}

func samePrompt(a, b *PermissionPrompt) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// subscription is a per-task snapshot mailbox. Only the latest snapshot is
// kept when the reader falls behind, so a slow reader never blocks mutations.
type subscription struct {
	ch     chan Task
	done   chan struct{}
	after  uint64
	closed bool
}

// Subscribe returns a channel that receives the current snapshot followed by
// a snapshot after every later change to the task. The channel is closed
// after the terminal snapshot or when ctx is done. Do not call it from a
// Watcher.
func (r *Registry) Subscribe(ctx context.Context, id string) (<-chan Task, error) {
	r.notifyMu.Lock()
	defer func() {
		r.notifyMu.Unlock()
		// Changes queued while we held notifyMu may have lost their delivery race.
		r.drain()
	}()

	r.mu.RLock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("subscribe to %s: %w", id, ErrTaskNotFound)
	}
	snap := t.Clone()
	after := r.seq
	r.mu.RUnlock()

	sub := &subscription{ch: make(chan Task, 8), done: make(chan struct{}), after: after}
	sub.ch <- snap
	if snap.State.IsTerminal() {
		sub.closed = true
		close(sub.ch)
		return sub.ch, nil
	}

	if r.subs[id] == nil {
		r.subs[id] = make(map[*subscription]struct{})
	}
	r.subs[id][sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
			return
		}
		r.notifyMu.Lock()
		r.closeSubscription(id, sub)
		r.notifyMu.Unlock()
		r.drain()
	}()

	return sub.ch, nil
}

// closeSubscription must be called with notifyMu held.
func (r *Registry) closeSubscription(id string, sub *subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	close(sub.done)
	delete(r.subs[id], sub)
	if len(r.subs[id]) == 0 {
		delete(r.subs, id)
	}
}

// publish must be called with notifyMu held.
func (r *Registry) publish(change Change) {
	for sub := range r.subs[change.TaskID] {
		if change.Seq <= sub.after {
			// Already reflected in the snapshot handed out by Subscribe.
			continue
		}
		snap := change.Task.Clone()
		select {
		case sub.ch <- snap:
		default:
			// Reader is behind: drop the oldest snapshot. We are the only
			// sender, so a slot is free after the drain.
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- snap
		}
		if change.Task.State.IsTerminal() {
			r.closeSubscription(change.TaskID, sub)
		}
	}
}
