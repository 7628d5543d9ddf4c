package runtime

import (
	"context"
	"sync"
)

const (
	// maxBacklog bounds the updates held for a task nobody has subscribed to yet.
	maxBacklog = 256
	// maxBacklogTasks bounds how many tasks may hold a backlog at once.
	maxBacklogTasks = 1024
)

// Hub fans pushed updates out to per-task subscribers. Updates that arrive
// before anyone subscribes to their task are held (bounded) and handed to the
// first subscriber, so a task that finishes between Submit and Subscribe
// still reports its terminal state. Publishing never blocks on a reader.
type Hub struct {
	mu     sync.Mutex
	closed bool
	states map[string]map[*mailbox[StateUpdate]]struct{}
	events map[string]map[*mailbox[EventUpdate]]struct{}

	stateBacklog backlog[StateUpdate]
	eventBacklog backlog[EventUpdate]
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		states:       make(map[string]map[*mailbox[StateUpdate]]struct{}),
		events:       make(map[string]map[*mailbox[EventUpdate]]struct{}),
		stateBacklog: newBacklog[StateUpdate](),
		eventBacklog: newBacklog[EventUpdate](),
	}
}

// PublishState delivers a state update to the task's subscribers.
func (h *Hub) PublishState(u StateUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	subs := h.states[u.TaskID]
	if len(subs) == 0 {
		h.stateBacklog.add(u.TaskID, u)
		return
	}
	for m := range subs {
		m.push(u)
	}
}

// PublishEvent delivers an event to the task's subscribers.
func (h *Hub) PublishEvent(u EventUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	subs := h.events[u.TaskID]
	if len(subs) == 0 {
		h.eventBacklog.add(u.TaskID, u)
		return
	}
	for m := range subs {
		m.push(u)
	}
}

// SubscribeState implements Streamer.
func (h *Hub) SubscribeState(ctx context.Context, taskID string) (<-chan StateUpdate, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrNotRunning
	}
	m := newMailbox[StateUpdate]()
	for _, u := range h.stateBacklog.take(taskID) {
		m.push(u)
	}
	if h.states[taskID] == nil {
		h.states[taskID] = make(map[*mailbox[StateUpdate]]struct{})
	}
	h.states[taskID][m] = struct{}{}
	go m.pump(ctx, func() {
		h.mu.Lock()
		delete(h.states[taskID], m)
		if len(h.states[taskID]) == 0 {
			delete(h.states, taskID)
		}
		h.mu.Unlock()
	})
	return m.out, nil
}

// SubscribeEvents implements Streamer.
func (h *Hub) SubscribeEvents(ctx context.Context, taskID string) (<-chan EventUpdate, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrNotRunning
	}
	m := newMailbox[EventUpdate]()
	for _, u := range h.eventBacklog.take(taskID) {
		m.push(u)
	}
	if h.events[taskID] == nil {
		h.events[taskID] = make(map[*mailbox[EventUpdate]]struct{})
	}
	h.events[taskID][m] = struct{}{}
	go m.pump(ctx, func() {
		h.mu.Lock()
		delete(h.events[taskID], m)
		if len(h.events[taskID]) == 0 {
			delete(h.events, taskID)
		}
		h.mu.Unlock()
	})
	return m.out, nil
}

// Close flushes queued updates to current subscribers and then closes their
// channels. Later subscriptions fail with ErrNotRunning.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.states {
		for m := range subs {
			m.finish()
		}
	}
	for _, subs := range h.events {
		for m := range subs {
			m.finish()
		}
	}
}

// mailbox is an unbounded queue drained into out by a pump goroutine.
type mailbox[T any] struct {
	mu       sync.Mutex
	queue    []T
	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	out      chan T
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan T, 16),
	}
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	m.queue = append(m.queue, v)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) finish() {
	m.doneOnce.Do(func() { close(m.done) })
}

func (m *mailbox[T]) pump(ctx context.Context, onExit func()) {
	defer onExit()
	defer close(m.out)

	finishing := false
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, v := range batch {
			select {
			case m.out <- v:
			case <-ctx.Done():
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if finishing {
			return
		}

		select {
		case <-m.wake:
		case <-m.done:
			// Deliver whatever is still queued, then close.
			finishing = true
		case <-ctx.Done():
			return
		}
	}
}

// backlog holds updates per task id, evicting the oldest task when full.
type backlog[T any] struct {
	items map[string][]T
	order []string
}

func newBacklog[T any]() backlog[T] {
	return backlog[T]{items: make(map[string][]T)}
}

func (b *backlog[T]) add(taskID string, v T) {
	existing, ok := b.items[taskID]
	if !ok {
		if len(b.order) >= maxBacklogTasks {
			oldest := b.order[0]
			b.order = b.order[1:]
			delete(b.items, oldest)
		}
		b.order = append(b.order, taskID)
	}
	if len(existing) >= maxBacklog {
		existing = existing[1:]
	}
	b.items[taskID] = append(existing, v)
}

func (b *backlog[T]) take(taskID string) []T {
	items, ok := b.items[taskID]
	if !ok {
		return nil
	}
	delete(b.items, taskID)
	for i, id := range b.order {
		if id == taskID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return items
}
