package testharness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iambrandonn/powblocks/internal/ndjson"
	"github.com/iambrandonn/powblocks/internal/protocol"
	"github.com/iambrandonn/powblocks/internal/task"
)

// Scripted actions understood by ScriptedRuntime.
const (
	// ActionEcho completes with the input map as its result.
	ActionEcho = "echo"
	// ActionSteps emits Input["steps"] (default 3) "progress" events and
	// completes with {"steps": n}.
	ActionSteps = "steps"
	// ActionFail ends in error with Input["message"] (default "boom").
	ActionFail = "fail"
	// ActionAsk raises a permission prompt for Input["api"] (default "net").
	// The prompt is unary unless Input["unary"] is "false". Allow and AllowAll
	// complete with {"granted": api}; Deny ends in error.
	ActionAsk = "ask"
	// ActionHang runs until cancelled.
	ActionHang = "hang"
)

// RejectMarker makes ScriptedRuntime reject a submission whose code contains it.
const RejectMarker = "SYNTAX ERROR"

// ScriptedRuntime is an in-process runtime speaking the NDJSON protocol on an
// arbitrary reader/writer pair. Behaviour is chosen by action name (see the
// Action constants); unknown actions complete with the action name as their
// result. Empty code and code containing RejectMarker are rejected at submit.
type ScriptedRuntime struct {
	HeartbeatInterval time.Duration
	DisableHeartbeat  bool

	// DisablePush suppresses state and event messages, leaving poll as the
	// only way to learn a result.
	DisablePush bool

	// StepDelay is the pause between script steps. Defaults to 10ms.
	StepDelay time.Duration

	// Overrides replaces the built-in behaviour of the actions it names.
	Overrides *Script

	in     io.Reader
	out    io.Writer
	logger zerolog.Logger

	mu           sync.Mutex
	encoder      *ndjson.Encoder
	tasks        map[string]*scriptedTask
	byKey        map[string]string
	nextID       int
	heartbeatSeq int64
	closing      bool
	status       protocol.HeartbeatStatus
	startTime    time.Time
	wg           sync.WaitGroup
}

type scriptedTask struct {
	id       string
	action   string
	input    map[string]string
	state    task.State
	result   json.RawMessage
	errText  string
	prompt   *task.PermissionPrompt
	cancel   chan struct{}
	once     sync.Once
	decision chan task.Decision
}

// NewScriptedRuntime creates a runtime reading requests from in and writing
// messages to out.
func NewScriptedRuntime(in io.Reader, out io.Writer, logger zerolog.Logger) *ScriptedRuntime {
	return &ScriptedRuntime{
		HeartbeatInterval: time.Second,
		StepDelay:         10 * time.Millisecond,
		in:                in,
		out:               out,
		logger:            logger,
		tasks:             make(map[string]*scriptedTask),
		byKey:             make(map[string]string),
		status:            protocol.HeartbeatStatusStarting,
		startTime:         time.Now(),
	}
}

// Run serves requests until in reaches EOF or ctx is done.
func (r *ScriptedRuntime) Run(ctx context.Context) error {
	internalCtx, internalCancel := context.WithCancel(ctx)
	defer internalCancel()

	r.mu.Lock()
	r.encoder = ndjson.NewEncoder(r.out, r.logger)
	r.mu.Unlock()
	decoder := ndjson.NewDecoder(r.in, r.logger)

	var wg sync.WaitGroup
	if !r.DisableHeartbeat {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.heartbeatLoop(internalCtx)
		}()
	}

	r.setStatus(protocol.HeartbeatStatusReady)
	if err := r.sendHeartbeat(); err != nil {
		return fmt.Errorf("failed to send initial heartbeat: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.processRequests(internalCtx, internalCancel, decoder)
	}()

	<-internalCtx.Done()

	r.setStatus(protocol.HeartbeatStatusStopping)
	_ = r.sendHeartbeat()

	// Nothing is written after this point; the reader may already be gone.
	r.mu.Lock()
	r.closing = true
	for _, t := range r.tasks {
		t.once.Do(func() { close(t.cancel) })
	}
	r.mu.Unlock()

	r.wg.Wait()
	wg.Wait()
	return nil
}

func (r *ScriptedRuntime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sendHeartbeat(); err != nil {
				r.logger.Error().Err(err).Msg("failed to send heartbeat")
			}
		}
	}
}

func (r *ScriptedRuntime) sendHeartbeat() error {
	r.mu.Lock()
	r.heartbeatSeq++
	seq := r.heartbeatSeq
	status := r.status
	r.mu.Unlock()

	return r.send(protocol.Heartbeat{
		Kind:    protocol.MessageKindHeartbeat,
		Seq:     seq,
		Status:  status,
		PID:     12345,
		UptimeS: time.Since(r.startTime).Seconds(),
	})
}

func (r *ScriptedRuntime) send(v any) error {
	r.mu.Lock()
	encoder := r.encoder
	closing := r.closing
	r.mu.Unlock()
	if closing {
		return nil
	}
	return encoder.Encode(v)
}

func (r *ScriptedRuntime) setStatus(status protocol.HeartbeatStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

func (r *ScriptedRuntime) processRequests(ctx context.Context, cancel context.CancelFunc, decoder *ndjson.Decoder) {
	for {
		msg, err := decoder.DecodeEnvelope()
		if errors.Is(err, io.EOF) {
			cancel()
			return
		}
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to decode message")
			if ctx.Err() != nil {
				return
			}
			continue
		}

		req, ok := msg.(*protocol.Request)
		if !ok {
			r.logger.Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("received non-request message")
			continue
		}

		resp := r.handle(ctx, req)
		resp.Kind = protocol.MessageKindResponse
		resp.MessageID = req.MessageID
		if err := r.send(resp); err != nil {
			r.logger.Error().Err(err).Msg("failed to send response")
		}
	}
}

func (r *ScriptedRuntime) handle(ctx context.Context, req *protocol.Request) protocol.Response {
	switch req.Op {
	case protocol.OpSubmit:
		return r.submit(ctx, req)
	case protocol.OpCancel:
		return r.cancelTask(req.TaskID)
	case protocol.OpDecide:
		return r.decide(req.TaskID, req.Decision)
	case protocol.OpPoll:
		return r.poll(req.TaskID)
	default:
		return protocol.Response{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func (r *ScriptedRuntime) submit(ctx context.Context, req *protocol.Request) protocol.Response {
	if strings.TrimSpace(req.Code) == "" {
		return protocol.Response{Error: "code is empty"}
	}
	if strings.Contains(req.Code, RejectMarker) {
		return protocol.Response{Error: "failed to compile code: " + RejectMarker}
	}

	r.mu.Lock()
	if id, ok := r.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		r.mu.Unlock()
		return protocol.Response{OK: true, TaskID: id}
	}
	r.nextID++
	t := &scriptedTask{
		id:       fmt.Sprintf("rt-%04d", r.nextID),
		action:   req.ActionName,
		input:    task.CopyInput(req.Input),
		state:    task.StateRunning,
		cancel:   make(chan struct{}),
		decision: make(chan task.Decision, 1),
	}
	r.tasks[t.id] = t
	if req.IdempotencyKey != "" {
		r.byKey[req.IdempotencyKey] = t.id
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.runTask(ctx, t)
	}()

	return protocol.Response{OK: true, TaskID: t.id}
}

func (r *ScriptedRuntime) cancelTask(id string) protocol.Response {
	r.mu.Lock()
	t, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return protocol.Response{Error: "unknown task " + id}
	}
	// Cancelling a finished task is accepted; cancellation is advisory.
	t.once.Do(func() { close(t.cancel) })
	return protocol.Response{OK: true, TaskID: id}
}

func (r *ScriptedRuntime) decide(id string, decision task.Decision) protocol.Response {
	r.mu.Lock()
	t, ok := r.tasks[id]
	var waiting bool
	if ok {
		waiting = t.state == task.StateWaitingForPermission
	}
	r.mu.Unlock()
	if !ok {
		return protocol.Response{Error: "unknown task " + id}
	}
	if !waiting {
		return protocol.Response{Error: "no pending permission prompt"}
	}
	select {
	case t.decision <- decision:
	default:
		return protocol.Response{Error: "decision already pending"}
	}
	return protocol.Response{OK: true, TaskID: id}
}

func (r *ScriptedRuntime) poll(id string) protocol.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return protocol.Response{Error: "unknown task " + id}
	}
	switch t.state {
	case task.StateCompleted:
		return protocol.Response{OK: true, TaskID: id, Result: t.result}
	case task.StateError:
		return protocol.Response{TaskID: id, Error: t.errText}
	case task.StateStopped:
		return protocol.Response{TaskID: id, Error: protocol.Stopped}
	default:
		return protocol.Response{TaskID: id, Error: protocol.StillRunning}
	}
}

func (r *ScriptedRuntime) runTask(ctx context.Context, t *scriptedTask) {
	r.setStatus(protocol.HeartbeatStatusBusy)
	defer r.setStatus(protocol.HeartbeatStatusReady)

	if script, ok := r.Overrides.lookup(t.action); ok {
		r.runScript(ctx, t, script)
		return
	}

	switch t.action {
	case ActionEcho:
		if r.pause(ctx, t) {
			r.finish(t, task.StateCompleted, mustJSON(t.input), "")
		}

	case ActionSteps:
		n := 3
		if s, err := strconv.Atoi(t.input["steps"]); err == nil && s >= 0 {
			n = s
		}
		for i := 1; i <= n; i++ {
			if !r.pause(ctx, t) {
				return
			}
			r.emit(t, "progress", map[string]int{"step": i, "of": n})
		}
		if r.pause(ctx, t) {
			r.finish(t, task.StateCompleted, mustJSON(map[string]int{"steps": n}), "")
		}

	case ActionFail:
		msg := t.input["message"]
		if msg == "" {
			msg = "boom"
		}
		if r.pause(ctx, t) {
			r.finish(t, task.StateError, nil, msg)
		}

	case ActionAsk:
		api := t.input["api"]
		if api == "" {
			api = "net"
		}
		if !r.pause(ctx, t) {
			return
		}
		prompt := &task.PermissionPrompt{
			Name:    strings.ToUpper(api[:1]) + api[1:] + " access",
			APIName: api,
			Message: fmt.Sprintf("The action wants to use %s", api),
			IsUnary: t.input["unary"] != "false",
		}
		r.setTaskState(t, task.StateWaitingForPermission, prompt)
		r.pushState(t, task.StateWaitingForPermission, nil, "", prompt)

		select {
		case d := <-t.decision:
			r.setTaskState(t, task.StateRunning, nil)
			r.pushState(t, task.StateRunning, nil, "", nil)
			if d == task.DecisionDeny {
				r.finish(t, task.StateError, nil, "permission denied: "+api)
				return
			}
			if r.pause(ctx, t) {
				r.finish(t, task.StateCompleted, mustJSON(map[string]string{"granted": api}), "")
			}
		case <-t.cancel:
			r.finish(t, task.StateStopped, nil, "")
		case <-ctx.Done():
		}

	case ActionHang:
		select {
		case <-t.cancel:
			r.finish(t, task.StateStopped, nil, "")
		case <-ctx.Done():
		}

	default:
		if r.pause(ctx, t) {
			r.finish(t, task.StateCompleted, mustJSON(t.action), "")
		}
	}
}

func (r *ScriptedRuntime) runScript(ctx context.Context, t *scriptedTask, script ActionScript) {
	step := r.StepDelay
	if script.DelayMs > 0 {
		step = time.Duration(script.DelayMs) * time.Millisecond
	}
	for _, e := range script.Events {
		if !r.pauseFor(ctx, t, step) {
			return
		}
		r.emit(t, e.Name, e.Data)
	}
	if !r.pauseFor(ctx, t, step) {
		return
	}
	if script.Error != "" {
		r.finish(t, task.StateError, nil, script.Error)
		return
	}
	result := script.Result
	if len(result) == 0 {
		result = mustJSON(nil)
	}
	r.finish(t, task.StateCompleted, result, "")
}

// pause waits one step. It returns false, after recording the task as
// stopped, when the task was cancelled.
func (r *ScriptedRuntime) pause(ctx context.Context, t *scriptedTask) bool {
	return r.pauseFor(ctx, t, r.StepDelay)
}

func (r *ScriptedRuntime) pauseFor(ctx context.Context, t *scriptedTask, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.cancel:
		r.finish(t, task.StateStopped, nil, "")
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *ScriptedRuntime) setTaskState(t *scriptedTask, state task.State, prompt *task.PermissionPrompt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.state = state
	t.prompt = prompt
}

func (r *ScriptedRuntime) finish(t *scriptedTask, state task.State, result json.RawMessage, errText string) {
	r.mu.Lock()
	t.state = state
	t.result = result
	t.errText = errText
	t.prompt = nil
	r.mu.Unlock()

	r.pushState(t, state, result, errText, nil)
}

func (r *ScriptedRuntime) pushState(t *scriptedTask, state task.State, result json.RawMessage, errText string, prompt *task.PermissionPrompt) {
	if r.DisablePush {
		return
	}
	err := r.send(protocol.StateUpdate{
		Kind:             protocol.MessageKindState,
		TaskID:           t.id,
		State:            state,
		Result:           result,
		Error:            errText,
		PermissionPrompt: prompt,
		OccurredAt:       time.Now().UTC(),
	})
	if err != nil {
		r.logger.Error().Err(err).Str("task_id", t.id).Msg("failed to push state")
	}
}

func (r *ScriptedRuntime) emit(t *scriptedTask, name string, data any) {
	if r.DisablePush {
		return
	}
	err := r.send(protocol.EventUpdate{
		Kind:       protocol.MessageKindEvent,
		TaskID:     t.id,
		EventName:  name,
		Data:       mustJSON(data),
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		r.logger.Error().Err(err).Str("task_id", t.id).Msg("failed to push event")
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
