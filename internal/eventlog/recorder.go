package eventlog

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/iambrandonn/powblocks/internal/protocol"
	"github.com/iambrandonn/powblocks/internal/runtime"
	"github.com/iambrandonn/powblocks/internal/task"
)

// Record wraps rt so every request and its outcome are journaled. Polls
// that only report the task still running are not journaled. The result
// implements runtime.Streamer exactly when rt does.
func Record(rt runtime.Runtime, log *EventLog) runtime.Runtime {
	r := &recorder{rt: rt, log: log}
	if s, ok := rt.(runtime.Streamer); ok {
		return &streamingRecorder{recorder: r, Streamer: s}
	}
	return r
}

type recorder struct {
	rt  runtime.Runtime
	log *EventLog
}

type streamingRecorder struct {
	*recorder
	runtime.Streamer
}

func (r *recorder) request(req *protocol.Request) {
	req.Kind = protocol.MessageKindRequest
	req.MessageID = uuid.NewString()
	if err := r.log.WriteRequest(req); err != nil {
		r.log.logger.Warn().Err(err).Str("op", string(req.Op)).Msg("failed to journal request")
	}
}

func (r *recorder) response(req *protocol.Request, taskID string, result json.RawMessage, err error) {
	resp := &protocol.Response{
		Kind:      protocol.MessageKindResponse,
		MessageID: req.MessageID,
		OK:        err == nil,
		TaskID:    taskID,
		Result:    result,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	if werr := r.log.WriteResponse(resp); werr != nil {
		r.log.logger.Warn().Err(werr).Str("op", string(req.Op)).Msg("failed to journal response")
	}
}

func (r *recorder) Submit(ctx context.Context, sr runtime.SubmitRequest) (string, error) {
	req := &protocol.Request{
		Op:             protocol.OpSubmit,
		ActionName:     sr.ActionName,
		Input:          sr.Input,
		Code:           sr.Code,
		IdempotencyKey: sr.IdempotencyKey,
	}
	r.request(req)
	id, err := r.rt.Submit(ctx, sr)
	r.response(req, id, nil, err)
	return id, err
}

func (r *recorder) Cancel(ctx context.Context, taskID string) error {
	req := &protocol.Request{Op: protocol.OpCancel, TaskID: taskID}
	r.request(req)
	err := r.rt.Cancel(ctx, taskID)
	r.response(req, taskID, nil, err)
	return err
}

func (r *recorder) Decide(ctx context.Context, taskID string, decision task.Decision) error {
	req := &protocol.Request{Op: protocol.OpDecide, TaskID: taskID, Decision: decision}
	r.request(req)
	err := r.rt.Decide(ctx, taskID, decision)
	r.response(req, taskID, nil, err)
	return err
}

func (r *recorder) Poll(ctx context.Context, taskID string) (json.RawMessage, error) {
	raw, err := r.rt.Poll(ctx, taskID)
	if errors.Is(err, runtime.ErrStillRunning) {
		return raw, err
	}
	req := &protocol.Request{Op: protocol.OpPoll, TaskID: taskID}
	r.request(req)
	r.response(req, taskID, raw, err)
	return raw, err
}
