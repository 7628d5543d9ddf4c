package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iambrandonn/powblocks/internal/ndjson"
	"github.com/iambrandonn/powblocks/internal/protocol"
	"github.com/iambrandonn/powblocks/internal/task"
)

// Conn is the client side of the NDJSON runtime protocol over any
// reader/writer pair. Requests are correlated with responses by message id;
// state and event messages are fanned out through a Hub. It implements
// Runtime and Streamer.
type Conn struct {
	encoder        *ndjson.Encoder
	hub            *Hub
	logger         zerolog.Logger
	requestTimeout time.Duration

	mu            sync.Mutex
	pending       map[string]chan *protocol.Response
	lastHeartbeat time.Time
	closed        chan struct{}
	closeOnce     sync.Once
}

// NewConn starts reading messages from r and returns a Conn that writes
// requests to w. The Conn closes when r reaches EOF.
func NewConn(r io.Reader, w io.Writer, requestTimeout time.Duration, logger zerolog.Logger) *Conn {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	c := &Conn{
		encoder:        ndjson.NewEncoder(w, logger),
		hub:            NewHub(),
		logger:         logger,
		requestTimeout: requestTimeout,
		pending:        make(map[string]chan *protocol.Response),
		lastHeartbeat:  time.Now(),
		closed:         make(chan struct{}),
	}
	go c.readLoop(ndjson.NewDecoder(r, logger))
	return c
}

// Done is closed once the connection stops reading.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// LastHeartbeat returns the time of the last received heartbeat
func (c *Conn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.hub.Close()
	})
}

// Submit implements Runtime.
func (c *Conn) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	resp, err := c.call(ctx, &protocol.Request{
		Op:             protocol.OpSubmit,
		ActionName:     req.ActionName,
		Input:          req.Input,
		Code:           req.Code,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return "", err
	}
	if !resp.OK {
		return "", &RequestError{Op: protocol.OpSubmit, Message: resp.Error}
	}
	if resp.TaskID == "" {
		return "", errors.New("runtime accepted submit without a task id")
	}
	return resp.TaskID, nil
}

// Cancel implements Runtime.
func (c *Conn) Cancel(ctx context.Context, taskID string) error {
	resp, err := c.call(ctx, &protocol.Request{Op: protocol.OpCancel, TaskID: taskID})
	if err != nil {
		return err
	}
	if !resp.OK {
		return &RequestError{Op: protocol.OpCancel, TaskID: taskID, Message: resp.Error}
	}
	return nil
}

// Decide implements Runtime.
func (c *Conn) Decide(ctx context.Context, taskID string, decision task.Decision) error {
	resp, err := c.call(ctx, &protocol.Request{Op: protocol.OpDecide, TaskID: taskID, Decision: decision})
	if err != nil {
		return err
	}
	if !resp.OK {
		return &RequestError{Op: protocol.OpDecide, TaskID: taskID, Message: resp.Error}
	}
	return nil
}

// Poll implements Runtime.
func (c *Conn) Poll(ctx context.Context, taskID string) (json.RawMessage, error) {
	resp, err := c.call(ctx, &protocol.Request{Op: protocol.OpPoll, TaskID: taskID})
	if err != nil {
		return nil, err
	}
	return pollResult(taskID, resp.OK, resp.Result, resp.Error)
}

// SubscribeState implements Streamer.
func (c *Conn) SubscribeState(ctx context.Context, taskID string) (<-chan StateUpdate, error) {
	return c.hub.SubscribeState(ctx, taskID)
}

// SubscribeEvents implements Streamer.
func (c *Conn) SubscribeEvents(ctx context.Context, taskID string) (<-chan EventUpdate, error) {
	return c.hub.SubscribeEvents(ctx, taskID)
}

// call sends a request and waits for the response with the same message id.
func (c *Conn) call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	req.Kind = protocol.MessageKindRequest
	req.MessageID = uuid.NewString()

	select {
	case <-c.closed:
		return nil, ErrNotRunning
	default:
	}

	reply := make(chan *protocol.Response, 1)
	c.mu.Lock()
	c.pending[req.MessageID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.MessageID)
		c.mu.Unlock()
	}()

	c.logger.Debug().
		Str("op", string(req.Op)).
		Str("task_id", req.TaskID).
		Str("message_id", req.MessageID).
		Msg("sending request")

	if err := c.encoder.Encode(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Op, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		return resp, nil
	case <-c.closed:
		return nil, fmt.Errorf("%s: %w", req.Op, ErrNotRunning)
	case <-timer.C:
		return nil, fmt.Errorf("%s: no response within %s", req.Op, c.requestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) readLoop(decoder *ndjson.Decoder) {
	defer c.close()

	for {
		msg, err := decoder.DecodeEnvelope()
		if errors.Is(err, io.EOF) {
			c.logger.Info().Msg("runtime output closed")
			return
		}
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to decode message from runtime")
			var readErr *ndjson.ReadError
			if errors.As(err, &readErr) {
				return
			}
			continue
		}

		switch v := msg.(type) {
		case *protocol.Response:
			c.mu.Lock()
			reply, ok := c.pending[v.MessageID]
			c.mu.Unlock()
			if !ok {
				c.logger.Warn().Str("message_id", v.MessageID).Msg("response for unknown request")
				continue
			}
			select {
			case reply <- v:
			default:
				c.logger.Warn().Str("message_id", v.MessageID).Msg("duplicate response dropped")
			}

		case *protocol.StateUpdate:
			c.hub.PublishState(*v)

		case *protocol.EventUpdate:
			c.hub.PublishEvent(*v)

		case *protocol.Heartbeat:
			c.mu.Lock()
			c.lastHeartbeat = time.Now()
			c.mu.Unlock()
			c.logger.Debug().
				Int64("seq", v.Seq).
				Str("status", string(v.Status)).
				Msg("received heartbeat")

		case *protocol.Log:
			c.forwardLog(v)

		default:
			c.logger.Warn().Str("msg_type", fmt.Sprintf("%T", msg)).Msg("unexpected message type from runtime")
		}
	}
}

func (c *Conn) forwardLog(l *protocol.Log) {
	var evt *zerolog.Event
	switch l.Level {
	case protocol.LogLevelDebug:
		evt = c.logger.Debug()
	case protocol.LogLevelWarn:
		evt = c.logger.Warn()
	case protocol.LogLevelError:
		evt = c.logger.Error()
	default:
		evt = c.logger.Info()
	}
	evt.Str("source", "runtime").Fields(l.Fields).Msg(l.Message)
}
