package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/iambrandonn/powblocks/internal/logging"
	"github.com/iambrandonn/powblocks/internal/protocol"
	"github.com/iambrandonn/powblocks/internal/task"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	// BaseURL of the runtime service, e.g. "http://localhost:8790". Required.
	BaseURL string

	// APIKey is sent as X-API-Key when set.
	APIKey string

	// RequestTimeout bounds each non-streaming request.
	// Defaults to 30 seconds.
	RequestTimeout time.Duration

	// ReconnectDelay is the initial delay before reconnecting a dropped stream.
	// Defaults to 1 second.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the stream reconnect backoff.
	// Defaults to 30 seconds.
	MaxReconnectDelay time.Duration

	// HTTPClient is optional. Streams never use a client-level timeout.
	HTTPClient *http.Client
}

// HTTPClient calls a runtime service over HTTP. Requests carry JSON bodies;
// state and event updates arrive as Server-Sent Events. It implements Runtime
// and Streamer and is safe for concurrent use.
//
//	POST /tasks                 {action_name,input,code,idempotency_key} -> {task_id}
//	POST /tasks/{id}/cancel
//	POST /tasks/{id}/decision   {decision}
//	GET  /tasks/{id}/result     -> {result} | {error}
//	GET  /tasks/{id}/states     text/event-stream of state messages
//	GET  /tasks/{id}/events     text/event-stream of event messages
type HTTPClient struct {
	config HTTPConfig
	client *http.Client
	stream *http.Client
	logger zerolog.Logger
}

// NewHTTPClient returns a client for the configured runtime service.
func NewHTTPClient(config HTTPConfig) (*HTTPClient, error) {
	if config.BaseURL == "" {
		return nil, errors.New("runtime base URL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid runtime base URL: %w", err)
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = time.Second
	}
	if config.MaxReconnectDelay <= 0 {
		config.MaxReconnectDelay = 30 * time.Second
	}

	stream := config.HTTPClient
	if stream == nil {
		stream = &http.Client{}
	}
	client := &http.Client{
		Transport:     stream.Transport,
		CheckRedirect: stream.CheckRedirect,
		Jar:           stream.Jar,
		Timeout:       config.RequestTimeout,
	}

	return &HTTPClient{
		config: config,
		client: client,
		stream: &http.Client{Transport: stream.Transport, CheckRedirect: stream.CheckRedirect, Jar: stream.Jar},
		logger: logging.Component("runtime-http"),
	}, nil
}

type apiBody struct {
	TaskID string          `json:"task_id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// apiError is a non-2xx answer from the runtime service.
type apiError struct {
	method  string
	path    string
	status  int
	message string
}

func (e *apiError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("runtime %s %s: %s", e.method, e.path, e.message)
	}
	return fmt.Sprintf("runtime %s %s: status %d", e.method, e.path, e.status)
}

func (c *HTTPClient) do(ctx context.Context, client *http.Client, method, path string, body any, accept string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}
	return client.Do(req)
}

// doJSON performs a request and decodes the JSON answer. A non-2xx status is
// returned as *apiError; the decoded body is returned either way.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any) (apiBody, error) {
	var out apiBody
	resp, err := c.do(ctx, c.client, method, path, body, "application/json")
	if err != nil {
		return out, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return out, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return out, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" && len(data) > 0 && !json.Valid(data) {
			msg = strings.TrimSpace(string(data))
		}
		return out, &apiError{method: method, path: path, status: resp.StatusCode, message: msg}
	}
	return out, nil
}

// rejected converts a 4xx answer into a *RequestError; other failures are
// returned unchanged so callers can treat them as communication errors.
func rejected(op protocol.Op, taskID string, err error) error {
	var ae *apiError
	if errors.As(err, &ae) && ae.status >= 400 && ae.status < 500 {
		msg := ae.message
		if msg == "" {
			msg = http.StatusText(ae.status)
		}
		return &RequestError{Op: op, TaskID: taskID, Message: msg}
	}
	return err
}

func taskPath(taskID, suffix string) string {
	return "/tasks/" + url.PathEscape(taskID) + suffix
}

// Submit implements Runtime.
func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body := map[string]any{
		"action_name":     req.ActionName,
		"input":           req.Input,
		"code":            req.Code,
		"idempotency_key": req.IdempotencyKey,
	}
	out, err := c.doJSON(ctx, http.MethodPost, "/tasks", body)
	if err != nil {
		return "", rejected(protocol.OpSubmit, "", err)
	}
	if out.Error != "" {
		return "", &RequestError{Op: protocol.OpSubmit, Message: out.Error}
	}
	if out.TaskID == "" {
		return "", errors.New("runtime accepted submit without a task id")
	}
	return out.TaskID, nil
}

// Cancel implements Runtime.
func (c *HTTPClient) Cancel(ctx context.Context, taskID string) error {
	_, err := c.doJSON(ctx, http.MethodPost, taskPath(taskID, "/cancel"), nil)
	return rejected(protocol.OpCancel, taskID, err)
}

// Decide implements Runtime.
func (c *HTTPClient) Decide(ctx context.Context, taskID string, decision task.Decision) error {
	_, err := c.doJSON(ctx, http.MethodPost, taskPath(taskID, "/decision"), map[string]string{"decision": string(decision)})
	return rejected(protocol.OpDecide, taskID, err)
}

// Poll implements Runtime. Any answer carrying an error other than the
// still-running sentinel is a task failure; only transport problems are
// returned as plain errors.
func (c *HTTPClient) Poll(ctx context.Context, taskID string) (json.RawMessage, error) {
	out, err := c.doJSON(ctx, http.MethodGet, taskPath(taskID, "/result"), nil)
	var ae *apiError
	switch {
	case err == nil:
		return pollResult(taskID, out.Error == "", out.Result, out.Error)
	case errors.As(err, &ae):
		msg := ae.message
		if msg == "" {
			msg = fmt.Sprintf("status %d", ae.status)
		}
		return pollResult(taskID, false, nil, msg)
	default:
		return nil, err
	}
}

// SubscribeState implements Streamer. The stream reconnects with backoff
// until a terminal state arrives or ctx is done.
func (c *HTTPClient) SubscribeState(ctx context.Context, taskID string) (<-chan StateUpdate, error) {
	out := make(chan StateUpdate, 16)
	go func() {
		defer close(out)
		c.streamLoop(ctx, taskID, "/states", func(data []byte) bool {
			var u StateUpdate
			if err := json.Unmarshal(data, &u); err != nil {
				c.logger.Warn().Err(err).Str("task_id", taskID).Msg("invalid state message")
				return false
			}
			if u.TaskID == "" {
				u.TaskID = taskID
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return true
			}
			return u.State.IsTerminal()
		})
	}()
	return out, nil
}

// SubscribeEvents implements Streamer. The stream ends when the server
// closes it cleanly or ctx is done.
func (c *HTTPClient) SubscribeEvents(ctx context.Context, taskID string) (<-chan EventUpdate, error) {
	out := make(chan EventUpdate, 16)
	go func() {
		defer close(out)
		c.streamLoop(ctx, taskID, "/events", func(data []byte) bool {
			var u EventUpdate
			if err := json.Unmarshal(data, &u); err != nil {
				c.logger.Warn().Err(err).Str("task_id", taskID).Msg("invalid event message")
				return false
			}
			if u.TaskID == "" {
				u.TaskID = taskID
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return true
			}
			return false
		})
	}()
	return out, nil
}

// errStreamDone means the handler saw the last message it needs.
var errStreamDone = errors.New("stream done")

// streamLoop runs one SSE connection at a time with exponential backoff.
// handle returns true to end the subscription. A clean close ends the
// events stream; the state stream only ends on a terminal state.
func (c *HTTPClient) streamLoop(ctx context.Context, taskID, suffix string, handle func([]byte) bool) {
	delay := c.config.ReconnectDelay
	path := taskPath(taskID, suffix)

	for {
		err := c.streamOnce(ctx, path, handle)
		if errors.Is(err, errStreamDone) || ctx.Err() != nil {
			return
		}
		if err == nil {
			if suffix == "/events" {
				return
			}
			err = errors.New("connection closed")
		}
		var ae *apiError
		if errors.As(err, &ae) && ae.status == http.StatusNotFound {
			c.logger.Warn().Str("task_id", taskID).Str("path", path).Msg("runtime does not know task, giving up stream")
			return
		}

		c.logger.Warn().
			Err(err).
			Str("task_id", taskID).
			Dur("retry_in", delay).
			Msg("runtime stream failed, will retry")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.config.MaxReconnectDelay {
			delay = c.config.MaxReconnectDelay
		}
	}
}

func (c *HTTPClient) streamOnce(ctx context.Context, path string, handle func([]byte) bool) error {
	resp, err := c.do(ctx, c.stream, http.MethodGet, path, nil, "text/event-stream")
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &apiError{method: http.MethodGet, path: path, status: resp.StatusCode}
	}

	return readSSE(ctx, resp.Body, func(_ string, data []byte) bool {
		return handle(data)
	})
}

// readSSE parses a text/event-stream body, calling fn once per dispatched
// event. It returns errStreamDone when fn returns true and nil on EOF.
func readSSE(ctx context.Context, body io.Reader, fn func(event string, data []byte) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventType string
	var dataLines []string

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()

		// Empty line means end of event
		if line == "" {
			if len(dataLines) > 0 {
				if fn(eventType, []byte(strings.Join(dataLines, "\n"))) {
					return errStreamDone
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// id:, retry: and comments are ignored
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}
