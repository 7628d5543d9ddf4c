// Package protocol defines the messages exchanged with an execution runtime.
// The subprocess runtime speaks them as NDJSON on stdin/stdout; the HTTP
// runtime uses the same shapes as request and response bodies.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/iambrandonn/powblocks/internal/task"
)

// MessageKind represents the envelope type
type MessageKind string

const (
	MessageKindRequest   MessageKind = "request"
	MessageKindResponse  MessageKind = "response"
	MessageKindState     MessageKind = "state"
	MessageKindEvent     MessageKind = "event"
	MessageKindHeartbeat MessageKind = "heartbeat"
	MessageKindLog       MessageKind = "log"
)

// Op is the operation a request asks the runtime to perform.
type Op string

const (
	// OpSubmit starts an action against a code snapshot and returns its task id.
	OpSubmit Op = "submit"
	// OpCancel asks the runtime to stop a task. Cancellation is advisory.
	OpCancel Op = "cancel"
	// OpDecide delivers the user's answer to an outstanding permission prompt.
	OpDecide Op = "decide"
	// OpPoll asks for the final result of a task.
	OpPoll Op = "poll"
)

// Poll sentinels. StillRunning is the error text a runtime returns from poll
// while the task has not finished; it is not a failure. Stopped reports that
// the task ended because it was cancelled.
const (
	StillRunning = "Task still running"
	Stopped      = "Task stopped"
)

// Request is sent from powblocks to the runtime
type Request struct {
	Kind           MessageKind       `json:"kind"`
	MessageID      string            `json:"message_id"`
	Op             Op                `json:"op"`
	TaskID         string            `json:"task_id,omitempty"`
	ActionName     string            `json:"action_name,omitempty"`
	Input          map[string]string `json:"input,omitempty"`
	Code           string            `json:"code,omitempty"`
	Decision       task.Decision     `json:"decision,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// Response answers exactly one Request, matched by MessageID.
type Response struct {
	Kind      MessageKind     `json:"kind"`
	MessageID string          `json:"message_id"`
	OK        bool            `json:"ok"`
	TaskID    string          `json:"task_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// StateUpdate is pushed by the runtime whenever a task changes state.
type StateUpdate struct {
	Kind             MessageKind            `json:"kind"`
	TaskID           string                 `json:"task_id"`
	State            task.State             `json:"state"`
	Result           json.RawMessage        `json:"result,omitempty"`
	Error            string                 `json:"error,omitempty"`
	PermissionPrompt *task.PermissionPrompt `json:"permission_prompt,omitempty"`
	OccurredAt       time.Time              `json:"occurred_at"`
}

// EventUpdate is a named event emitted by a running action.
type EventUpdate struct {
	Kind       MessageKind     `json:"kind"`
	TaskID     string          `json:"task_id"`
	EventName  string          `json:"event_name"`
	Data       json.RawMessage `json:"data,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// HeartbeatStatus represents runtime health status
type HeartbeatStatus string

const (
	HeartbeatStatusStarting HeartbeatStatus = "starting"
	HeartbeatStatusReady    HeartbeatStatus = "ready"
	HeartbeatStatusBusy     HeartbeatStatus = "busy"
	HeartbeatStatusStopping HeartbeatStatus = "stopping"
)

// Heartbeat is sent by the runtime for liveness
type Heartbeat struct {
	Kind    MessageKind     `json:"kind"`
	Seq     int64           `json:"seq"`
	Status  HeartbeatStatus `json:"status"`
	PID     int             `json:"pid"`
	UptimeS float64         `json:"uptime_s"`
}

// LogLevel represents log severity
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Log is a diagnostic message
type Log struct {
	Kind      MessageKind    `json:"kind"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// DecodeResult turns a raw result payload into a Go value. Payloads that are
// not valid JSON are kept as their raw text.
func DecodeResult(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
