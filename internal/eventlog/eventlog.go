// Package eventlog keeps the session journal: an append-only NDJSON file of
// the requests sent to the runtime and every change applied to a task.
package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/iambrandonn/powblocks/internal/ndjson"
	"github.com/iambrandonn/powblocks/internal/protocol"
	"github.com/iambrandonn/powblocks/internal/task"
)

// MessageKindTaskChange marks journal lines that record a task change.
const MessageKindTaskChange protocol.MessageKind = "task_change"

// TaskChange is the journal form of a task.Change.
type TaskChange struct {
	Kind             protocol.MessageKind   `json:"kind"`
	Seq              uint64                 `json:"seq"`
	Change           task.ChangeKind        `json:"change"`
	TaskID           string                 `json:"task_id"`
	From             task.State             `json:"from,omitempty"`
	To               task.State             `json:"to"`
	ActionName       string                 `json:"action_name,omitempty"`
	ReplayOf         string                 `json:"replay_of,omitempty"`
	Result           any                    `json:"result,omitempty"`
	Error            string                 `json:"error,omitempty"`
	PermissionPrompt *task.PermissionPrompt `json:"permission_prompt,omitempty"`
	EventName        string                 `json:"event_name,omitempty"`
	EventData        any                    `json:"event_data,omitempty"`
	Timestamp        time.Time              `json:"timestamp"`
}

// NewTaskChange converts a registry change into its journal form.
func NewTaskChange(c task.Change) *TaskChange {
	tc := &TaskChange{
		Kind:      MessageKindTaskChange,
		Seq:       c.Seq,
		Change:    c.Kind,
		TaskID:    c.TaskID,
		From:      c.FromState,
		To:        c.ToState,
		Timestamp: c.Timestamp,
	}
	switch c.Kind {
	case task.ChangeCreated, task.ChangeRestored:
		tc.ActionName = c.Task.ActionName
		tc.ReplayOf = c.Task.ReplayOf
	case task.ChangeTransitioned, task.ChangePrompt:
		tc.Result = c.Task.Result
		tc.Error = c.Task.Error
		tc.PermissionPrompt = c.Task.PermissionPrompt
	case task.ChangeEvent:
		if n := len(c.Task.Events); n > 0 {
			last := c.Task.Events[n-1]
			tc.EventName = last.Name
			tc.EventData = last.Data
		}
	}
	return tc
}

// EventLog writes journal lines to an NDJSON file.
type EventLog struct {
	path    string
	file    *os.File
	encoder *ndjson.Encoder
	logger  zerolog.Logger
	mu      sync.Mutex
}

// NewEventLog opens a journal for appending, creating its directory.
func NewEventLog(logPath string, logger zerolog.Logger) (*EventLog, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		path:    logPath,
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// Path returns the journal file path.
func (l *EventLog) Path() string {
	return l.path
}

// WriteRequest writes a runtime request to the log
func (l *EventLog) WriteRequest(req *protocol.Request) error {
	return l.write(req)
}

// WriteResponse writes the runtime's answer to a request
func (l *EventLog) WriteResponse(resp *protocol.Response) error {
	return l.write(resp)
}

// WriteChange writes a task change to the log
func (l *EventLog) WriteChange(change *TaskChange) error {
	return l.write(change)
}

func (l *EventLog) write(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("event log %s is closed", l.path)
	}
	return l.encoder.Encode(v)
}

// Watcher returns a task.Watcher that journals every change. Write failures
// are logged and otherwise ignored.
func (l *EventLog) Watcher() task.Watcher {
	return func(c task.Change) {
		if err := l.WriteChange(NewTaskChange(c)); err != nil {
			l.logger.Warn().Err(err).Str("task_id", c.TaskID).Msg("failed to journal task change")
		}
	}
}

// Close closes the event log file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
