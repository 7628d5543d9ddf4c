package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/iambrandonn/powblocks/internal/ndjson"
	"github.com/iambrandonn/powblocks/internal/protocol"
	"github.com/iambrandonn/powblocks/internal/task"
)

// Journal is a parsed event log with all messages categorized
type Journal struct {
	Requests  []*protocol.Request
	Responses []*protocol.Response
	Changes   []*TaskChange
}

// Read reads and parses an NDJSON journal file
func Read(path string) (*Journal, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	journal := &Journal{
		Requests:  make([]*protocol.Request, 0),
		Responses: make([]*protocol.Response, 0),
		Changes:   make([]*TaskChange, 0),
	}

	scanner := bufio.NewScanner(file)
	// Lines can be as large as the NDJSON protocol limit; the default
	// scanner buffer is only 64 KiB.
	buf := make([]byte, ndjson.MaxMessageSize)
	scanner.Buffer(buf, ndjson.MaxMessageSize+1)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var envelope struct {
			Kind protocol.MessageKind `json:"kind"`
		}
		if err := json.Unmarshal(line, &envelope); err != nil {
			return nil, fmt.Errorf("line %d: failed to parse envelope: %w", lineNum, err)
		}

		switch envelope.Kind {
		case protocol.MessageKindRequest:
			var req protocol.Request
			if err := json.Unmarshal(line, &req); err != nil {
				return nil, fmt.Errorf("line %d: failed to parse request: %w", lineNum, err)
			}
			journal.Requests = append(journal.Requests, &req)

		case protocol.MessageKindResponse:
			var resp protocol.Response
			if err := json.Unmarshal(line, &resp); err != nil {
				return nil, fmt.Errorf("line %d: failed to parse response: %w", lineNum, err)
			}
			journal.Responses = append(journal.Responses, &resp)

		case MessageKindTaskChange:
			var change TaskChange
			if err := json.Unmarshal(line, &change); err != nil {
				return nil, fmt.Errorf("line %d: failed to parse task change: %w", lineNum, err)
			}
			journal.Changes = append(journal.Changes, &change)

		default:
			return nil, fmt.Errorf("line %d: unknown message kind: %s", lineNum, envelope.Kind)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading journal: %w", err)
	}
	return journal, nil
}

// FinalStates returns the last recorded state of every task.
func (j *Journal) FinalStates() map[string]task.State {
	states := make(map[string]task.State)
	for _, c := range j.Changes {
		states[c.TaskID] = c.To
	}
	return states
}

// Unfinished returns the tasks whose last recorded state is not terminal,
// in the order they first appear. These were still running when the
// session ended.
func (j *Journal) Unfinished() []string {
	states := j.FinalStates()
	seen := make(map[string]bool)
	var ids []string
	for _, c := range j.Changes {
		if seen[c.TaskID] {
			continue
		}
		seen[c.TaskID] = true
		if !states[c.TaskID].IsTerminal() {
			ids = append(ids, c.TaskID)
		}
	}
	return ids
}

// ResponseFor returns the response correlated with a request.
func (j *Journal) ResponseFor(messageID string) (*protocol.Response, bool) {
	for _, r := range j.Responses {
		if r.MessageID == messageID {
			return r, true
		}
	}
	return nil, false
}

// TaskChanges returns the recorded changes of one task in order.
func (j *Journal) TaskChanges(taskID string) []*TaskChange {
	var out []*TaskChange
	for _, c := range j.Changes {
		if c.TaskID == taskID {
			out = append(out, c)
		}
	}
	return out
}
