package testharness

import (
	"encoding/json"
	"fmt"
	"os"
)

// Script overrides ScriptedRuntime behaviour for named actions, so a
// mockruntime can be pointed at a JSON file instead of the built-in actions.
type Script struct {
	Actions map[string]ActionScript `json:"actions"`
}

// ActionScript describes how a task of one action plays out: its events in
// order, then a result or an error.
type ActionScript struct {
	Events  []EventTemplate `json:"events,omitempty"`
	DelayMs int             `json:"delay_ms,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EventTemplate is one event emitted by a scripted action.
type EventTemplate struct {
	Name string `json:"name"`
	Data any    `json:"data,omitempty"`
}

// LoadScript reads a script from the provided path.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	var script Script
	if err := json.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("parse script JSON: %w", err)
	}

	if len(script.Actions) == 0 {
		return nil, fmt.Errorf("script has no actions defined")
	}
	for name, a := range script.Actions {
		if a.Error != "" && len(a.Result) > 0 {
			return nil, fmt.Errorf("action %q: result and error are exclusive", name)
		}
		for i, e := range a.Events {
			if e.Name == "" {
				return nil, fmt.Errorf("action %q: events[%d]: name is required", name, i)
			}
		}
	}

	return &script, nil
}

func (s *Script) lookup(action string) (ActionScript, bool) {
	if s == nil {
		return ActionScript{}, false
	}
	a, ok := s.Actions[action]
	return a, ok
}
