// Package transcript renders task updates for the terminal.
package transcript

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/iambrandonn/powblocks/internal/eventlog"
	"github.com/iambrandonn/powblocks/internal/protocol"
	"github.com/iambrandonn/powblocks/internal/task"
)

var stateColors = map[task.State]lipgloss.Color{
	task.StateCompleted:            lipgloss.Color("2"),
	task.StateError:                lipgloss.Color("1"),
	task.StateStopped:              lipgloss.Color("3"),
	task.StateStopping:             lipgloss.Color("3"),
	task.StateWaitingForPermission: lipgloss.Color("208"),
	task.StateRunning:              lipgloss.Color("4"),
}

// Formatter formats task updates for console display
type Formatter struct {
	plain  bool
	states map[task.State]lipgloss.Style
	dim    lipgloss.Style
	bold   lipgloss.Style
}

// NewFormatter creates a formatter. Plain output carries no ANSI styling.
func NewFormatter(plain bool) *Formatter {
	f := &Formatter{
		plain:  plain,
		states: make(map[task.State]lipgloss.Style, len(stateColors)),
		dim:    lipgloss.NewStyle().Faint(true),
		bold:   lipgloss.NewStyle().Bold(true),
	}
	for s, c := range stateColors {
		f.states[s] = lipgloss.NewStyle().Foreground(c).Bold(true)
	}
	return f
}

func (f *Formatter) render(style lipgloss.Style, s string) string {
	if f.plain {
		return s
	}
	return style.Render(s)
}

// State renders a state name in its colour.
func (f *Formatter) State(s task.State) string {
	style, ok := f.states[s]
	if !ok {
		return string(s)
	}
	return f.render(style, string(s))
}

// FormatChange formats a registry change as one line.
func (f *Formatter) FormatChange(c task.Change) string {
	prefix := f.render(f.dim, "["+c.TaskID+"]")
	switch c.Kind {
	case task.ChangeCreated:
		line := fmt.Sprintf("%s %s %s", prefix, f.render(f.bold, c.Task.ActionName), f.State(c.ToState))
		if c.Task.ReplayOf != "" {
			line += f.render(f.dim, " (replay of "+c.Task.ReplayOf+")")
		}
		return line
	case task.ChangeRestored:
		return fmt.Sprintf("%s restored %s", prefix, f.State(c.ToState))
	case task.ChangeTransitioned:
		line := fmt.Sprintf("%s %s → %s", prefix, f.State(c.FromState), f.State(c.ToState))
		switch c.ToState {
		case task.StateCompleted:
			line += ": " + FormatValue(c.Task.Result)
		case task.StateError:
			line += ": " + c.Task.Error
		case task.StateWaitingForPermission:
			if c.Task.PermissionPrompt != nil {
				line += ": " + f.FormatPrompt(*c.Task.PermissionPrompt)
			}
		}
		return line
	case task.ChangePrompt:
		if c.Task.PermissionPrompt != nil {
			return fmt.Sprintf("%s new prompt: %s", prefix, f.FormatPrompt(*c.Task.PermissionPrompt))
		}
		return prefix + " new prompt"
	case task.ChangeEvent:
		if n := len(c.Task.Events); n > 0 {
			return prefix + " " + f.FormatEvent(c.Task.Events[n-1])
		}
		return prefix + " event"
	case task.ChangeEventsCleared:
		return prefix + " events cleared"
	default:
		return fmt.Sprintf("%s %s", prefix, c.Kind)
	}
}

// FormatEvent formats one task event.
func (f *Formatter) FormatEvent(e task.Event) string {
	if e.Data == nil {
		return f.render(f.bold, e.Name)
	}
	return fmt.Sprintf("%s %s", f.render(f.bold, e.Name), FormatValue(e.Data))
}

// FormatPrompt formats a permission prompt.
func (f *Formatter) FormatPrompt(p task.PermissionPrompt) string {
	s := fmt.Sprintf("%s wants %s", p.APIName, p.Name)
	if p.Message != "" {
		s += fmt.Sprintf(" (%s)", p.Message)
	}
	return s
}

// FormatTask formats a task summary for listings.
func (f *Formatter) FormatTask(t task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s  %-24s  %s", t.ID, t.ActionName, f.State(t.State))
	if t.FinishedAt != nil {
		fmt.Fprintf(&b, "  %s", f.render(f.dim, t.FinishedAt.Local().Format(time.DateTime)))
	}
	if t.ReplayOf != "" {
		fmt.Fprintf(&b, "  %s", f.render(f.dim, "replay of "+t.ReplayOf))
	}
	return b.String()
}

// FormatTaskDetail formats every field of a task.
func (f *Formatter) FormatTaskDetail(t task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", f.render(f.bold, "Task"), t.ID)
	fmt.Fprintf(&b, "  action:  %s\n", t.ActionName)
	fmt.Fprintf(&b, "  state:   %s\n", f.State(t.State))
	if len(t.Input) > 0 {
		keys := make([]string, 0, len(t.Input))
		for k := range t.Input {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("  input:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "    %s=%s\n", k, t.Input[k])
		}
	}
	if t.Result != nil {
		fmt.Fprintf(&b, "  result:  %s\n", FormatValue(t.Result))
	}
	if t.Error != "" {
		fmt.Fprintf(&b, "  error:   %s\n", t.Error)
	}
	if t.ReplayOf != "" {
		fmt.Fprintf(&b, "  replay of: %s\n", t.ReplayOf)
	}
	fmt.Fprintf(&b, "  code:    %s\n", t.CodeHash)
	if len(t.Events) > 0 {
		fmt.Fprintf(&b, "  events (%d):\n", len(t.Events))
		for _, e := range t.Events {
			fmt.Fprintf(&b, "    %s\n", f.FormatEvent(e))
		}
	}
	return b.String()
}

// FormatRequest formats a journaled runtime request.
func (f *Formatter) FormatRequest(req *protocol.Request) string {
	target := req.TaskID
	if req.Op == protocol.OpSubmit {
		target = req.ActionName
	}
	line := fmt.Sprintf("→ %s %s", req.Op, target)
	if req.Decision != "" {
		line += " " + string(req.Decision)
	}
	return line
}

// FormatResponse formats a journaled runtime response.
func (f *Formatter) FormatResponse(resp *protocol.Response) string {
	if !resp.OK {
		return f.render(f.states[task.StateError], "← failed") + " " + resp.Error
	}
	line := "← ok"
	if resp.TaskID != "" {
		line += " " + resp.TaskID
	}
	if len(resp.Result) > 0 {
		line += " " + FormatValue(protocol.DecodeResult(resp.Result))
	}
	return line
}

// FormatJournalChange formats a journaled task change.
func (f *Formatter) FormatJournalChange(c *eventlog.TaskChange) string {
	prefix := f.render(f.dim, "["+c.TaskID+"]")
	switch c.Change {
	case task.ChangeCreated:
		return fmt.Sprintf("%s %s %s", prefix, f.render(f.bold, c.ActionName), f.State(c.To))
	case task.ChangeEvent:
		return prefix + " " + f.FormatEvent(task.Event{Name: c.EventName, Data: c.EventData})
	case task.ChangeTransitioned:
		line := fmt.Sprintf("%s %s → %s", prefix, f.State(c.From), f.State(c.To))
		switch {
		case c.Error != "":
			line += ": " + c.Error
		case c.Result != nil:
			line += ": " + FormatValue(c.Result)
		case c.PermissionPrompt != nil:
			line += ": " + f.FormatPrompt(*c.PermissionPrompt)
		}
		return line
	default:
		return fmt.Sprintf("%s %s %s", prefix, c.Change, f.State(c.To))
	}
}

// FormatValue renders a decoded JSON value compactly. Strings are shown
// without quotes.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
