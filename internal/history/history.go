// Package history persists finished tasks so they can be listed and
// replayed after the session that ran them has ended.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iambrandonn/powblocks/internal/db"
	"github.com/iambrandonn/powblocks/internal/task"
)

// saveTimeout bounds a save made from a registry watcher.
const saveTimeout = 5 * time.Second

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store reads and writes finished tasks.
type Store struct {
	db     *db.DB
	logger zerolog.Logger
}

// NewStore creates a Store over a migrated database.
func NewStore(database *db.DB, logger zerolog.Logger) *Store {
	return &Store{db: database, logger: logger}
}

// Save records a finished task, replacing any earlier record with its id.
func (s *Store) Save(ctx context.Context, t task.Task) error {
	if !t.State.IsTerminal() {
		return fmt.Errorf("save task %s: state %s is not terminal", t.ID, t.State)
	}

	inputJSON, err := json.Marshal(task.CopyInput(t.Input))
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}
	events := t.Events
	if events == nil {
		events = []task.Event{}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	var resultJSON *string
	if t.Result != nil {
		data, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		value := string(data)
		resultJSON = &value
	}

	finishedAt := t.UpdatedAt
	if t.FinishedAt != nil {
		finishedAt = *t.FinishedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_history (
			id, action_name, input_json, code, code_hash,
			state, result_json, error, events_json, replay_of,
			created_at, updated_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			action_name = excluded.action_name,
			input_json = excluded.input_json,
			code = excluded.code,
			code_hash = excluded.code_hash,
			state = excluded.state,
			result_json = excluded.result_json,
			error = excluded.error,
			events_json = excluded.events_json,
			replay_of = excluded.replay_of,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at
	`,
		t.ID,
		t.ActionName,
		string(inputJSON),
		t.Code,
		t.CodeHash,
		string(t.State),
		resultJSON,
		nullString(t.Error),
		string(eventsJSON),
		nullString(t.ReplayOf),
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
		formatTime(finishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", t.ID, err)
	}
	return nil
}

const selectColumns = `
	id, action_name, input_json, code, code_hash,
	state, result_json, error, events_json, replay_of,
	created_at, updated_at, finished_at`

// Get returns a recorded task. A missing task is reported with an error
// matching task.ErrTaskNotFound.
func (s *Store) Get(ctx context.Context, id string) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM task_history WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fmt.Errorf("history has no task %s: %w", id, task.ErrTaskNotFound)
	}
	return t, err
}

// List returns up to limit tasks, most recently finished first. A limit of
// zero or less returns every task.
func (s *Store) List(ctx context.Context, limit int) ([]task.Task, error) {
	query := `SELECT ` + selectColumns + ` FROM task_history ORDER BY finished_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task history: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Watcher returns a task.Watcher that saves every task when it finishes.
// Failures are logged; they never affect the task.
func (s *Store) Watcher() task.Watcher {
	return func(c task.Change) {
		if c.Kind != task.ChangeTransitioned || !c.ToState.IsTerminal() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := s.Save(ctx, c.Task); err != nil {
			s.logger.Error().Err(err).Str("task_id", c.TaskID).Msg("failed to record task history")
			return
		}
		s.logger.Debug().Str("task_id", c.TaskID).Str("state", string(c.ToState)).Msg("task recorded")
	}
}

func scanTask(scanner interface{ Scan(...any) error }) (task.Task, error) {
	var (
		t          task.Task
		inputJSON  string
		state      string
		resultJSON sql.NullString
		errText    sql.NullString
		eventsJSON string
		replayOf   sql.NullString
		createdAt  string
		updatedAt  string
		finishedAt string
	)
	if err := scanner.Scan(
		&t.ID,
		&t.ActionName,
		&inputJSON,
		&t.Code,
		&t.CodeHash,
		&state,
		&resultJSON,
		&errText,
		&eventsJSON,
		&replayOf,
		&createdAt,
		&updatedAt,
		&finishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Task{}, err
		}
		return task.Task{}, fmt.Errorf("failed to scan task: %w", err)
	}

	t.State = task.State(state)
	t.Error = errText.String
	t.ReplayOf = replayOf.String
	if err := json.Unmarshal([]byte(inputJSON), &t.Input); err != nil {
		return task.Task{}, fmt.Errorf("failed to parse input of %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(eventsJSON), &t.Events); err != nil {
		return task.Task{}, fmt.Errorf("failed to parse events of %s: %w", t.ID, err)
	}
	if resultJSON.Valid {
		if err := json.Unmarshal([]byte(resultJSON.String), &t.Result); err != nil {
			return task.Task{}, fmt.Errorf("failed to parse result of %s: %w", t.ID, err)
		}
	}

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return task.Task{}, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return task.Task{}, err
	}
	finished, err := parseTime(finishedAt)
	if err != nil {
		return task.Task{}, err
	}
	t.FinishedAt = &finished
	return t, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
