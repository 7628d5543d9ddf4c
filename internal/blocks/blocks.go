// Package blocks stores the code blocks a user has generated: a title, a
// code snapshot and the actions the code exports.
package blocks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iambrandonn/powblocks/internal/db"
)

// Block repository errors.
var (
	ErrBlockNotFound      = errors.New("block not found")
	ErrBlockAlreadyExists = errors.New("block with this title already exists")
	ErrActionNotFound     = errors.New("action not found")
)

// Action is an entry point exported by a block's code.
type Action struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Block is a stored code snapshot.
type Block struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Code        string    `json:"code"`
	Actions     []Action  `json:"actions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the fields a block needs to be runnable.
func (b *Block) Validate() error {
	if strings.TrimSpace(b.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if strings.TrimSpace(b.Code) == "" {
		return fmt.Errorf("code is required")
	}
	seen := make(map[string]bool, len(b.Actions))
	for i, a := range b.Actions {
		if a.Name == "" {
			return fmt.Errorf("actions[%d]: name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("actions[%d]: duplicate action %q", i, a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// Action resolves the action to run. An empty name picks the only action
// when there is exactly one.
func (b *Block) Action(name string) (Action, error) {
	if name == "" {
		if len(b.Actions) == 1 {
			return b.Actions[0], nil
		}
		return Action{}, fmt.Errorf("block %q has %d actions; choose one: %w", b.Title, len(b.Actions), ErrActionNotFound)
	}
	for _, a := range b.Actions {
		if a.Name == name {
			return a, nil
		}
	}
	return Action{}, fmt.Errorf("block %q has no action %q: %w", b.Title, name, ErrActionNotFound)
}

// Store handles block persistence.
type Store struct {
	db *db.DB
}

// NewStore creates a Store over a migrated database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Create adds a block, assigning its id and timestamps.
func (s *Store) Create(ctx context.Context, b *Block) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	actionsJSON, err := marshalActions(b.Actions)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO blocks (id, title, description, code, actions_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID,
		b.Title,
		b.Description,
		b.Code,
		actionsJSON,
		b.CreatedAt.Format(time.RFC3339Nano),
		b.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if db.IsUniqueConstraintError(err) {
			return ErrBlockAlreadyExists
		}
		return fmt.Errorf("failed to insert block: %w", err)
	}
	return nil
}

// Get retrieves a block by id.
func (s *Store) Get(ctx context.Context, id string) (*Block, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, code, actions_json, created_at, updated_at
		FROM blocks WHERE id = ?
	`, id)
	return scanBlock(row)
}

// GetByTitle retrieves a block by its exact title.
func (s *Store) GetByTitle(ctx context.Context, title string) (*Block, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, code, actions_json, created_at, updated_at
		FROM blocks WHERE title = ?
	`, title)
	return scanBlock(row)
}

// Update replaces a block's fields and bumps its UpdatedAt.
func (s *Store) Update(ctx context.Context, b *Block) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}
	actionsJSON, err := marshalActions(b.Actions)
	if err != nil {
		return err
	}
	b.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE blocks SET title = ?, description = ?, code = ?, actions_json = ?, updated_at = ?
		WHERE id = ?
	`,
		b.Title,
		b.Description,
		b.Code,
		actionsJSON,
		b.UpdatedAt.Format(time.RFC3339Nano),
		b.ID,
	)
	if err != nil {
		if db.IsUniqueConstraintError(err) {
			return ErrBlockAlreadyExists
		}
		return fmt.Errorf("failed to update block: %w", err)
	}
	return requireRow(result)
}

// Delete removes a block.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete block: %w", err)
	}
	return requireRow(result)
}

// List returns every block ordered by title.
func (s *Store) List(ctx context.Context) ([]*Block, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, code, actions_json, created_at, updated_at
		FROM blocks ORDER BY title
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrBlockNotFound
	}
	return nil
}

func marshalActions(actions []Action) (string, error) {
	if actions == nil {
		actions = []Action{}
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return "", fmt.Errorf("failed to marshal actions: %w", err)
	}
	return string(data), nil
}

func scanBlock(scanner interface{ Scan(...any) error }) (*Block, error) {
	var (
		b           Block
		actionsJSON string
		createdAt   string
		updatedAt   string
	)
	if err := scanner.Scan(&b.ID, &b.Title, &b.Description, &b.Code, &actionsJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBlockNotFound
		}
		return nil, fmt.Errorf("failed to scan block: %w", err)
	}
	if err := json.Unmarshal([]byte(actionsJSON), &b.Actions); err != nil {
		return nil, fmt.Errorf("failed to parse actions of block %s: %w", b.ID, err)
	}

	var err error
	if b.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if b.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &b, nil
}
