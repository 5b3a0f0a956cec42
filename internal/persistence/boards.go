package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Board struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Column struct {
	ID                 string    `json:"id"`
	BoardID            string    `json:"board_id"`
	Name               string    `json:"name"`
	Position           int       `json:"position"`
	MaxConcurrentTasks *int      `json:"max_concurrent_tasks,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Limit returns the column's concurrency limit. ok is false for
// unconstrained columns (no limit, or a limit <= 0).
func (c Column) Limit() (limit int, ok bool) {
	if c.MaxConcurrentTasks == nil || *c.MaxConcurrentTasks <= 0 {
		return 0, false
	}
	return *c.MaxConcurrentTasks, true
}

func (s *Store) CreateBoard(ctx context.Context, name string) (Board, error) {
	b := Board{ID: uuid.NewString(), Name: name, CreatedAt: now()}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO boards (id, name, created_at) VALUES (?, ?, ?);
		`, b.ID, b.Name, b.CreatedAt)
		return err
	})
	if err != nil {
		return Board{}, fmt.Errorf("insert board: %w", err)
	}
	return b, nil
}

func (s *Store) GetBoard(ctx context.Context, boardID string) (*Board, error) {
	var b Board
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM boards WHERE id = ?;
	`, boardID).Scan(&b.ID, &b.Name, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("board %s: %w", boardID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get board: %w", err)
	}
	return &b, nil
}

func (s *Store) ListBoards(ctx context.Context) ([]Board, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_at FROM boards ORDER BY created_at ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	var out []Board
	for rows.Next() {
		var b Board
		if err := rows.Scan(&b.ID, &b.Name, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteBoard removes a board and, by cascade, its columns, tasks and hooks.
func (s *Store) DeleteBoard(ctx context.Context, boardID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM boards WHERE id = ?;`, boardID)
	if err != nil {
		return fmt.Errorf("delete board: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("board %s: %w", boardID, ErrNotFound)
	}
	return nil
}

// CreateColumn appends a column to a board. A nil or non-positive limit
// leaves the column unconstrained.
func (s *Store) CreateColumn(ctx context.Context, boardID, name string, limit *int) (Column, error) {
	c := Column{ID: uuid.NewString(), BoardID: boardID, Name: name, MaxConcurrentTasks: limit, CreatedAt: now()}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(position) + 1, 0) FROM columns WHERE board_id = ?;
		`, boardID).Scan(&c.Position); err != nil {
			return fmt.Errorf("next column position: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO columns (id, board_id, name, position, max_concurrent_tasks, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, c.ID, c.BoardID, c.Name, c.Position, intOrNull(limit), c.CreatedAt)
		return err
	})
	if err != nil {
		return Column{}, fmt.Errorf("insert column: %w", err)
	}
	return c, nil
}

func scanColumn(scanFn func(dest ...any) error, c *Column) error {
	var limit sql.NullInt64
	if err := scanFn(&c.ID, &c.BoardID, &c.Name, &c.Position, &limit, &c.CreatedAt); err != nil {
		return err
	}
	c.MaxConcurrentTasks = nullInt(limit)
	return nil
}

func (s *Store) GetColumn(ctx context.Context, columnID string) (*Column, error) {
	var c Column
	err := scanColumn(s.db.QueryRowContext(ctx, `
		SELECT id, board_id, name, position, max_concurrent_tasks, created_at
		FROM columns WHERE id = ?;
	`, columnID).Scan, &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("column %s: %w", columnID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get column: %w", err)
	}
	return &c, nil
}

func (s *Store) ListColumns(ctx context.Context, boardID string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, name, position, max_concurrent_tasks, created_at
		FROM columns WHERE board_id = ? ORDER BY position ASC;
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	var out []Column
	for rows.Next() {
		var c Column
		if err := scanColumn(rows.Scan, &c); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetColumnLimit updates max_concurrent_tasks. nil clears the limit.
func (s *Store) SetColumnLimit(ctx context.Context, columnID string, limit *int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE columns SET max_concurrent_tasks = ? WHERE id = ?;
	`, intOrNull(limit), columnID)
	if err != nil {
		return fmt.Errorf("update column limit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("column %s: %w", columnID, ErrNotFound)
	}
	return nil
}
