package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Task struct {
	ID       string `json:"id"`
	BoardID  string `json:"board_id"`
	ColumnID string `json:"column_id"`
	Position int    `json:"position"`
	Title    string `json:"title"`
	// Priority is the task's own priority; it seeds QueuePriority when the
	// task is queued for a limited column.
	Priority      int        `json:"priority"`
	InProgress    bool       `json:"in_progress"`
	QueuedAt      *time.Time `json:"queued_at,omitempty"`
	QueuePriority int        `json:"queue_priority"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// QueuedTask is a queue entry reconstructed from the task records.
type QueuedTask struct {
	TaskID   string
	QueuedAt time.Time
	Priority int
}

const taskColumns = `id, board_id, column_id, position, title, priority, in_progress, queued_at, queue_priority, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, t *Task) error {
	var queuedAt sql.NullTime
	if err := scanFn(
		&t.ID,
		&t.BoardID,
		&t.ColumnID,
		&t.Position,
		&t.Title,
		&t.Priority,
		&t.InProgress,
		&queuedAt,
		&t.QueuePriority,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return err
	}
	t.QueuedAt = nullTime(queuedAt)
	return nil
}

// CreateTask places a new task at the end of columnID.
func (s *Store) CreateTask(ctx context.Context, boardID, columnID, title string) (Task, error) {
	ts := now()
	t := Task{ID: uuid.NewString(), BoardID: boardID, ColumnID: columnID, Title: title, CreatedAt: ts, UpdatedAt: ts}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(position) + 1, 0) FROM tasks WHERE column_id = ?;
		`, columnID).Scan(&t.Position); err != nil {
			return fmt.Errorf("next task position: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, board_id, column_id, position, title, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.BoardID, t.ColumnID, t.Position, t.Title, t.CreatedAt, t.UpdatedAt)
		return err
	})
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ?;
	`, taskID).Scan, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTasks returns a board's tasks ordered by column then position.
func (s *Store) ListTasks(ctx context.Context, boardID string) ([]Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE board_id = ? ORDER BY column_id, position;
	`, boardID)
}

// ListAllTasks returns every task on every board.
func (s *Store) ListAllTasks(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks ORDER BY board_id, column_id, position;
	`)
}

// MoveTask persists a column move. Admission fields are left to the
// column semaphores.
func (s *Store) MoveTask(ctx context.Context, taskID, columnID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var pos int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(position) + 1, 0) FROM tasks WHERE column_id = ?;
		`, columnID).Scan(&pos); err != nil {
			return fmt.Errorf("next task position: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET column_id = ?, position = ?, updated_at = ? WHERE id = ?;
		`, columnID, pos, now(), taskID)
		if err != nil {
			return fmt.Errorf("move task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil
	})
}

// SetTaskPriority updates the task's own priority.
func (s *Store) SetTaskPriority(ctx context.Context, taskID string, priority int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET priority = ?, updated_at = ? WHERE id = ?;
	`, priority, now(), taskID)
	if err != nil {
		return fmt.Errorf("set task priority: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// The methods below mirror column semaphore decisions. The semaphore actor
// of the task's column is their only caller.

// MarkTaskRunning records that the task holds a slot in its column.
func (s *Store) MarkTaskRunning(ctx context.Context, taskID string) error {
	return s.updateSlot(ctx, `
		UPDATE tasks SET in_progress = 1, queued_at = NULL, queue_priority = 0, updated_at = ? WHERE id = ?;
	`, now(), taskID)
}

// MarkTaskQueued records that the task waits for a slot.
func (s *Store) MarkTaskQueued(ctx context.Context, taskID string, queuedAt time.Time, priority int) error {
	return s.updateSlot(ctx, `
		UPDATE tasks SET in_progress = 0, queued_at = ?, queue_priority = ?, updated_at = ? WHERE id = ?;
	`, queuedAt.UTC(), priority, now(), taskID)
}

// SetQueuePriority updates the priority of a queued task.
func (s *Store) SetQueuePriority(ctx context.Context, taskID string, priority int) error {
	return s.updateSlot(ctx, `
		UPDATE tasks SET queue_priority = ?, updated_at = ? WHERE id = ?;
	`, priority, now(), taskID)
}

// ClearTaskSlot records that the task neither runs nor waits.
func (s *Store) ClearTaskSlot(ctx context.Context, taskID string) error {
	return s.updateSlot(ctx, `
		UPDATE tasks SET in_progress = 0, queued_at = NULL, queue_priority = 0, updated_at = ? WHERE id = ?;
	`, now(), taskID)
}

func (s *Store) updateSlot(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// ColumnSlots reconstructs a column semaphore's state: the running task ids
// and the queue ordered by priority then arrival.
func (s *Store) ColumnSlots(ctx context.Context, columnID string) (running []string, queued []QueuedTask, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE column_id = ? AND in_progress = 1 ORDER BY updated_at ASC, id ASC;
	`, columnID)
	if err != nil {
		return nil, nil, fmt.Errorf("query running tasks: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan running task: %w", err)
		}
		running = append(running, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, queued_at, queue_priority FROM tasks
		WHERE column_id = ? AND queued_at IS NOT NULL
		ORDER BY queue_priority DESC, queued_at ASC, id ASC;
	`, columnID)
	if err != nil {
		return nil, nil, fmt.Errorf("query queued tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var q QueuedTask
		if err := rows.Scan(&q.TaskID, &q.QueuedAt, &q.Priority); err != nil {
			return nil, nil, fmt.Errorf("scan queued task: %w", err)
		}
		queued = append(queued, q)
	}
	return running, queued, rows.Err()
}

// ActiveSlotTasks lists tasks that were running or queued anywhere.
func (s *Store) ActiveSlotTasks(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE in_progress = 1 OR queued_at IS NOT NULL
		ORDER BY queue_priority DESC, queued_at ASC, id ASC;
	`)
}
