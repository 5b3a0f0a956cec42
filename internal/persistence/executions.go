package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-lanes/internal/bus"
	"github.com/basket/go-lanes/internal/shared"
	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionSkipped   ExecutionStatus = "skipped"
)

// Terminal reports whether no further transition is allowed from s.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionSkipped:
		return true
	}
	return false
}

// SkipReason explains a cancelled or skipped execution.
type SkipReason string

const (
	SkipReasonError         SkipReason = "error"
	SkipReasonDisabled      SkipReason = "disabled"
	SkipReasonColumnChange  SkipReason = "column_change"
	SkipReasonServerRestart SkipReason = "server_restart"
	SkipReasonUserCancelled SkipReason = "user_cancelled"
)

var allowedTransitions = map[ExecutionStatus]map[ExecutionStatus]struct{}{
	ExecutionPending: {
		ExecutionRunning:   {},
		ExecutionCancelled: {},
		ExecutionSkipped:   {},
	},
	ExecutionRunning: {
		ExecutionCompleted: {},
		ExecutionFailed:    {},
		ExecutionCancelled: {},
	},
}

var activeStatuses = []ExecutionStatus{ExecutionPending, ExecutionRunning}

func canTransition(from, to ExecutionStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// HookExecution is one attempt to run a hook for a task in a column.
type HookExecution struct {
	ID                 string          `json:"id"`
	TaskID             string          `json:"task_id"`
	HookID             string          `json:"hook_id"`
	HookName           string          `json:"hook_name"`
	TriggeringColumnID string          `json:"triggering_column_id"`
	Status             ExecutionStatus `json:"status"`
	QueuedAt           time.Time       `json:"queued_at"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	SkipReason         SkipReason      `json:"skip_reason,omitempty"`
	Settings           map[string]any  `json:"hook_settings"`
}

// QueueParams describes a new pending execution.
type QueueParams struct {
	TaskID   string
	HookID   string
	HookName string
	ColumnID string
	Settings map[string]any
}

const executionColumns = `id, task_id, hook_id, hook_name, triggering_column_id, status, queued_at, started_at, completed_at, error_message, skip_reason, hook_settings`

func scanExecution(scanFn func(dest ...any) error, e *HookExecution) error {
	var started, completed sql.NullTime
	var errMsg, skip sql.NullString
	var settings string
	if err := scanFn(
		&e.ID,
		&e.TaskID,
		&e.HookID,
		&e.HookName,
		&e.TriggeringColumnID,
		&e.Status,
		&e.QueuedAt,
		&started,
		&completed,
		&errMsg,
		&skip,
		&settings,
	); err != nil {
		return err
	}
	e.StartedAt = nullTime(started)
	e.CompletedAt = nullTime(completed)
	e.ErrorMessage = errMsg.String
	e.SkipReason = SkipReason(skip.String)
	e.Settings = map[string]any{}
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &e.Settings); err != nil {
			return fmt.Errorf("decode settings snapshot: %w", err)
		}
	}
	return nil
}

// QueueExecution creates a pending execution with a snapshot of the
// binding's settings.
func (s *Store) QueueExecution(ctx context.Context, p QueueParams) (*HookExecution, error) {
	if p.Settings == nil {
		p.Settings = map[string]any{}
	}
	settings, err := json.Marshal(p.Settings)
	if err != nil {
		return nil, fmt.Errorf("encode settings snapshot: %w", err)
	}
	e := &HookExecution{
		ID:                 uuid.NewString(),
		TaskID:             p.TaskID,
		HookID:             p.HookID,
		HookName:           p.HookName,
		TriggeringColumnID: p.ColumnID,
		Status:             ExecutionPending,
		QueuedAt:           now(),
		Settings:           p.Settings,
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO hook_executions (id, task_id, hook_id, hook_name, triggering_column_id, status, queued_at, hook_settings)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, e.ID, e.TaskID, e.HookID, e.HookName, e.TriggeringColumnID, e.Status, e.QueuedAt, string(settings))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert hook execution: %w", err)
	}
	s.publishTransition(e, "")
	return e, nil
}

// StartExecution moves pending -> running.
func (s *Store) StartExecution(ctx context.Context, id string) (*HookExecution, error) {
	return s.transition(ctx, id, ExecutionRunning, transitionFields{startedAt: true})
}

// CompleteExecution moves running -> completed and clears any error.
func (s *Store) CompleteExecution(ctx context.Context, id string) (*HookExecution, error) {
	return s.transition(ctx, id, ExecutionCompleted, transitionFields{completedAt: true, clearError: true})
}

// FailExecution moves running -> failed. The message is redacted and
// truncated before it is stored.
func (s *Store) FailExecution(ctx context.Context, id, message string) (*HookExecution, error) {
	msg := shared.Truncate(shared.Redact(message), int(s.maxErrorLength.Load()))
	return s.transition(ctx, id, ExecutionFailed, transitionFields{completedAt: true, errorMessage: &msg})
}

// CancelExecution moves pending or running -> cancelled.
func (s *Store) CancelExecution(ctx context.Context, id string, reason SkipReason) (*HookExecution, error) {
	return s.transition(ctx, id, ExecutionCancelled, transitionFields{completedAt: true, skipReason: reason})
}

// SkipExecution moves pending -> skipped.
func (s *Store) SkipExecution(ctx context.Context, id string, reason SkipReason) (*HookExecution, error) {
	return s.transition(ctx, id, ExecutionSkipped, transitionFields{completedAt: true, skipReason: reason})
}

type transitionFields struct {
	startedAt    bool
	completedAt  bool
	clearError   bool
	errorMessage *string
	skipReason   SkipReason
}

func (s *Store) transition(ctx context.Context, id string, to ExecutionStatus, f transitionFields) (*HookExecution, error) {
	var from ExecutionStatus
	var out HookExecution
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current ExecutionStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM hook_executions WHERE id = ?;`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("hook execution %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("select execution for transition: %w", err)
		}
		if !canTransition(current, to) {
			return fmt.Errorf("%s -> %s: %w", current, to, ErrInvalidTransition)
		}

		ts := now()
		errValue := sql.NullString{}
		if f.errorMessage != nil {
			errValue = sql.NullString{Valid: true, String: *f.errorMessage}
		}
		skipValue := sql.NullString{Valid: f.skipReason != "", String: string(f.skipReason)}

		res, err := tx.ExecContext(ctx, `
			UPDATE hook_executions
			SET status = ?,
				started_at = CASE WHEN ? THEN ? ELSE started_at END,
				completed_at = CASE WHEN ? THEN ? ELSE completed_at END,
				error_message = CASE WHEN ? THEN NULL WHEN ? THEN ? ELSE error_message END,
				skip_reason = CASE WHEN ? THEN ? ELSE skip_reason END
			WHERE id = ? AND status = ?;
		`, to,
			f.startedAt, ts,
			f.completedAt, ts,
			f.clearError, errValue.Valid, errValue.String,
			skipValue.Valid, skipValue.String,
			id, current)
		if err != nil {
			return fmt.Errorf("update execution transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("%s -> %s: %w", current, to, ErrInvalidTransition)
		}
		from = current
		return scanExecution(tx.QueryRowContext(ctx, `
			SELECT `+executionColumns+` FROM hook_executions WHERE id = ?;
		`, id).Scan, &out)
	})
	if err != nil {
		return nil, err
	}
	s.publishTransition(&out, from)
	return &out, nil
}

func (s *Store) publishTransition(e *HookExecution, from ExecutionStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicExecutionPrefix+string(e.Status), bus.ExecutionStatusChanged{
		TaskID:      e.TaskID,
		ExecutionID: e.ID,
		HookID:      e.HookID,
		HookName:    e.HookName,
		ColumnID:    e.TriggeringColumnID,
		From:        string(from),
		To:          string(e.Status),
		SkipReason:  string(e.SkipReason),
		Error:       e.ErrorMessage,
		At:          now(),
	})
}

func (s *Store) GetExecution(ctx context.Context, id string) (*HookExecution, error) {
	var e HookExecution
	err := scanExecution(s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM hook_executions WHERE id = ?;
	`, id).Scan, &e)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("hook execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get hook execution: %w", err)
	}
	return &e, nil
}

func (s *Store) queryExecutions(ctx context.Context, query string, args ...any) ([]HookExecution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query hook executions: %w", err)
	}
	defer rows.Close()

	var out []HookExecution
	for rows.Next() {
		var e HookExecution
		if err := scanExecution(rows.Scan, &e); err != nil {
			return nil, fmt.Errorf("scan hook execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ActiveExecutionsForTask returns the task's pending and running executions.
func (s *Store) ActiveExecutionsForTask(ctx context.Context, taskID string) ([]HookExecution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM hook_executions
		WHERE task_id = ? AND status IN (?, ?)
		ORDER BY queued_at ASC, rowid ASC;
	`, taskID, activeStatuses[0], activeStatuses[1])
}

// ExecutionHistoryForTask returns the task's executions, most recently
// queued first. limit <= 0 returns everything.
func (s *Store) ExecutionHistoryForTask(ctx context.Context, taskID string, limit int) ([]HookExecution, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM hook_executions
		WHERE task_id = ?
		ORDER BY queued_at DESC, rowid DESC
		LIMIT ?;
	`, taskID, limit)
}

// ExecutionsForTaskAndColumn returns the executions triggered by columnID,
// oldest first.
func (s *Store) ExecutionsForTaskAndColumn(ctx context.Context, taskID, columnID string) ([]HookExecution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM hook_executions
		WHERE task_id = ? AND triggering_column_id = ?
		ORDER BY queued_at ASC, rowid ASC;
	`, taskID, columnID)
}

// ActiveExecutionsForTaskAndColumn returns pending and running executions
// triggered by columnID.
func (s *Store) ActiveExecutionsForTaskAndColumn(ctx context.Context, taskID, columnID string) ([]HookExecution, error) {
	return s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM hook_executions
		WHERE task_id = ? AND triggering_column_id = ? AND status IN (?, ?)
		ORDER BY queued_at ASC, rowid ASC;
	`, taskID, columnID, activeStatuses[0], activeStatuses[1])
}

// CancelActiveForTask cancels every active execution of the task (scoped to
// columnID when non-empty). Executions that finish concurrently are
// skipped over.
func (s *Store) CancelActiveForTask(ctx context.Context, taskID, columnID string, reason SkipReason) (int, error) {
	var active []HookExecution
	var err error
	if columnID == "" {
		active, err = s.ActiveExecutionsForTask(ctx, taskID)
	} else {
		active, err = s.ActiveExecutionsForTaskAndColumn(ctx, taskID, columnID)
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range active {
		if _, err := s.CancelExecution(ctx, e.ID, reason); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// CancelAllActive cancels every pending or running execution in the
// database. Used at startup to close out work left by a previous process.
func (s *Store) CancelAllActive(ctx context.Context, reason SkipReason) (int, error) {
	active, err := s.queryExecutions(ctx, `
		SELECT `+executionColumns+` FROM hook_executions
		WHERE status IN (?, ?)
		ORDER BY queued_at ASC, rowid ASC;
	`, activeStatuses[0], activeStatuses[1])
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range active {
		if _, err := s.CancelExecution(ctx, e.ID, reason); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// PruneExecutions deletes terminal executions that completed before cutoff.
func (s *Store) PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM hook_executions
			WHERE status IN (?, ?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?;
		`, ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionSkipped, cutoff.UTC())
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune hook executions: %w", err)
	}
	return n, nil
}
