package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HookKind classifies custom hooks.
type HookKind string

const (
	HookKindScript HookKind = "script"
	HookKindAgent  HookKind = "agent"
)

// HookRecord is a board-scoped custom hook.
type HookRecord struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"board_id"`
	Name      string    `json:"name"`
	Kind      HookKind  `json:"kind"`
	Command   string    `json:"command,omitempty"`
	Prompt    string    `json:"prompt,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ColumnHook binds a hook to a column at a position in its chain.
type ColumnHook struct {
	ID          string         `json:"id"`
	ColumnID    string         `json:"column_id"`
	HookID      string         `json:"hook_id"`
	Position    int            `json:"position"`
	ExecuteOnce bool           `json:"execute_once"`
	Transparent bool           `json:"transparent"`
	Removable   bool           `json:"removable"`
	Settings    map[string]any `json:"hook_settings"`
	CreatedAt   time.Time      `json:"created_at"`
}

// TargetColumnID returns hook_settings.target_column_id when set.
func (b ColumnHook) TargetColumnID() (string, bool) {
	v, ok := b.Settings["target_column_id"].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

const hookColumns = `id, board_id, name, kind, command, prompt, enabled, created_at, updated_at`

func scanHook(scanFn func(dest ...any) error, h *HookRecord) error {
	return scanFn(&h.ID, &h.BoardID, &h.Name, &h.Kind, &h.Command, &h.Prompt, &h.Enabled, &h.CreatedAt, &h.UpdatedAt)
}

func (s *Store) CreateHook(ctx context.Context, h HookRecord) (HookRecord, error) {
	if h.Kind != HookKindScript && h.Kind != HookKindAgent {
		return HookRecord{}, fmt.Errorf("unknown hook kind %q", h.Kind)
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	ts := now()
	h.CreatedAt, h.UpdatedAt = ts, ts
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO hooks (`+hookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, h.ID, h.BoardID, h.Name, h.Kind, h.Command, h.Prompt, boolToInt(h.Enabled), h.CreatedAt, h.UpdatedAt)
		return err
	})
	if err != nil {
		return HookRecord{}, fmt.Errorf("insert hook: %w", err)
	}
	return h, nil
}

func (s *Store) GetHook(ctx context.Context, hookID string) (*HookRecord, error) {
	var h HookRecord
	err := scanHook(s.db.QueryRowContext(ctx, `
		SELECT `+hookColumns+` FROM hooks WHERE id = ?;
	`, hookID).Scan, &h)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("hook %s: %w", hookID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get hook: %w", err)
	}
	return &h, nil
}

// ListHooks returns a board's custom hooks sorted by name.
func (s *Store) ListHooks(ctx context.Context, boardID string) ([]HookRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+hookColumns+` FROM hooks WHERE board_id = ? ORDER BY name ASC, id ASC;
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list hooks: %w", err)
	}
	defer rows.Close()

	var out []HookRecord
	for rows.Next() {
		var h HookRecord
		if err := scanHook(rows.Scan, &h); err != nil {
			return nil, fmt.Errorf("scan hook: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) SetHookEnabled(ctx context.Context, hookID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE hooks SET enabled = ?, updated_at = ? WHERE id = ?;
	`, boolToInt(enabled), now(), hookID)
	if err != nil {
		return fmt.Errorf("update hook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("hook %s: %w", hookID, ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteHook(ctx context.Context, hookID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM hooks WHERE id = ?;`, hookID)
	if err != nil {
		return fmt.Errorf("delete hook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("hook %s: %w", hookID, ErrNotFound)
	}
	return nil
}

// AddColumnHook appends a binding to the end of a column's chain. The
// binding's Position is assigned.
func (s *Store) AddColumnHook(ctx context.Context, b ColumnHook) (ColumnHook, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Settings == nil {
		b.Settings = map[string]any{}
	}
	settings, err := json.Marshal(b.Settings)
	if err != nil {
		return ColumnHook{}, fmt.Errorf("encode hook settings: %w", err)
	}
	b.CreatedAt = now()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(position) + 1, 0) FROM column_hooks WHERE column_id = ?;
		`, b.ColumnID).Scan(&b.Position); err != nil {
			return fmt.Errorf("next binding position: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO column_hooks (id, column_id, hook_id, position, execute_once, transparent, removable, hook_settings, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, b.ID, b.ColumnID, b.HookID, b.Position, boolToInt(b.ExecuteOnce), boolToInt(b.Transparent),
			boolToInt(b.Removable), string(settings), b.CreatedAt)
		return err
	})
	if err != nil {
		return ColumnHook{}, fmt.Errorf("insert column hook: %w", err)
	}
	return b, nil
}

// ListColumnHooks returns a column's chain in ascending position.
func (s *Store) ListColumnHooks(ctx context.Context, columnID string) ([]ColumnHook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, column_id, hook_id, position, execute_once, transparent, removable, hook_settings, created_at
		FROM column_hooks WHERE column_id = ? ORDER BY position ASC, created_at ASC;
	`, columnID)
	if err != nil {
		return nil, fmt.Errorf("list column hooks: %w", err)
	}
	defer rows.Close()

	var out []ColumnHook
	for rows.Next() {
		var b ColumnHook
		var settings string
		if err := rows.Scan(&b.ID, &b.ColumnID, &b.HookID, &b.Position, &b.ExecuteOnce, &b.Transparent,
			&b.Removable, &settings, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan column hook: %w", err)
		}
		b.Settings = map[string]any{}
		if settings != "" {
			if err := json.Unmarshal([]byte(settings), &b.Settings); err != nil {
				return nil, fmt.Errorf("decode hook settings for binding %s: %w", b.ID, err)
			}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// RemoveColumnHook deletes a binding unless it is marked non-removable.
func (s *Store) RemoveColumnHook(ctx context.Context, bindingID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var removable bool
		err := tx.QueryRowContext(ctx, `SELECT removable FROM column_hooks WHERE id = ?;`, bindingID).Scan(&removable)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("column hook %s: %w", bindingID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get column hook: %w", err)
		}
		if !removable {
			return ErrNotRemovable
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM column_hooks WHERE id = ?;`, bindingID)
		return err
	})
}

// HasExecutedHook reports whether an execute-once hook already ran for the task.
func (s *Store) HasExecutedHook(ctx context.Context, taskID, hookID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM task_executed_hooks WHERE task_id = ? AND hook_id = ?;
	`, taskID, hookID).Scan(&n); err != nil {
		return false, fmt.Errorf("check executed hook: %w", err)
	}
	return n > 0, nil
}

// MarkHookExecuted records an execute-once hook. It returns false when the
// pair was already present.
func (s *Store) MarkHookExecuted(ctx context.Context, taskID, hookID string) (bool, error) {
	var inserted bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_executed_hooks (task_id, hook_id, executed_at) VALUES (?, ?, ?);
		`, taskID, hookID, now())
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		inserted = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark hook executed: %w", err)
	}
	return inserted, nil
}

// ExecutedHooks lists the execute-once hooks recorded for a task.
func (s *Store) ExecutedHooks(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hook_id FROM task_executed_hooks WHERE task_id = ? ORDER BY executed_at ASC, hook_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list executed hooks: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
