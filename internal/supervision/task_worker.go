package supervision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-lanes/internal/actor"
)

// taskWorker tracks which column the task is in at runtime. It persists
// moves and forwards column entries to the HookWorker, buffering them while
// the HookWorker is unavailable (for example during its restart).
type taskWorker struct {
	taskID   string
	boardID  string
	columnID string

	deps    Deps
	logger  *slog.Logger
	pending []EnterColumn
}

func newTaskWorker(taskID, boardID string, deps Deps) *taskWorker {
	return &taskWorker{
		taskID:  taskID,
		boardID: boardID,
		deps:    deps,
		logger:  deps.Logger.With("component", "task_worker", "task_id", taskID, "board_id", boardID),
	}
}

func (w *taskWorker) run(ctx context.Context, self *actor.Ref) error {
	task, err := w.deps.Store.GetTask(ctx, w.taskID)
	if err != nil {
		w.logger.Warn("task worker: load task failed", "error", err)
	} else {
		w.columnID = task.ColumnID
	}

	retry := time.NewTicker(redeliverInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-retry.C:
			w.flush(ctx)
		case msg := <-self.Inbox():
			w.handle(ctx, msg)
		}
	}
}

func (w *taskWorker) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case MoveTask:
		m.Reply <- w.move(ctx, m.ColumnID, 0, m.RequestID)
	case EnterColumn:
		w.columnID = m.ColumnID
		w.forward(ctx, m)
	case redirect:
		if err := w.move(ctx, m.columnID, m.depth, m.requestID); err != nil {
			w.logger.Warn("task worker: redirect failed", "column_id", m.columnID, "error", err)
		}
	default:
		w.logger.Warn("task worker: unexpected message", "type", fmt.Sprintf("%T", msg))
	}
}

func (w *taskWorker) move(ctx context.Context, columnID string, depth int, requestID string) error {
	if columnID == w.columnID {
		return nil
	}
	col, err := w.deps.Store.GetColumn(ctx, columnID)
	if err != nil {
		return fmt.Errorf("load target column: %w", err)
	}
	if col.BoardID != w.boardID {
		return fmt.Errorf("column %s: %w", columnID, ErrForeignColumn)
	}
	if err := w.deps.Store.MoveTask(ctx, w.taskID, columnID); err != nil {
		return fmt.Errorf("move task: %w", err)
	}
	w.logger.Info("task moved", "from", w.columnID, "to", columnID, "request_id", requestID, "redirect_depth", depth)
	w.columnID = columnID
	w.forward(ctx, EnterColumn{ColumnID: columnID, RequestID: requestID, RedirectDepth: depth})
	return nil
}

// forward keeps message order: nothing overtakes an undelivered entry.
func (w *taskWorker) forward(ctx context.Context, m EnterColumn) {
	w.pending = append(w.pending, m)
	w.flush(ctx)
}

func (w *taskWorker) flush(ctx context.Context) {
	for len(w.pending) > 0 {
		err := deliver(ctx, w.deps.Registry, HookWorkerKey(w.taskID), w.pending[0])
		if err != nil {
			if !errors.Is(err, actor.ErrNotFound) && !errors.Is(err, actor.ErrDead) {
				w.logger.Debug("task worker: delivery deferred", "error", err)
			}
			return
		}
		w.pending = w.pending[1:]
	}
}
