package supervision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-lanes/internal/actor"
	"github.com/basket/go-lanes/internal/persistence"
	"github.com/basket/go-lanes/internal/pipeline"
	"github.com/basket/go-lanes/internal/semaphore"
	"github.com/basket/go-lanes/internal/shared"
)

// activeRun is a pipeline running in its own goroutine. result and
// panicked are written before done closes.
type activeRun struct {
	id        uint64
	columnID  string
	depth     int
	requestID string
	cancel    context.CancelCauseFunc
	done      chan struct{}

	result   pipeline.Result
	panicked any
}

// waitingAdmission is a chain queued on its column's semaphore.
type waitingAdmission struct {
	columnID  string
	depth     int
	requestID string
}

// hookWorker owns pipeline execution for one task. At most one chain is
// active or waiting at any time.
type hookWorker struct {
	taskID  string
	boardID string

	deps    Deps
	logger  *slog.Logger
	self    *actor.Ref
	run     *activeRun
	waiting *waitingAdmission
	runs    uint64
	// pending holds a redirect the TaskWorker has not taken yet.
	pending *redirect
}

func newHookWorker(taskID, boardID string, deps Deps) *hookWorker {
	return &hookWorker{
		taskID:  taskID,
		boardID: boardID,
		deps:    deps,
		logger:  deps.Logger.With("component", "hook_worker", "task_id", taskID, "board_id", boardID),
	}
}

func (w *hookWorker) loop(ctx context.Context, self *actor.Ref) error {
	w.self = self
	if n := actor.RestartCount(ctx); n > 0 {
		w.recoverCrash(ctx, n)
	}
	retry := time.NewTicker(redeliverInterval)
	defer retry.Stop()
	for {
		select {
		case <-ctx.Done():
			w.stop(ctx)
			return nil
		case <-retry.C:
			w.flushRedirect(ctx)
		case msg := <-self.Inbox():
			if err := w.handle(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (w *hookWorker) handle(ctx context.Context, msg any) error {
	switch m := msg.(type) {
	case EnterColumn:
		return w.enter(ctx, m)
	case semaphore.Admitted:
		return w.admitted(ctx, m)
	case pipelineDone:
		return w.finished(ctx, m)
	case CancelPipeline:
		cancelled, err := w.cancel(ctx, m.Reason)
		m.Reply <- cancelled
		return err
	default:
		w.logger.Warn("hook worker: unexpected message", "type", fmt.Sprintf("%T", msg))
		return nil
	}
}

// enter abandons whatever the previous column was doing and starts the
// new column's chain from position 0.
func (w *hookWorker) enter(ctx context.Context, m EnterColumn) error {
	if w.pending != nil {
		w.logger.Info("redirect superseded by column entry", "target_column_id", w.pending.columnID, "column_id", m.ColumnID)
		w.pending = nil
	}
	var prev string
	switch {
	case w.run != nil:
		prev = w.run.columnID
		if err := w.stopRun(ctx, persistence.SkipReasonColumnChange); err != nil {
			return err
		}
	case w.waiting != nil:
		prev = w.waiting.columnID
		w.waiting = nil
	}
	if prev != "" {
		// Wait for the old semaphore to mirror the removal so its writes
		// cannot land after the new column's.
		if err := w.deps.Semaphores.TaskLeftColumn(ctx, w.taskID, prev); err != nil {
			w.logger.Warn("hook worker: leave column failed", "column_id", prev, "error", err)
		}
	}
	w.requestStart(ctx, m.ColumnID, m.RedirectDepth, m.RequestID)
	return nil
}

func (w *hookWorker) requestStart(ctx context.Context, columnID string, depth int, requestID string) {
	out, err := w.deps.Semaphores.RequestStart(ctx, w.taskID, columnID)
	if err != nil {
		w.logger.Warn("hook worker: admission request failed", "column_id", columnID, "request_id", requestID, "error", err)
		return
	}
	if !out.Admitted {
		w.waiting = &waitingAdmission{columnID: columnID, depth: depth, requestID: requestID}
		w.logger.Info("chain queued for column slot", "column_id", columnID, "position", out.Position, "request_id", requestID)
		return
	}
	w.start(ctx, columnID, depth, requestID)
}

func (w *hookWorker) admitted(ctx context.Context, m semaphore.Admitted) error {
	switch {
	case w.waiting != nil && w.waiting.columnID == m.ColumnID:
		wa := w.waiting
		w.waiting = nil
		w.start(ctx, wa.columnID, wa.depth, wa.requestID)
	case w.run != nil && w.run.columnID == m.ColumnID:
	default:
		// The task no longer wants this slot.
		if err := w.deps.Semaphores.TaskLeftColumn(ctx, w.taskID, m.ColumnID); err != nil {
			w.logger.Warn("hook worker: release stray slot failed", "column_id", m.ColumnID, "error", err)
		}
	}
	return nil
}

func (w *hookWorker) start(ctx context.Context, columnID string, depth int, requestID string) {
	w.runs++
	runCtx, cancel := context.WithCancelCause(ctx)
	runCtx = shared.WithRequestID(runCtx, requestID)
	runCtx = shared.WithTaskID(runCtx, w.taskID)
	runCtx = shared.WithBoardID(runCtx, w.boardID)
	runCtx = shared.WithColumnID(runCtx, columnID)

	r := &activeRun{
		id:        w.runs,
		columnID:  columnID,
		depth:     depth,
		requestID: requestID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	w.run = r
	req := pipeline.Request{TaskID: w.taskID, BoardID: w.boardID, ColumnID: columnID, RedirectDepth: depth}
	self := w.self
	go func() {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.panicked = p
				}
			}()
			r.result = w.deps.Pipeline.Run(runCtx, req)
		}()
		close(r.done)
		_ = self.Tell(ctx, pipelineDone{runID: r.id})
	}()
}

// stopRun cancels the active chain with reason and waits for it to unwind.
func (w *hookWorker) stopRun(ctx context.Context, reason persistence.SkipReason) error {
	r := w.run
	w.run = nil
	r.cancel(pipeline.Cancelled(reason))
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil
	}
	if r.panicked != nil {
		return fmt.Errorf("hook worker: pipeline run panicked: %v", r.panicked)
	}
	if n, err := w.deps.Store.CancelActiveForTask(ctx, w.taskID, r.columnID, reason); err != nil {
		w.logger.Warn("hook worker: cancel leftover executions failed", "column_id", r.columnID, "error", err)
	} else if n > 0 {
		w.logger.Info("cancelled leftover executions", "column_id", r.columnID, "count", n, "reason", string(reason))
	}
	return nil
}

func (w *hookWorker) finished(ctx context.Context, m pipelineDone) error {
	r := w.run
	if r == nil || r.id != m.runID {
		return nil
	}
	w.run = nil
	r.cancel(nil)
	if r.panicked != nil {
		return fmt.Errorf("hook worker: pipeline run panicked: %v", r.panicked)
	}
	if err := w.deps.Semaphores.TaskCompleted(ctx, w.taskID, r.columnID); err != nil {
		w.logger.Warn("hook worker: release slot failed", "column_id", r.columnID, "error", err)
	}

	res := r.result
	log := w.logger.With("column_id", r.columnID, "request_id", r.requestID, "outcome", string(res.Outcome), "executed", res.Executed)
	switch res.Outcome {
	case pipeline.OutcomeRedirect:
		log.Info("chain redirected", "target_column_id", res.TargetColumnID)
		w.pending = &redirect{columnID: res.TargetColumnID, depth: r.depth + 1, requestID: r.requestID}
		w.flushRedirect(ctx)
	case pipeline.OutcomeFailed:
		log.Warn("chain failed", "hook_id", res.FailedHookID, "error", res.Err)
	default:
		log.Debug("chain finished")
	}
	return nil
}

// flushRedirect hands the pending redirect to the TaskWorker, keeping it
// while the TaskWorker is unavailable.
func (w *hookWorker) flushRedirect(ctx context.Context) {
	if w.pending == nil {
		return
	}
	if err := deliver(ctx, w.deps.Registry, TaskWorkerKey(w.taskID), *w.pending); err != nil {
		if !errors.Is(err, actor.ErrNotFound) && !errors.Is(err, actor.ErrDead) {
			w.logger.Debug("hook worker: redirect deferred", "error", err)
		}
		return
	}
	w.pending = nil
}

func (w *hookWorker) cancel(ctx context.Context, reason persistence.SkipReason) (bool, error) {
	switch {
	case w.run != nil:
		col := w.run.columnID
		if err := w.stopRun(ctx, reason); err != nil {
			return true, err
		}
		if err := w.deps.Semaphores.TaskCompleted(ctx, w.taskID, col); err != nil {
			w.logger.Warn("hook worker: release slot failed", "column_id", col, "error", err)
		}
		return true, nil
	case w.waiting != nil:
		col := w.waiting.columnID
		w.waiting = nil
		if err := w.deps.Semaphores.TaskLeftColumn(ctx, w.taskID, col); err != nil {
			w.logger.Warn("hook worker: leave queue failed", "column_id", col, "error", err)
		}
		return true, nil
	}
	return false, nil
}

// recoverCrash cleans up after a crashed incarnation. Executions it left
// active can no longer finish, so they are cancelled and the slot is
// released. Without such executions the task only waited for or had just
// been granted a slot, and it asks for that slot again, which keeps its
// queue position.
func (w *hookWorker) recoverCrash(ctx context.Context, restart int) {
	w.logger.Warn("hook worker restarted; cleaning up", "restart", restart)
	active, err := w.deps.Store.ActiveExecutionsForTask(ctx, w.taskID)
	if err != nil {
		w.logger.Warn("hook worker: list active executions failed", "error", err)
	}
	for _, e := range active {
		if _, err := w.deps.Store.CancelExecution(ctx, e.ID, persistence.SkipReasonError); err != nil {
			w.logger.Warn("hook worker: cancel execution failed", "execution_id", e.ID, "error", err)
		}
	}
	task, err := w.deps.Store.GetTask(ctx, w.taskID)
	if err != nil {
		w.logger.Warn("hook worker: load task failed", "error", err)
		return
	}
	if len(active) == 0 && (task.QueuedAt != nil || task.InProgress) {
		_, requestID := shared.EnsureRequestID(ctx)
		w.logger.Info("resuming admission after restart", "column_id", task.ColumnID, "queued", task.QueuedAt != nil, "request_id", requestID)
		w.requestStart(ctx, task.ColumnID, 0, requestID)
		return
	}
	if err := w.deps.Semaphores.TaskLeftColumn(ctx, w.taskID, task.ColumnID); err != nil {
		w.logger.Warn("hook worker: release slot failed", "column_id", task.ColumnID, "error", err)
	}
}

// stop runs when the pair is destroyed. A server shutdown keeps slot
// records so the next start can resume; anything else releases them.
func (w *hookWorker) stop(ctx context.Context) {
	reason := pipeline.ReasonFromContext(ctx)
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.deps.DrainTimeout)
	defer cancel()

	var col string
	switch {
	case w.run != nil:
		r := w.run
		w.run = nil
		col = r.columnID
		select {
		case <-r.done:
		case <-bg.Done():
			w.logger.Warn("hook worker: pipeline did not drain in time", "column_id", col)
		}
		if _, err := w.deps.Store.CancelActiveForTask(bg, w.taskID, col, reason); err != nil {
			w.logger.Warn("hook worker: cancel leftover executions failed", "column_id", col, "error", err)
		}
	case w.waiting != nil:
		col = w.waiting.columnID
		w.waiting = nil
	}
	if col == "" || reason == persistence.SkipReasonServerRestart {
		return
	}
	if err := w.deps.Semaphores.TaskLeftColumn(bg, w.taskID, col); err != nil {
		w.logger.Warn("hook worker: release slot failed", "column_id", col, "error", err)
	}
}
