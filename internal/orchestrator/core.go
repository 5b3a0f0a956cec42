// Package orchestrator is the facade over the actor tree: it starts and
// stops supervision pairs, routes column entries and moves, exposes the
// column semaphores and recovers state after a restart.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-lanes/internal/actor"
	"github.com/basket/go-lanes/internal/bus"
	"github.com/basket/go-lanes/internal/config"
	"github.com/basket/go-lanes/internal/hooks"
	"github.com/basket/go-lanes/internal/otel"
	"github.com/basket/go-lanes/internal/persistence"
	"github.com/basket/go-lanes/internal/pipeline"
	"github.com/basket/go-lanes/internal/semaphore"
	"github.com/basket/go-lanes/internal/shared"
	"github.com/basket/go-lanes/internal/supervision"
	"go.opentelemetry.io/otel/trace"
)

const actorWaitTimeout = 2 * time.Second

// ErrWrongBoard is returned when a task is moved to another board's column.
var ErrWrongBoard = errors.New("orchestrator: column belongs to another board")

type Config struct {
	Store   *persistence.Store
	Bus     *bus.Bus
	Catalog *hooks.Catalog
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics

	MaxRedirects    int
	MaxRestarts     int
	RestartWindow   time.Duration
	DrainTimeout    time.Duration
	ResumeOnRestart bool
	DefaultColumns  []config.ColumnDefault
}

// Core owns the actor registry and everything spawned into it.
type Core struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	store    *persistence.Store
	bus      *bus.Bus
	catalog  *hooks.Catalog
	logger   *slog.Logger
	reg      *actor.Registry
	sems     *semaphore.Manager
	deps     supervision.Deps
	resume   bool
	defaults []config.ColumnDefault

	mu sync.Mutex
}

func New(cfg Config) *Core {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otel.NoopMetrics()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	reg := actor.NewRegistry()
	sems := semaphore.NewManager(ctx, semaphore.ManagerConfig{
		Registry: reg,
		Store:    cfg.Store,
		Bus:      cfg.Bus,
		Logger:   logger,
		Metrics:  metrics,
	})
	pipe := pipeline.New(pipeline.Config{
		Store:        cfg.Store,
		Hooks:        cfg.Catalog,
		Bus:          cfg.Bus,
		Logger:       logger.With("component", "pipeline"),
		Tracer:       cfg.Tracer,
		Metrics:      metrics,
		MaxRedirects: cfg.MaxRedirects,
	})
	return &Core{
		ctx:     ctx,
		cancel:  cancel,
		store:   cfg.Store,
		bus:     cfg.Bus,
		catalog: cfg.Catalog,
		logger:  logger.With("component", "orchestrator"),
		reg:     reg,
		sems:    sems,
		deps: supervision.Deps{
			Registry:      reg,
			Store:         cfg.Store,
			Semaphores:    sems,
			Pipeline:      pipe,
			Logger:        logger,
			Metrics:       metrics,
			MaxRestarts:   cfg.MaxRestarts,
			RestartWindow: cfg.RestartWindow,
			DrainTimeout:  cfg.DrainTimeout,
		},
		resume:   cfg.ResumeOnRestart,
		defaults: cfg.DefaultColumns,
	}
}

// Registry exposes the actor registry for inspection.
func (c *Core) Registry() *actor.Registry { return c.reg }

// CreateBoard creates a board with the configured default columns and
// their hook bindings. A binding that cannot be created is logged and
// skipped.
func (c *Core) CreateBoard(ctx context.Context, name string) (persistence.Board, error) {
	board, err := c.store.CreateBoard(ctx, name)
	if err != nil {
		return persistence.Board{}, err
	}
	for _, def := range c.defaults {
		var limit *int
		if def.MaxConcurrentTasks > 0 {
			n := def.MaxConcurrentTasks
			limit = &n
		}
		col, err := c.store.CreateColumn(ctx, board.ID, def.Name, limit)
		if err != nil {
			return board, fmt.Errorf("create default column %q: %w", def.Name, err)
		}
		for _, b := range def.Hooks {
			if err := c.bindDefault(ctx, board.ID, col, b); err != nil {
				c.logger.Warn("default hook binding skipped", "board_id", board.ID, "column", def.Name, "hook_id", b.HookID, "error", err)
			}
		}
	}
	c.logger.Info("board created", "board_id", board.ID, "columns", len(c.defaults))
	return board, nil
}

func (c *Core) bindDefault(ctx context.Context, boardID string, col persistence.Column, b config.DefaultHookBinding) error {
	h, err := c.catalog.GetHook(ctx, b.HookID)
	if err != nil {
		return err
	}
	if sys, ok := h.(*hooks.SystemHook); ok {
		if err := sys.Validate(b.Settings); err != nil {
			return err
		}
	}
	if custom, ok := h.(*hooks.CustomHook); ok && custom.Record.BoardID != boardID {
		return fmt.Errorf("hook %s belongs to another board", b.HookID)
	}
	removable := true
	if b.Removable != nil {
		removable = *b.Removable
	}
	_, err = c.store.AddColumnHook(ctx, persistence.ColumnHook{
		ColumnID:    col.ID,
		HookID:      h.ID(),
		ExecuteOnce: b.ExecuteOnce,
		Transparent: b.Transparent,
		Removable:   removable,
		Settings:    b.Settings,
	})
	return err
}

// boardRef returns the board's supervisor, spawning it on first use.
func (c *Core) boardRef(boardID string) (*actor.Ref, error) {
	key := supervision.BoardKey(boardID)
	if ref, ok := c.reg.Lookup(key); ok {
		return ref, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref, ok := c.reg.Lookup(key); ok {
		return ref, nil
	}
	if err := context.Cause(c.ctx); err != nil {
		return nil, fmt.Errorf("orchestrator is shut down: %w", err)
	}
	return supervision.SpawnBoard(c.ctx, boardID, c.deps)
}

// StartTask starts the task's supervision pair. It is a no-op for a task
// whose pair is already running.
func (c *Core) StartTask(ctx context.Context, taskID string) error {
	ctx, reqID := shared.EnsureRequestID(ctx)
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	board, err := c.boardRef(task.BoardID)
	if err != nil {
		return err
	}
	return askErr(ctx, board, func(reply chan<- error) any {
		return supervision.StartTask{TaskID: taskID, RequestID: reqID, Reply: reply}
	})
}

// StopTask stops the task's pair. Its active chain is cancelled and its
// column slot released.
func (c *Core) StopTask(ctx context.Context, taskID string) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	board, ok := c.reg.Lookup(supervision.BoardKey(task.BoardID))
	if !ok {
		return nil
	}
	return askErr(ctx, board, func(reply chan<- error) any {
		return supervision.StopTask{TaskID: taskID, Reply: reply}
	})
}

// TeardownBoard stops every pair on the board and its supervisor.
func (c *Core) TeardownBoard(ctx context.Context, boardID string) error {
	board, ok := c.reg.Lookup(supervision.BoardKey(boardID))
	if !ok {
		return nil
	}
	if _, err := actor.Ask(ctx, board, func(reply chan<- struct{}) any {
		return supervision.Teardown{Reply: reply}
	}); err != nil {
		return err
	}
	select {
	case <-board.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnterPipeline signals that the task entered columnID. The caller has
// already persisted the move; the column's chain runs from position 0.
func (c *Core) EnterPipeline(ctx context.Context, taskID, columnID string) error {
	ctx, reqID := shared.EnsureRequestID(ctx)
	tw, err := c.taskWorker(ctx, taskID)
	if err != nil {
		return err
	}
	return tw.Tell(ctx, supervision.EnterColumn{ColumnID: columnID, RequestID: reqID})
}

// MoveTask persists a move to columnID and runs the new column's chain,
// cancelling whatever the old column was doing.
func (c *Core) MoveTask(ctx context.Context, taskID, columnID string) error {
	ctx, reqID := shared.EnsureRequestID(ctx)
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	col, err := c.store.GetColumn(ctx, columnID)
	if err != nil {
		return err
	}
	if col.BoardID != task.BoardID {
		return ErrWrongBoard
	}
	tw, err := c.taskWorker(ctx, taskID)
	if err != nil {
		return err
	}
	return askErr(ctx, tw, func(reply chan<- error) any {
		return supervision.MoveTask{ColumnID: columnID, RequestID: reqID, Reply: reply}
	})
}

// CancelPipeline stops the task's active or queued chain, recording
// user_cancelled. It reports whether anything was running or waiting.
func (c *Core) CancelPipeline(ctx context.Context, taskID string) (bool, error) {
	ctx, reqID := shared.EnsureRequestID(ctx)
	hw, ok := c.reg.Lookup(supervision.HookWorkerKey(taskID))
	if !ok {
		return false, fmt.Errorf("hook worker for task %s: %w", taskID, actor.ErrNotFound)
	}
	return actor.Ask(ctx, hw, func(reply chan<- bool) any {
		return supervision.CancelPipeline{Reason: persistence.SkipReasonUserCancelled, RequestID: reqID, Reply: reply}
	})
}

// taskWorker starts the pair if needed and waits for its TaskWorker to
// register.
func (c *Core) taskWorker(ctx context.Context, taskID string) (*actor.Ref, error) {
	if err := c.StartTask(ctx, taskID); err != nil {
		return nil, err
	}
	key := supervision.TaskWorkerKey(taskID)
	deadline := time.Now().Add(actorWaitTimeout)
	for {
		if ref, ok := c.reg.Lookup(key); ok {
			return ref, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("task worker for task %s: %w", taskID, actor.ErrNotFound)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *Core) RequestStart(ctx context.Context, taskID, columnID string) (semaphore.Outcome, error) {
	return c.sems.RequestStart(ctx, taskID, columnID)
}

func (c *Core) TaskCompleted(ctx context.Context, taskID, columnID string) error {
	return c.sems.TaskCompleted(ctx, taskID, columnID)
}

func (c *Core) TaskLeftColumn(ctx context.Context, taskID, columnID string) error {
	return c.sems.TaskLeftColumn(ctx, taskID, columnID)
}

func (c *Core) Prioritize(ctx context.Context, taskID, columnID string) error {
	return c.sems.Prioritize(ctx, taskID, columnID)
}

// UpdateLimit persists the column's limit and applies it to a live
// semaphore. nil or a non-positive limit makes the column unconstrained.
func (c *Core) UpdateLimit(ctx context.Context, columnID string, limit *int) error {
	if err := c.store.SetColumnLimit(ctx, columnID, limit); err != nil {
		return err
	}
	return c.sems.UpdateLimit(ctx, columnID, limit)
}

func (c *Core) SemaphoreStatus(ctx context.Context, columnID string) (semaphore.Status, error) {
	return c.sems.Status(ctx, columnID)
}

func (c *Core) ListAllHooks(ctx context.Context, boardID string) ([]hooks.Hook, error) {
	return c.catalog.ListAllHooks(ctx, boardID)
}

func (c *Core) GetHook(ctx context.Context, hookID string) (hooks.Hook, error) {
	return c.catalog.GetHook(ctx, hookID)
}

// ExecutionHistory returns the task's executions, most recent first.
func (c *Core) ExecutionHistory(ctx context.Context, taskID string, limit int) ([]persistence.HookExecution, error) {
	return c.store.ExecutionHistoryForTask(ctx, taskID, limit)
}

// Subscribe streams every bus event about taskID. Callers must
// Unsubscribe.
func (c *Core) Subscribe(taskID string) *bus.Subscription {
	return c.bus.SubscribeTask(taskID)
}

func (c *Core) Unsubscribe(sub *bus.Subscription) {
	c.bus.Unsubscribe(sub)
}

// Recover restores runtime state after a restart. Executions left active
// by the previous process are cancelled with server_restart, a pair is
// started for every task, and tasks that held or awaited a column slot
// re-enter their column when resuming is enabled. Otherwise their slot
// records are cleared so no semaphore restores a holder that never runs.
func (c *Core) Recover(ctx context.Context) error {
	ctx, _ = shared.EnsureRequestID(ctx)
	n, err := c.store.CancelAllActive(ctx, persistence.SkipReasonServerRestart)
	if err != nil {
		return fmt.Errorf("cancel interrupted executions: %w", err)
	}
	tasks, err := c.store.ListAllTasks(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range tasks {
		if err := c.StartTask(ctx, t.ID); err != nil {
			c.logger.Warn("recover: start pair failed", "task_id", t.ID, "error", err)
		}
	}

	active, err := c.store.ActiveSlotTasks(ctx)
	if err != nil {
		return fmt.Errorf("list slot holders: %w", err)
	}
	resumed, cleared := 0, 0
	for _, t := range active {
		if !c.resume {
			if err := c.store.ClearTaskSlot(ctx, t.ID); err != nil {
				c.logger.Warn("recover: clear slot failed", "task_id", t.ID, "error", err)
				continue
			}
			cleared++
			continue
		}
		if err := c.EnterPipeline(ctx, t.ID, t.ColumnID); err != nil {
			c.logger.Warn("recover: resume failed", "task_id", t.ID, "error", err)
			continue
		}
		resumed++
	}
	c.logger.Info("recovered", "interrupted_executions", n, "pairs", len(tasks), "resumed", resumed, "cleared_slots", cleared)
	return nil
}

// Shutdown cancels every chain with server_restart, leaving slot records
// in place for the next Recover, and waits for the tree to stop.
func (c *Core) Shutdown(ctx context.Context) error {
	c.cancel(pipeline.Cancelled(persistence.SkipReasonServerRestart))
	var stuck []string
	for _, key := range c.reg.Keys(actor.KindBoard) {
		ref, ok := c.reg.Lookup(key)
		if !ok {
			continue
		}
		select {
		case <-ref.Done():
		case <-ctx.Done():
			stuck = append(stuck, key.ID)
		}
	}
	c.sems.StopAll(ctx)
	if len(stuck) > 0 {
		return fmt.Errorf("boards did not stop in time: %v", stuck)
	}
	c.logger.Info("orchestrator stopped")
	return nil
}

func askErr(ctx context.Context, ref *actor.Ref, build func(reply chan<- error) any) error {
	err, aerr := actor.Ask(ctx, ref, build)
	if aerr != nil {
		return aerr
	}
	return err
}
