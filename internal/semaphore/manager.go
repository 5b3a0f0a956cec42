package semaphore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-lanes/internal/actor"
	"github.com/basket/go-lanes/internal/bus"
	"github.com/basket/go-lanes/internal/otel"
	"github.com/basket/go-lanes/internal/persistence"
	"go.opentelemetry.io/otel/metric"
)

// Store is everything the manager and its actors read or mirror.
type Store interface {
	SlotStore
	GetColumn(ctx context.Context, columnID string) (*persistence.Column, error)
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Registry *actor.Registry
	Store    Store
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otel.Metrics
}

// Manager routes admission requests to per-column semaphore actors,
// spawning them on first use. Columns without a limit never get an actor
// and admit every request.
type Manager struct {
	ctx     context.Context
	reg     *actor.Registry
	store   Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics

	mu sync.Mutex
}

// NewManager creates a manager. Actors it spawns live until ctx is
// cancelled, their column becomes unconstrained, or StopAll is called.
func NewManager(ctx context.Context, cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otel.NoopMetrics()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = actor.NewRegistry()
	}
	return &Manager{
		ctx:     ctx,
		reg:     reg,
		store:   cfg.Store,
		bus:     cfg.Bus,
		logger:  logger,
		metrics: metrics,
	}
}

func columnKey(columnID string) actor.Key {
	return actor.NewKey(actor.KindColumnSemaphore, columnID)
}

// RequestStart asks for a slot in columnID. Admission is immediate for
// unconstrained columns. A task that already runs is admitted again and a
// queued task gets its current position back.
func (m *Manager) RequestStart(ctx context.Context, taskID, columnID string) (Outcome, error) {
	col, err := m.store.GetColumn(ctx, columnID)
	if err != nil {
		return Outcome{}, fmt.Errorf("semaphore: load column: %w", err)
	}
	limit, limited := col.Limit()
	if !limited {
		if ref, ok := m.reg.Lookup(columnKey(columnID)); ok {
			// Limit was removed without UpdateLimit; let the actor release its queue.
			if err := m.ask(ctx, ref, func(r chan<- struct{}) any { return updateLimit{limit: 0, reply: r} }); err != nil {
				m.logger.Warn("semaphore: release stale actor failed", "column_id", columnID, "error", err)
			}
		}
		return Outcome{Admitted: true}, nil
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, fmt.Errorf("semaphore: load task: %w", err)
	}
	ref, err := m.actorFor(columnID, limit)
	if err != nil {
		return Outcome{}, err
	}
	return actor.Ask(ctx, ref, func(reply chan<- Outcome) any {
		return requestStart{taskID: taskID, priority: task.Priority, reply: reply}
	})
}

// TaskCompleted frees the task's slot and admits the next queued task.
func (m *Manager) TaskCompleted(ctx context.Context, taskID, columnID string) error {
	ref, err := m.settle(ctx, taskID, columnID)
	if err != nil || ref == nil {
		return err
	}
	return m.ask(ctx, ref, func(r chan<- struct{}) any { return taskCompleted{taskID: taskID, reply: r} })
}

// TaskLeftColumn drops the task from the column whether it was running or
// queued. It returns once the semaphore has mirrored the removal.
func (m *Manager) TaskLeftColumn(ctx context.Context, taskID, columnID string) error {
	ref, err := m.settle(ctx, taskID, columnID)
	if err != nil || ref == nil {
		return err
	}
	return m.ask(ctx, ref, func(r chan<- struct{}) any { return taskLeft{taskID: taskID, reply: r} })
}

// Prioritize moves a queued task to the front of its column's queue. A
// limited column without a live semaphore is restored from its records
// first.
func (m *Manager) Prioritize(ctx context.Context, taskID, columnID string) error {
	ref, ok := m.reg.Lookup(columnKey(columnID))
	if !ok {
		limit, limited, err := m.columnLimit(ctx, columnID)
		if err != nil {
			return err
		}
		if !limited {
			return ErrNotInQueue
		}
		if ref, err = m.actorFor(columnID, limit); err != nil {
			return err
		}
	}
	err, askErr := actor.Ask(ctx, ref, func(reply chan<- error) any {
		return prioritize{taskID: taskID, reply: reply}
	})
	if askErr != nil {
		return askErr
	}
	return err
}

// UpdateLimit applies a new limit to a live semaphore. A nil or
// non-positive limit releases every queued task and stops the actor.
// Columns without a live actor pick the limit up on their next request.
func (m *Manager) UpdateLimit(ctx context.Context, columnID string, limit *int) error {
	ref, ok := m.reg.Lookup(columnKey(columnID))
	if !ok {
		return nil
	}
	n := 0
	if limit != nil {
		n = *limit
	}
	if err := m.ask(ctx, ref, func(r chan<- struct{}) any { return updateLimit{limit: n, reply: r} }); err != nil {
		return err
	}
	if n <= 0 {
		select {
		case <-ref.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Status reports the column's admission state. Columns without a live
// semaphore report Limited false.
func (m *Manager) Status(ctx context.Context, columnID string) (Status, error) {
	ref, ok := m.reg.Lookup(columnKey(columnID))
	if !ok {
		return Status{ColumnID: columnID, Running: []string{}, Queue: []QueueEntry{}}, nil
	}
	return actor.Ask(ctx, ref, func(reply chan<- Status) any { return statusRequest{reply: reply} })
}

// StopAll stops every semaphore actor and waits for them to exit.
func (m *Manager) StopAll(ctx context.Context) {
	for _, key := range m.reg.Keys(actor.KindColumnSemaphore) {
		ref, ok := m.reg.Lookup(key)
		if !ok {
			continue
		}
		if err := ref.StopAndWait(ctx); err != nil {
			m.logger.Warn("semaphore: stop timed out", "column_id", key.ID, "error", err)
		}
	}
}

func (m *Manager) actorFor(columnID string, limit int) (*actor.Ref, error) {
	key := columnKey(columnID)
	if ref, ok := m.reg.Lookup(key); ok {
		return ref, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref, ok := m.reg.Lookup(key); ok {
		return ref, nil
	}
	s := &semaphore{
		columnID: columnID,
		limit:    limit,
		running:  map[string]time.Time{},
		reg:      m.reg,
		store:    m.store,
		bus:      m.bus,
		logger:   m.logger.With("component", "semaphore", "column_id", columnID),
		metrics:  m.metrics,
		attrs:    metric.WithAttributes(otel.AttrColumnID.String(columnID)),
	}
	ref, err := actor.Spawn(m.ctx, m.reg, key, actor.Options{}, s.run)
	if err != nil {
		return nil, fmt.Errorf("semaphore: spawn %s: %w", columnID, err)
	}
	m.logger.Debug("semaphore spawned", "column_id", columnID, "limit", limit)
	return ref, nil
}

// settle returns the live semaphore for columnID. Without one the task's
// slot record is cleared directly, so a later restore cannot resurrect it,
// and a limited column's semaphore is respawned from the remaining records.
// A nil ref means there is nothing left to tell.
func (m *Manager) settle(ctx context.Context, taskID, columnID string) (*actor.Ref, error) {
	if ref, ok := m.reg.Lookup(columnKey(columnID)); ok {
		return ref, nil
	}
	if err := m.store.ClearTaskSlot(ctx, taskID); err != nil {
		return nil, fmt.Errorf("semaphore: clear slot: %w", err)
	}
	if m.ctx.Err() != nil {
		return nil, nil
	}
	limit, limited, err := m.columnLimit(ctx, columnID)
	if errors.Is(err, persistence.ErrNotFound) || (err == nil && !limited) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.actorFor(columnID, limit)
}

func (m *Manager) columnLimit(ctx context.Context, columnID string) (int, bool, error) {
	col, err := m.store.GetColumn(ctx, columnID)
	if err != nil {
		return 0, false, fmt.Errorf("semaphore: load column: %w", err)
	}
	limit, limited := col.Limit()
	return limit, limited, nil
}

func (m *Manager) ask(ctx context.Context, ref *actor.Ref, build func(reply chan<- struct{}) any) error {
	_, err := actor.Ask(ctx, ref, build)
	return err
}
