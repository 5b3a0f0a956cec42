// Package supervision holds the per-board actor tree: a BoardSupervisor
// owns one TaskSupervisor per active task, and each TaskSupervisor keeps a
// TaskWorker and a HookWorker alive with one-for-one restarts.
package supervision

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/go-lanes/internal/actor"
	"github.com/basket/go-lanes/internal/otel"
	"github.com/basket/go-lanes/internal/persistence"
	"github.com/basket/go-lanes/internal/pipeline"
	"github.com/basket/go-lanes/internal/semaphore"
)

const (
	defaultDrainTimeout = 5 * time.Second
	deliveryTimeout     = time.Second
	redeliverInterval   = 50 * time.Millisecond
)

// ErrForeignColumn rejects a move to a column of another board.
var ErrForeignColumn = errors.New("supervision: column belongs to another board")

// Store is the record-layer surface the workers use.
type Store interface {
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
	GetColumn(ctx context.Context, columnID string) (*persistence.Column, error)
	MoveTask(ctx context.Context, taskID, columnID string) error
	ActiveExecutionsForTask(ctx context.Context, taskID string) ([]persistence.HookExecution, error)
	CancelExecution(ctx context.Context, id string, reason persistence.SkipReason) (*persistence.HookExecution, error)
	CancelActiveForTask(ctx context.Context, taskID, columnID string, reason persistence.SkipReason) (int, error)
}

// Semaphores is the admission surface, normally a *semaphore.Manager.
type Semaphores interface {
	RequestStart(ctx context.Context, taskID, columnID string) (semaphore.Outcome, error)
	TaskCompleted(ctx context.Context, taskID, columnID string) error
	TaskLeftColumn(ctx context.Context, taskID, columnID string) error
}

// PipelineRunner runs one column chain, normally a *pipeline.Pipeline.
type PipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
}

// Deps is shared by every actor in the tree.
type Deps struct {
	Registry   *actor.Registry
	Store      Store
	Semaphores Semaphores
	Pipeline   PipelineRunner
	Logger     *slog.Logger
	Metrics    *otel.Metrics

	MaxRestarts   int
	RestartWindow time.Duration
	// DrainTimeout bounds how long stopping a pair waits for its pipeline.
	DrainTimeout time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = otel.NoopMetrics()
	}
	if d.Registry == nil {
		d.Registry = actor.NewRegistry()
	}
	if d.DrainTimeout <= 0 {
		d.DrainTimeout = defaultDrainTimeout
	}
	return d
}

// EnterColumn tells a task's workers that it entered ColumnID. The
// column's chain runs from position 0 once admitted.
type EnterColumn struct {
	ColumnID      string
	RequestID     string
	RedirectDepth int
}

// MoveTask asks a TaskWorker to persist a column move and enter the new
// column. Reply receives the persistence error, if any.
type MoveTask struct {
	ColumnID  string
	RequestID string
	Reply     chan<- error
}

// CancelPipeline asks a HookWorker to stop its active or queued chain,
// recording Reason. Reply reports whether anything was cancelled.
type CancelPipeline struct {
	Reason    persistence.SkipReason
	RequestID string
	Reply     chan<- bool
}

// StartTask asks a BoardSupervisor to start the task's supervision pair.
// Starting a live pair is a no-op.
type StartTask struct {
	TaskID    string
	RequestID string
	Reply     chan<- error
}

// StopTask asks a BoardSupervisor to stop the task's pair and wait for it.
type StopTask struct {
	TaskID string
	Reply  chan<- error
}

// Teardown stops every pair on the board and then the BoardSupervisor.
type Teardown struct {
	Reply chan<- struct{}
}

// redirect is sent by a HookWorker to its TaskWorker after a transparent
// binding finished.
type redirect struct {
	columnID  string
	depth     int
	requestID string
}

// pipelineDone is posted by a run goroutine to its HookWorker.
type pipelineDone struct {
	runID uint64
}

// TaskSupervisorKey is the registry key of a task's pair supervisor.
func TaskSupervisorKey(taskID string) actor.Key {
	return actor.NewKey(actor.KindTaskSupervisor, taskID)
}

// TaskWorkerKey is the registry key of a task's TaskWorker.
func TaskWorkerKey(taskID string) actor.Key {
	return actor.NewKey(actor.KindTaskWorker, taskID)
}

// HookWorkerKey is the registry key of a task's HookWorker.
func HookWorkerKey(taskID string) actor.Key {
	return actor.NewKey(actor.KindHookWorker, taskID)
}

// BoardKey is the registry key of a board's supervisor.
func BoardKey(boardID string) actor.Key {
	return actor.NewKey(actor.KindBoard, boardID)
}

// deliver resolves key through the registry and tells it msg. It never
// holds on to the resolved ref.
func deliver(ctx context.Context, reg *actor.Registry, key actor.Key, msg any) error {
	ref, ok := reg.Lookup(key)
	if !ok {
		return actor.ErrNotFound
	}
	tctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	return ref.Tell(tctx, msg)
}
