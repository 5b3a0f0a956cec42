package supervision

import (
	"context"
	"errors"

	"github.com/basket/go-lanes/internal/actor"
	"github.com/basket/go-lanes/internal/otel"
	"go.opentelemetry.io/otel/metric"
)

// taskSupervisor returns the body of a task's pair supervisor. Each child
// incarnation gets fresh state rebuilt from the records.
func taskSupervisor(taskID, boardID string, deps Deps) actor.RunFunc {
	return func(ctx context.Context, self *actor.Ref) error {
		logger := deps.Logger.With("component", "task_supervisor", "task_id", taskID, "board_id", boardID)
		sup := actor.NewSupervisor(deps.Registry, actor.SupervisorConfig{
			MaxRestarts: deps.MaxRestarts,
			Window:      deps.RestartWindow,
			Logger:      logger,
			OnRestart: func(key actor.Key, restart int, cause error) {
				deps.Metrics.ActorRestarts.Add(ctx, 1, metric.WithAttributes(otel.AttrActorKind.String(string(key.Kind))))
			},
		},
			actor.ChildSpec{
				Key: TaskWorkerKey(taskID),
				Run: func(ctx context.Context, self *actor.Ref) error {
					return newTaskWorker(taskID, boardID, deps).run(ctx, self)
				},
			},
			actor.ChildSpec{
				Key: HookWorkerKey(taskID),
				Run: func(ctx context.Context, self *actor.Ref) error {
					return newHookWorker(taskID, boardID, deps).loop(ctx, self)
				},
			},
		)
		err := sup.Run(ctx)
		if errors.Is(err, actor.ErrRestartIntensity) {
			logger.Error("task supervision pair gave up after repeated crashes")
		}
		return err
	}
}
