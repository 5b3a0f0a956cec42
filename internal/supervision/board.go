package supervision

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/go-lanes/internal/actor"
	"github.com/basket/go-lanes/internal/shared"
)

// SpawnBoard starts the supervisor for boardID under ctx. Pairs it starts
// are cancelled with ctx, so a cancellation cause on ctx reaches every
// running chain.
func SpawnBoard(ctx context.Context, boardID string, deps Deps) (*actor.Ref, error) {
	deps = deps.withDefaults()
	b := &boardSupervisor{
		boardID: boardID,
		deps:    deps,
		logger:  deps.Logger.With("component", "board_supervisor", "board_id", boardID),
		pairs:   map[string]*actor.Ref{},
	}
	return actor.Spawn(shared.WithBoardID(ctx, boardID), deps.Registry, BoardKey(boardID), actor.Options{}, b.run)
}

type boardSupervisor struct {
	boardID string
	deps    Deps
	logger  *slog.Logger
	pairs   map[string]*actor.Ref
}

func (b *boardSupervisor) run(ctx context.Context, self *actor.Ref) error {
	for {
		select {
		case <-ctx.Done():
			for _, ref := range b.pairs {
				<-ref.Done()
			}
			return nil
		case msg := <-self.Inbox():
			switch m := msg.(type) {
			case StartTask:
				m.Reply <- b.startTask(ctx, m)
			case StopTask:
				m.Reply <- b.stopTask(ctx, m.TaskID)
			case Teardown:
				stuck := 0
				for id := range b.pairs {
					if err := b.stopTask(ctx, id); err != nil {
						b.logger.Warn("board supervisor: pair did not stop within drain timeout", "task_id", id, "error", err)
						stuck++
					}
				}
				b.logger.Info("board torn down", "stuck_pairs", stuck)
				m.Reply <- struct{}{}
				return nil
			default:
				b.logger.Warn("board supervisor: unexpected message", "type", fmt.Sprintf("%T", msg))
			}
		}
	}
}

func (b *boardSupervisor) startTask(ctx context.Context, m StartTask) error {
	if ref, ok := b.pairs[m.TaskID]; ok && ref.Alive() {
		return nil
	}
	pctx := shared.WithTaskID(ctx, m.TaskID)
	if m.RequestID != "" {
		pctx = shared.WithRequestID(pctx, m.RequestID)
	}
	ref, err := actor.Spawn(pctx, b.deps.Registry, TaskSupervisorKey(m.TaskID), actor.Options{}, taskSupervisor(m.TaskID, b.boardID, b.deps))
	if err != nil {
		return fmt.Errorf("start pair for task %s: %w", m.TaskID, err)
	}
	b.pairs[m.TaskID] = ref
	b.logger.Debug("supervision pair started", "task_id", m.TaskID, "request_id", m.RequestID)
	return nil
}

func (b *boardSupervisor) stopTask(ctx context.Context, taskID string) error {
	ref, ok := b.pairs[taskID]
	if !ok {
		return nil
	}
	delete(b.pairs, taskID)
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*b.deps.DrainTimeout)
	defer cancel()
	if err := ref.StopAndWait(wctx); err != nil {
		return fmt.Errorf("stop pair for task %s: %w", taskID, err)
	}
	b.logger.Debug("supervision pair stopped", "task_id", taskID)
	return nil
}
