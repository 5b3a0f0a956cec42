// Package semaphore implements per-column admission control. Each
// capacity-limited column gets one actor that owns its running set and
// its priority-ordered wait queue.
package semaphore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/basket/go-lanes/internal/actor"
	"github.com/basket/go-lanes/internal/bus"
	"github.com/basket/go-lanes/internal/otel"
	"github.com/basket/go-lanes/internal/persistence"
	"go.opentelemetry.io/otel/metric"
)

// ErrNotInQueue is returned by Prioritize for a task that is not waiting.
var ErrNotInQueue = errors.New("semaphore: task not in queue")

const (
	notifyTimeout  = 5 * time.Second
	restartGrace   = 500 * time.Millisecond
	lookupInterval = 20 * time.Millisecond
)

// Outcome answers a start request. Position is 1-based when queued.
type Outcome struct {
	Admitted bool `json:"admitted"`
	Position int  `json:"position,omitempty"`
}

// QueueEntry is one waiting task.
type QueueEntry struct {
	TaskID   string    `json:"task_id"`
	Priority int       `json:"priority"`
	QueuedAt time.Time `json:"queued_at"`
}

// Status is a snapshot of a column's admission state.
type Status struct {
	ColumnID string       `json:"column_id"`
	Limited  bool         `json:"limited"`
	Limit    int          `json:"limit,omitempty"`
	Running  []string     `json:"running"`
	Queue    []QueueEntry `json:"queue"`
}

// Admitted is told to a task's hook worker when the task leaves the queue
// and takes a slot.
type Admitted struct {
	TaskID   string
	ColumnID string
}

type requestStart struct {
	taskID   string
	priority int
	reply    chan<- Outcome
}

type taskCompleted struct {
	taskID string
	reply  chan<- struct{}
}

type taskLeft struct {
	taskID string
	reply  chan<- struct{}
}

type prioritize struct {
	taskID string
	reply  chan<- error
}

type updateLimit struct {
	limit int
	reply chan<- struct{}
}

type statusRequest struct {
	reply chan<- Status
}

type entry struct {
	taskID   string
	priority int
	arrival  uint64
	queuedAt time.Time
}

// SlotStore is the record-layer surface the semaphore mirrors into.
type SlotStore interface {
	ColumnSlots(ctx context.Context, columnID string) ([]string, []persistence.QueuedTask, error)
	MarkTaskRunning(ctx context.Context, taskID string) error
	MarkTaskQueued(ctx context.Context, taskID string, queuedAt time.Time, priority int) error
	SetQueuePriority(ctx context.Context, taskID string, priority int) error
	ClearTaskSlot(ctx context.Context, taskID string) error
}

type semaphore struct {
	columnID string
	limit    int
	running  map[string]time.Time
	queue    []entry
	arrivals uint64

	self    *actor.Ref
	reg     *actor.Registry
	store   SlotStore
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	attrs   metric.MeasurementOption

	reportedRunning int64
	reportedQueued  int64
}

func (s *semaphore) run(ctx context.Context, self *actor.Ref) error {
	s.self = self
	s.restore(ctx)
	s.admit(ctx)
	s.report(ctx)
	defer s.clearReport()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-self.Inbox():
			stop := s.handle(ctx, msg)
			s.report(ctx)
			if stop {
				return nil
			}
		}
	}
}

func (s *semaphore) handle(ctx context.Context, msg any) (stop bool) {
	switch m := msg.(type) {
	case requestStart:
		m.reply <- s.requestStart(ctx, m.taskID, m.priority)
	case taskCompleted:
		if _, ok := s.running[m.taskID]; ok {
			delete(s.running, m.taskID)
			s.mirror(ctx, "clear", m.taskID, s.store.ClearTaskSlot(ctx, m.taskID))
			s.publish(bus.TopicSemaphoreReleased, m.taskID, 0)
		}
		s.admit(ctx)
		m.reply <- struct{}{}
	case taskLeft:
		s.remove(ctx, m.taskID)
		s.admit(ctx)
		m.reply <- struct{}{}
	case prioritize:
		m.reply <- s.prioritize(ctx, m.taskID)
	case updateLimit:
		if m.limit <= 0 {
			s.releaseAll(ctx)
			m.reply <- struct{}{}
			return true
		}
		s.limit = m.limit
		s.admit(ctx)
		m.reply <- struct{}{}
	case statusRequest:
		m.reply <- s.status()
	default:
		s.logger.Warn("semaphore: unexpected message", "type", fmt.Sprintf("%T", msg))
	}
	return false
}

func (s *semaphore) restore(ctx context.Context) {
	running, queued, err := s.store.ColumnSlots(ctx, s.columnID)
	if err != nil {
		s.logger.Warn("semaphore: restore from records failed; starting empty", "error", err)
		return
	}
	for _, id := range running {
		s.running[id] = time.Now()
	}
	for _, q := range queued {
		s.arrivals++
		s.queue = append(s.queue, entry{taskID: q.TaskID, priority: q.Priority, arrival: s.arrivals, queuedAt: q.QueuedAt})
	}
	s.sortQueue()
	if len(running) > 0 || len(queued) > 0 {
		s.logger.Info("semaphore restored", "running", len(running), "queued", len(queued), "limit", s.limit)
	}
}

func (s *semaphore) requestStart(ctx context.Context, taskID string, priority int) Outcome {
	if _, ok := s.running[taskID]; ok {
		return Outcome{Admitted: true}
	}
	if pos := s.position(taskID); pos > 0 {
		return Outcome{Position: pos}
	}
	if len(s.running) < s.limit {
		s.take(ctx, taskID)
		return Outcome{Admitted: true}
	}
	s.arrivals++
	e := entry{taskID: taskID, priority: priority, arrival: s.arrivals, queuedAt: time.Now().UTC()}
	s.queue = append(s.queue, e)
	s.sortQueue()
	s.mirror(ctx, "queue", taskID, s.store.MarkTaskQueued(ctx, taskID, e.queuedAt, priority))
	pos := s.position(taskID)
	s.publish(bus.TopicSemaphoreQueued, taskID, pos)
	return Outcome{Position: pos}
}

func (s *semaphore) take(ctx context.Context, taskID string) {
	s.running[taskID] = time.Now()
	s.mirror(ctx, "run", taskID, s.store.MarkTaskRunning(ctx, taskID))
	s.metrics.SemaphoreAdmissions.Add(ctx, 1, s.attrs)
	s.publish(bus.TopicSemaphoreAdmitted, taskID, 0)
}

// admit moves queue heads into the running set while capacity remains and
// signals each admitted task's hook worker.
func (s *semaphore) admit(ctx context.Context) {
	for len(s.running) < s.limit && len(s.queue) > 0 {
		head := s.queue[0]
		s.queue = s.queue[1:]
		s.take(ctx, head.taskID)
		s.notify(head.taskID)
	}
}

func (s *semaphore) remove(ctx context.Context, taskID string) {
	_, wasRunning := s.running[taskID]
	delete(s.running, taskID)
	wasQueued := false
	for i, e := range s.queue {
		if e.taskID == taskID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			wasQueued = true
			break
		}
	}
	if wasRunning || wasQueued {
		s.mirror(ctx, "clear", taskID, s.store.ClearTaskSlot(ctx, taskID))
		s.publish(bus.TopicSemaphoreReleased, taskID, 0)
	}
}

func (s *semaphore) prioritize(ctx context.Context, taskID string) error {
	idx := -1
	maxPriority := 0
	for i, e := range s.queue {
		if e.taskID == taskID {
			idx = i
		}
		if i == 0 || e.priority > maxPriority {
			maxPriority = e.priority
		}
	}
	if idx < 0 {
		return ErrNotInQueue
	}
	if idx == 0 {
		return nil
	}
	s.queue[idx].priority = maxPriority + 1
	s.sortQueue()
	s.mirror(ctx, "prioritize", taskID, s.store.SetQueuePriority(ctx, taskID, maxPriority+1))
	return nil
}

// releaseAll lets every waiting task through and drops all slot records;
// the column is no longer constrained.
func (s *semaphore) releaseAll(ctx context.Context) {
	for _, e := range s.queue {
		s.mirror(ctx, "clear", e.taskID, s.store.ClearTaskSlot(ctx, e.taskID))
		s.publish(bus.TopicSemaphoreReleased, e.taskID, 0)
		s.notify(e.taskID)
	}
	for id := range s.running {
		s.mirror(ctx, "clear", id, s.store.ClearTaskSlot(ctx, id))
	}
	s.logger.Info("semaphore released; column is unconstrained", "released", len(s.queue), "running", len(s.running))
	s.queue = nil
	s.running = map[string]time.Time{}
}

func (s *semaphore) position(taskID string) int {
	for i, e := range s.queue {
		if e.taskID == taskID {
			return i + 1
		}
	}
	return 0
}

func (s *semaphore) sortQueue() {
	sort.SliceStable(s.queue, func(i, j int) bool {
		if s.queue[i].priority != s.queue[j].priority {
			return s.queue[i].priority > s.queue[j].priority
		}
		return s.queue[i].arrival < s.queue[j].arrival
	})
}

func (s *semaphore) status() Status {
	st := Status{ColumnID: s.columnID, Limited: true, Limit: s.limit, Running: make([]string, 0, len(s.running)), Queue: make([]QueueEntry, 0, len(s.queue))}
	for id := range s.running {
		st.Running = append(st.Running, id)
	}
	sort.Slice(st.Running, func(i, j int) bool {
		ti, tj := s.running[st.Running[i]], s.running[st.Running[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return st.Running[i] < st.Running[j]
	})
	for _, e := range s.queue {
		st.Queue = append(st.Queue, QueueEntry{TaskID: e.taskID, Priority: e.priority, QueuedAt: e.queuedAt})
	}
	return st
}

// notify signals the task's hook worker without blocking the semaphore. A
// hook worker between incarnations is looked up again for restartGrace. If
// none takes the message the slot is handed back.
func (s *semaphore) notify(taskID string) {
	msg := Admitted{TaskID: taskID, ColumnID: s.columnID}
	key := actor.NewKey(actor.KindHookWorker, taskID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		deadline := time.Now().Add(restartGrace)
		for {
			if ref, ok := s.reg.Lookup(key); ok && ref.Tell(ctx, msg) == nil {
				return
			}
			if time.Now().After(deadline) {
				break
			}
			time.Sleep(lookupInterval)
		}
		s.logger.Warn("semaphore: admitted task has no hook worker; releasing slot", "task_id", taskID)
		_ = s.self.Tell(ctx, taskCompleted{taskID: taskID, reply: make(chan struct{}, 1)})
	}()
}

func (s *semaphore) mirror(ctx context.Context, op, taskID string, err error) {
	if err != nil {
		s.logger.Warn("semaphore: mirror to records failed", "op", op, "task_id", taskID, "error", err)
	}
}

func (s *semaphore) publish(topic, taskID string, position int) {
	s.bus.Publish(topic, bus.SemaphoreEvent{
		ColumnID: s.columnID,
		TaskID:   taskID,
		Position: position,
		Running:  len(s.running),
		Queued:   len(s.queue),
		Limit:    s.limit,
	})
}

func (s *semaphore) report(ctx context.Context) {
	running, queued := int64(len(s.running)), int64(len(s.queue))
	if d := running - s.reportedRunning; d != 0 {
		s.metrics.SemaphoreRunning.Add(ctx, d, s.attrs)
	}
	if d := queued - s.reportedQueued; d != 0 {
		s.metrics.SemaphoreQueued.Add(ctx, d, s.attrs)
	}
	s.reportedRunning, s.reportedQueued = running, queued
}

func (s *semaphore) clearReport() {
	ctx := context.Background()
	if s.reportedRunning != 0 {
		s.metrics.SemaphoreRunning.Add(ctx, -s.reportedRunning, s.attrs)
	}
	if s.reportedQueued != 0 {
		s.metrics.SemaphoreQueued.Add(ctx, -s.reportedQueued, s.attrs)
	}
}
