package semaphore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-lanes/internal/actor"
	"github.com/basket/go-lanes/internal/persistence"
)

type fixture struct {
	ctx   context.Context
	store *persistence.Store
	reg   *actor.Registry
	mgr   *Manager
	board persistence.Board
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "golanes.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	board, err := store.CreateBoard(context.Background(), "b")
	if err != nil {
		t.Fatalf("create board: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg := actor.NewRegistry()
	return &fixture{
		ctx:   ctx,
		store: store,
		reg:   reg,
		mgr:   NewManager(ctx, ManagerConfig{Registry: reg, Store: store}),
		board: board,
	}
}

func (f *fixture) column(t *testing.T, limit *int) persistence.Column {
	t.Helper()
	col, err := f.store.CreateColumn(context.Background(), f.board.ID, "col", limit)
	if err != nil {
		t.Fatalf("create column: %v", err)
	}
	return col
}

func (f *fixture) task(t *testing.T, col persistence.Column, title string) string {
	t.Helper()
	task, err := f.store.CreateTask(context.Background(), f.board.ID, col.ID, title)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task.ID
}

// hookWorker registers a stand-in hook worker that forwards Admitted
// signals to the returned channel.
func (f *fixture) hookWorker(t *testing.T, taskID string) <-chan Admitted {
	t.Helper()
	ch := make(chan Admitted, 4)
	_, err := actor.Spawn(f.ctx, f.reg, actor.NewKey(actor.KindHookWorker, taskID), actor.Options{}, func(ctx context.Context, self *actor.Ref) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg := <-self.Inbox():
				if a, ok := msg.(Admitted); ok {
					ch <- a
				}
			}
		}
	})
	if err != nil {
		t.Fatalf("spawn hook worker: %v", err)
	}
	return ch
}

func (f *fixture) request(t *testing.T, taskID, columnID string) Outcome {
	t.Helper()
	out, err := f.mgr.RequestStart(context.Background(), taskID, columnID)
	if err != nil {
		t.Fatalf("RequestStart(%s): %v", taskID, err)
	}
	return out
}

func (f *fixture) status(t *testing.T, columnID string) Status {
	t.Helper()
	st, err := f.mgr.Status(context.Background(), columnID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return st
}

func (f *fixture) loadTask(t *testing.T, taskID string) *persistence.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

func queueIDs(st Status) []string {
	ids := make([]string, 0, len(st.Queue))
	for _, e := range st.Queue {
		ids = append(ids, e.TaskID)
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func expectAdmitted(t *testing.T, ch <-chan Admitted, taskID string) {
	t.Helper()
	select {
	case a := <-ch:
		if a.TaskID != taskID {
			t.Fatalf("admitted %s, want %s", a.TaskID, taskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s to be admitted", taskID)
	}
}

func intPtr(n int) *int { return &n }

func TestManager_UnconstrainedColumnAdmitsWithoutActor(t *testing.T) {
	f := newFixture(t)
	col := f.column(t, nil)
	a := f.task(t, col, "A")

	if out := f.request(t, a, col.ID); !out.Admitted {
		t.Fatalf("outcome = %+v, want admitted", out)
	}
	if f.reg.Len() != 0 {
		t.Fatalf("registry has %d actors, want none", f.reg.Len())
	}
	if st := f.status(t, col.ID); st.Limited {
		t.Fatalf("status = %+v, want unlimited", st)
	}
	if got := f.loadTask(t, a); got.InProgress {
		t.Fatal("unconstrained admission must not mark the task running")
	}
}

func TestManager_LimitOneQueuesAndAdmitsInOrder(t *testing.T) {
	f := newFixture(t)
	col := f.column(t, intPtr(1))
	a, b, c := f.task(t, col, "A"), f.task(t, col, "B"), f.task(t, col, "C")
	bAdmitted := f.hookWorker(t, b)
	cAdmitted := f.hookWorker(t, c)

	if out := f.request(t, a, col.ID); !out.Admitted {
		t.Fatalf("A outcome = %+v, want admitted", out)
	}
	if out := f.request(t, b, col.ID); out.Admitted || out.Position != 1 {
		t.Fatalf("B outcome = %+v, want queued at 1", out)
	}
	if out := f.request(t, c, col.ID); out.Admitted || out.Position != 2 {
		t.Fatalf("C outcome = %+v, want queued at 2", out)
	}

	st := f.status(t, col.ID)
	if !st.Limited || st.Limit != 1 || !equalIDs(st.Running, []string{a}) || !equalIDs(queueIDs(st), []string{b, c}) {
		t.Fatalf("status = %+v", st)
	}
	if task := f.loadTask(t, a); !task.InProgress {
		t.Fatal("A should be mirrored as running")
	}
	if task := f.loadTask(t, b); task.QueuedAt == nil || task.InProgress {
		t.Fatalf("B should be mirrored as queued: %+v", task)
	}

	if err := f.mgr.TaskCompleted(context.Background(), a, col.ID); err != nil {
		t.Fatalf("TaskCompleted: %v", err)
	}
	expectAdmitted(t, bAdmitted, b)
	st = f.status(t, col.ID)
	if !equalIDs(st.Running, []string{b}) || !equalIDs(queueIDs(st), []string{c}) {
		t.Fatalf("status after A completed = %+v", st)
	}
	if task := f.loadTask(t, a); task.InProgress || task.QueuedAt != nil {
		t.Fatalf("A slot should be cleared: %+v", task)
	}
	if task := f.loadTask(t, b); !task.InProgress || task.QueuedAt != nil {
		t.Fatalf("B should be mirrored as running: %+v", task)
	}

	if err := f.mgr.TaskCompleted(context.Background(), b, col.ID); err != nil {
		t.Fatalf("TaskCompleted: %v", err)
	}
	expectAdmitted(t, cAdmitted, c)
}

func TestManager_RequestStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	col := f.column(t, intPtr(1))
	a, b := f.task(t, col, "A"), f.task(t, col, "B")

	f.request(t, a, col.ID)
	f.request(t, b, col.ID)
	if out := f.request(t, a, col.ID); !out.Admitted {
		t.Fatalf("repeat A = %+v, want admitted", out)
	}
	if out := f.request(t, b, col.ID); out.Admitted || out.Position != 1 {
		t.Fatalf("repeat B = %+v, want queued at 1", out)
	}
	st := f.status(t, col.ID)
	if len(st.Running) != 1 || len(st.Queue) != 1 {
		t.Fatalf("status = %+v, want one running and one queued", st)
	}
}

func TestManager_TaskPriorityOrdersQueue(t *testing.T) {
	f := newFixture(t)
	col := f.column(t, intPtr(1))
	a, low, high := f.task(t, col, "A"), f.task(t, col, "low"), f.task(t, col, "high")
	if err := f.store.SetTaskPriority(context.Background(), high, 5); err != nil {
		t.Fatalf("SetTaskPriority: %v", err)
	}

	f.request(t, a, col.ID)
	f.request(t, low, col.ID)
	if out := f.request(t, high, col.ID); out.Position != 1 {
		t.Fatalf("high priority task position = %d, want 1", out.Position)
	}
	if got := queueIDs(f.status(t, col.ID)); !equalIDs(got, []string{high, low}) {
		t.Fatalf("queue = %v, want [high low]", got)
	}
}

func TestManager_Prioritize(t *testing.T) {
	f := newFixture(t)
	col := f.column(t, intPtr(1))
	a, b, c, d := f.task(t, col, "A"), f.task(t, col, "B"), f.task(t, col, "C"), f.task(t, col, "D")
	for _, id := range []string{a, b, c, d} {
		f.request(t, id, col.ID)
	}

	if err := f.mgr.Prioritize(context.Background(), d, col.ID); err != nil {
		t.Fatalf("Prioritize: %v", err)
	}
	if got := queueIDs(f.status(t, col.ID)); !equalIDs(got, []string{d, b, c}) {
		t.Fatalf("queue = %v, want [D B C]", got)
	}
	if task := f.loadTask(t, d); task.QueuePriority != 1 {
		t.Fatalf("D queue_priority = %d, want 1", task.QueuePriority)
	}

	before := f.status(t, col.ID)
	err := f.mgr.Prioritize(context.Background(), a, col.ID)
	if !errors.Is(err, ErrNotInQueue) {
		t.Fatalf("Prioritize running task err = %v, want ErrNotInQueue", err)
	}
	after := f.status(t, col.ID)
	if !equalIDs(queueIDs(before), queueIDs(after)) || !equalIDs(before.Running, after.Running) {
		t.Fatalf("rejected Prioritize mutated state: before %+v after %+v", before, after)
	}

	other := f.column(t, nil)
	if err := f.mgr.Prioritize(context.Background(), a, other.ID); !errors.Is(err, ErrNotInQueue) {
		t.Fatalf("Prioritize on unconstrained column err = %v, want ErrNotInQueue", err)
	}
}

func TestManager_TaskLeftColumnDropsRunningAndQueued(t *testing.T) {
	f := newFixture(t)
	col := f.column(t, intPtr(1))
	a, b, c := f.task(t, col, "A"), f.task(t, col, "B"), f.task(t, col, "C")
	cAdmitted := f.hookWorker(t, c)
	for _, id := range []string{a, b, c} {
		f.request(t, id, col.ID)
	}

	if err := f.mgr.TaskLeftColumn(context.Background(), b, col.ID); err != nil {
		t.Fatalf("TaskLeftColumn(B): %v", err)
	}
	if task := f.loadTask(t, b); task.QueuedAt != nil {
		t.Fatal("B queue record should be cleared")
	}
	if got := queueIDs(f.status(t, col.ID)); !equalIDs(got, []string{c}) {
		t.Fatalf("queue = %v, want [C]", got)
	}

	if err := f.mgr.TaskLeftColumn(context.Background(), a, col.ID); err != nil {
		t.Fatalf("TaskLeftColumn(A): %v", err)
	}
	expectAdmitted(t, cAdmitted, c)
}

func TestManager_RaisingLimitAdmitsQueued(t *testing.T) {
	f := newFixture(t)
	col := f.column(t, intPtr(1))
	a, b, c := f.task(t, col, "A"), f.task(t, col, "B"), f.task(t, col, "C")
	bAdmitted := f.hookWorker(t, b)
	for _, id := range []string{a, b, c} {
		f.request(t, id, col.ID)
	}

	if err := f.mgr.UpdateLimit(context.Background(), col.ID, intPtr(2)); err != nil {
		t.Fatalf("UpdateLimit: %v", err)
	}
	expectAdmitted(t, bAdmitted, b)
	st := f.status(t, col.ID)
	if st.Limit != 2 || len(st.Running) != 2 || !equalIDs(queueIDs(st), []string{c}) {
		t.Fatalf("status = %+v", st)
	}
}

func TestManager_LoweringLimitDoesNotPreempt(t *testing.T) {
	f := newFixture(t)
	col := f.column(t, intPtr(2))
	a, b, c := f.task(t, col, "A"), f.task(t, col, "B"), f.task(t, col, "C")
	for _, id := range []string{a, b, c} {
		f.request(t, id, col.ID)
	}
	if err := f.mgr.UpdateLimit(context.Background(), col.ID, intPtr(1)); err != nil {
		t.Fatalf("UpdateLimit: %v", err)
	}
	if st := f.status(t, col.ID); len(st.Running) != 2 {
		t.Fatalf("running = %v, want both tasks kept", st.Running)
	}

	if err := f.mgr.TaskCompleted(context.Background(), a, col.ID); err != nil {
		t.Fatalf("TaskCompleted: %v", err)
	}
	st := f.status(t, col.ID)
	if !equalIDs(st.Running, []string{b}) || !equalIDs(queueIDs(st), []string{c}) {
		t.Fatalf("status = %+v, want C still waiting under the lower limit", st)
	}
}

func TestManager_ClearingLimitReleasesQueue(t *testing.T) {
	f := newFixture(t)
	col := f.column(t, intPtr(1))
	a, b := f.task(t, col, "A"), f.task(t, col, "B")
	bAdmitted := f.hookWorker(t, b)
	f.request(t, a, col.ID)
	f.request(t, b, col.ID)

	if err := f.store.SetColumnLimit(context.Background(), col.ID, nil); err != nil {
		t.Fatalf("SetColumnLimit: %v", err)
	}
	if err := f.mgr.UpdateLimit(context.Background(), col.ID, nil); err != nil {
		t.Fatalf("UpdateLimit: %v", err)
	}
	expectAdmitted(t, bAdmitted, b)

	if _, ok := f.reg.Lookup(columnKey(col.ID)); ok {
		t.Fatal("semaphore actor should stop once the column is unconstrained")
	}
	if st := f.status(t, col.ID); st.Limited {
		t.Fatalf("status = %+v, want unlimited", st)
	}
	for _, id := range []string{a, b} {
		if task := f.loadTask(t, id); task.InProgress || task.QueuedAt != nil {
			t.Fatalf("task %s slot not cleared: %+v", id, task)
		}
	}
}

func TestManager_RestoresFromRecords(t *testing.T) {
	f := newFixture(t)
	col := f.column(t, intPtr(1))
	a, b, c := f.task(t, col, "A"), f.task(t, col, "B"), f.task(t, col, "C")
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)
	if err := f.store.MarkTaskRunning(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkTaskQueued(ctx, b, base, 0); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkTaskQueued(ctx, c, base.Add(time.Second), 3); err != nil {
		t.Fatal(err)
	}

	if out := f.request(t, b, col.ID); out.Admitted || out.Position != 2 {
		t.Fatalf("B outcome = %+v, want queued at 2 behind the higher priority C", out)
	}
	st := f.status(t, col.ID)
	if !equalIDs(st.Running, []string{a}) || !equalIDs(queueIDs(st), []string{c, b}) {
		t.Fatalf("restored status = %+v", st)
	}
}

func TestManager_TaskLeftColumnWithoutLiveActorClearsRecord(t *testing.T) {
	f := newFixture(t)
	col := f.column(t, intPtr(1))
	a, b := f.task(t, col, "A"), f.task(t, col, "B")
	bAdmitted := f.hookWorker(t, b)
	ctx := context.Background()
	if err := f.store.MarkTaskRunning(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkTaskQueued(ctx, b, time.Now().UTC(), 0); err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.TaskLeftColumn(ctx, a, col.ID); err != nil {
		t.Fatalf("TaskLeftColumn: %v", err)
	}
	if task := f.loadTask(t, a); task.InProgress || task.QueuedAt != nil {
		t.Fatalf("A slot record not cleared: %+v", task)
	}
	expectAdmitted(t, bAdmitted, b)
	if st := f.status(t, col.ID); !equalIDs(st.Running, []string{b}) || len(st.Queue) != 0 {
		t.Fatalf("status = %+v, want only B running", st)
	}
}

func TestManager_TaskCompletedWithoutLiveActorClearsRecord(t *testing.T) {
	f := newFixture(t)
	col := f.column(t, intPtr(1))
	a, c := f.task(t, col, "A"), f.task(t, col, "C")
	ctx := context.Background()
	if err := f.store.MarkTaskRunning(ctx, a); err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.TaskCompleted(ctx, a, col.ID); err != nil {
		t.Fatalf("TaskCompleted: %v", err)
	}
	if task := f.loadTask(t, a); task.InProgress {
		t.Fatal("A should no longer be recorded as running")
	}
	if out := f.request(t, c, col.ID); !out.Admitted {
		t.Fatalf("C outcome = %+v, want admitted into the freed slot", out)
	}

	unlimited := f.column(t, nil)
	d := f.task(t, unlimited, "D")
	if err := f.store.MarkTaskRunning(ctx, d); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.TaskCompleted(ctx, d, unlimited.ID); err != nil {
		t.Fatalf("TaskCompleted on unconstrained column: %v", err)
	}
	if task := f.loadTask(t, d); task.InProgress {
		t.Fatal("D stale running flag should be cleared")
	}
	if _, ok := f.reg.Lookup(columnKey(unlimited.ID)); ok {
		t.Fatal("unconstrained column must not get a semaphore")
	}
}

func TestManager_PrioritizeRestoresSemaphore(t *testing.T) {
	f := newFixture(t)
	col := f.column(t, intPtr(1))
	a, b, c := f.task(t, col, "A"), f.task(t, col, "B"), f.task(t, col, "C")
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)
	if err := f.store.MarkTaskRunning(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkTaskQueued(ctx, b, base, 0); err != nil {
		t.Fatal(err)
	}
	if err := f.store.MarkTaskQueued(ctx, c, base.Add(time.Second), 0); err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.Prioritize(ctx, c, col.ID); err != nil {
		t.Fatalf("Prioritize: %v", err)
	}
	if got := queueIDs(f.status(t, col.ID)); !equalIDs(got, []string{c, b}) {
		t.Fatalf("queue = %v, want [C B]", got)
	}
}

func TestManager_AdmittedWithoutHookWorkerReleasesSlot(t *testing.T) {
	f := newFixture(t)
	col := f.column(t, intPtr(1))
	a, b := f.task(t, col, "A"), f.task(t, col, "B")
	f.request(t, a, col.ID)
	f.request(t, b, col.ID)

	if err := f.mgr.TaskCompleted(context.Background(), a, col.ID); err != nil {
		t.Fatalf("TaskCompleted: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := f.status(t, col.ID)
		if len(st.Running) == 0 && len(st.Queue) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot never released: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestManager_AdmittedReachesRestartingHookWorker(t *testing.T) {
	f := newFixture(t)
	col := f.column(t, intPtr(1))
	a, b := f.task(t, col, "A"), f.task(t, col, "B")
	f.request(t, a, col.ID)
	f.request(t, b, col.ID)

	if err := f.mgr.TaskCompleted(context.Background(), a, col.ID); err != nil {
		t.Fatalf("TaskCompleted: %v", err)
	}
	time.Sleep(restartGrace / 5)
	bAdmitted := f.hookWorker(t, b)
	expectAdmitted(t, bAdmitted, b)
	if st := f.status(t, col.ID); !equalIDs(st.Running, []string{b}) {
		t.Fatalf("running = %v, want B to keep its slot", st.Running)
	}
}

func TestManager_ConcurrentRequestsRespectLimit(t *testing.T) {
	f := newFixture(t)
	col := f.column(t, intPtr(3))
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = f.task(t, col, "t")
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			out, err := f.mgr.RequestStart(context.Background(), id, col.ID)
			if err != nil {
				t.Errorf("RequestStart: %v", err)
				return
			}
			if out.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	if admitted != 3 {
		t.Fatalf("admitted = %d, want 3", admitted)
	}
	st := f.status(t, col.ID)
	if len(st.Running) != 3 || len(st.Queue) != 17 {
		t.Fatalf("status running=%d queued=%d", len(st.Running), len(st.Queue))
	}
	if keys := f.reg.Keys(actor.KindColumnSemaphore); len(keys) != 1 {
		t.Fatalf("semaphore actors = %d, want exactly one", len(keys))
	}
}
