package retention_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-lanes/internal/persistence"
	"github.com/basket/go-lanes/internal/retention"
)

// waitFor polls check until it returns true or the deadline elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "golanes.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedExecution records a completed execution finished at completedAt.
func seedExecution(t *testing.T, store *persistence.Store, taskID string, completedAt time.Time) string {
	t.Helper()
	ctx := context.Background()
	e, err := store.QueueExecution(ctx, persistence.QueueParams{TaskID: taskID, HookID: "system:notify", HookName: "Notify", ColumnID: "col"})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if _, err := store.StartExecution(ctx, e.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := store.CompleteExecution(ctx, e.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx, `UPDATE hook_executions SET completed_at = ? WHERE id = ?;`, completedAt.UTC(), e.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	return e.ID
}

func seedTask(t *testing.T, store *persistence.Store) string {
	t.Helper()
	ctx := context.Background()
	board, _ := store.CreateBoard(ctx, "b")
	col, _ := store.CreateColumn(ctx, board.ID, "c", nil)
	task, err := store.CreateTask(ctx, board.ID, col.ID, "t")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task.ID
}

func TestSweeper_PrunesOnlyOldTerminalExecutions(t *testing.T) {
	store := openTestStore(t)
	taskID := seedTask(t, store)
	now := time.Now()
	old := seedExecution(t, store, taskID, now.Add(-100*24*time.Hour))
	recent := seedExecution(t, store, taskID, now.Add(-time.Hour))
	active, err := store.QueueExecution(context.Background(), persistence.QueueParams{TaskID: taskID, HookID: "system:delay", HookName: "Delay", ColumnID: "col"})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	s, err := retention.NewSweeper(retention.Config{Store: store, Schedule: "0 3 * * *", MaxAge: 90 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, err := store.GetExecution(context.Background(), old); err == nil {
		t.Fatal("old execution should be pruned")
	}
	for _, id := range []string{recent, active.ID} {
		if _, err := store.GetExecution(context.Background(), id); err != nil {
			t.Fatalf("execution %s should survive: %v", id, err)
		}
	}
}

func TestSweeper_ZeroMaxAgeKeepsEverything(t *testing.T) {
	store := openTestStore(t)
	taskID := seedTask(t, store)
	seedExecution(t, store, taskID, time.Now().Add(-1000*24*time.Hour))

	s, err := retention.NewSweeper(retention.Config{Store: store, Schedule: "0 3 * * *"})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	if n, err := s.Sweep(context.Background()); err != nil || n != 0 {
		t.Fatalf("Sweep = %d, %v; want nothing pruned", n, err)
	}
}

func TestNewSweeper_RejectsBadSchedule(t *testing.T) {
	if _, err := retention.NewSweeper(retention.Config{Schedule: "not a schedule"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSweeper_NextRun(t *testing.T) {
	s, err := retention.NewSweeper(retention.Config{Schedule: "0 3 * * *"})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	from := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	want := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	if got := s.NextRun(from); !got.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got, want)
	}
}

type countingStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	calls   atomic.Int32
}

func (s *countingStore) PruneExecutions(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	s.cutoffs = append(s.cutoffs, cutoff)
	s.mu.Unlock()
	s.calls.Add(1)
	return 0, nil
}

func TestSweeper_LoopFiresWhenDue(t *testing.T) {
	store := &countingStore{}
	var clock atomic.Int64
	start := time.Date(2026, 1, 1, 2, 59, 0, 0, time.UTC)
	clock.Store(start.UnixNano())

	s, err := retention.NewSweeper(retention.Config{
		Store:    store,
		Logger:   slog.Default(),
		Schedule: "0 3 * * *",
		MaxAge:   24 * time.Hour,
		Interval: 10 * time.Millisecond,
		Now:      func() time.Time { return time.Unix(0, clock.Load()).UTC() },
	})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	if n := store.calls.Load(); n != 0 {
		t.Fatalf("swept %d times before the schedule was due", n)
	}

	clock.Store(start.Add(2 * time.Minute).UnixNano())
	waitFor(t, 2*time.Second, func() bool { return store.calls.Load() == 1 })

	time.Sleep(50 * time.Millisecond)
	if n := store.calls.Load(); n != 1 {
		t.Fatalf("swept %d times, want once per schedule slot", n)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if want := start.Add(2 * time.Minute).Add(-24 * time.Hour); !store.cutoffs[0].Equal(want) {
		t.Fatalf("cutoff = %v, want %v", store.cutoffs[0], want)
	}
}
