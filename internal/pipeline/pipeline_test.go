package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-lanes/internal/hooks"
	"github.com/basket/go-lanes/internal/persistence"
)

// scriptedRunner fails or blocks custom hooks by name.
type scriptedRunner struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]error
	block   map[string]chan struct{}
	started chan string
}

func (r *scriptedRunner) Run(ctx context.Context, h *hooks.CustomHook, inv hooks.Invocation) error {
	r.mu.Lock()
	r.calls = append(r.calls, h.Name())
	r.mu.Unlock()
	if r.started != nil {
		r.started <- h.Name()
	}
	if ch, ok := r.block[h.Name()]; ok {
		select {
		case <-ch:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	return r.fail[h.Name()]
}

func (r *scriptedRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fixture struct {
	store  *persistence.Store
	runner *scriptedRunner
	pipe   *Pipeline
	board  persistence.Board
	col    persistence.Column
	done   persistence.Column
	task   persistence.Task
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "golanes.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	board, _ := store.CreateBoard(ctx, "b")
	col, _ := store.CreateColumn(ctx, board.ID, "Build", nil)
	done, _ := store.CreateColumn(ctx, board.ID, "Done", nil)
	task, _ := store.CreateTask(ctx, board.ID, col.ID, "T")

	runner := &scriptedRunner{fail: map[string]error{}, block: map[string]chan struct{}{}}
	catalog, err := hooks.NewCatalog(store, nil, runner)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return &fixture{
		store:  store,
		runner: runner,
		pipe:   New(Config{Store: store, Hooks: catalog, MaxRedirects: 2}),
		board:  board,
		col:    col,
		done:   done,
		task:   task,
	}
}

func (f *fixture) customHook(t *testing.T, name string, enabled bool) string {
	t.Helper()
	rec, err := f.store.CreateHook(context.Background(), persistence.HookRecord{
		BoardID: f.board.ID, Name: name, Kind: persistence.HookKindScript, Command: "true", Enabled: enabled,
	})
	if err != nil {
		t.Fatalf("create hook: %v", err)
	}
	return rec.ID
}

func (f *fixture) bind(t *testing.T, b persistence.ColumnHook) {
	t.Helper()
	if b.ColumnID == "" {
		b.ColumnID = f.col.ID
	}
	if _, err := f.store.AddColumnHook(context.Background(), b); err != nil {
		t.Fatalf("bind: %v", err)
	}
}

func (f *fixture) request() Request {
	return Request{TaskID: f.task.ID, BoardID: f.board.ID, ColumnID: f.col.ID}
}

func (f *fixture) history(t *testing.T) []persistence.HookExecution {
	t.Helper()
	h, err := f.store.ExecutionsForTaskAndColumn(context.Background(), f.task.ID, f.col.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return h
}

func TestRun_CompletesChainInOrder(t *testing.T) {
	f := newFixture(t)
	f.bind(t, persistence.ColumnHook{HookID: f.customHook(t, "first", true)})
	f.bind(t, persistence.ColumnHook{HookID: hooks.NotifyID, Settings: map[string]any{"message": "hi"}})
	f.bind(t, persistence.ColumnHook{HookID: f.customHook(t, "second", true)})

	res := f.pipe.Run(context.Background(), f.request())
	if res.Outcome != OutcomeCompleted || res.Executed != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if calls := f.runner.Calls(); len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Fatalf("unexpected call order %v", calls)
	}
	for _, e := range f.history(t) {
		if e.Status != persistence.ExecutionCompleted {
			t.Fatalf("expected all completed, got %s for %s", e.Status, e.HookName)
		}
	}
}

func TestRun_ExecuteOnceAcrossThreeEntries(t *testing.T) {
	f := newFixture(t)
	once := f.customHook(t, "setup", true)
	f.bind(t, persistence.ColumnHook{HookID: once, ExecuteOnce: true})

	for i := 0; i < 3; i++ {
		if res := f.pipe.Run(context.Background(), f.request()); res.Outcome != OutcomeCompleted {
			t.Fatalf("run %d: %+v", i, res)
		}
	}
	if calls := f.runner.Calls(); len(calls) != 1 {
		t.Fatalf("expected one invocation, got %v", calls)
	}
	if h := f.history(t); len(h) != 1 {
		t.Fatalf("expected one execution record, got %d", len(h))
	}
	executed, _ := f.store.ExecutedHooks(context.Background(), f.task.ID)
	if len(executed) != 1 || executed[0] != once {
		t.Fatalf("expected one executed-hooks entry, got %v", executed)
	}
}

func TestRun_FailedExecuteOnceIsRetried(t *testing.T) {
	f := newFixture(t)
	f.bind(t, persistence.ColumnHook{HookID: f.customHook(t, "flaky", true), ExecuteOnce: true})
	f.runner.fail["flaky"] = errors.New("boom")

	if res := f.pipe.Run(context.Background(), f.request()); res.Outcome != OutcomeFailed {
		t.Fatalf("expected failure, got %+v", res)
	}
	delete(f.runner.fail, "flaky")
	if res := f.pipe.Run(context.Background(), f.request()); res.Outcome != OutcomeCompleted {
		t.Fatalf("expected retry to complete, got %+v", res)
	}
	if calls := f.runner.Calls(); len(calls) != 2 {
		t.Fatalf("expected a second attempt, got %v", calls)
	}
}

func TestRun_FailureHaltsChain(t *testing.T) {
	f := newFixture(t)
	f.bind(t, persistence.ColumnHook{HookID: f.customHook(t, "lint", true)})
	f.bind(t, persistence.ColumnHook{HookID: f.customHook(t, "deploy", true)})
	f.runner.fail["lint"] = &hooks.ExitError{Code: 2, Stderr: "lint errors"}

	res := f.pipe.Run(context.Background(), f.request())
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %+v", res)
	}
	var exitErr *hooks.ExitError
	if !errors.As(res.Err, &exitErr) || exitErr.Code != 2 {
		t.Fatalf("expected ExitError, got %v", res.Err)
	}
	h := f.history(t)
	if len(h) != 1 || h[0].Status != persistence.ExecutionFailed || h[0].ErrorMessage == "" {
		t.Fatalf("expected one failed execution, got %+v", h)
	}
	if calls := f.runner.Calls(); len(calls) != 1 {
		t.Fatalf("deploy must not run after lint failed: %v", calls)
	}
}

func TestRun_MissingAndDisabledHooksAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.bind(t, persistence.ColumnHook{HookID: "deleted-hook"})
	f.bind(t, persistence.ColumnHook{HookID: f.customHook(t, "off", false)})
	f.bind(t, persistence.ColumnHook{HookID: f.customHook(t, "on", true)})

	res := f.pipe.Run(context.Background(), f.request())
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %+v", res)
	}
	h := f.history(t)
	if len(h) != 3 {
		t.Fatalf("expected 3 records, got %d", len(h))
	}
	if h[0].Status != persistence.ExecutionSkipped || h[0].SkipReason != persistence.SkipReasonError {
		t.Fatalf("missing hook: %+v", h[0])
	}
	if h[1].Status != persistence.ExecutionSkipped || h[1].SkipReason != persistence.SkipReasonDisabled {
		t.Fatalf("disabled hook: %+v", h[1])
	}
	if h[2].Status != persistence.ExecutionCompleted {
		t.Fatalf("enabled hook: %+v", h[2])
	}
}

func TestRun_TransparentRedirectStopsChain(t *testing.T) {
	f := newFixture(t)
	f.bind(t, persistence.ColumnHook{HookID: f.customHook(t, "build", true)})
	f.bind(t, persistence.ColumnHook{
		HookID:      hooks.MoveTaskID,
		Transparent: true,
		Settings:    map[string]any{"target_column_id": f.done.ID},
	})
	f.bind(t, persistence.ColumnHook{HookID: f.customHook(t, "after", true)})

	res := f.pipe.Run(context.Background(), f.request())
	if res.Outcome != OutcomeRedirect || res.TargetColumnID != f.done.ID {
		t.Fatalf("expected redirect to %s, got %+v", f.done.ID, res)
	}
	if calls := f.runner.Calls(); len(calls) != 1 || calls[0] != "build" {
		t.Fatalf("hooks after the redirect must not run: %v", calls)
	}
	if h := f.history(t); len(h) != 2 {
		t.Fatalf("expected 2 records, got %d", len(h))
	}
}

func TestRun_RedirectDepthLimit(t *testing.T) {
	f := newFixture(t)
	f.bind(t, persistence.ColumnHook{
		HookID:      hooks.MoveTaskID,
		Transparent: true,
		Settings:    map[string]any{"target_column_id": f.done.ID},
	})
	req := f.request()
	req.RedirectDepth = 2

	res := f.pipe.Run(context.Background(), req)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failure at redirect limit, got %+v", res)
	}
	h := f.history(t)
	if len(h) != 1 || h[0].Status != persistence.ExecutionFailed {
		t.Fatalf("expected failed execution, got %+v", h)
	}
}

func TestRun_CancellationRecordsReason(t *testing.T) {
	f := newFixture(t)
	f.bind(t, persistence.ColumnHook{HookID: f.customHook(t, "slow", true)})
	f.bind(t, persistence.ColumnHook{HookID: f.customHook(t, "next", true)})
	f.runner.block["slow"] = make(chan struct{})
	f.runner.started = make(chan string, 4)

	ctx, cancel := context.WithCancelCause(context.Background())
	results := make(chan Result, 1)
	go func() { results <- f.pipe.Run(ctx, f.request()) }()

	select {
	case <-f.runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("slow hook never started")
	}
	cancel(Cancelled(persistence.SkipReasonColumnChange))

	var res Result
	select {
	case res = <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop on cancellation")
	}
	if res.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %+v", res)
	}
	h := f.history(t)
	if len(h) != 1 {
		t.Fatalf("the next hook must not be queued, got %d records", len(h))
	}
	if h[0].Status != persistence.ExecutionCancelled || h[0].SkipReason != persistence.SkipReasonColumnChange {
		t.Fatalf("expected cancelled(column_change), got %+v", h[0])
	}
}

func TestReasonFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := ReasonFromContext(ctx); got != persistence.SkipReasonColumnChange {
		t.Fatalf("expected default column_change, got %s", got)
	}
	ctx, cancelCause := context.WithCancelCause(context.Background())
	cancelCause(Cancelled(persistence.SkipReasonUserCancelled))
	if got := ReasonFromContext(ctx); got != persistence.SkipReasonUserCancelled {
		t.Fatalf("expected user_cancelled, got %s", got)
	}
}
