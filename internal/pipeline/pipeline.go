// Package pipeline runs a column's ordered hook chain for one task.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-lanes/internal/bus"
	"github.com/basket/go-lanes/internal/hooks"
	"github.com/basket/go-lanes/internal/otel"
	"github.com/basket/go-lanes/internal/persistence"
	"github.com/basket/go-lanes/internal/shared"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxRedirects = 8

// Outcome is how a pipeline run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRedirect  Outcome = "redirect"
)

// CancelError is the cancellation cause carrying the skip reason recorded
// on the interrupted execution.
type CancelError struct {
	Reason persistence.SkipReason
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("pipeline cancelled: %s", e.Reason)
}

// Cancelled builds a cancellation cause for context.WithCancelCause.
func Cancelled(reason persistence.SkipReason) error {
	return &CancelError{Reason: reason}
}

// ReasonFromContext extracts the skip reason from ctx's cancellation
// cause, defaulting to column_change.
func ReasonFromContext(ctx context.Context) persistence.SkipReason {
	var ce *CancelError
	if errors.As(context.Cause(ctx), &ce) {
		return ce.Reason
	}
	return persistence.SkipReasonColumnChange
}

// Store is the subset of the record layer a pipeline run uses.
type Store interface {
	ListColumnHooks(ctx context.Context, columnID string) ([]persistence.ColumnHook, error)
	HasExecutedHook(ctx context.Context, taskID, hookID string) (bool, error)
	MarkHookExecuted(ctx context.Context, taskID, hookID string) (bool, error)
	QueueExecution(ctx context.Context, p persistence.QueueParams) (*persistence.HookExecution, error)
	StartExecution(ctx context.Context, id string) (*persistence.HookExecution, error)
	CompleteExecution(ctx context.Context, id string) (*persistence.HookExecution, error)
	FailExecution(ctx context.Context, id, message string) (*persistence.HookExecution, error)
	CancelExecution(ctx context.Context, id string, reason persistence.SkipReason) (*persistence.HookExecution, error)
	SkipExecution(ctx context.Context, id string, reason persistence.SkipReason) (*persistence.HookExecution, error)
}

// Hooks resolves and invokes hooks.
type Hooks interface {
	GetHook(ctx context.Context, id string) (hooks.Hook, error)
	Invoke(ctx context.Context, h hooks.Hook, inv hooks.Invocation) error
}

type Config struct {
	Store        Store
	Hooks        Hooks
	Bus          *bus.Bus
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *otel.Metrics
	MaxRedirects int
}

// Request identifies one run.
type Request struct {
	TaskID   string
	BoardID  string
	ColumnID string
	// RedirectDepth counts transparent redirects that led here.
	RedirectDepth int
}

// Result describes how a run ended.
type Result struct {
	Outcome        Outcome
	TargetColumnID string
	// FailedHookID is set when Outcome is OutcomeFailed.
	FailedHookID string
	Err          error
	// Executed counts executions this run recorded.
	Executed int
}

type Pipeline struct {
	store        Store
	hooks        Hooks
	bus          *bus.Bus
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *otel.Metrics
	maxRedirects int
}

func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.NoopTracer()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otel.NoopMetrics()
	}
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = defaultMaxRedirects
	}
	return &Pipeline{
		store:        cfg.Store,
		hooks:        cfg.Hooks,
		bus:          cfg.Bus,
		logger:       logger,
		tracer:       tracer,
		metrics:      metrics,
		maxRedirects: maxRedirects,
	}
}

// Run executes the column's chain in ascending position. Hooks run
// serially in the caller's goroutine; cancelling ctx interrupts the
// current hook and records it as cancelled with the cause's reason.
func (p *Pipeline) Run(ctx context.Context, req Request) (res Result) {
	ctx = shared.WithTaskID(shared.WithColumnID(ctx, req.ColumnID), req.TaskID)
	ctx, span := otel.StartSpan(ctx, p.tracer, "pipeline.run",
		otel.AttrTaskID.String(req.TaskID),
		otel.AttrColumnID.String(req.ColumnID),
		otel.AttrBoardID.String(req.BoardID),
		otel.AttrRequestID.String(shared.RequestID(ctx)),
	)
	logger := p.logger.With(shared.LogAttrs(ctx)...)
	// Transitions must land even after ctx is cancelled.
	dbCtx := context.WithoutCancel(ctx)

	p.publish(ctx, bus.TopicPipelineStarted, req, "", "")
	defer func() {
		span.SetAttributes(otel.AttrStatus.String(string(res.Outcome)))
		if res.Outcome == OutcomeFailed {
			span.SetStatus(codes.Error, errString(res.Err))
		}
		span.End()
		p.metrics.PipelineRuns.Add(dbCtx, 1, metric.WithAttributes(otel.AttrStatus.String(string(res.Outcome))))
		topic := bus.TopicPipelineFinished
		if res.Outcome == OutcomeRedirect {
			topic = bus.TopicPipelineRedirected
		}
		p.publish(ctx, topic, req, res.Outcome, res.TargetColumnID)
		logger.Info("pipeline finished", "outcome", res.Outcome, "executed", res.Executed, "target_column_id", res.TargetColumnID)
	}()

	bindings, err := p.store.ListColumnHooks(dbCtx, req.ColumnID)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("load column hooks: %w", err)}
	}

	executed := 0
	for _, b := range bindings {
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeCancelled, Err: context.Cause(ctx), Executed: executed}
		}

		if b.ExecuteOnce {
			done, err := p.store.HasExecutedHook(dbCtx, req.TaskID, b.HookID)
			if err != nil {
				logger.Warn("execute-once lookup failed", "hook_id", b.HookID, "error", err)
			} else if done {
				continue
			}
		}

		h, err := p.hooks.GetHook(dbCtx, b.HookID)
		if err != nil {
			logger.Warn("bound hook unavailable; skipping", "hook_id", b.HookID, "error", err)
			if p.queueAndSkip(dbCtx, logger, req, b, b.HookID, persistence.SkipReasonError) {
				executed++
			}
			continue
		}
		if !h.Enabled() {
			if p.queueAndSkip(dbCtx, logger, req, b, h.Name(), persistence.SkipReasonDisabled) {
				executed++
			}
			continue
		}

		exec, err := p.store.QueueExecution(dbCtx, persistence.QueueParams{
			TaskID:   req.TaskID,
			HookID:   h.ID(),
			HookName: h.Name(),
			ColumnID: req.ColumnID,
			Settings: b.Settings,
		})
		if err != nil {
			return Result{Outcome: OutcomeFailed, FailedHookID: h.ID(), Err: fmt.Errorf("queue execution: %w", err), Executed: executed}
		}
		executed++

		if ctx.Err() != nil {
			p.cancel(dbCtx, logger, exec.ID, ReasonFromContext(ctx))
			return Result{Outcome: OutcomeCancelled, Err: context.Cause(ctx), Executed: executed}
		}
		if _, err := p.store.StartExecution(dbCtx, exec.ID); err != nil {
			return Result{Outcome: OutcomeFailed, FailedHookID: h.ID(), Err: fmt.Errorf("start execution: %w", err), Executed: executed}
		}

		target, redirect := b.TargetColumnID()
		redirect = redirect && b.Transparent
		if redirect && req.RedirectDepth >= p.maxRedirects {
			err := fmt.Errorf("redirect limit of %d reached", p.maxRedirects)
			p.fail(dbCtx, logger, exec.ID, h, err)
			return Result{Outcome: OutcomeFailed, FailedHookID: h.ID(), Err: err, Executed: executed}
		}

		invokeErr := p.invoke(ctx, h, hooks.Invocation{
			ExecutionID: exec.ID,
			TaskID:      req.TaskID,
			BoardID:     req.BoardID,
			ColumnID:    req.ColumnID,
			Settings:    b.Settings,
		})

		if ctx.Err() != nil {
			reason := ReasonFromContext(ctx)
			p.cancel(dbCtx, logger, exec.ID, reason)
			p.metrics.HookOutcomes.Add(dbCtx, 1, metric.WithAttributes(otel.AttrHookID.String(h.ID()), otel.AttrStatus.String(string(persistence.ExecutionCancelled))))
			return Result{Outcome: OutcomeCancelled, Err: context.Cause(ctx), Executed: executed}
		}
		if invokeErr != nil {
			p.fail(dbCtx, logger, exec.ID, h, invokeErr)
			return Result{Outcome: OutcomeFailed, FailedHookID: h.ID(), Err: invokeErr, Executed: executed}
		}

		if _, err := p.store.CompleteExecution(dbCtx, exec.ID); err != nil {
			logger.Warn("complete execution failed", "execution_id", exec.ID, "error", err)
		}
		p.metrics.HookOutcomes.Add(dbCtx, 1, metric.WithAttributes(otel.AttrHookID.String(h.ID()), otel.AttrStatus.String(string(persistence.ExecutionCompleted))))

		if b.ExecuteOnce {
			if _, err := p.store.MarkHookExecuted(dbCtx, req.TaskID, h.ID()); err != nil {
				logger.Warn("record execute-once hook failed", "hook_id", h.ID(), "error", err)
			}
		}
		if redirect {
			return Result{Outcome: OutcomeRedirect, TargetColumnID: target, Executed: executed}
		}
	}
	return Result{Outcome: OutcomeCompleted, Executed: executed}
}

func (p *Pipeline) invoke(ctx context.Context, h hooks.Hook, inv hooks.Invocation) error {
	ctx, span := otel.StartSpan(ctx, p.tracer, "hook.invoke",
		otel.AttrHookID.String(h.ID()),
		otel.AttrExecutionID.String(inv.ExecutionID),
		otel.AttrTaskID.String(inv.TaskID),
		otel.AttrColumnID.String(inv.ColumnID),
	)
	defer span.End()

	start := time.Now()
	err := p.hooks.Invoke(ctx, h, inv)
	p.metrics.HookDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds(),
		metric.WithAttributes(otel.AttrHookID.String(h.ID())))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Pipeline) queueAndSkip(ctx context.Context, logger *slog.Logger, req Request, b persistence.ColumnHook, name string, reason persistence.SkipReason) bool {
	exec, err := p.store.QueueExecution(ctx, persistence.QueueParams{
		TaskID:   req.TaskID,
		HookID:   b.HookID,
		HookName: name,
		ColumnID: req.ColumnID,
		Settings: b.Settings,
	})
	if err != nil {
		logger.Warn("queue skipped execution failed", "hook_id", b.HookID, "error", err)
		return false
	}
	if _, err := p.store.SkipExecution(ctx, exec.ID, reason); err != nil {
		logger.Warn("skip execution failed", "execution_id", exec.ID, "error", err)
	}
	p.metrics.HookOutcomes.Add(ctx, 1, metric.WithAttributes(otel.AttrHookID.String(b.HookID), otel.AttrStatus.String(string(persistence.ExecutionSkipped))))
	return true
}

func (p *Pipeline) fail(ctx context.Context, logger *slog.Logger, execID string, h hooks.Hook, cause error) {
	logger.Warn("hook failed", "hook_id", h.ID(), "execution_id", execID, "error", cause)
	if _, err := p.store.FailExecution(ctx, execID, cause.Error()); err != nil {
		logger.Warn("fail execution failed", "execution_id", execID, "error", err)
	}
	p.metrics.HookOutcomes.Add(ctx, 1, metric.WithAttributes(otel.AttrHookID.String(h.ID()), otel.AttrStatus.String(string(persistence.ExecutionFailed))))
}

func (p *Pipeline) cancel(ctx context.Context, logger *slog.Logger, execID string, reason persistence.SkipReason) {
	if _, err := p.store.CancelExecution(ctx, execID, reason); err != nil && !errors.Is(err, persistence.ErrInvalidTransition) {
		logger.Warn("cancel execution failed", "execution_id", execID, "error", err)
	}
}

func (p *Pipeline) publish(ctx context.Context, topic string, req Request, outcome Outcome, target string) {
	p.bus.Publish(topic, bus.PipelineEvent{
		TaskID:       req.TaskID,
		ColumnID:     req.ColumnID,
		Outcome:      string(outcome),
		TargetColumn: target,
		RequestID:    shared.RequestID(ctx),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
