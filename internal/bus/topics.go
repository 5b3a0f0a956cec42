package bus

import "time"

// Hook execution topics. The suffix is the new execution status.
const (
	TopicExecutionPrefix    = "hook_execution."
	TopicExecutionPending   = "hook_execution.pending"
	TopicExecutionRunning   = "hook_execution.running"
	TopicExecutionCompleted = "hook_execution.completed"
	TopicExecutionFailed    = "hook_execution.failed"
	TopicExecutionCancelled = "hook_execution.cancelled"
	TopicExecutionSkipped   = "hook_execution.skipped"
)

// Semaphore topics.
const (
	TopicSemaphorePrefix   = "semaphore."
	TopicSemaphoreAdmitted = "semaphore.admitted"
	TopicSemaphoreQueued   = "semaphore.queued"
	TopicSemaphoreReleased = "semaphore.released"
)

// Pipeline and hook topics.
const (
	TopicPipelineStarted    = "pipeline.started"
	TopicPipelineFinished   = "pipeline.finished"
	TopicPipelineRedirected = "pipeline.redirected"
	TopicHookNotify         = "hook.notify"
)

// TaskKeyed is implemented by payloads that belong to a single task, so
// subscribers can filter the stream per task.
type TaskKeyed interface {
	EventTaskID() string
}

// ExecutionStatusChanged is published after every persisted hook execution transition.
type ExecutionStatusChanged struct {
	TaskID      string    `json:"task_id"`
	ExecutionID string    `json:"execution_id"`
	HookID      string    `json:"hook_id"`
	HookName    string    `json:"hook_name"`
	ColumnID    string    `json:"column_id"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to"`
	SkipReason  string    `json:"skip_reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

func (e ExecutionStatusChanged) EventTaskID() string { return e.TaskID }

// SemaphoreEvent is published when a column semaphore admits, queues or releases a task.
type SemaphoreEvent struct {
	ColumnID string `json:"column_id"`
	TaskID   string `json:"task_id"`
	Position int    `json:"position,omitempty"`
	Running  int    `json:"running"`
	Queued   int    `json:"queued"`
	Limit    int    `json:"limit"`
}

func (e SemaphoreEvent) EventTaskID() string { return e.TaskID }

// PipelineEvent is published when a column's hook chain starts, finishes or redirects.
type PipelineEvent struct {
	TaskID       string `json:"task_id"`
	ColumnID     string `json:"column_id"`
	Outcome      string `json:"outcome,omitempty"`
	TargetColumn string `json:"target_column_id,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

func (e PipelineEvent) EventTaskID() string { return e.TaskID }

// HookNotification is published by the system:notify hook.
type HookNotification struct {
	TaskID   string `json:"task_id"`
	ColumnID string `json:"column_id"`
	Message  string `json:"message"`
}

func (e HookNotification) EventTaskID() string { return e.TaskID }
