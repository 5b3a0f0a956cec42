package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all go-lanes metric instruments.
type Metrics struct {
	HookDuration        metric.Float64Histogram
	HookOutcomes        metric.Int64Counter
	PipelineRuns        metric.Int64Counter
	SemaphoreRunning    metric.Int64UpDownCounter
	SemaphoreQueued     metric.Int64UpDownCounter
	SemaphoreAdmissions metric.Int64Counter
	ActorRestarts       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HookDuration, err = meter.Float64Histogram("golanes.hook.duration",
		metric.WithDescription("Hook invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HookOutcomes, err = meter.Int64Counter("golanes.hook.outcomes",
		metric.WithDescription("Hook executions reaching a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.PipelineRuns, err = meter.Int64Counter("golanes.pipeline.runs",
		metric.WithDescription("Pipeline runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.SemaphoreRunning, err = meter.Int64UpDownCounter("golanes.semaphore.running",
		metric.WithDescription("Tasks currently holding a column slot"),
	)
	if err != nil {
		return nil, err
	}

	m.SemaphoreQueued, err = meter.Int64UpDownCounter("golanes.semaphore.queued",
		metric.WithDescription("Tasks waiting for a column slot"),
	)
	if err != nil {
		return nil, err
	}

	m.SemaphoreAdmissions, err = meter.Int64Counter("golanes.semaphore.admissions",
		metric.WithDescription("Tasks admitted into a capacity-limited column"),
	)
	if err != nil {
		return nil, err
	}

	m.ActorRestarts, err = meter.Int64Counter("golanes.actor.restarts",
		metric.WithDescription("Supervised actor restarts"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noopMeter())
	return m
}
