package otel

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalrun/runtime"
)

// MetricsHandler translates execution events into OpenTelemetry metrics:
// step executions and failures by type, step duration, run outcomes and run
// duration. Durations are measured between event timestamps.
type MetricsHandler struct {
	stepExecutions metric.Int64Counter
	stepFailures   metric.Int64Counter
	stepDuration   metric.Float64Histogram
	runsFinished   metric.Int64Counter
	runDuration    metric.Float64Histogram

	mu         sync.Mutex
	runStarts  map[string]time.Time
	stepStarts map[string]time.Time
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to create
// instruments for recording petalrun execution metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	stepExec, err := meter.Int64Counter("petalrun.step.executions",
		metric.WithDescription("Number of steps that reached a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	stepFail, err := meter.Int64Counter("petalrun.step.failures",
		metric.WithDescription("Number of failed steps"),
	)
	if err != nil {
		return nil, err
	}

	stepDur, err := meter.Float64Histogram("petalrun.step.duration",
		metric.WithDescription("Duration of step execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runsDone, err := meter.Int64Counter("petalrun.run.finished",
		metric.WithDescription("Number of finished runs by status"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("petalrun.run.duration",
		metric.WithDescription("Duration of scenario run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		stepExecutions: stepExec,
		stepFailures:   stepFail,
		stepDuration:   stepDur,
		runsFinished:   runsDone,
		runDuration:    runDur,
		runStarts:      make(map[string]time.Time),
		stepStarts:     make(map[string]time.Time),
	}, nil
}

// Handle processes an event and records the appropriate metrics.
// It implements runtime.EventHandler semantics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	if e.RunID == "" {
		return
	}
	switch e.Kind {
	case runtime.EventStepStart:
		h.handleStepStart(e)
	case runtime.EventStepEnd, runtime.EventStep:
		h.handleStepEnd(e)
	case runtime.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func (h *MetricsHandler) handleStepStart(e runtime.Event) {
	h.mu.Lock()
	if _, ok := h.runStarts[e.RunID]; !ok {
		h.runStarts[e.RunID] = e.Time
	}
	h.stepStarts[e.RunID+":"+strconv.Itoa(e.Index)] = e.Time
	h.mu.Unlock()
}

// handleStepEnd increments the execution counter and records duration.
func (h *MetricsHandler) handleStepEnd(e runtime.Event) {
	key := e.RunID + ":" + strconv.Itoa(e.Index)
	h.mu.Lock()
	started, ok := h.stepStarts[key]
	delete(h.stepStarts, key)
	h.mu.Unlock()

	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("step_type", string(e.StepType)),
		attribute.String("status", e.Status),
	)
	h.stepExecutions.Add(ctx, 1, attrs)
	if e.Status != "passed" {
		h.stepFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("step_type", string(e.StepType))))
	}
	if ok {
		h.stepDuration.Record(ctx, e.Time.Sub(started).Seconds(), attrs)
	}
}

// handleRunFinished counts the outcome and records the run duration when
// the run's first step was seen.
func (h *MetricsHandler) handleRunFinished(e runtime.Event) {
	prefix := e.RunID + ":"
	h.mu.Lock()
	started, ok := h.runStarts[e.RunID]
	delete(h.runStarts, e.RunID)
	for key := range h.stepStarts {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(h.stepStarts, key)
		}
	}
	h.mu.Unlock()

	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("status", e.Status))
	h.runsFinished.Add(ctx, 1, attrs)
	if ok {
		h.runDuration.Record(ctx, e.Time.Sub(started).Seconds(), attrs)
	}
}
