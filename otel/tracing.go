// Package otel provides OpenTelemetry integration for petalrun execution events.
package otel

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalrun/runtime"
)

// TracingHandler translates execution events into OpenTelemetry spans: one
// root span per run and one child span per step. Events carry no explicit
// run start, so the run span opens on the first event seen for a run.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span      // runID -> span
	runCtxs   map[string]context.Context // runID -> context (for child spans)
	stepSpans map[string]trace.Span      // runID:index -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from execution events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		stepSpans: make(map[string]trace.Span),
	}
}

// Handle processes an event and creates or ends spans accordingly.
// It implements runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	if e.RunID == "" {
		return
	}
	switch e.Kind {
	case runtime.EventStepStart:
		h.handleStepStart(e)
	case runtime.EventFrame:
		h.handleFrame(e)
	case runtime.EventStepEnd, runtime.EventStep:
		h.handleStepEnd(e)
	case runtime.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func stepKey(runID string, index int) string {
	return runID + ":" + strconv.Itoa(index)
}

// runContext returns the run span's context, opening the span if needed.
func (h *TracingHandler) runContext(e runtime.Event) context.Context {
	h.mu.RLock()
	ctx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()
	if ok {
		return ctx
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ctx, ok := h.runCtxs[e.RunID]; ok {
		return ctx
	}
	ctx, span := h.tracer.Start(context.Background(), "run:"+e.RunID,
		trace.WithAttributes(attribute.String("petalrun.run_id", e.RunID)),
		trace.WithTimestamp(e.Time),
	)
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	return ctx
}

// handleStepStart creates a child span under the run span.
func (h *TracingHandler) handleStepStart(e runtime.Event) {
	parentCtx := h.runContext(e)

	_, span := h.tracer.Start(parentCtx, "step:"+e.StepID,
		trace.WithAttributes(
			attribute.String("petalrun.run_id", e.RunID),
			attribute.String("petalrun.step_id", e.StepID),
			attribute.Int("petalrun.step_index", e.Index),
			attribute.String("petalrun.step_type", string(e.StepType)),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.stepSpans[stepKey(e.RunID, e.Index)] = span
	h.mu.Unlock()
}

// handleFrame records the screenshot as a span event on the step span.
func (h *TracingHandler) handleFrame(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.stepSpans[stepKey(e.RunID, e.Index)]
	h.mu.RUnlock()
	if !ok {
		return
	}
	span.AddEvent("frame", trace.WithTimestamp(e.Time), trace.WithAttributes(
		attribute.String("petalrun.frame_url", e.URL),
	))
}

// handleStepEnd ends the step span. A failed step sets error status.
func (h *TracingHandler) handleStepEnd(e runtime.Event) {
	key := stepKey(e.RunID, e.Index)

	h.mu.Lock()
	span, ok := h.stepSpans[key]
	if ok {
		delete(h.stepSpans, key)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.String("petalrun.status", e.Status))
	if e.URL != "" {
		span.SetAttributes(attribute.String("petalrun.frame_url", e.URL))
	}
	if e.Status == "passed" {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "step "+e.Status)
		span.RecordError(spanError("step "+e.StepID+" "+e.Status), trace.WithTimestamp(e.Time))
	}
	span.End(trace.WithTimestamp(e.Time))
}

// handleRunFinished ends any step span still open and then the run span.
// A run that finished without step events still gets a span.
func (h *TracingHandler) handleRunFinished(e runtime.Event) {
	h.runContext(e)

	prefix := e.RunID + ":"
	h.mu.Lock()
	span := h.runSpans[e.RunID]
	delete(h.runSpans, e.RunID)
	delete(h.runCtxs, e.RunID)
	var orphans []trace.Span
	for key, s := range h.stepSpans {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			orphans = append(orphans, s)
			delete(h.stepSpans, key)
		}
	}
	h.mu.Unlock()

	for _, s := range orphans {
		s.SetStatus(codes.Error, "run finished before step ended")
		s.End(trace.WithTimestamp(e.Time))
	}

	span.SetAttributes(attribute.String("petalrun.status", e.Status))
	if e.Video != "" {
		span.SetAttributes(attribute.String("petalrun.video_url", e.Video))
	}
	if e.Trace != "" {
		span.SetAttributes(attribute.String("petalrun.trace_url", e.Trace))
	}
	if e.Status == "passed" {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "run "+e.Status)
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveStepSpanContext returns the SpanContext of the open span for the
// step at index in runID, or an empty SpanContext.
func (h *TracingHandler) ActiveStepSpanContext(runID string, index int) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.stepSpans[stepKey(runID, index)]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext for the active run span
// identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
