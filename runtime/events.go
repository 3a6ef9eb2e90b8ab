// Package runtime provides the step execution engine for petalrun scenarios.
package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/petal-labs/petalrun/core"
)

// EventKind identifies the type of event emitted during a run.
type EventKind string

const (
	// EventStepStart is emitted when a step begins execution.
	EventStepStart EventKind = "STEP_START"

	// EventFrame is emitted when a screenshot for a step is available.
	EventFrame EventKind = "FRAME"

	// EventStepEnd is emitted when a step reaches passed or failed.
	EventStepEnd EventKind = "STEP_END"

	// EventStep is the consolidated form of FRAME + STEP_END that some
	// observers prefer. The executor never emits it.
	EventStep EventKind = "STEP"

	// EventRunFinished is emitted exactly once per run, after artifacts.
	EventRunFinished EventKind = "RUN_FINISHED"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// StepScoped reports whether events of this kind carry a step index.
func (k EventKind) StepScoped() bool {
	switch k {
	case EventStepStart, EventFrame, EventStepEnd, EventStep:
		return true
	}
	return false
}

// Event is a small, streamable record of what happened during a run.
// Large data such as screenshots is referenced by URL.
type Event struct {
	Kind     EventKind
	RunID    string
	StepID   string
	Index    int
	StepType core.StepType
	Status   string
	URL      string
	Path     string
	Video    string
	Trace    string
	Time     time.Time
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:  kind,
		RunID: runID,
		Time:  time.Now(),
	}
}

// WithStep sets the step information on the event.
func (e Event) WithStep(index int, stepID string, stepType core.StepType) Event {
	e.Index = index
	e.StepID = stepID
	e.StepType = stepType
	return e
}

// WithStatus sets the status carried by STEP_END, STEP and RUN_FINISHED.
func (e Event) WithStatus(status string) Event {
	e.Status = status
	return e
}

// WithFrame sets the screenshot reference carried by FRAME and STEP.
func (e Event) WithFrame(url, path string) Event {
	e.URL = url
	e.Path = path
	return e
}

// WithArtifacts sets the video and trace URLs carried by RUN_FINISHED.
func (e Event) WithArtifacts(video, trace string) Event {
	e.Video = video
	e.Trace = trace
	return e
}

// wireEvent is the JSON shape shared by every bus implementation and by
// observers.
type wireEvent struct {
	Type     EventKind     `json:"type"`
	RunID    string        `json:"runId"`
	StepID   string        `json:"stepId,omitempty"`
	Index    *int          `json:"index,omitempty"`
	StepType core.StepType `json:"stepType,omitempty"`
	Status   string        `json:"status,omitempty"`
	URL      string        `json:"url,omitempty"`
	Path     string        `json:"path,omitempty"`
	Video    string        `json:"video,omitempty"`
	Trace    string        `json:"trace,omitempty"`
	TS       int64         `json:"ts"`
}

// MarshalJSON encodes the event in its wire form. The timestamp is unix
// milliseconds and index is present only on step-scoped events.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Type:     e.Kind,
		RunID:    e.RunID,
		StepID:   e.StepID,
		StepType: e.StepType,
		Status:   e.Status,
		URL:      e.URL,
		Path:     e.Path,
		Video:    e.Video,
		Trace:    e.Trace,
		TS:       e.Time.UnixMilli(),
	}
	if e.Kind.StepScoped() {
		idx := e.Index
		w.Index = &idx
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{
		Kind:     w.Type,
		RunID:    w.RunID,
		StepID:   w.StepID,
		StepType: w.StepType,
		Status:   w.Status,
		URL:      w.URL,
		Path:     w.Path,
		Video:    w.Video,
		Trace:    w.Trace,
		Time:     time.UnixMilli(w.TS),
	}
	if w.Index != nil {
		e.Index = *w.Index
	}
	return nil
}

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the runtime
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event Event) (int, error)
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}
