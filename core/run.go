package core

import (
	"fmt"
	"time"
)

// Log levels used in StepResult logs.
const (
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// LogEntry is one line of step-scoped output.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Screenshot references a captured image. Path is the object name in the
// artifact store; URL is the address clients fetch it from.
type Screenshot struct {
	Name string    `json:"name"`
	Path string    `json:"path"`
	URL  string    `json:"url,omitempty"`
	Time time.Time `json:"time"`
}

// StepFailure describes why a step did not pass.
type StepFailure struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// StepResult is the execution record for one scenario step.
type StepResult struct {
	StepID      string       `json:"stepId"`
	StepType    StepType     `json:"stepType"`
	Status      StepStatus   `json:"status"`
	StartTime   *time.Time   `json:"startTime,omitempty"`
	EndTime     *time.Time   `json:"endTime,omitempty"`
	Logs        []LogEntry   `json:"logs"`
	Screenshots []Screenshot `json:"screenshots"`
	Error       *StepFailure `json:"error,omitempty"`
}

// Transition moves the step to next, enforcing forward-only progress.
func (r *StepResult) Transition(next StepStatus, at time.Time) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: step %q %s -> %s", ErrInvalidStatus, r.StepID, r.Status, next)
	}
	r.Status = next
	t := at
	if next == StepRunning {
		r.StartTime = &t
	} else if next.Terminal() && next != StepSkipped {
		r.EndTime = &t
	}
	return nil
}

// Log appends a log line.
func (r *StepResult) Log(at time.Time, level, message string) {
	r.Logs = append(r.Logs, LogEntry{Time: at, Level: level, Message: message})
}

// Summary aggregates step outcomes for a run.
type Summary struct {
	Total      int   `json:"total"`
	Passed     int   `json:"passed"`
	Failed     int   `json:"failed"`
	Skipped    int   `json:"skipped"`
	Errored    int   `json:"errored"`
	Pending    int   `json:"pending"`
	Running    int   `json:"running"`
	DurationMs int64 `json:"durationMs"`
}

// Run is the execution record of one scenario. ID is the canonical run
// identifier used by the queue, the event bus, storage and observers.
type Run struct {
	ID         string       `json:"id"`
	JobID      string       `json:"jobId,omitempty"`
	ScenarioID string       `json:"scenarioId,omitempty"`
	Scenario   Scenario     `json:"scenario"`
	Status     RunStatus    `json:"status"`
	Attempt    int          `json:"attempt"`
	CreatedAt  time.Time    `json:"createdAt"`
	StartTime  *time.Time   `json:"startTime,omitempty"`
	EndTime    *time.Time   `json:"endTime,omitempty"`
	Steps      []StepResult `json:"steps"`
	VideoURL   string       `json:"videoUrl,omitempty"`
	TraceURL   string       `json:"traceUrl,omitempty"`
	Error      string       `json:"error,omitempty"`
	Summary    *Summary     `json:"summary,omitempty"`
}

// NewRun creates a pending run holding a snapshot of scenario, with one
// pending StepResult per step in scenario order.
func NewRun(id string, scenario Scenario, now time.Time) *Run {
	snapshot := scenario.Clone()
	run := &Run{
		ID:         id,
		ScenarioID: snapshot.ID,
		Scenario:   snapshot,
		Status:     RunPending,
		CreatedAt:  now,
		Steps:      make([]StepResult, len(snapshot.Steps)),
	}
	for i, step := range snapshot.Steps {
		run.Steps[i] = StepResult{
			StepID:      step.ID,
			StepType:    step.Type,
			Status:      StepPending,
			Logs:        []LogEntry{},
			Screenshots: []Screenshot{},
		}
	}
	return run
}

// Reset returns a non-terminal run to its freshly created state so that a
// retried attempt starts from a clean slate.
func (r *Run) Reset() error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunTerminal, r.ID, r.Status)
	}
	fresh := NewRun(r.ID, r.Scenario, r.CreatedAt)
	fresh.JobID = r.JobID
	fresh.Attempt = r.Attempt
	*r = *fresh
	return nil
}

// Start marks the run running.
func (r *Run) Start(at time.Time) error {
	if r.Status != RunPending {
		return fmt.Errorf("%w: run %q %s -> %s", ErrInvalidStatus, r.ID, r.Status, RunRunning)
	}
	r.Status = RunRunning
	t := at
	r.StartTime = &t
	return nil
}

// Step returns the result at index i.
func (r *Run) Step(i int) (*StepResult, error) {
	if i < 0 || i >= len(r.Steps) {
		return nil, fmt.Errorf("%w: index %d", ErrStepNotFound, i)
	}
	return &r.Steps[i], nil
}

// SkipFrom marks every non-terminal step from index i onwards as skipped.
func (r *Run) SkipFrom(i int, at time.Time) {
	for j := i; j < len(r.Steps); j++ {
		if !r.Steps[j].Status.Terminal() {
			_ = r.Steps[j].Transition(StepSkipped, at)
		}
	}
}

// Abort resolves a non-terminal run to error: the running step (if any)
// becomes error, pending steps become skipped. It is a no-op for terminal
// runs and reports whether it changed anything.
func (r *Run) Abort(at time.Time, reason string) bool {
	if r.Status.Terminal() {
		return false
	}
	for i := range r.Steps {
		step := &r.Steps[i]
		switch step.Status {
		case StepRunning:
			_ = step.Transition(StepError, at)
			if step.Error == nil {
				step.Error = &StepFailure{Message: reason}
			}
			step.Log(at, LogError, reason)
		case StepPending:
			_ = step.Transition(StepSkipped, at)
		}
	}
	r.Status = RunError
	r.Error = reason
	return true
}

// Summarize computes per-status counts and the run duration.
func (r *Run) Summarize() Summary {
	s := Summary{Total: len(r.Steps)}
	for _, step := range r.Steps {
		switch step.Status {
		case StepPassed:
			s.Passed++
		case StepFailed:
			s.Failed++
		case StepSkipped:
			s.Skipped++
		case StepError:
			s.Errored++
		case StepPending:
			s.Pending++
		case StepRunning:
			s.Running++
		}
	}
	if r.StartTime != nil && r.EndTime != nil {
		if d := r.EndTime.Sub(*r.StartTime); d > 0 {
			s.DurationMs = d.Milliseconds()
		}
	}
	return s
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Scenario = r.Scenario.Clone()
	out.StartTime = cloneTime(r.StartTime)
	out.EndTime = cloneTime(r.EndTime)
	if r.Summary != nil {
		s := *r.Summary
		out.Summary = &s
	}
	if r.Steps != nil {
		out.Steps = make([]StepResult, len(r.Steps))
		for i, step := range r.Steps {
			step.StartTime = cloneTime(step.StartTime)
			step.EndTime = cloneTime(step.EndTime)
			if step.Logs != nil {
				step.Logs = append(make([]LogEntry, 0, len(step.Logs)), step.Logs...)
			}
			if step.Screenshots != nil {
				step.Screenshots = append(make([]Screenshot, 0, len(step.Screenshots)), step.Screenshots...)
			}
			if step.Error != nil {
				e := *step.Error
				step.Error = &e
			}
			out.Steps[i] = step
		}
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
