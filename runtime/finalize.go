package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/petal-labs/petalrun/core"
)

// Decision is the outcome of a finalization attempt.
type Decision int

const (
	// AlreadyTerminal means the run had a terminal status before the call.
	AlreadyTerminal Decision = iota
	// NotYet means at least one step is still pending or running.
	NotYet
	// Transitioned means the call set the run's terminal status.
	Transitioned
)

// String returns a readable name for the decision.
func (d Decision) String() string {
	switch d {
	case AlreadyTerminal:
		return "already_terminal"
	case NotYet:
		return "not_yet"
	case Transitioned:
		return "transitioned"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Resolve computes the terminal status for a set of step results. ok is
// false while any step is pending or running. Priority: all passed is
// passed, any failed is failed, any error is error. Anything else (for
// example every step skipped) resolves to error with ambiguous set.
func Resolve(steps []core.StepResult) (status core.RunStatus, ambiguous, ok bool) {
	allPassed := true
	anyFailed := false
	anyError := false
	for _, step := range steps {
		switch step.Status {
		case core.StepPending, core.StepRunning:
			return "", false, false
		case core.StepPassed:
		case core.StepFailed:
			anyFailed = true
			allPassed = false
		case core.StepError:
			anyError = true
			allPassed = false
		default:
			allPassed = false
		}
	}
	switch {
	case allPassed:
		return core.RunPassed, false, true
	case anyFailed:
		return core.RunFailed, false, true
	case anyError:
		return core.RunError, false, true
	}
	return core.RunError, true, true
}

// Finalize flips run to its terminal status once every step is terminal.
// It is pure apart from the status field and safe to call any number of
// times: only the first successful call returns Transitioned.
func Finalize(run *core.Run) Decision {
	if run.Status.Terminal() {
		return AlreadyTerminal
	}
	status, _, ok := Resolve(run.Steps)
	if !ok {
		return NotYet
	}
	run.Status = status
	return Transitioned
}

// RunSaver persists a run. store.RunStore satisfies it.
type RunSaver interface {
	Save(ctx context.Context, run *core.Run) error
}

// Finalizer wraps Finalize with persistence. It saves only when the call
// transitioned the run and never publishes events.
type Finalizer struct {
	store  RunSaver
	logger *slog.Logger
}

// NewFinalizer creates a Finalizer. A nil logger uses slog.Default().
func NewFinalizer(store RunSaver, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{store: store, logger: logger}
}

// Finalize resolves run and persists it on transition.
func (f *Finalizer) Finalize(ctx context.Context, run *core.Run) (Decision, error) {
	if !run.Status.Terminal() {
		if _, ambiguous, ok := Resolve(run.Steps); ok && ambiguous {
			f.logger.Warn("run has no passed, failed or errored steps; resolving to error",
				"run_id", run.ID, "steps", len(run.Steps))
		}
	}

	decision := Finalize(run)
	if decision != Transitioned {
		return decision, nil
	}

	f.logger.Info("run finalized", "run_id", run.ID, "status", run.Status)
	if f.store == nil {
		return decision, nil
	}
	if err := f.store.Save(ctx, run); err != nil {
		return decision, fmt.Errorf("finalizer: save run %s: %w", run.ID, err)
	}
	return decision, nil
}
