// Package core provides the foundational types for petalrun.
//
// This package contains:
//   - Scenario and Step: the immutable description of a browser test
//   - Run and StepResult: the mutable execution record of one scenario run
//   - Status types and their transition rules
package core

import "errors"

// RunStatus is the lifecycle status of a Run.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunPassed  RunStatus = "passed"
	RunFailed  RunStatus = "failed"
	RunError   RunStatus = "error"
)

// String returns the string representation of the RunStatus.
func (s RunStatus) String() string {
	return string(s)
}

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunPassed, RunFailed, RunError:
		return true
	}
	return false
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunPassed, RunFailed, RunError:
		return true
	}
	return false
}

// StepStatus is the lifecycle status of a single StepResult.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
	StepError   StepStatus = "error"
)

// String returns the string representation of the StepStatus.
func (s StepStatus) String() string {
	return string(s)
}

// Terminal reports whether the step has reached a final status.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepPassed, StepFailed, StepSkipped, StepError:
		return true
	}
	return false
}

// rank orders step statuses so that transitions can only move forward.
func (s StepStatus) rank() int {
	switch s {
	case StepPending:
		return 0
	case StepRunning:
		return 1
	case StepPassed, StepFailed, StepSkipped, StepError:
		return 2
	}
	return -1
}

// CanTransition reports whether a step may move from s to next.
// Pending may become running or any terminal status; running may become
// any terminal status; terminal statuses never change.
func (s StepStatus) CanTransition(next StepStatus) bool {
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 {
		return false
	}
	return to > from
}

// Sentinel errors for model operations.
var (
	ErrInvalidScenario  = errors.New("invalid scenario")
	ErrInvalidStep      = errors.New("invalid step")
	ErrInvalidStatus    = errors.New("invalid status transition")
	ErrStepNotFound     = errors.New("step not found")
	ErrRunTerminal      = errors.New("run already terminal")
	ErrUnknownStepType  = errors.New("unknown step type")
	ErrUnsupportedInput = errors.New("unsupported scenario format")
)
