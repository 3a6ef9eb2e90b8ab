package core

import (
	"fmt"
	"strings"
)

// StepType identifies the browser primitive a step performs.
type StepType string

const (
	StepNavigate      StepType = "navigate"
	StepInput         StepType = "input"
	StepClick         StepType = "click"
	StepAssertText    StepType = "assertText"
	StepAssertVisible StepType = "assertVisible"
	StepWait          StepType = "wait"
	StepAssertURL     StepType = "assertUrl"
	StepScreenshot    StepType = "screenshot"
)

// String returns the string representation of the StepType.
func (t StepType) String() string {
	return string(t)
}

// Known reports whether t is one of the supported step types.
func (t StepType) Known() bool {
	switch t {
	case StepNavigate, StepInput, StepClick, StepAssertText,
		StepAssertVisible, StepWait, StepAssertURL, StepScreenshot:
		return true
	}
	return false
}

// Scenario is an ordered list of browser steps with a name.
type Scenario struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Steps       []Step `json:"steps"`
}

// Step is one action in a scenario. Type selects which of the variant
// fields are meaningful:
//
//	navigate       URL
//	input          Selector, Text
//	click          Selector
//	assertText     Selector, Text, ExactMatch
//	assertVisible  Selector, ShouldBeVisible
//	wait           Milliseconds
//	assertUrl      URL, ExactMatch
//	screenshot     Name
type Step struct {
	ID          string   `json:"id"`
	Type        StepType `json:"type"`
	Description string   `json:"description,omitempty"`
	// Screenshot requests a capture after the step succeeds.
	Screenshot bool `json:"screenshot,omitempty"`

	URL             string `json:"url,omitempty"`
	Selector        string `json:"selector,omitempty"`
	Text            string `json:"text,omitempty"`
	ExactMatch      bool   `json:"exactMatch,omitempty"`
	ShouldBeVisible *bool  `json:"shouldBeVisible,omitempty"`
	Milliseconds    int    `json:"milliseconds,omitempty"`
	Name            string `json:"name,omitempty"`
}

// ExpectVisible returns the expected visibility for assertVisible steps.
// An unset ShouldBeVisible means the element is expected to be visible.
func (s Step) ExpectVisible() bool {
	if s.ShouldBeVisible == nil {
		return true
	}
	return *s.ShouldBeVisible
}

// Label returns the human readable name of the step.
func (s Step) Label() string {
	if s.Description != "" {
		return s.Description
	}
	return fmt.Sprintf("%s %s", s.Type, s.ID)
}

// Validate checks the variant fields required by the step's type.
func (s Step) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidStep)
	}
	if !s.Type.Known() {
		return fmt.Errorf("%w: step %q: %w %q", ErrInvalidStep, s.ID, ErrUnknownStepType, s.Type)
	}

	switch s.Type {
	case StepNavigate, StepAssertURL:
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("%w: step %q: url is required for %s", ErrInvalidStep, s.ID, s.Type)
		}
	case StepInput, StepClick, StepAssertText, StepAssertVisible:
		if strings.TrimSpace(s.Selector) == "" {
			return fmt.Errorf("%w: step %q: selector is required for %s", ErrInvalidStep, s.ID, s.Type)
		}
	case StepWait:
		if s.Milliseconds < 0 {
			return fmt.Errorf("%w: step %q: milliseconds must be >= 0", ErrInvalidStep, s.ID)
		}
	}
	return nil
}

// Validate checks that the scenario is runnable.
func (sc Scenario) Validate() error {
	if strings.TrimSpace(sc.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidScenario)
	}
	if len(sc.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalidScenario)
	}

	seen := make(map[string]struct{}, len(sc.Steps))
	for i, step := range sc.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("%w: steps[%d]: %w", ErrInvalidScenario, i, err)
		}
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidScenario, step.ID)
		}
		seen[step.ID] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy of the scenario. Runs hold a clone so later
// edits to the source never leak into an in-flight execution.
func (sc Scenario) Clone() Scenario {
	out := sc
	if sc.Steps != nil {
		out.Steps = make([]Step, len(sc.Steps))
		for i, step := range sc.Steps {
			if step.ShouldBeVisible != nil {
				v := *step.ShouldBeVisible
				step.ShouldBeVisible = &v
			}
			out.Steps[i] = step
		}
	}
	return out
}
