package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/petal-labs/petalrun/artifact"
	"github.com/petal-labs/petalrun/browser"
	"github.com/petal-labs/petalrun/core"
)

// stepFailure is an assertion or primitive failure local to one step.
type stepFailure struct {
	msg   string
	stack string
}

func (f *stepFailure) Error() string { return f.msg }

func failf(format string, args ...any) error {
	return &stepFailure{msg: fmt.Sprintf(format, args...)}
}

// stepContext holds the per-run state of one execution.
type stepContext struct {
	exec   *Executor
	bg     context.Context
	run    *core.Run
	page   browser.Page
	dir    string
	logger *slog.Logger
}

// runSteps executes steps sequentially. It returns a non-nil error only for
// failures that are not attributable to a step, such as cancellation.
func (sc *stepContext) runSteps(ctx context.Context) error {
	e := sc.exec
	steps := sc.run.Scenario.Steps
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run canceled before step %d: %w", i, err)
		}
		step := steps[i]
		result := &sc.run.Steps[i]

		if err := result.Transition(core.StepRunning, e.now()); err != nil {
			return err
		}
		e.publish(sc.bg, NewEvent(EventStepStart, sc.run.ID).WithStep(i, step.ID, step.Type))

		result.Log(e.now(), core.LogInfo, fmt.Sprintf("executing %s", step.Label()))
		sc.logger.Info("executing step", "index", i, "step_id", step.ID, "step_type", step.Type)

		stepErr := sc.dispatch(ctx, step)
		if stepErr != nil && ctx.Err() != nil {
			// Cancellation while a step was in flight is a run-level failure.
			return fmt.Errorf("run canceled during step %q: %w", step.ID, ctx.Err())
		}

		if stepErr == nil && sc.wantsScreenshot(step) {
			// A screenshot step has no other work, so a failed capture fails it.
			if err := sc.capture(ctx, i, step, screenshotName(step)); err != nil && step.Type == core.StepScreenshot {
				stepErr = err
			}
		}

		if stepErr == nil {
			_ = result.Transition(core.StepPassed, e.now())
			result.Log(e.now(), core.LogInfo, "step passed")
			sc.logger.Info("step passed", "index", i, "step_id", step.ID)
			e.publish(sc.bg, NewEvent(EventStepEnd, sc.run.ID).WithStep(i, step.ID, step.Type).WithStatus(string(core.StepPassed)))
			if _, err := e.finalizer.Finalize(sc.bg, sc.run); err != nil {
				sc.logger.Error("finalize run", "error", err)
			}
			continue
		}

		sc.recordFailure(result, stepErr)
		_ = sc.capture(ctx, i, step, "error")
		_ = result.Transition(core.StepFailed, e.now())
		sc.logger.Warn("step failed", "index", i, "step_id", step.ID, "error", stepErr)
		e.publish(sc.bg, NewEvent(EventStepEnd, sc.run.ID).WithStep(i, step.ID, step.Type).WithStatus(string(core.StepFailed)))

		sc.run.SkipFrom(i+1, e.now())
		if _, err := e.finalizer.Finalize(sc.bg, sc.run); err != nil {
			sc.logger.Error("finalize run", "error", err)
		}
		return nil
	}
	return nil
}

func (sc *stepContext) recordFailure(result *core.StepResult, err error) {
	stepErr := &core.StepFailure{Message: err.Error()}
	var sf *stepFailure
	if errors.As(err, &sf) {
		stepErr.Stack = sf.stack
	}
	result.Error = stepErr
	result.Log(sc.exec.now(), core.LogError, err.Error())
}

func (sc *stepContext) wantsScreenshot(step core.Step) bool {
	return step.Screenshot || step.Type == core.StepScreenshot || sc.exec.shotAll
}

func screenshotName(step core.Step) string {
	if step.Type == core.StepScreenshot && step.Name != "" {
		return step.Name
	}
	return step.ID
}

// dispatch runs the browser primitive for step. Panics inside a driver
// become step failures carrying the stack.
func (sc *stepContext) dispatch(ctx context.Context, step core.Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &stepFailure{msg: fmt.Sprintf("step panicked: %v", r), stack: string(debug.Stack())}
		}
	}()

	page := sc.page
	switch step.Type {
	case core.StepNavigate:
		return page.Goto(ctx, step.URL)
	case core.StepInput:
		return page.Fill(ctx, step.Selector, step.Text)
	case core.StepClick:
		return page.Click(ctx, step.Selector)
	case core.StepAssertText:
		return assertText(ctx, page, step)
	case core.StepAssertVisible:
		visible, err := page.IsVisible(ctx, step.Selector)
		if err != nil {
			return err
		}
		if want := step.ExpectVisible(); visible != want {
			return failf("expected element %q visible=%t, got visible=%t", step.Selector, want, visible)
		}
		return nil
	case core.StepWait:
		return page.Wait(ctx, step.Milliseconds)
	case core.StepAssertURL:
		return assertURL(ctx, page, step)
	case core.StepScreenshot:
		// The capture happens after dispatch so every step type shares it.
		return nil
	}
	return fmt.Errorf("%w: %q", core.ErrUnknownStepType, step.Type)
}

func assertText(ctx context.Context, page browser.Page, step core.Step) error {
	text, found, err := page.TextContent(ctx, step.Selector)
	if err != nil {
		return err
	}
	if !found {
		return failf("element %q not found", step.Selector)
	}
	if step.ExactMatch {
		if text != step.Text {
			return failf("expected text of %q to equal %q, got %q", step.Selector, step.Text, text)
		}
		return nil
	}
	if !strings.Contains(text, step.Text) {
		return failf("expected text of %q to contain %q, got %q", step.Selector, step.Text, text)
	}
	return nil
}

func assertURL(ctx context.Context, page browser.Page, step core.Step) error {
	current, err := page.CurrentURL(ctx)
	if err != nil {
		return err
	}
	if step.ExactMatch {
		if current != step.URL {
			return failf("expected url %q, got %q", step.URL, current)
		}
		return nil
	}
	if !strings.Contains(current, step.URL) {
		return failf("expected url to contain %q, got %q", step.URL, current)
	}
	return nil
}

// capture takes a screenshot, uploads it and publishes FRAME. Failures are
// logged into the step and returned.
func (sc *stepContext) capture(ctx context.Context, index int, step core.Step, name string) error {
	e := sc.exec
	result := &sc.run.Steps[index]

	data, err := sc.page.Screenshot(ctx)
	if err != nil {
		sc.logger.Warn("capture screenshot", "step_id", step.ID, "name", name, "error", err)
		result.Log(e.now(), core.LogWarn, fmt.Sprintf("screenshot %q failed: %v", name, err))
		return fmt.Errorf("capture screenshot %q: %w", name, err)
	}

	object := artifact.ScreenshotObject(sc.run.ID, index, name)
	local := filepath.Join(sc.dir, filepath.Base(object))
	if err := os.WriteFile(local, data, 0o600); err != nil {
		sc.logger.Warn("write screenshot", "step_id", step.ID, "error", err)
		return fmt.Errorf("write screenshot %q: %w", name, err)
	}
	url, err := e.artifacts.Upload(sc.bg, local, object)
	if err != nil {
		sc.logger.Warn("upload screenshot", "step_id", step.ID, "error", err)
		result.Log(e.now(), core.LogWarn, fmt.Sprintf("screenshot %q upload failed: %v", name, err))
		return fmt.Errorf("upload screenshot %q: %w", name, err)
	}

	result.Screenshots = append(result.Screenshots, core.Screenshot{
		Name: name,
		Path: object,
		URL:  url,
		Time: e.now(),
	})
	e.publish(sc.bg, NewEvent(EventFrame, sc.run.ID).WithStep(index, step.ID, step.Type).WithFrame(url, object))
	return nil
}
