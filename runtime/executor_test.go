package runtime

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/petalrun/artifact"
	"github.com/petal-labs/petalrun/browser/browsertest"
	"github.com/petal-labs/petalrun/core"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, e Event) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, e)
	return 1, nil
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = string(e.Kind)
	}
	return out
}

func (p *recordingPublisher) last() Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

type memSaver struct {
	mu    sync.Mutex
	saves []*core.Run
}

func (s *memSaver) Save(_ context.Context, run *core.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, run.Clone())
	return nil
}

func (s *memSaver) latest() *core.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saves) == 0 {
		return nil
	}
	return s.saves[len(s.saves)-1]
}

type harness struct {
	launcher  *browsertest.Launcher
	page      *browsertest.Page
	saver     *memSaver
	publisher *recordingPublisher
	workDir   string
	artifacts string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	page := browsertest.NewPage()
	return &harness{
		launcher:  browsertest.NewLauncher(page),
		page:      page,
		saver:     &memSaver{},
		publisher: &recordingPublisher{},
		workDir:   t.TempDir(),
		artifacts: t.TempDir(),
	}
}

func (h *harness) executor(t *testing.T, mutate func(*ExecutorConfig)) *Executor {
	t.Helper()
	store, err := artifact.NewLocalStore(artifact.LocalConfig{Dir: h.artifacts, BaseURL: "http://test/artifacts"})
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	cfg := ExecutorConfig{
		Launcher:          h.launcher,
		Artifacts:         store,
		Store:             h.saver,
		Publisher:         h.publisher,
		WorkDir:           h.workDir,
		VideoPollAttempts: 2,
		VideoPollInterval: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	exec, err := NewExecutor(cfg)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return exec
}

func scenario(steps ...core.Step) core.Scenario {
	return core.Scenario{ID: "sc-1", Name: "checkout", Steps: steps}
}

func stepStatuses(run *core.Run) []core.StepStatus {
	out := make([]core.StepStatus, len(run.Steps))
	for i, s := range run.Steps {
		out[i] = s.Status
	}
	return out
}

func equalStatuses(got, want []core.StepStatus) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestExecute_SingleNavigatePasses(t *testing.T) {
	h := newHarness(t)
	exec := h.executor(t, nil)
	run := core.NewRun("run-1", scenario(core.Step{ID: "open", Type: core.StepNavigate, URL: "https://shop.test"}), time.Now())

	if err := exec.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if run.Status != core.RunPassed {
		t.Fatalf("Status = %q, want passed", run.Status)
	}
	if got := strings.Join(h.publisher.kinds(), ","); got != "STEP_START,STEP_END,RUN_FINISHED" {
		t.Errorf("events = %s", got)
	}
	for _, topic := range h.publisher.topics {
		if topic != DefaultTopic {
			t.Errorf("topic = %q, want %q", topic, DefaultTopic)
		}
	}
	last := h.publisher.last()
	if last.RunID != "run-1" || last.Status != "passed" {
		t.Errorf("RUN_FINISHED = %+v", last)
	}
	if got := h.page.Calls(); len(got) != 1 || got[0] != "goto https://shop.test" {
		t.Errorf("calls = %v", got)
	}
	saved := h.saver.latest()
	if saved == nil || saved.Status != core.RunPassed || saved.Summary == nil || saved.Summary.Passed != 1 {
		t.Errorf("persisted run = %+v", saved)
	}
	if run.StartTime == nil || run.EndTime == nil {
		t.Error("run timestamps not set")
	}
	if sessions := h.launcher.Sessions(); len(sessions) != 1 || !sessions[0].Closed() {
		t.Error("session was not closed")
	}
}

func TestExecute_FailureSkipsRemainingSteps(t *testing.T) {
	h := newHarness(t)
	h.page.SetElement("#total", browsertest.Element{Text: "$10", Visible: true})
	exec := h.executor(t, nil)
	run := core.NewRun("run-2", scenario(
		core.Step{ID: "open", Type: core.StepNavigate, URL: "https://shop.test"},
		core.Step{ID: "buy", Type: core.StepClick, Selector: "#missing"},
		core.Step{ID: "check", Type: core.StepAssertText, Selector: "#total", Text: "$10"},
	), time.Now())

	if err := exec.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := []core.StepStatus{core.StepPassed, core.StepFailed, core.StepSkipped}
	if got := stepStatuses(run); !equalStatuses(got, want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
	if run.Status != core.RunFailed {
		t.Errorf("Status = %q, want failed", run.Status)
	}
	failed := run.Steps[1]
	if failed.Error == nil || !strings.Contains(failed.Error.Message, "#missing") {
		t.Errorf("step error = %+v", failed.Error)
	}
	if len(failed.Screenshots) != 1 || failed.Screenshots[0].Name != "error" {
		t.Errorf("error screenshot = %+v", failed.Screenshots)
	}
	for _, call := range h.page.Calls() {
		if strings.HasPrefix(call, "text ") {
			t.Errorf("skipped step touched the page: %s", call)
		}
	}
	wantKinds := "STEP_START,STEP_END,STEP_START,FRAME,STEP_END,RUN_FINISHED"
	if got := strings.Join(h.publisher.kinds(), ","); got != wantKinds {
		t.Errorf("events = %s, want %s", got, wantKinds)
	}
	if last := h.publisher.last(); last.Status != "failed" {
		t.Errorf("RUN_FINISHED status = %q, want failed", last.Status)
	}
}

func TestExecute_Assertions(t *testing.T) {
	hidden := false
	tests := []struct {
		name string
		step core.Step
		want core.StepStatus
	}{
		{"text substring", core.Step{ID: "a", Type: core.StepAssertText, Selector: "h1", Text: "Welc"}, core.StepPassed},
		{"text exact mismatch", core.Step{ID: "a", Type: core.StepAssertText, Selector: "h1", Text: "Welc", ExactMatch: true}, core.StepFailed},
		{"text exact", core.Step{ID: "a", Type: core.StepAssertText, Selector: "h1", Text: "Welcome", ExactMatch: true}, core.StepPassed},
		{"text missing element", core.Step{ID: "a", Type: core.StepAssertText, Selector: "h2", Text: "x"}, core.StepFailed},
		{"visible", core.Step{ID: "a", Type: core.StepAssertVisible, Selector: "h1"}, core.StepPassed},
		{"hidden expected", core.Step{ID: "a", Type: core.StepAssertVisible, Selector: ".modal", ShouldBeVisible: &hidden}, core.StepPassed},
		{"hidden but visible", core.Step{ID: "a", Type: core.StepAssertVisible, Selector: "h1", ShouldBeVisible: &hidden}, core.StepFailed},
		{"url contains", core.Step{ID: "a", Type: core.StepAssertURL, URL: "/home"}, core.StepPassed},
		{"url exact mismatch", core.Step{ID: "a", Type: core.StepAssertURL, URL: "/home", ExactMatch: true}, core.StepFailed},
		{"wait", core.Step{ID: "a", Type: core.StepWait, Milliseconds: 1}, core.StepPassed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.page.SetElement("h1", browsertest.Element{Text: "Welcome", Visible: true})
			h.page.SetElement(".modal", browsertest.Element{Visible: false})
			exec := h.executor(t, nil)
			run := core.NewRun("run", scenario(
				core.Step{ID: "open", Type: core.StepNavigate, URL: "https://shop.test/home"},
				tt.step,
			), time.Now())

			if err := exec.Execute(context.Background(), run); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if got := run.Steps[1].Status; got != tt.want {
				t.Errorf("step status = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExecute_InputThenClickNavigates(t *testing.T) {
	h := newHarness(t)
	h.page.SetElement("#email", browsertest.Element{Visible: true})
	h.page.SetElement("#go", browsertest.Element{Visible: true, Navigate: "https://shop.test/done"})
	exec := h.executor(t, nil)
	run := core.NewRun("run", scenario(
		core.Step{ID: "open", Type: core.StepNavigate, URL: "https://shop.test"},
		core.Step{ID: "type", Type: core.StepInput, Selector: "#email", Text: "a@b.c"},
		core.Step{ID: "submit", Type: core.StepClick, Selector: "#go"},
		core.Step{ID: "landed", Type: core.StepAssertURL, URL: "https://shop.test/done", ExactMatch: true},
	), time.Now())

	if err := exec.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != core.RunPassed {
		t.Fatalf("Status = %q, want passed (steps %v)", run.Status, stepStatuses(run))
	}
	if got := h.page.Value("#email"); got != "a@b.c" {
		t.Errorf("typed = %q, want a@b.c", got)
	}
}

func TestExecute_ScreenshotStepPublishesFrame(t *testing.T) {
	h := newHarness(t)
	exec := h.executor(t, nil)
	run := core.NewRun("run-3", scenario(
		core.Step{ID: "open", Type: core.StepNavigate, URL: "https://shop.test", Screenshot: true},
		core.Step{ID: "snap", Type: core.StepScreenshot, Name: "landing page"},
	), time.Now())

	if err := exec.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != core.RunPassed {
		t.Fatalf("Status = %q, want passed", run.Status)
	}

	wantKinds := "STEP_START,FRAME,STEP_END,STEP_START,FRAME,STEP_END,RUN_FINISHED"
	if got := strings.Join(h.publisher.kinds(), ","); got != wantKinds {
		t.Fatalf("events = %s, want %s", got, wantKinds)
	}
	frame := h.publisher.events[4]
	wantPath := "runs/run-3/screenshots/001-landing_page.png"
	if frame.Path != wantPath || frame.URL != "http://test/artifacts/"+wantPath || frame.Index != 1 {
		t.Errorf("frame = %+v", frame)
	}
	data, err := os.ReadFile(h.artifacts + "/" + wantPath)
	if err != nil {
		t.Fatalf("uploaded screenshot: %v", err)
	}
	if string(data) != string(browsertest.PNG) {
		t.Errorf("screenshot bytes = %q", data)
	}
	if got := run.Steps[1].Screenshots; len(got) != 1 || got[0].Name != "landing page" {
		t.Errorf("screenshots = %+v", got)
	}
}

func TestExecute_ScreenshotFailureFailsScreenshotStep(t *testing.T) {
	h := newHarness(t)
	h.page.ScreenshotErr = errors.New("gpu lost")
	exec := h.executor(t, nil)
	run := core.NewRun("run", scenario(
		core.Step{ID: "open", Type: core.StepNavigate, URL: "https://shop.test", Screenshot: true},
		core.Step{ID: "snap", Type: core.StepScreenshot},
	), time.Now())

	if err := exec.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []core.StepStatus{core.StepPassed, core.StepFailed}
	if got := stepStatuses(run); !equalStatuses(got, want) {
		t.Errorf("steps = %v, want %v", got, want)
	}
	if run.Status != core.RunFailed {
		t.Errorf("Status = %q, want failed", run.Status)
	}
}

func TestExecute_LaunchFailureErrorsRun(t *testing.T) {
	h := newHarness(t)
	h.launcher.LaunchErr = errors.New("no chrome")
	exec := h.executor(t, nil)
	run := core.NewRun("run-4", scenario(
		core.Step{ID: "open", Type: core.StepNavigate, URL: "https://shop.test"},
		core.Step{ID: "wait", Type: core.StepWait, Milliseconds: 1},
	), time.Now())

	if err := exec.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != core.RunError {
		t.Fatalf("Status = %q, want error", run.Status)
	}
	if !strings.Contains(run.Error, "no chrome") {
		t.Errorf("Error = %q", run.Error)
	}
	want := []core.StepStatus{core.StepSkipped, core.StepSkipped}
	if got := stepStatuses(run); !equalStatuses(got, want) {
		t.Errorf("steps = %v, want %v", got, want)
	}
	if got := strings.Join(h.publisher.kinds(), ","); got != "RUN_FINISHED" {
		t.Errorf("events = %s, want RUN_FINISHED", got)
	}
	if last := h.publisher.last(); last.Status != "error" {
		t.Errorf("RUN_FINISHED status = %q", last.Status)
	}
	if saved := h.saver.latest(); saved.Status != core.RunError {
		t.Errorf("persisted status = %q", saved.Status)
	}
}

func TestExecute_CancellationErrorsRunningStep(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.page.Before = func(ctx context.Context, action, _ string) error {
		if action == "click" {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	h.page.SetElement("#go", browsertest.Element{Visible: true})
	exec := h.executor(t, nil)
	run := core.NewRun("run-5", scenario(
		core.Step{ID: "open", Type: core.StepNavigate, URL: "https://shop.test"},
		core.Step{ID: "go", Type: core.StepClick, Selector: "#go"},
		core.Step{ID: "after", Type: core.StepWait, Milliseconds: 1},
	), time.Now())

	if err := exec.Execute(ctx, run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []core.StepStatus{core.StepPassed, core.StepError, core.StepSkipped}
	if got := stepStatuses(run); !equalStatuses(got, want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}
	if run.Status != core.RunError {
		t.Errorf("Status = %q, want error", run.Status)
	}
	if last := h.publisher.last(); last.Kind != EventRunFinished || last.Status != "error" {
		t.Errorf("last event = %+v", last)
	}
	if saved := h.saver.latest(); saved.Status != core.RunError {
		t.Errorf("persisted status = %q", saved.Status)
	}
}

func TestExecute_PanicBecomesStepFailure(t *testing.T) {
	h := newHarness(t)
	h.page.Before = func(_ context.Context, action, _ string) error {
		if action == "goto" {
			panic("driver exploded")
		}
		return nil
	}
	exec := h.executor(t, nil)
	run := core.NewRun("run", scenario(core.Step{ID: "open", Type: core.StepNavigate, URL: "https://x"}), time.Now())

	if err := exec.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	step := run.Steps[0]
	if step.Status != core.StepFailed {
		t.Fatalf("step status = %q, want failed", step.Status)
	}
	if step.Error == nil || !strings.Contains(step.Error.Message, "driver exploded") || step.Error.Stack == "" {
		t.Errorf("step error = %+v", step.Error)
	}
}

func TestExecute_AttachesTraceAndVideo(t *testing.T) {
	h := newHarness(t)
	h.launcher.Video = []byte("webm-bytes")
	exec := h.executor(t, func(cfg *ExecutorConfig) {
		cfg.RecordVideo = true
		cfg.Trace = true
	})
	run := core.NewRun("run-6", scenario(core.Step{ID: "open", Type: core.StepNavigate, URL: "https://x"}), time.Now())

	if err := exec.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if want := "http://test/artifacts/runs/run-6/trace.json"; run.TraceURL != want {
		t.Errorf("TraceURL = %q, want %q", run.TraceURL, want)
	}
	if want := "http://test/artifacts/runs/run-6/video.webm"; run.VideoURL != want {
		t.Errorf("VideoURL = %q, want %q", run.VideoURL, want)
	}
	last := h.publisher.last()
	if last.Video != run.VideoURL || last.Trace != run.TraceURL {
		t.Errorf("RUN_FINISHED artifacts = %+v", last)
	}
	if saved := h.saver.latest(); saved.VideoURL == "" || saved.TraceURL == "" {
		t.Errorf("artifact urls not persisted: %+v", saved)
	}
}

func TestExecute_TracingFailureAfterTerminalKeepsStatus(t *testing.T) {
	h := newHarness(t)
	h.launcher.TraceErr = errors.New("trace buffer lost")
	exec := h.executor(t, func(cfg *ExecutorConfig) { cfg.Trace = true })
	run := core.NewRun("run", scenario(core.Step{ID: "open", Type: core.StepNavigate, URL: "https://x"}), time.Now())

	if err := exec.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != core.RunPassed {
		t.Errorf("Status = %q, want passed", run.Status)
	}
	if run.TraceURL != "" {
		t.Errorf("TraceURL = %q, want empty", run.TraceURL)
	}
}

func TestExecute_RemovesScratchDir(t *testing.T) {
	h := newHarness(t)
	exec := h.executor(t, nil)
	run := core.NewRun("run", scenario(core.Step{ID: "snap", Type: core.StepScreenshot}), time.Now())

	if err := exec.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	entries, err := os.ReadDir(h.workDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("work dir not cleaned: %v", entries)
	}
}

func TestExecute_RejectsTerminalRun(t *testing.T) {
	h := newHarness(t)
	exec := h.executor(t, nil)
	run := core.NewRun("run", scenario(core.Step{ID: "a", Type: core.StepWait}), time.Now())
	run.Status = core.RunPassed

	err := exec.Execute(context.Background(), run)
	if !errors.Is(err, core.ErrRunTerminal) {
		t.Fatalf("err = %v, want ErrRunTerminal", err)
	}
	if len(h.launcher.Sessions()) != 0 {
		t.Error("terminal run launched a browser")
	}
}

func TestNewExecutor_RequiresDependencies(t *testing.T) {
	if _, err := NewExecutor(ExecutorConfig{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestExecute_NoStepsErrorsRun(t *testing.T) {
	h := newHarness(t)
	exec := h.executor(t, nil)
	run := core.NewRun("run-empty", scenario(), time.Now())

	if err := exec.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != core.RunError {
		t.Fatalf("Status = %q, want error", run.Status)
	}
	if run.Error != "scenario has no steps" {
		t.Errorf("Error = %q", run.Error)
	}
	if got := strings.Join(h.publisher.kinds(), ","); got != "RUN_FINISHED" {
		t.Errorf("events = %s, want RUN_FINISHED", got)
	}
	if last := h.publisher.last(); last.Status != "error" {
		t.Errorf("RUN_FINISHED status = %q, want error", last.Status)
	}
	if saved := h.saver.latest(); saved == nil || saved.Status != core.RunError || saved.EndTime == nil {
		t.Errorf("persisted run = %+v, want error with end time", saved)
	}
	if n := len(h.launcher.Sessions()); n != 0 {
		t.Errorf("browser launched %d times for an empty run", n)
	}
}
