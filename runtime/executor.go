package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/petal-labs/petalrun/artifact"
	"github.com/petal-labs/petalrun/browser"
	"github.com/petal-labs/petalrun/core"
)

// DefaultTopic is the bus topic execution events are published on.
const DefaultTopic = "execution-events"

const (
	defaultVideoPollAttempts = 10
	defaultVideoPollInterval = 500 * time.Millisecond
)

var errNoSteps = errors.New("scenario has no steps")

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Launcher  browser.Launcher
	Artifacts artifact.Store
	Store     RunSaver
	Publisher EventPublisher
	// Topic defaults to DefaultTopic.
	Topic string
	// WorkDir holds per-run scratch directories (default os.TempDir()).
	WorkDir string
	// ScreenshotEveryStep captures after every passed step, not only the
	// ones that request it.
	ScreenshotEveryStep bool
	// RecordVideo and Trace are forwarded to the browser driver.
	RecordVideo bool
	Trace       bool
	// ViewportWidth and ViewportHeight size the browser window.
	ViewportWidth  int
	ViewportHeight int
	// VideoPollAttempts and VideoPollInterval bound the wait for the
	// recording to appear after the session closes (default 10 x 500ms).
	VideoPollAttempts int
	VideoPollInterval time.Duration
	Now               func() time.Time
	Logger            *slog.Logger
}

// Executor drives one browser session through a run's steps. It is the
// only component that sets a run's terminal status and the only one that
// publishes RUN_FINISHED.
type Executor struct {
	launcher  browser.Launcher
	artifacts artifact.Store
	store     RunSaver
	publisher EventPublisher
	finalizer *Finalizer
	topic     string
	workDir   string
	shotAll   bool
	video     bool
	trace     bool
	viewportW int
	viewportH int
	pollN     int
	pollEvery time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Launcher == nil {
		return nil, errors.New("executor launcher is nil")
	}
	if cfg.Artifacts == nil {
		return nil, errors.New("executor artifact store is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("executor run store is nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("executor publisher is nil")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.VideoPollAttempts <= 0 {
		cfg.VideoPollAttempts = defaultVideoPollAttempts
	}
	if cfg.VideoPollInterval <= 0 {
		cfg.VideoPollInterval = defaultVideoPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		launcher:  cfg.Launcher,
		artifacts: cfg.Artifacts,
		store:     cfg.Store,
		publisher: cfg.Publisher,
		finalizer: NewFinalizer(cfg.Store, cfg.Logger),
		topic:     cfg.Topic,
		workDir:   cfg.WorkDir,
		shotAll:   cfg.ScreenshotEveryStep,
		video:     cfg.RecordVideo,
		trace:     cfg.Trace,
		viewportW: cfg.ViewportWidth,
		viewportH: cfg.ViewportHeight,
		pollN:     cfg.VideoPollAttempts,
		pollEvery: cfg.VideoPollInterval,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}, nil
}

// Execute runs every step of run in order against a fresh browser session.
// On return the run is terminal, persisted, and RUN_FINISHED has been
// published. The returned error reports failures that prevented the run
// from being persisted; step and run-level failures are recorded on the
// run itself.
func (e *Executor) Execute(ctx context.Context, run *core.Run) (err error) {
	if run.Status.Terminal() {
		return fmt.Errorf("executor: %w: %s is %s", core.ErrRunTerminal, run.ID, run.Status)
	}
	logger := e.logger.With("run_id", run.ID)
	// Bookkeeping after the last step must survive cancellation.
	bg := context.WithoutCancel(ctx)

	runDir, mkErr := os.MkdirTemp(e.workDir, "petalrun-"+run.ID+"-")
	if mkErr != nil {
		runDir = ""
	}

	if err := run.Start(e.now()); err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	if err := e.store.Save(bg, run); err != nil {
		logger.Error("persist running status", "error", err)
	}
	logger.Info("run started", "scenario", run.Scenario.Name, "steps", len(run.Steps), "attempt", run.Attempt)

	defer func() {
		end := e.now()
		run.EndTime = &end
		summary := run.Summarize()
		run.Summary = &summary
		if saveErr := e.store.Save(bg, run); saveErr != nil {
			logger.Error("persist final run", "error", saveErr)
			if err == nil {
				err = fmt.Errorf("executor: save run %s: %w", run.ID, saveErr)
			}
		}
		if runDir != "" {
			if rmErr := os.RemoveAll(runDir); rmErr != nil {
				logger.Warn("remove run scratch dir", "dir", runDir, "error", rmErr)
			}
		}
		logger.Info("run completed", "status", run.Status,
			"passed", summary.Passed, "failed", summary.Failed, "skipped", summary.Skipped,
			"duration_ms", summary.DurationMs)
	}()

	if len(run.Steps) == 0 {
		e.fail(bg, run, errNoSteps)
		e.publishFinished(bg, run)
		return nil
	}
	if mkErr != nil {
		e.fail(bg, run, fmt.Errorf("create scratch dir: %w", mkErr))
		e.publishFinished(bg, run)
		return nil
	}

	session, launchErr := e.launcher.Launch(ctx, browser.LaunchOptions{
		ArtifactDir:    runDir,
		RecordVideo:    e.video,
		Trace:          e.trace,
		ViewportWidth:  e.viewportW,
		ViewportHeight: e.viewportH,
	})
	if launchErr != nil {
		e.fail(bg, run, fmt.Errorf("launch browser: %w", launchErr))
		e.publishFinished(bg, run)
		return nil
	}

	sc := &stepContext{exec: e, bg: bg, run: run, page: session, dir: runDir, logger: logger}
	if stepsErr := sc.runSteps(ctx); stepsErr != nil {
		e.fail(bg, run, stepsErr)
	}

	tracePath := ""
	if e.trace {
		tracePath = filepath.Join(runDir, "trace.json")
		if traceErr := session.StopTracing(bg, tracePath); traceErr != nil {
			e.fail(bg, run, fmt.Errorf("stop tracing: %w", traceErr))
			tracePath = ""
		}
	}
	videoPath := session.VideoPath()
	if closeErr := session.Close(); closeErr != nil {
		logger.Warn("close browser session", "error", closeErr)
	}

	e.attachArtifacts(bg, run, tracePath, videoPath, logger)
	e.publishFinished(bg, run)
	return nil
}

// fail resolves a non-terminal run to error and persists it. Terminal
// runs keep their status; the failure is only logged.
func (e *Executor) fail(ctx context.Context, run *core.Run, cause error) {
	if !run.Abort(e.now(), cause.Error()) {
		e.logger.Warn("run-level failure after terminal status", "run_id", run.ID, "status", run.Status, "error", cause)
		return
	}
	e.logger.Error("run errored", "run_id", run.ID, "error", cause)
	if err := e.store.Save(ctx, run); err != nil {
		e.logger.Error("persist errored run", "run_id", run.ID, "error", err)
	}
}

func (e *Executor) attachArtifacts(ctx context.Context, run *core.Run, tracePath, videoPath string, logger *slog.Logger) {
	if tracePath != "" {
		url, err := e.artifacts.Upload(ctx, tracePath, artifact.TraceObject(run.ID, filepath.Ext(tracePath)))
		if err != nil {
			logger.Warn("upload trace", "error", err)
		} else {
			run.TraceURL = url
		}
	}
	if videoPath != "" {
		if !e.awaitFile(ctx, videoPath) {
			logger.Warn("video not available", "path", videoPath)
		} else {
			url, err := e.artifacts.Upload(ctx, videoPath, artifact.VideoObject(run.ID, filepath.Ext(videoPath)))
			if err != nil {
				logger.Warn("upload video", "error", err)
			} else {
				run.VideoURL = url
			}
		}
	}
	if run.TraceURL == "" && run.VideoURL == "" {
		return
	}
	if err := e.store.Save(ctx, run); err != nil {
		logger.Error("persist artifact urls", "error", err)
	}
}

// awaitFile polls for a non-empty file; recordings are flushed
// asynchronously after the session closes.
func (e *Executor) awaitFile(ctx context.Context, path string) bool {
	for i := 0; i < e.pollN; i++ {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(e.pollEvery):
		}
	}
	return false
}

func (e *Executor) publishFinished(ctx context.Context, run *core.Run) {
	event := NewEvent(EventRunFinished, run.ID).
		WithStatus(string(run.Status)).
		WithArtifacts(run.VideoURL, run.TraceURL)
	e.publish(ctx, event)
}

// publish is fire-and-forget: bus failures never affect the run.
func (e *Executor) publish(ctx context.Context, event Event) {
	event.Time = e.now()
	n, err := e.publisher.Publish(ctx, e.topic, event)
	if err != nil {
		e.logger.Warn("publish event", "run_id", event.RunID, "type", event.Kind, "error", err)
		return
	}
	if n == 0 {
		e.logger.Debug("event had no subscribers", "run_id", event.RunID, "type", event.Kind)
	}
}
