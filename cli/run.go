package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/petal-labs/petalrun/config"
	"github.com/petal-labs/petalrun/core"
	"github.com/petal-labs/petalrun/runtime"
)

const eventDrainTimeout = 2 * time.Second

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <scenario-file>",
		Short: "Execute a scenario file locally",
		Long: "run executes a scenario in this process, bypassing the job queue, and\n" +
			"prints the finished run. It exits 4 when the run fails and 2 when it errors.",
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}

	cmd.Flags().String("run-id", "", "Run ID (default: generated)")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().String("format", "pretty", "Output format: json | pretty")
	cmd.Flags().StringP("output", "o", "", "Write the run to file (default: stdout)")
	cmd.Flags().Bool("events", false, "Print execution events to stderr as JSON lines")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "json" && format != "pretty" {
		return exitError(exitValidation, "unknown format %q (use json or pretty)", format)
	}

	scenario, err := loadScenarioFile(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// Events never leave the process for a local run.
	cfg.Bus.Backend = config.BackendMemory

	st := newStack(cfg, nil)
	defer func() { _ = st.Close() }()

	runID, _ := cmd.Flags().GetString("run-id")
	if strings.TrimSpace(runID) == "" {
		runID = uuid.NewString()
	}

	ctx, cancel, timeout := runContext(cmd)
	defer cancel()

	runs, err := st.store()
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	if _, exists, err := runs.Get(ctx, runID); err != nil {
		return exitError(exitRuntime, "checking run %s: %v", runID, err)
	} else if exists {
		return exitError(exitValidation, "run %s already exists", runID)
	}

	if events, _ := cmd.Flags().GetBool("events"); events {
		unsubscribe, err := printEvents(ctx, st, runID, cmd.ErrOrStderr())
		if err != nil {
			return exitError(exitRuntime, "%v", err)
		}
		defer unsubscribe()
	}

	exec, err := st.executor(ctx)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}

	run := core.NewRun(runID, scenario, time.Now().UTC())
	if err := runs.Save(ctx, run); err != nil {
		return exitError(exitRuntime, "saving run: %v", err)
	}
	if err := exec.Execute(ctx, run); err != nil {
		return exitError(exitRuntime, "execution failed: %v", err)
	}

	if err := writeRun(cmd, run, format); err != nil {
		return err
	}
	return runOutcome(ctx, timeout, run)
}

func loadScenarioFile(path string) (core.Scenario, error) {
	scenario, err := core.LoadScenario(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.Scenario{}, exitError(exitFileNotFound, "file not found: %s", path)
		}
		return core.Scenario{}, exitError(exitValidation, "%v", err)
	}
	return scenario, nil
}

func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc, time.Duration) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return ctx, cancel, timeout
}

// printEvents writes the events of runID to w as one JSON object per line.
// The returned stop func waits briefly for RUN_FINISHED before it
// unsubscribes, since the bus delivers asynchronously.
func printEvents(ctx context.Context, st *stack, runID string, w io.Writer) (func(), error) {
	events, err := st.bus()
	if err != nil {
		return nil, err
	}
	var (
		mu   sync.Mutex
		once sync.Once
	)
	finished := make(chan struct{})
	enc := json.NewEncoder(w)
	sub, err := events.Subscribe(ctx, st.cfg.Bus.Topic, func(e runtime.Event) {
		if e.RunID != runID {
			return
		}
		mu.Lock()
		_ = enc.Encode(e)
		mu.Unlock()
		if e.Kind == runtime.EventRunFinished {
			once.Do(func() { close(finished) })
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to events: %w", err)
	}
	return func() {
		select {
		case <-finished:
		case <-time.After(eventDrainTimeout):
		}
		_ = sub.Close()
	}, nil
}

// runOutcome maps the terminal run status to the process exit code.
func runOutcome(ctx context.Context, timeout time.Duration, run *core.Run) error {
	switch run.Status {
	case core.RunPassed:
		return nil
	case core.RunFailed:
		return exitError(exitRunFailed, "run %s failed", run.ID)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return exitError(exitTimeout, "execution timed out after %s", timeout)
	}
	return exitError(exitRuntime, "run %s errored: %s", run.ID, run.Error)
}

// writeRun formats and writes the finished run.
func writeRun(cmd *cobra.Command, run *core.Run, format string) error {
	outputPath, _ := cmd.Flags().GetString("output")

	var output string
	switch format {
	case "json":
		data, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "marshaling run: %v", err)
		}
		output = string(data)
	default:
		output = formatPretty(run)
	}

	if outputPath != "" {
		if err := os.WriteFile(outputPath, []byte(output+"\n"), 0o600); err != nil {
			return exitError(exitRuntime, "writing output file: %v", err)
		}
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), output)
	return nil
}

// formatPretty returns a human-readable summary of the run.
func formatPretty(run *core.Run) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "=== Run %s ===\n", run.ID)
	fmt.Fprintf(&sb, "  Scenario: %s\n", run.Scenario.Name)
	fmt.Fprintf(&sb, "  Status:   %s\n", run.Status)
	if run.Error != "" {
		fmt.Fprintf(&sb, "  Error:    %s\n", run.Error)
	}

	fmt.Fprintf(&sb, "\n=== Steps (%d) ===\n", len(run.Steps))
	for i, step := range run.Steps {
		label := step.StepID
		if label == "" && i < len(run.Scenario.Steps) {
			label = run.Scenario.Steps[i].Label()
		}
		fmt.Fprintf(&sb, "  %2d. [%s] %s %s\n", i+1, step.Status, step.StepType, label)
		if step.Error != nil {
			fmt.Fprintf(&sb, "      %s\n", step.Error.Message)
		}
	}

	if run.Summary != nil {
		s := run.Summary
		sb.WriteString("\n=== Summary ===\n")
		fmt.Fprintf(&sb, "  passed %d, failed %d, skipped %d, errored %d in %dms\n",
			s.Passed, s.Failed, s.Skipped, s.Errored, s.DurationMs)
	}
	if run.VideoURL != "" || run.TraceURL != "" {
		sb.WriteString("\n=== Artifacts ===\n")
		if run.VideoURL != "" {
			fmt.Fprintf(&sb, "  video: %s\n", run.VideoURL)
		}
		if run.TraceURL != "" {
			fmt.Fprintf(&sb, "  trace: %s\n", run.TraceURL)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
