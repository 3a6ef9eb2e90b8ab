package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/petal-labs/petalrun/core"
	"github.com/petal-labs/petalrun/queue"
)

// NewEnqueueCmd creates the "enqueue" subcommand.
func NewEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <scenario-file>",
		Short: "Queue a scenario for a worker to execute",
		Args:  cobra.ExactArgs(1),
		RunE:  runEnqueue,
	}
	cmd.Flags().String("run-id", "", "Run ID (default: generated)")
	return cmd
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	scenario, err := loadScenarioFile(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st := newStack(cfg, nil)
	defer func() { _ = st.Close() }()

	runs, err := st.store()
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	jobs, err := st.queue()
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}

	ctx := cmd.Context()
	runID, _ := cmd.Flags().GetString("run-id")
	if strings.TrimSpace(runID) == "" {
		runID = uuid.NewString()
	}
	if _, exists, err := runs.Get(ctx, runID); err != nil {
		return exitError(exitRuntime, "checking run %s: %v", runID, err)
	} else if exists {
		return exitError(exitValidation, "run %s already exists", runID)
	}

	run := core.NewRun(runID, scenario, time.Now().UTC())
	if err := runs.Save(ctx, run); err != nil {
		return exitError(exitRuntime, "saving run: %v", err)
	}
	jobID, err := jobs.Enqueue(ctx, queue.JobPayload{
		RunID:      run.ID,
		ScenarioID: run.ScenarioID,
		Scenario:   run.Scenario,
	})
	if err != nil {
		if delErr := runs.Delete(ctx, run.ID); delErr != nil {
			st.logger.Warn("rolling back run after enqueue failure", "run_id", run.ID, "error", delErr)
		}
		return exitError(exitRuntime, "enqueue: %v", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]string{"runId": run.ID, "jobId": jobID})
	return nil
}

// NewFailedCmd creates the "failed" subcommand.
func NewFailedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List jobs whose retries are exhausted",
		Args:  cobra.NoArgs,
		RunE:  runFailed,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

func runFailed(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st := newStack(cfg, nil)
	defer func() { _ = st.Close() }()

	jobs, err := st.queue()
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	failed, err := jobs.Failed(cmd.Context())
	if err != nil {
		return exitError(exitRuntime, "listing failed jobs: %v", err)
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		if failed == nil {
			failed = []queue.Job{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(failed)
		return nil
	}

	if len(failed) == 0 {
		fmt.Fprintln(out, "No failed jobs.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tRUN\tATTEMPTS\tFAILED AT\tERROR")
	for _, job := range failed {
		failedAt := ""
		if job.FailedAt != nil {
			failedAt = job.FailedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
			job.ID, job.Payload.RunID, job.Attempt, job.MaxAttempts, failedAt, job.LastError)
	}
	return tw.Flush()
}
