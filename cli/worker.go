package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewWorkerCmd creates the "worker" subcommand.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the job queue and execute runs",
		Long: "worker executes queued runs until interrupted. It needs a shared\n" +
			"queue and bus (redis) to be useful next to a separate serve process.",
		RunE: runWorker,
	}
	cmd.Flags().Int("concurrency", 0, "Jobs processed at once (default from config)")
	cmd.Flags().Bool("no-sweep", false, "Do not run the stale-run sweeper in this process")
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
		cfg.Queue.Concurrency = n
	}
	if noSweep, _ := cmd.Flags().GetBool("no-sweep"); noSweep {
		cfg.Worker.Sweep.Disabled = true
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := newStack(cfg, nil)
	defer func() {
		if err := st.Close(); err != nil {
			st.logger.Warn("closing components", "error", err)
		}
	}()

	if !cfg.Distributed() {
		st.logger.Warn("worker started with an in-memory queue or bus; it only sees jobs enqueued in this process")
	}

	jobs, err := st.queue()
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	proc, err := st.processor(ctx)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	sweeper, err := st.sweeper(ctx)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	if sweeper != nil {
		if err := sweeper.Start(ctx); err != nil {
			return exitError(exitRuntime, "starting sweeper: %v", err)
		}
		defer func() { _ = sweeper.Stop(context.Background()) }()
	}

	st.logger.Info("worker consuming", "queue", cfg.Queue.Name, "backend", cfg.Queue.Backend,
		"concurrency", cfg.Queue.Concurrency)
	if err := jobs.Consume(ctx, proc); err != nil {
		return exitError(exitRuntime, "consuming queue: %v", err)
	}
	st.logger.Info("worker stopped")
	return nil
}
