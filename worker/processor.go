// Package worker connects the job queue to the step executor and keeps run
// records consistent when workers die mid-run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/petalrun/core"
	"github.com/petal-labs/petalrun/metrics"
	"github.com/petal-labs/petalrun/queue"
	"github.com/petal-labs/petalrun/store"
)

// DefaultLeaseTTL is how long a run lease lives between refreshes.
const DefaultLeaseTTL = 2 * time.Minute

// Executor runs a run to completion. *runtime.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, run *core.Run) error
}

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	Executor Executor
	Runs     store.RunStore
	// Locker defaults to an in-process locker.
	Locker queue.Locker
	// LeaseTTL defaults to DefaultLeaseTTL; the lease is refreshed every
	// third of it.
	LeaseTTL time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Processor is the queue.Processor that executes test runs. It holds the
// run's lease for the whole attempt, so one run never has two writers.
type Processor struct {
	exec   Executor
	runs   store.RunStore
	locker queue.Locker
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Executor == nil {
		return nil, errors.New("processor executor is nil")
	}
	if cfg.Runs == nil {
		return nil, errors.New("processor run store is nil")
	}
	if cfg.Locker == nil {
		cfg.Locker = queue.NewMemLocker()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Processor{
		exec:   cfg.Executor,
		runs:   cfg.Runs,
		locker: cfg.Locker,
		ttl:    cfg.LeaseTTL,
		now:    cfg.Now,
		logger: cfg.Logger,
	}, nil
}

// Process executes the run named by job. Runs that are already terminal
// are acknowledged without running again. A non-terminal run left behind
// by an earlier attempt is reset before it executes.
func (p *Processor) Process(ctx context.Context, job queue.Job) error {
	payload := job.Payload
	logger := p.logger.With("run_id", payload.RunID, "job_id", job.ID, "attempt", job.Attempt)

	lease, err := p.locker.Acquire(ctx, queue.RunLeaseKey(payload.RunID), p.ttl)
	if err != nil {
		return fmt.Errorf("processor: %w", err)
	}
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := lease.Release(bg); err != nil {
			logger.Warn("release run lease", "error", err)
		}
	}()

	run, ok, err := p.runs.Get(ctx, payload.RunID)
	if err != nil {
		return fmt.Errorf("processor: load run %s: %w", payload.RunID, err)
	}
	switch {
	case !ok:
		run = core.NewRun(payload.RunID, payload.Scenario, p.now())
	case run.Status.Terminal():
		logger.Info("run already finished, skipping job", "status", run.Status)
		return nil
	case run.Status != core.RunPending:
		logger.Warn("resetting run left by an earlier attempt", "status", run.Status)
		if err := run.Reset(); err != nil {
			return fmt.Errorf("processor: %w", err)
		}
	}
	run.JobID = job.ID
	run.Attempt = job.Attempt

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopKeepalive := p.keepalive(execCtx, lease, cancel, logger)
	defer stopKeepalive()

	if err := p.exec.Execute(execCtx, run); err != nil {
		return fmt.Errorf("processor: %w", err)
	}
	metrics.RunsFinished.WithLabelValues(string(run.Status)).Inc()
	return nil
}

// keepalive refreshes the lease until stopped. Losing the lease cancels
// the execution.
func (p *Processor) keepalive(ctx context.Context, lease queue.Lease, cancel context.CancelFunc, logger *slog.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(p.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := lease.Refresh(ctx, p.ttl)
				if errors.Is(err, queue.ErrLeaseExpired) {
					logger.Error("run lease lost, aborting execution")
					cancel()
					return
				}
				if err != nil {
					logger.Warn("refresh run lease", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

var _ queue.Processor = (*Processor)(nil)
