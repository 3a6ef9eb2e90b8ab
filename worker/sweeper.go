package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/petalrun/core"
	"github.com/petal-labs/petalrun/metrics"
	"github.com/petal-labs/petalrun/queue"
	"github.com/petal-labs/petalrun/runtime"
	"github.com/petal-labs/petalrun/store"
)

const (
	// DefaultSweepSchedule runs the sweeper once a minute.
	DefaultSweepSchedule = "@every 1m"
	// DefaultStaleAfter is how long a run may stay running without a
	// lease holder before it is aborted.
	DefaultStaleAfter = 30 * time.Minute
	// DefaultPendingStaleAfter is the same bound for runs that never
	// started.
	DefaultPendingStaleAfter = 6 * time.Hour
)

const sweepLeaseTTL = time.Minute

// StaleReason is recorded on runs the sweeper aborts.
const StaleReason = "run abandoned: no worker holds its lease"

var sweepParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a five-field cron expression or a descriptor such
// as "@every 1m" or "@hourly".
func ParseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, errors.New("cron expression is required")
	}
	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, errors.New("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}
	schedule, err := sweepParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Runs      store.RunStore
	Locker    queue.Locker
	Publisher runtime.EventPublisher
	// Topic defaults to runtime.DefaultTopic.
	Topic string
	// Schedule defaults to DefaultSweepSchedule.
	Schedule          string
	StaleAfter        time.Duration
	PendingStaleAfter time.Duration
	// BatchLimit caps the runs inspected per pass (default 500).
	BatchLimit int
	Now        func() time.Time
	Logger     *slog.Logger
}

// Sweeper aborts runs whose worker died. A run is stale when it has sat in
// pending or running past its threshold and nobody holds its lease. Stale
// runs are resolved to error, saved, and announced with RUN_FINISHED so
// their observers close.
type Sweeper struct {
	runs         store.RunStore
	locker       queue.Locker
	publisher    runtime.EventPublisher
	topic        string
	schedule     cron.Schedule
	staleAfter   time.Duration
	pendingAfter time.Duration
	batchLimit   int
	now          func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a Sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Runs == nil {
		return nil, errors.New("sweeper run store is nil")
	}
	if cfg.Locker == nil {
		return nil, errors.New("sweeper locker is nil")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("sweeper publisher is nil")
	}
	if cfg.Topic == "" {
		cfg.Topic = runtime.DefaultTopic
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("sweeper: %w", err)
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.PendingStaleAfter <= 0 {
		cfg.PendingStaleAfter = DefaultPendingStaleAfter
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{
		runs:         cfg.Runs,
		locker:       cfg.Locker,
		publisher:    cfg.Publisher,
		topic:        cfg.Topic,
		schedule:     schedule,
		staleAfter:   cfg.StaleAfter,
		pendingAfter: cfg.PendingStaleAfter,
		batchLimit:   cfg.BatchLimit,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}, nil
}

// Start runs a pass immediately and then on the schedule until Stop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			if _, err := s.RunOnce(loopCtx); err != nil && loopCtx.Err() == nil {
				s.logger.Error("sweep stale runs", "error", err)
			}
			wait := s.schedule.Next(s.now()).Sub(s.now())
			timer := time.NewTimer(wait)
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
	return nil
}

// Stop stops the background loop and waits for an in-flight pass.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single pass and returns how many runs it aborted.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	candidates, err := s.runs.List(ctx, store.ListFilter{
		Statuses: []core.RunStatus{core.RunPending, core.RunRunning},
		Limit:    s.batchLimit,
	})
	if err != nil {
		return 0, fmt.Errorf("sweeper: list runs: %w", err)
	}

	now := s.now()
	swept := 0
	for _, run := range candidates {
		if !s.stale(run, now) {
			continue
		}
		if s.sweep(ctx, run.ID, now) {
			swept++
		}
	}
	if swept > 0 {
		s.logger.Info("swept stale runs", "count", swept)
	}
	return swept, nil
}

func (s *Sweeper) stale(run *core.Run, now time.Time) bool {
	switch run.Status {
	case core.RunRunning:
		since := run.CreatedAt
		if run.StartTime != nil {
			since = *run.StartTime
		}
		return now.Sub(since) > s.staleAfter
	case core.RunPending:
		return now.Sub(run.CreatedAt) > s.pendingAfter
	}
	return false
}

// sweep takes the run's lease so no worker can pick the run up while it is
// being aborted, then re-reads it under the lease.
func (s *Sweeper) sweep(ctx context.Context, runID string, now time.Time) bool {
	lease, err := s.locker.Acquire(ctx, queue.RunLeaseKey(runID), sweepLeaseTTL)
	if errors.Is(err, queue.ErrLeaseHeld) {
		return false
	}
	if err != nil {
		s.logger.Warn("acquire run lease", "run_id", runID, "error", err)
		return false
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release run lease", "run_id", runID, "error", err)
		}
	}()

	run, ok, err := s.runs.Get(ctx, runID)
	if err != nil {
		s.logger.Warn("reload run", "run_id", runID, "error", err)
		return false
	}
	if !ok || !s.stale(run, now) {
		return false
	}
	return s.abort(ctx, run, now)
}

func (s *Sweeper) abort(ctx context.Context, run *core.Run, now time.Time) bool {
	previous := run.Status
	logger := s.logger.With("run_id", run.ID, "previous_status", previous)

	if !run.Abort(now, StaleReason) {
		return false
	}
	end := now
	run.EndTime = &end
	summary := run.Summarize()
	run.Summary = &summary
	if err := s.runs.Save(ctx, run); err != nil {
		logger.Error("persist swept run", "error", err)
		return false
	}

	event := runtime.NewEvent(runtime.EventRunFinished, run.ID).WithStatus(string(run.Status))
	event.Time = now
	if _, err := s.publisher.Publish(ctx, s.topic, event); err != nil {
		logger.Warn("publish swept run", "error", err)
	}
	metrics.RunsSwept.WithLabelValues(string(previous)).Inc()
	metrics.RunsFinished.WithLabelValues(string(run.Status)).Inc()
	logger.Warn("aborted stale run")
	return true
}
