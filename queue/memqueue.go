package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/petalrun/metrics"
)

// MemQueue is an in-process queue for single-binary deployments and tests.
// Jobs do not survive a restart.
type MemQueue struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	jobs      map[string]*Job
	ready     []string
	active    map[string]struct{}
	delayed   map[string]*time.Timer
	failed    []string
	completed int
	closed    bool
	wake      chan struct{}
}

// NewMemQueue creates an in-memory queue.
func NewMemQueue(opts Options) *MemQueue {
	opts = opts.withDefaults()
	return &MemQueue{
		opts:    opts,
		logger:  opts.Logger,
		now:     time.Now,
		jobs:    make(map[string]*Job),
		active:  make(map[string]struct{}),
		delayed: make(map[string]*time.Timer),
		wake:    make(chan struct{}),
	}
}

// broadcast wakes every waiting worker. Callers hold q.mu.
func (q *MemQueue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *MemQueue) Enqueue(_ context.Context, payload JobPayload) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}
	job := &Job{
		ID:          uuid.NewString(),
		Payload:     payload,
		MaxAttempts: q.opts.Attempts,
		EnqueuedAt:  q.now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	q.jobs[job.ID] = job
	q.ready = append(q.ready, job.ID)
	q.broadcast()
	metrics.JobsEnqueued.Inc()
	return job.ID, nil
}

// Consume runs Options.Concurrency workers until ctx is done or the queue
// is closed. Processor errors never stop the workers.
func (q *MemQueue) Consume(ctx context.Context, p Processor) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Concurrency; i++ {
		g.Go(func() error {
			for {
				job, ok := q.next(gctx)
				if !ok {
					return nil
				}
				err := process(gctx, p, job)
				q.settle(job, err)
			}
		})
	}
	return g.Wait()
}

// next blocks until a job is ready and moves it to active.
func (q *MemQueue) next(ctx context.Context) (Job, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Job{}, false
		}
		if len(q.ready) > 0 {
			id := q.ready[0]
			q.ready = q.ready[1:]
			job := q.jobs[id]
			job.Attempt++
			q.active[id] = struct{}{}
			out := *job
			q.mu.Unlock()
			return out, true
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, false
		case <-wake:
		}
	}
}

func (q *MemQueue) settle(job Job, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, job.ID)
	stored, ok := q.jobs[job.ID]
	if !ok {
		return
	}
	logger := q.logger.With("job_id", job.ID, "run_id", job.Payload.RunID, "attempt", job.Attempt)

	if err == nil {
		q.completed++
		if q.opts.RemoveOnComplete {
			delete(q.jobs, job.ID)
		}
		metrics.JobsProcessed.WithLabelValues("completed").Inc()
		logger.Debug("job completed")
		return
	}

	stored.LastError = err.Error()
	if job.Attempt < stored.MaxAttempts && !q.closed {
		delay := q.opts.Delay(job.Attempt)
		q.delayed[job.ID] = time.AfterFunc(delay, func() { q.promote(job.ID) })
		metrics.JobsProcessed.WithLabelValues("retried").Inc()
		logger.Warn("job failed, retrying", "delay", delay, "error", err)
		return
	}

	failedAt := q.now()
	stored.FailedAt = &failedAt
	if q.opts.RemoveOnFail {
		delete(q.jobs, job.ID)
	} else {
		q.failed = append(q.failed, job.ID)
	}
	metrics.JobsProcessed.WithLabelValues("failed").Inc()
	logger.Error("job failed permanently", "error", err)
}

func (q *MemQueue) promote(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.delayed[id]; !ok || q.closed {
		return
	}
	delete(q.delayed, id)
	q.ready = append(q.ready, id)
	q.broadcast()
}

func (q *MemQueue) Failed(_ context.Context) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.failed))
	for i := len(q.failed) - 1; i >= 0; i-- {
		if job, ok := q.jobs[q.failed[i]]; ok {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (q *MemQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:   len(q.ready),
		Active:    len(q.active),
		Delayed:   len(q.delayed),
		Failed:    len(q.failed),
		Completed: q.completed,
	}, nil
}

// Close stops workers after their current job and cancels pending retries.
func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, t := range q.delayed {
		t.Stop()
		delete(q.delayed, id)
	}
	q.broadcast()
	return nil
}

var _ Queue = (*MemQueue)(nil)
