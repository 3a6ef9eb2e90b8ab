package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/petalrun/metrics"
)

// DefaultQueueName is the queue jobs are submitted to.
const DefaultQueueName = "test-execution"

const (
	defaultKeyPrefix    = "petalrun:queue:"
	defaultBlockTimeout = time.Second
	defaultStallTimeout = 30 * time.Second
	promoteBatch        = 100
)

// ErrStalled is recorded on jobs whose worker stopped heartbeating after
// the last allowed attempt.
var ErrStalled = errors.New("job stalled")

// promoteScript moves due jobs from the delayed set to the wait list.
var promoteScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// recoverScript returns stalled active jobs to the wait list. Active ids
// without a heartbeat get one, so a worker that died between the pop and
// its first heartbeat is still recovered.
var recoverScript = goredis.NewScript(`
local active = redis.call('LRANGE', KEYS[1], 0, -1)
for _, id in ipairs(active) do
	redis.call('ZADD', KEYS[2], 'NX', ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
local moved = 0
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[2], id)
	if redis.call('LREM', KEYS[1], 1, id) > 0 then
		redis.call('LPUSH', KEYS[3], id)
		moved = moved + 1
	end
end
return moved
`)

// RedisQueueConfig configures a Redis-backed queue.
type RedisQueueConfig struct {
	// URL is the Redis connection URL, used when Client is nil.
	URL string
	// Client is an existing connection to share; the queue does not close it.
	Client *goredis.Client
	// Name is the queue name (default: test-execution).
	Name string
	// KeyPrefix namespaces the queue keys (default: petalrun:queue:).
	KeyPrefix string
	// BlockTimeout bounds each blocking pop; delayed jobs are promoted
	// between pops (default 1s).
	BlockTimeout time.Duration
	// StallTimeout is how long an active job may go without a heartbeat
	// before it is handed to another worker (default 30s).
	StallTimeout time.Duration
	Options      Options
}

// RedisQueue keeps jobs in Redis so producers and workers can live in
// different processes. Job records are msgpack blobs in a hash; ids move
// between the wait list, the active list, the delayed sorted set and the
// failed list. Active jobs carry a heartbeat score; jobs whose worker
// stops heartbeating are returned to the wait list.
type RedisQueue struct {
	client     *goredis.Client
	ownsClient bool
	opts       Options
	logger     *slog.Logger
	block      time.Duration
	stall      time.Duration
	now        func() time.Time

	keyJobs, keyWait, keyActive, keyHeartbeat, keyDelayed, keyFailed, keyCompleted string
}

// NewRedisQueue creates a Redis-backed queue.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	client := cfg.Client
	owns := false
	if client == nil {
		if cfg.URL == "" {
			return nil, errors.New("redis queue requires a URL or client")
		}
		opts, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis queue: invalid URL: %w", err)
		}
		client = goredis.NewClient(opts)
		owns = true
	}
	if cfg.Name == "" {
		cfg.Name = DefaultQueueName
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.BlockTimeout < time.Second {
		// Redis blocking pops take whole seconds.
		cfg.BlockTimeout = defaultBlockTimeout
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	opts := cfg.Options.withDefaults()
	base := cfg.KeyPrefix + cfg.Name + ":"
	return &RedisQueue{
		client:       client,
		ownsClient:   owns,
		opts:         opts,
		logger:       opts.Logger,
		block:        cfg.BlockTimeout,
		stall:        cfg.StallTimeout,
		now:          time.Now,
		keyJobs:      base + "jobs",
		keyWait:      base + "wait",
		keyActive:    base + "active",
		keyHeartbeat: base + "heartbeat",
		keyDelayed:   base + "delayed",
		keyFailed:    base + "failed",
		keyCompleted: base + "completed",
	}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, payload JobPayload) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}
	job := &Job{
		ID:          uuid.NewString(),
		Payload:     payload,
		MaxAttempts: q.opts.Attempts,
		EnqueuedAt:  q.now(),
	}
	data, err := encodeJob(job)
	if err != nil {
		return "", err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, q.keyJobs, job.ID, data)
		pipe.LPush(ctx, q.keyWait, job.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis queue: enqueue: %w", err)
	}
	metrics.JobsEnqueued.Inc()
	return job.ID, nil
}

// Consume runs Options.Concurrency workers until ctx is done.
func (q *RedisQueue) Consume(ctx context.Context, p Processor) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Concurrency; i++ {
		g.Go(func() error {
			q.work(gctx, p)
			return nil
		})
	}
	return g.Wait()
}

func (q *RedisQueue) work(ctx context.Context, p Processor) {
	for ctx.Err() == nil {
		if err := q.promote(ctx); err != nil && ctx.Err() == nil {
			q.logger.Warn("redis queue: promote delayed jobs", "error", err)
		}
		if n, err := q.recoverStalled(ctx); err != nil && ctx.Err() == nil {
			q.logger.Warn("redis queue: recover stalled jobs", "error", err)
		} else if n > 0 {
			q.logger.Warn("redis queue: requeued stalled jobs", "count", n)
		}

		id, err := q.client.BRPopLPush(ctx, q.keyWait, q.keyActive, q.block).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("redis queue: pop job", "error", err)
			sleep(ctx, q.block)
			continue
		}

		// Settlement must land even when shutdown cancels ctx mid-job.
		bg := context.WithoutCancel(ctx)
		job, exhausted, err := q.activate(bg, id)
		if err != nil {
			q.logger.Error("redis queue: load job", "job_id", id, "error", err)
			_ = q.client.LRem(bg, q.keyActive, 1, id).Err()
			_ = q.client.ZRem(bg, q.keyHeartbeat, id).Err()
			continue
		}
		var procErr error
		if exhausted {
			procErr = ErrStalled
		} else {
			stop := q.heartbeat(ctx, id)
			procErr = process(ctx, p, *job)
			stop()
		}
		if err := q.settle(bg, job, procErr); err != nil {
			q.logger.Error("redis queue: settle job", "job_id", id, "error", err)
		}
	}
}

// activate loads the job and records the new attempt. A job that comes
// back from a stalled worker with no attempts left is reported as
// exhausted instead.
func (q *RedisQueue) activate(ctx context.Context, id string) (*Job, bool, error) {
	if err := q.client.ZAdd(ctx, q.keyHeartbeat, goredis.Z{
		Score:  float64(q.now().UnixMilli()),
		Member: id,
	}).Err(); err != nil {
		return nil, false, err
	}
	data, err := q.client.HGet(ctx, q.keyJobs, id).Bytes()
	if err != nil {
		return nil, false, err
	}
	job, err := decodeJob(data)
	if err != nil {
		return nil, false, err
	}
	if job.Attempt >= job.MaxAttempts {
		return job, true, nil
	}
	job.Attempt++
	encoded, err := encodeJob(job)
	if err != nil {
		return nil, false, err
	}
	if err := q.client.HSet(ctx, q.keyJobs, id, encoded).Err(); err != nil {
		return nil, false, err
	}
	return job, false, nil
}

// heartbeat refreshes the job's active score until the returned func is
// called.
func (q *RedisQueue) heartbeat(ctx context.Context, id string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		interval := q.stall / 3
		if interval <= 0 {
			interval = q.stall
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := q.client.ZAddXX(ctx, q.keyHeartbeat, goredis.Z{
					Score:  float64(q.now().UnixMilli()),
					Member: id,
				}).Err()
				if err != nil && ctx.Err() == nil {
					q.logger.Warn("redis queue: heartbeat", "job_id", id, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// recoverStalled requeues active jobs whose heartbeat is older than the
// stall timeout.
func (q *RedisQueue) recoverStalled(ctx context.Context) (int, error) {
	now := q.now()
	keys := []string{q.keyActive, q.keyHeartbeat, q.keyWait}
	n, err := recoverScript.Run(ctx, q.client, keys,
		now.UnixMilli(), now.Add(-q.stall).UnixMilli(), promoteBatch).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (q *RedisQueue) settle(ctx context.Context, job *Job, procErr error) error {
	logger := q.logger.With("job_id", job.ID, "run_id", job.Payload.RunID, "attempt", job.Attempt)

	if procErr == nil {
		_, err := q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.LRem(ctx, q.keyActive, 1, job.ID)
			pipe.ZRem(ctx, q.keyHeartbeat, job.ID)
			pipe.Incr(ctx, q.keyCompleted)
			if q.opts.RemoveOnComplete {
				pipe.HDel(ctx, q.keyJobs, job.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		metrics.JobsProcessed.WithLabelValues("completed").Inc()
		logger.Debug("job completed")
		return nil
	}

	job.LastError = procErr.Error()
	if job.Attempt < job.MaxAttempts {
		delay := q.opts.Delay(job.Attempt)
		data, err := encodeJob(job)
		if err != nil {
			return err
		}
		_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.LRem(ctx, q.keyActive, 1, job.ID)
			pipe.ZRem(ctx, q.keyHeartbeat, job.ID)
			pipe.HSet(ctx, q.keyJobs, job.ID, data)
			pipe.ZAdd(ctx, q.keyDelayed, goredis.Z{
				Score:  float64(q.now().Add(delay).UnixMilli()),
				Member: job.ID,
			})
			return nil
		})
		if err != nil {
			return err
		}
		metrics.JobsProcessed.WithLabelValues("retried").Inc()
		logger.Warn("job failed, retrying", "delay", delay, "error", procErr)
		return nil
	}

	failedAt := q.now()
	job.FailedAt = &failedAt
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, q.keyActive, 1, job.ID)
		pipe.ZRem(ctx, q.keyHeartbeat, job.ID)
		if q.opts.RemoveOnFail {
			pipe.HDel(ctx, q.keyJobs, job.ID)
		} else {
			pipe.HSet(ctx, q.keyJobs, job.ID, data)
			pipe.LPush(ctx, q.keyFailed, job.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.JobsProcessed.WithLabelValues("failed").Inc()
	logger.Error("job failed permanently", "error", procErr)
	return nil
}

func (q *RedisQueue) promote(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	return promoteScript.Run(ctx, q.client, []string{q.keyDelayed, q.keyWait}, now, promoteBatch).Err()
}

func (q *RedisQueue) Failed(ctx context.Context) ([]Job, error) {
	ids, err := q.client.LRange(ctx, q.keyFailed, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis queue: list failed: %w", err)
	}
	if len(ids) == 0 {
		return []Job{}, nil
	}
	values, err := q.client.HMGet(ctx, q.keyJobs, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis queue: load failed jobs: %w", err)
	}
	jobs := make([]Job, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		job, err := decodeJob([]byte(s))
		if err != nil {
			q.logger.Warn("redis queue: skip undecodable failed job", "job_id", ids[i], "error", err)
			continue
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var (
		wait, active, delayed, failed *goredis.IntCmd
		completed                     *goredis.StringCmd
	)
	_, err := q.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		wait = pipe.LLen(ctx, q.keyWait)
		active = pipe.LLen(ctx, q.keyActive)
		delayed = pipe.ZCard(ctx, q.keyDelayed)
		failed = pipe.LLen(ctx, q.keyFailed)
		completed = pipe.Get(ctx, q.keyCompleted)
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return Stats{}, fmt.Errorf("redis queue: stats: %w", err)
	}
	done, _ := completed.Int()
	return Stats{
		Waiting:   int(wait.Val()),
		Active:    int(active.Val()),
		Delayed:   int(delayed.Val()),
		Failed:    int(failed.Val()),
		Completed: done,
	}, nil
}

// Close releases the client if the queue created it.
func (q *RedisQueue) Close() error {
	if q.ownsClient {
		return q.client.Close()
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

var _ Queue = (*RedisQueue)(nil)
