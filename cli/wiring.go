package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/petal-labs/petalrun/artifact"
	"github.com/petal-labs/petalrun/browser"
	"github.com/petal-labs/petalrun/browser/cdp"
	"github.com/petal-labs/petalrun/bus"
	"github.com/petal-labs/petalrun/config"
	petalotel "github.com/petal-labs/petalrun/otel"
	"github.com/petal-labs/petalrun/queue"
	"github.com/petal-labs/petalrun/runtime"
	"github.com/petal-labs/petalrun/store"
	"github.com/petal-labs/petalrun/stream"
	"github.com/petal-labs/petalrun/worker"
)

// newLauncher builds the browser driver. Tests replace it.
var newLauncher = func(cfg config.BrowserConfig, logger *slog.Logger) browser.Launcher {
	return cdp.NewLauncher(cdp.Config{
		ExecPath: cfg.ExecPath,
		Headful:  cfg.Headful,
		Logger:   logger,
	})
}

// stack holds the long-lived components a command needs. Components are
// opened lazily and closed in reverse order by Close.
type stack struct {
	cfg    config.Config
	logger *slog.Logger

	redis     *goredis.Client
	runs      store.RunStore
	jobs      queue.Queue
	events    bus.EventBus
	locker    queue.Locker
	artifacts artifact.Store
	telemetry *petalotel.Telemetry

	closers []func() error
}

func newStack(cfg config.Config, logger *slog.Logger) *stack {
	if logger == nil {
		logger = slog.Default()
	}
	return &stack{cfg: cfg, logger: logger}
}

func (s *stack) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close releases everything the stack opened.
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *stack) redisClient() (*goredis.Client, error) {
	if s.redis != nil {
		return s.redis, nil
	}
	opts, err := goredis.ParseURL(s.cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	s.redis = goredis.NewClient(opts)
	s.onClose(s.redis.Close)
	return s.redis, nil
}

func (s *stack) store() (store.RunStore, error) {
	if s.runs != nil {
		return s.runs, nil
	}
	switch s.cfg.Store.Backend {
	case config.BackendMemory:
		s.runs = store.NewMemStore()
	case config.BackendSQLite:
		dsn := s.cfg.Store.SQLitePath
		if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
			dsn = filepath.Clean(dsn)
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("creating sqlite directory: %w", err)
			}
		}
		sq, err := store.NewSQLiteStore(store.SQLiteStoreConfig{DSN: dsn})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite run store: %w", err)
		}
		s.onClose(sq.Close)
		s.runs = sq
	default:
		return nil, fmt.Errorf("unsupported store backend %q", s.cfg.Store.Backend)
	}
	return s.runs, nil
}

func (s *stack) queueOptions() queue.Options {
	q := s.cfg.Queue
	return queue.Options{
		Attempts:         q.Attempts,
		Backoff:          queue.BackoffOptions{Type: q.BackoffType, Delay: q.BackoffDelay},
		RemoveOnComplete: !q.KeepCompleted,
		RemoveOnFail:     q.DropFailed,
		Concurrency:      q.Concurrency,
		Logger:           s.logger,
	}
}

func (s *stack) queue() (queue.Queue, error) {
	if s.jobs != nil {
		return s.jobs, nil
	}
	switch s.cfg.Queue.Backend {
	case config.BackendMemory:
		s.jobs = queue.NewMemQueue(s.queueOptions())
	case config.BackendRedis:
		client, err := s.redisClient()
		if err != nil {
			return nil, err
		}
		rq, err := queue.NewRedisQueue(queue.RedisQueueConfig{
			Client:       client,
			Name:         s.cfg.Queue.Name,
			StallTimeout: s.cfg.Queue.StallTimeout,
			Options:      s.queueOptions(),
		})
		if err != nil {
			return nil, err
		}
		s.jobs = rq
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", s.cfg.Queue.Backend)
	}
	s.onClose(s.jobs.Close)
	return s.jobs, nil
}

func (s *stack) bus() (bus.EventBus, error) {
	if s.events != nil {
		return s.events, nil
	}
	switch s.cfg.Bus.Backend {
	case config.BackendMemory:
		s.events = bus.NewMemBus(bus.MemBusConfig{Logger: s.logger})
	case config.BackendRedis:
		client, err := s.redisClient()
		if err != nil {
			return nil, err
		}
		rb, err := bus.NewRedisBus(bus.RedisBusConfig{
			Client:        client,
			ChannelPrefix: s.cfg.Bus.ChannelPrefix,
			Logger:        s.logger,
		})
		if err != nil {
			return nil, err
		}
		s.events = rb
	default:
		return nil, fmt.Errorf("unsupported bus backend %q", s.cfg.Bus.Backend)
	}
	s.onClose(s.events.Close)
	return s.events, nil
}

// lockerFor returns a Redis locker when the queue is Redis-backed and an
// in-process locker otherwise.
func (s *stack) lockerFor() (queue.Locker, error) {
	if s.locker != nil {
		return s.locker, nil
	}
	if s.cfg.Queue.Backend == config.BackendRedis {
		client, err := s.redisClient()
		if err != nil {
			return nil, err
		}
		rl, err := queue.NewRedisLocker(client, "")
		if err != nil {
			return nil, err
		}
		s.locker = rl
		return s.locker, nil
	}
	s.locker = queue.NewMemLocker()
	return s.locker, nil
}

func (s *stack) artifactStore(ctx context.Context) (artifact.Store, error) {
	if s.artifacts != nil {
		return s.artifacts, nil
	}
	a := s.cfg.Artifacts
	st, err := artifact.New(ctx, artifact.Config{
		Backend: a.Backend,
		Local:   artifact.LocalConfig{Dir: a.Dir, BaseURL: a.BaseURL},
		S3: artifact.S3Config{
			Bucket:        a.S3.Bucket,
			Prefix:        a.S3.Prefix,
			Region:        a.S3.Region,
			Endpoint:      a.S3.Endpoint,
			AccessKey:     a.S3.AccessKey,
			SecretKey:     a.S3.SecretKey,
			PathStyle:     a.S3.PathStyle,
			PublicBaseURL: a.S3.PublicBaseURL,
			PresignTTL:    a.S3.PresignTTL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening artifact store: %w", err)
	}
	s.artifacts = st
	return st, nil
}

// localArtifactDir is the directory the API serves under /artifacts, or ""
// when artifacts go elsewhere.
func (s *stack) localArtifactDir() string {
	if s.cfg.Artifacts.Backend == config.BackendLocal {
		return s.cfg.Artifacts.Dir
	}
	return ""
}

// publisher is the bus decorated with telemetry handlers.
func (s *stack) publisher(ctx context.Context) (runtime.EventPublisher, error) {
	events, err := s.bus()
	if err != nil {
		return nil, err
	}
	if s.telemetry == nil {
		tel, err := petalotel.Setup(ctx, petalotel.SetupConfig{
			Endpoint:    s.cfg.Telemetry.OTLPEndpoint,
			Insecure:    s.cfg.Telemetry.Insecure,
			ServiceName: s.cfg.Telemetry.ServiceName,
		})
		if err != nil {
			return nil, err
		}
		s.telemetry = tel
		s.onClose(func() error { return tel.Shutdown(context.Background()) })
	}
	return petalotel.NewPublisher(events, s.telemetry.Handlers()...), nil
}

func (s *stack) executor(ctx context.Context) (*runtime.Executor, error) {
	runs, err := s.store()
	if err != nil {
		return nil, err
	}
	arts, err := s.artifactStore(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := s.publisher(ctx)
	if err != nil {
		return nil, err
	}
	e := s.cfg.Executor
	return runtime.NewExecutor(runtime.ExecutorConfig{
		Launcher:            newLauncher(s.cfg.Browser, s.logger),
		Artifacts:           arts,
		Store:               runs,
		Publisher:           pub,
		Topic:               s.cfg.Bus.Topic,
		WorkDir:             e.WorkDir,
		ScreenshotEveryStep: e.ScreenshotEveryStep,
		RecordVideo:         e.RecordVideo,
		Trace:               e.Trace,
		ViewportWidth:       s.cfg.Browser.ViewportWidth,
		ViewportHeight:      s.cfg.Browser.ViewportHeight,
		Logger:              s.logger,
	})
}

func (s *stack) processor(ctx context.Context) (*worker.Processor, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}
	locker, err := s.lockerFor()
	if err != nil {
		return nil, err
	}
	return worker.NewProcessor(worker.ProcessorConfig{
		Executor: exec,
		Runs:     s.runs,
		Locker:   locker,
		LeaseTTL: s.cfg.Worker.LeaseTTL,
		Logger:   s.logger,
	})
}

// sweeper returns nil when the sweeper is disabled.
func (s *stack) sweeper(ctx context.Context) (*worker.Sweeper, error) {
	sw := s.cfg.Worker.Sweep
	if sw.Disabled {
		return nil, nil
	}
	runs, err := s.store()
	if err != nil {
		return nil, err
	}
	locker, err := s.lockerFor()
	if err != nil {
		return nil, err
	}
	pub, err := s.publisher(ctx)
	if err != nil {
		return nil, err
	}
	return worker.NewSweeper(worker.SweeperConfig{
		Runs:              runs,
		Locker:            locker,
		Publisher:         pub,
		Topic:             s.cfg.Bus.Topic,
		Schedule:          sw.Schedule,
		StaleAfter:        sw.StaleAfter,
		PendingStaleAfter: sw.PendingStaleAfter,
		Logger:            s.logger,
	})
}

func (s *stack) distributor() (*stream.Distributor, error) {
	events, err := s.bus()
	if err != nil {
		return nil, err
	}
	runs, err := s.store()
	if err != nil {
		return nil, err
	}
	st := s.cfg.Stream
	return stream.NewDistributor(stream.DistributorConfig{
		Bus:              events,
		Topic:            s.cfg.Bus.Topic,
		Runs:             runs,
		Registry:         stream.NewRegistry(st.Shards),
		ConsolidateSteps: st.ConsolidateSteps,
		BufferSize:       st.BufferSize,
		Logger:           s.logger,
	})
}
