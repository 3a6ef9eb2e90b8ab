// Package config loads petalrun process configuration from YAML, the
// environment and defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "petalrun.yaml"
	homeConfigName    = "config.yaml"
)

// Environment overrides.
const (
	EnvSQLitePath = "PETALRUN_SQLITE_PATH"
	EnvRedisURL   = "PETALRUN_REDIS_URL"
	EnvListen     = "PETALRUN_LISTEN"
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendLocal  = "local"
	BackendS3     = "s3"
)

// Config is the full process configuration shared by serve, worker and run.
type Config struct {
	Listen     string `yaml:"listen"`
	CORSOrigin string `yaml:"cors_origin"`
	MaxBody    int64  `yaml:"max_body"`

	Redis     RedisConfig     `yaml:"redis"`
	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Bus       BusConfig       `yaml:"bus"`
	Stream    StreamConfig    `yaml:"stream"`
	Artifacts ArtifactConfig  `yaml:"artifacts"`
	Browser   BrowserConfig   `yaml:"browser"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Worker    WorkerConfig    `yaml:"worker"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// RedisConfig is the shared connection used by Redis-backed components.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// StoreConfig selects the run store.
type StoreConfig struct {
	// Backend is "sqlite" (default) or "memory".
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
}

// QueueConfig selects the job queue and its retry policy.
type QueueConfig struct {
	// Backend is "redis" or "memory". It defaults to redis when a Redis URL
	// is configured.
	Backend      string        `yaml:"backend"`
	Name         string        `yaml:"name"`
	Attempts     int           `yaml:"attempts"`
	BackoffType  string        `yaml:"backoff_type"`
	BackoffDelay time.Duration `yaml:"backoff_delay"`
	Concurrency  int           `yaml:"concurrency"`
	// KeepCompleted retains job records after success.
	KeepCompleted bool `yaml:"keep_completed"`
	// DropFailed discards job records after the last failed attempt.
	DropFailed bool `yaml:"drop_failed"`
	// StallTimeout is how long a Redis job may go without a worker
	// heartbeat before it is redelivered.
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

// BusConfig selects the event bus.
type BusConfig struct {
	// Backend is "redis" or "memory", defaulting like QueueConfig.Backend.
	Backend       string `yaml:"backend"`
	Topic         string `yaml:"topic"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// StreamConfig tunes observer fan-out.
type StreamConfig struct {
	ConsolidateSteps bool          `yaml:"consolidate_steps"`
	BufferSize       int           `yaml:"buffer_size"`
	Shards           int           `yaml:"shards"`
	Heartbeat        time.Duration `yaml:"heartbeat"`
}

// ArtifactConfig selects where screenshots, videos and traces go.
type ArtifactConfig struct {
	// Backend is "local" (default) or "s3".
	Backend string   `yaml:"backend"`
	Dir     string   `yaml:"dir"`
	BaseURL string   `yaml:"base_url"`
	S3      S3Config `yaml:"s3"`
}

// S3Config mirrors artifact.S3Config.
type S3Config struct {
	Bucket        string        `yaml:"bucket"`
	Prefix        string        `yaml:"prefix"`
	Region        string        `yaml:"region"`
	Endpoint      string        `yaml:"endpoint"`
	AccessKey     string        `yaml:"access_key"`
	SecretKey     string        `yaml:"secret_key"`
	PathStyle     bool          `yaml:"path_style"`
	PublicBaseURL string        `yaml:"public_base_url"`
	PresignTTL    time.Duration `yaml:"presign_ttl"`
}

// BrowserConfig configures the Chrome driver.
type BrowserConfig struct {
	ExecPath string `yaml:"exec_path"`
	// Headful shows the browser window.
	Headful        bool `yaml:"headful"`
	ViewportWidth  int  `yaml:"viewport_width"`
	ViewportHeight int  `yaml:"viewport_height"`
}

// ExecutorConfig configures step execution.
type ExecutorConfig struct {
	WorkDir             string `yaml:"work_dir"`
	ScreenshotEveryStep bool   `yaml:"screenshot_every_step"`
	RecordVideo         bool   `yaml:"record_video"`
	Trace               bool   `yaml:"trace"`
}

// WorkerConfig configures job processing and the stale-run sweeper.
type WorkerConfig struct {
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	Sweep    SweepConfig   `yaml:"sweep"`
}

// SweepConfig configures the stale-run sweeper.
type SweepConfig struct {
	Disabled          bool          `yaml:"disabled"`
	Schedule          string        `yaml:"schedule"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	PendingStaleAfter time.Duration `yaml:"pending_stale_after"`
}

// TelemetryConfig enables OpenTelemetry export.
type TelemetryConfig struct {
	// OTLPEndpoint is an OTLP/HTTP collector endpoint (host:port). Tracing
	// is off when empty.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// DiscoverPath resolves the config location with first-match semantics:
// explicitPath, ./petalrun.yaml, then ~/.petalrun/config.yaml.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".petalrun", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load discovers and parses the config file, applies environment
// overrides and defaults, and validates the result. A missing file is not
// an error unless explicitPath names it.
func Load(explicitPath string) (Config, string, error) {
	path, found, err := DiscoverPath(explicitPath)
	if err != nil {
		return Config{}, "", err
	}
	var cfg Config
	if found {
		cfg, err = ReadFile(path)
		if err != nil {
			return Config{}, "", err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, path, err
	}
	return cfg, path, nil
}

// ReadFile parses a YAML config file. ${VAR} references are expanded from
// the environment first; unknown keys are rejected.
func ReadFile(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML config bytes.
func Parse(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays the PETALRUN_* environment variables. A SQLite path
// from the environment also selects the sqlite store.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvSQLitePath)); v != "" {
		c.Store.Backend = BackendSQLite
		c.Store.SQLitePath = v
	}
	if v := strings.TrimSpace(getenv(EnvRedisURL)); v != "" {
		c.Redis.URL = v
	}
	if v := strings.TrimSpace(getenv(EnvListen)); v != "" {
		c.Listen = v
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.CORSOrigin == "" {
		c.CORSOrigin = "*"
	}
	if c.MaxBody <= 0 {
		c.MaxBody = 1 << 20
	}

	c.Store.Backend = normalize(c.Store.Backend)
	if c.Store.Backend == "" {
		c.Store.Backend = BackendSQLite
	}
	if c.Store.Backend == BackendSQLite && c.Store.SQLitePath == "" {
		c.Store.SQLitePath = defaultDataPath("petalrun.db")
	}

	defaultBackend := BackendMemory
	if c.Redis.URL != "" {
		defaultBackend = BackendRedis
	}
	c.Queue.Backend = normalize(c.Queue.Backend)
	if c.Queue.Backend == "" {
		c.Queue.Backend = defaultBackend
	}
	if c.Queue.Name == "" {
		c.Queue.Name = "test-execution"
	}
	if c.Queue.Attempts <= 0 {
		c.Queue.Attempts = 3
	}
	if c.Queue.BackoffType == "" {
		c.Queue.BackoffType = "exponential"
	}
	if c.Queue.BackoffDelay <= 0 {
		c.Queue.BackoffDelay = time.Second
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = 1
	}

	c.Bus.Backend = normalize(c.Bus.Backend)
	if c.Bus.Backend == "" {
		c.Bus.Backend = defaultBackend
	}
	if c.Bus.Topic == "" {
		c.Bus.Topic = "execution-events"
	}

	if c.Stream.BufferSize <= 0 {
		c.Stream.BufferSize = 64
	}
	if c.Stream.Shards <= 0 {
		c.Stream.Shards = 32
	}
	if c.Stream.Heartbeat <= 0 {
		c.Stream.Heartbeat = 15 * time.Second
	}

	c.Artifacts.Backend = normalize(c.Artifacts.Backend)
	switch c.Artifacts.Backend {
	case "", "file", "fs":
		c.Artifacts.Backend = BackendLocal
	case "aws", "minio":
		c.Artifacts.Backend = BackendS3
	}
	if c.Artifacts.Backend == BackendLocal && c.Artifacts.Dir == "" {
		c.Artifacts.Dir = defaultDataPath("artifacts")
	}
	if c.Artifacts.BaseURL == "" {
		c.Artifacts.BaseURL = "/artifacts"
	}

	if c.Browser.ViewportWidth <= 0 {
		c.Browser.ViewportWidth = 1280
	}
	if c.Browser.ViewportHeight <= 0 {
		c.Browser.ViewportHeight = 720
	}

	if c.Worker.LeaseTTL <= 0 {
		c.Worker.LeaseTTL = 2 * time.Minute
	}
	if c.Worker.Sweep.Schedule == "" {
		c.Worker.Sweep.Schedule = "@every 1m"
	}
	if c.Worker.Sweep.StaleAfter <= 0 {
		c.Worker.Sweep.StaleAfter = 30 * time.Minute
	}
	if c.Worker.Sweep.PendingStaleAfter <= 0 {
		c.Worker.Sweep.PendingStaleAfter = 6 * time.Hour
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "petalrun"
	}
}

// Validate rejects unknown backends and settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store backend %q", c.Store.Backend))
	}

	for _, b := range []struct{ name, backend string }{
		{"queue", c.Queue.Backend},
		{"bus", c.Bus.Backend},
	} {
		name, backend := b.name, b.backend
		switch backend {
		case BackendMemory:
		case BackendRedis:
			if c.Redis.URL == "" {
				errs = append(errs, fmt.Errorf("%s backend redis requires redis.url", name))
			}
		default:
			errs = append(errs, fmt.Errorf("unsupported %s backend %q", name, backend))
		}
	}

	switch c.Queue.BackoffType {
	case "exponential", "fixed":
	default:
		errs = append(errs, fmt.Errorf("unsupported queue.backoff_type %q", c.Queue.BackoffType))
	}

	switch c.Artifacts.Backend {
	case BackendLocal:
	case BackendS3:
		if c.Artifacts.S3.Bucket == "" {
			errs = append(errs, errors.New("artifacts.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported artifacts backend %q", c.Artifacts.Backend))
	}

	return errors.Join(errs...)
}

// Distributed reports whether the queue and bus cross process boundaries.
// serve and worker can only run as separate processes when it is true.
func (c Config) Distributed() bool {
	return c.Queue.Backend == BackendRedis && c.Bus.Backend == BackendRedis
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".petalrun", name)
	}
	return filepath.Join(home, ".petalrun", name)
}
