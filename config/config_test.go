package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDiscoverPathFrom_FirstMatchWins(t *testing.T) {
	cwd := t.TempDir()
	home := t.TempDir()

	projectConfig := filepath.Join(cwd, "petalrun.yaml")
	if err := os.WriteFile(projectConfig, []byte("listen: :9000\n"), 0o600); err != nil {
		t.Fatalf("WriteFile(project config) error = %v", err)
	}

	homeConfigDir := filepath.Join(home, ".petalrun")
	if err := os.MkdirAll(homeConfigDir, 0o755); err != nil {
		t.Fatalf("MkdirAll(home config dir) error = %v", err)
	}
	homeConfig := filepath.Join(homeConfigDir, "config.yaml")
	if err := os.WriteFile(homeConfig, []byte("listen: :9001\n"), 0o600); err != nil {
		t.Fatalf("WriteFile(home config) error = %v", err)
	}

	got, found, err := DiscoverPathFrom("", cwd, home)
	if err != nil {
		t.Fatalf("DiscoverPathFrom() error = %v", err)
	}
	if !found || got != projectConfig {
		t.Fatalf("path = %q (found %t), want %q", got, found, projectConfig)
	}

	if err := os.Remove(projectConfig); err != nil {
		t.Fatal(err)
	}
	got, found, err = DiscoverPathFrom("", cwd, home)
	if err != nil || !found || got != homeConfig {
		t.Fatalf("fallback path = %q (found %t, err %v), want %q", got, found, err, homeConfig)
	}
}

func TestDiscoverPathFrom_ExplicitNotFound(t *testing.T) {
	_, found, err := DiscoverPathFrom(filepath.Join(t.TempDir(), "missing.yaml"), t.TempDir(), t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
	if found {
		t.Fatal("found = true, want false")
	}
}

func TestDiscoverPathFrom_NothingFound(t *testing.T) {
	_, found, err := DiscoverPathFrom("", t.TempDir(), t.TempDir())
	if err != nil || found {
		t.Fatalf("found = %t, err = %v; want false, nil", found, err)
	}
}

func TestParse(t *testing.T) {
	t.Setenv("PETALRUN_TEST_SECRET", "s3cret")
	cfg, err := Parse([]byte(`
listen: ":9090"
redis:
  url: redis://localhost:6379/0
queue:
  attempts: 5
  backoff_delay: 2s
stream:
  consolidate_steps: true
  heartbeat: 30s
artifacts:
  backend: s3
  s3:
    bucket: runs
    secret_key: ${PETALRUN_TEST_SECRET}
worker:
  sweep:
    schedule: "*/5 * * * *"
    stale_after: 45m
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Listen != ":9090" || cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Queue.Attempts != 5 || cfg.Queue.BackoffDelay != 2*time.Second {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if !cfg.Stream.ConsolidateSteps || cfg.Stream.Heartbeat != 30*time.Second {
		t.Errorf("stream = %+v", cfg.Stream)
	}
	if cfg.Artifacts.S3.SecretKey != "s3cret" {
		t.Errorf("secret key = %q, want expanded env value", cfg.Artifacts.S3.SecretKey)
	}
	if cfg.Worker.Sweep.StaleAfter != 45*time.Minute || cfg.Worker.Sweep.Schedule != "*/5 * * * *" {
		t.Errorf("sweep = %+v", cfg.Worker.Sweep)
	}
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("listne: :8080\n")); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) error = %v", err)
	}
	if cfg.Listen != "" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvSQLitePath: "/data/runs.db",
		EnvRedisURL:   "redis://cache:6379",
		EnvListen:     ":7000",
	}
	cfg := Config{Store: StoreConfig{Backend: BackendMemory}}
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.Store.Backend != BackendSQLite || cfg.Store.SQLitePath != "/data/runs.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Redis.URL != "redis://cache:6379" || cfg.Listen != ":7000" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	if cfg.Listen != ":8080" || cfg.CORSOrigin != "*" || cfg.MaxBody != 1<<20 {
		t.Errorf("server defaults = %q %q %d", cfg.Listen, cfg.CORSOrigin, cfg.MaxBody)
	}
	if cfg.Store.Backend != BackendSQLite || !strings.HasSuffix(cfg.Store.SQLitePath, "petalrun.db") {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Queue.Backend != BackendMemory || cfg.Bus.Backend != BackendMemory {
		t.Errorf("backends = %s / %s, want memory without redis", cfg.Queue.Backend, cfg.Bus.Backend)
	}
	if cfg.Queue.Attempts != 3 || cfg.Queue.BackoffType != "exponential" || cfg.Queue.BackoffDelay != time.Second {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Artifacts.Backend != BackendLocal || cfg.Artifacts.BaseURL != "/artifacts" {
		t.Errorf("artifacts = %+v", cfg.Artifacts)
	}
	if cfg.Worker.LeaseTTL != 2*time.Minute || cfg.Worker.Sweep.Schedule != "@every 1m" {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.Distributed() {
		t.Error("memory config reported as distributed")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestApplyDefaults_RedisURLSelectsRedis(t *testing.T) {
	cfg := Config{Redis: RedisConfig{URL: "redis://localhost:6379"}, Artifacts: ArtifactConfig{Backend: "minio"}}
	cfg.ApplyDefaults()
	if cfg.Queue.Backend != BackendRedis || cfg.Bus.Backend != BackendRedis {
		t.Errorf("backends = %s / %s, want redis", cfg.Queue.Backend, cfg.Bus.Backend)
	}
	if !cfg.Distributed() {
		t.Error("redis config not distributed")
	}
	if cfg.Artifacts.Backend != BackendS3 {
		t.Errorf("artifacts backend = %q, want s3", cfg.Artifacts.Backend)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown store", func(c *Config) { c.Store.Backend = "postgres" }, "unsupported store backend"},
		{"redis queue without url", func(c *Config) { c.Queue.Backend = BackendRedis }, "queue backend redis requires redis.url"},
		{"unknown bus", func(c *Config) { c.Bus.Backend = "nats" }, "unsupported bus backend"},
		{"bad backoff", func(c *Config) { c.Queue.BackoffType = "linear" }, "backoff_type"},
		{"s3 without bucket", func(c *Config) { c.Artifacts.Backend = BackendS3 }, "bucket is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			cfg.ApplyDefaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_ExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "petalrun.yaml")
	if err := os.WriteFile(path, []byte("store:\n  backend: memory\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvListen, ":6060")
	t.Setenv(EnvSQLitePath, "")
	t.Setenv(EnvRedisURL, "")

	cfg, used, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if used != path {
		t.Errorf("path = %q, want %q", used, path)
	}
	if cfg.Store.Backend != BackendMemory || cfg.Listen != ":6060" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestReadFile_Example(t *testing.T) {
	t.Setenv(EnvRedisURL, "")
	cfg, err := ReadFile(filepath.Join("..", "examples", "petalrun.yaml"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Queue.Backend != BackendMemory || cfg.Queue.Concurrency != 2 {
		t.Errorf("queue = %+v, want memory backend with concurrency 2", cfg.Queue)
	}
	if cfg.Worker.Sweep.StaleAfter != 30*time.Minute {
		t.Errorf("stale_after = %s, want 30m", cfg.Worker.Sweep.StaleAfter)
	}
}
