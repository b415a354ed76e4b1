package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  shutdown_timeout: 5s
auth:
  enabled: true
  api_key: secret
logging:
  development: false
  level: debug
remote:
  backend: memory
  max_retries: 4
  backoff_base: 100ms
  rate_limit_qps: 2.5
pools:
  crawl_width: 16
  compress_width: 2
download:
  chunk_size: 4096
  consumers: 4
progress:
  tracker:
    flush_every: 3
    pause_poll: 50ms
  hub:
    buffer_size: 64
store:
  backend: postgres
  tasks: redis
  postgres:
    dsn: postgres://backup@localhost/backup
  redis:
    url: redis://cache:6379/1
    ttl: 24h
storage:
  backend: gcs
  gcs:
    bucket: offsite
    prefix: drive
retention:
  max_count: 5
  max_age_days: 30
  auto: true
pubsub:
  enabled: true
  project_id: demo
  topic: runs
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected production debug logging, got %+v", cfg.Logging)
	}
	if cfg.Remote.Backend != BackendMemory || cfg.Remote.MaxRetries != 4 || cfg.Remote.BackoffBase != 100*time.Millisecond {
		t.Fatalf("expected remote overrides, got %+v", cfg.Remote)
	}
	if cfg.Remote.RateLimitQPS != 2.5 || cfg.Remote.PageSize != 1000 {
		t.Fatalf("expected pacing override and default page size, got %+v", cfg.Remote.Config)
	}
	if cfg.Pools.CrawlWidth != 16 || cfg.Pools.CompressWidth != 2 {
		t.Fatalf("expected pool widths, got %+v", cfg.Pools)
	}
	if cfg.Download.ChunkSize != 4096 || cfg.Download.Consumers != 4 {
		t.Fatalf("expected download overrides, got %+v", cfg.Download)
	}
	if cfg.Progress.Tracker.FlushEvery != 3 || cfg.Progress.Tracker.PausePoll != 50*time.Millisecond {
		t.Fatalf("expected tracker overrides, got %+v", cfg.Progress.Tracker)
	}
	if cfg.Progress.Hub.BufferSize != 64 || cfg.Progress.Hub.MaxBatchEvents != 256 {
		t.Fatalf("expected hub overrides, got %+v", cfg.Progress.Hub)
	}
	if cfg.Store.Backend != BackendPostgres || cfg.Store.Tasks != BackendRedis {
		t.Fatalf("expected store backends, got %+v", cfg.Store)
	}
	if cfg.Store.Postgres.TaskTable != "backup_tasks" || cfg.Store.Redis.TTL != 24*time.Hour {
		t.Fatalf("expected store defaults to merge with overrides, got %+v", cfg.Store)
	}
	if cfg.Storage.Backend != BackendGCS || cfg.Storage.GCS.Bucket != "offsite" || cfg.Storage.GCS.Prefix != "drive" {
		t.Fatalf("expected gcs storage, got %+v", cfg.Storage)
	}
	if cfg.Retention.MaxCount != 5 || cfg.Retention.MaxAgeDays != 30 || !cfg.Retention.Auto {
		t.Fatalf("expected retention overrides, got %+v", cfg.Retention)
	}
	if got := cfg.NotificationTopic(); got != "runs" {
		t.Fatalf("expected notification topic runs, got %q", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Remote.Backend != BackendDrive || cfg.Remote.MaxRetries != 8 {
		t.Fatalf("expected drive backend with 8 attempts, got %+v", cfg.Remote)
	}
	if cfg.Store.Backend != BackendMemory || cfg.Storage.Backend != BackendLocal || cfg.Storage.Local.BaseDir != "backups" {
		t.Fatalf("unexpected storage defaults: %+v %+v", cfg.Store, cfg.Storage)
	}
	if cfg.Retention.Enabled() {
		t.Fatalf("expected retention disabled by default")
	}
	if cfg.NotificationTopic() != "" {
		t.Fatalf("expected notifications off by default")
	}
	if cfg.Progress.Tracker.HistoryLimit != 200 {
		t.Fatalf("expected history limit 200, got %d", cfg.Progress.Tracker.HistoryLimit)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("BACKUP_SERVER_PORT", "7070")
	t.Setenv("BACKUP_STORAGE_LOCAL_BASE_DIR", "/var/backups")
	t.Setenv("BACKUP_RETENTION_MAX_COUNT", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Local.BaseDir != "/var/backups" {
		t.Fatalf("expected env base dir, got %q", cfg.Storage.Local.BaseDir)
	}
	if cfg.Retention.MaxCount != 3 {
		t.Fatalf("expected env retention count 3, got %d", cfg.Retention.MaxCount)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "remote backend", mutate: func(c *Config) { c.Remote.Backend = "dropbox" }, want: "remote.backend"},
		{name: "crawl width", mutate: func(c *Config) { c.Pools.CrawlWidth = 1 }, want: "pools.crawl_width"},
		{name: "store backend", mutate: func(c *Config) { c.Store.Backend = "sqlite" }, want: "store.backend"},
		{name: "task store", mutate: func(c *Config) { c.Store.Tasks = "etcd" }, want: "store.tasks"},
		{name: "postgres dsn", mutate: func(c *Config) { c.Store.Backend = BackendPostgres }, want: "store.postgres.dsn"},
		{name: "redis url", mutate: func(c *Config) {
			c.Store.Tasks = BackendRedis
			c.Store.Redis.URL = ""
		}, want: "store.redis.url"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Storage.Backend = BackendGCS }, want: "storage.gcs.bucket"},
		{name: "retention", mutate: func(c *Config) { c.Retention.MaxAgeDays = -1 }, want: "retention"},
		{name: "pubsub", mutate: func(c *Config) {
			c.PubSub.Enabled = true
			c.PubSub.ProjectID = ""
		}, want: "pubsub.project_id"},
		{name: "sample ratio", mutate: func(c *Config) { c.Telemetry.SampleRatio = 2 }, want: "telemetry.sample_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadDotEnvMissingIsIgnored(t *testing.T) {
	t.Parallel()

	if err := loadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("loadDotEnv() error = %v", err)
	}
}
