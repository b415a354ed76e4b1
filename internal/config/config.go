// Package config loads and validates backup service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/drive-backup/internal/archive"
	"github.com/JakeFAU/drive-backup/internal/download"
	"github.com/JakeFAU/drive-backup/internal/pool"
	"github.com/JakeFAU/drive-backup/internal/progress"
	"github.com/JakeFAU/drive-backup/internal/remote"
	"github.com/JakeFAU/drive-backup/internal/snapshot"
	"github.com/JakeFAU/drive-backup/internal/storage/gcs"
	"github.com/JakeFAU/drive-backup/internal/storage/local"
	"github.com/JakeFAU/drive-backup/internal/storage/postgres"
	"github.com/JakeFAU/drive-backup/internal/storage/redis"
	"github.com/JakeFAU/drive-backup/internal/telemetry"
)

// EnvPrefix is prepended to every environment override, e.g.
// BACKUP_SERVER_PORT=9090.
const EnvPrefix = "BACKUP"

// Backend names accepted by the store, storage and remote sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendDrive    = "drive"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Remote    RemoteConfig     `mapstructure:"remote"`
	Pools     pool.Config      `mapstructure:"pools"`
	Download  download.Config  `mapstructure:"download"`
	Archive   archive.Config   `mapstructure:"archive"`
	Progress  ProgressConfig   `mapstructure:"progress"`
	Paths     PathsConfig      `mapstructure:"paths"`
	Store     StoreConfig      `mapstructure:"store"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Retention RetentionConfig  `mapstructure:"retention"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RemoteConfig selects the remote store and tunes the retrying client.
type RemoteConfig struct {
	Backend         string `mapstructure:"backend"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Endpoint        string `mapstructure:"endpoint"`

	remote.Config `mapstructure:",squash"`
}

// ProgressConfig tunes run trackers and the event hub.
type ProgressConfig struct {
	Tracker progress.TrackerConfig `mapstructure:"tracker"`
	Hub     progress.HubConfig     `mapstructure:"hub"`
	// PoolSampleInterval is how often pool occupancy is exported.
	PoolSampleInterval time.Duration `mapstructure:"pool_sample_interval"`
}

// PathsConfig holds local directories.
type PathsConfig struct {
	// StagingDir is the parent of per-run workspaces; empty uses the OS temp dir.
	StagingDir string `mapstructure:"staging_dir"`
}

// StoreConfig selects where tasks and snapshot records live.
type StoreConfig struct {
	// Backend holds snapshot records: memory or postgres.
	Backend string `mapstructure:"backend"`
	// Tasks holds run progress: memory, postgres or redis.
	Tasks    string          `mapstructure:"tasks"`
	Postgres postgres.Config `mapstructure:"postgres"`
	Redis    redis.Config    `mapstructure:"redis"`
}

// StorageConfig selects where finished archives end up.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// RetentionConfig bounds the snapshot history.
type RetentionConfig struct {
	snapshot.Policy `mapstructure:",squash"`
	// Auto applies the policy after every successful snapshot.
	Auto bool `mapstructure:"auto"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from an optional .env file, an optional config file
// and the environment.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadDotEnv exports the variables of path without overriding ones already
// set. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("remote.backend", BackendDrive)
	v.SetDefault("remote.max_retries", remote.DefaultAttempts)
	v.SetDefault("remote.backoff_base", "1s")
	v.SetDefault("remote.backoff_max", "30s")
	v.SetDefault("remote.rate_limit_qps", 10.0)
	v.SetDefault("remote.burst", 10)
	v.SetDefault("remote.page_size", 1000)

	v.SetDefault("pools.crawl_width", 100)
	v.SetDefault("pools.compress_width", pool.DefaultCompressWidth())
	v.SetDefault("download.chunk_size", download.DefaultChunkSize)
	v.SetDefault("download.queue_size", download.DefaultQueueSize)
	v.SetDefault("download.consumers", download.DefaultConsumers)
	v.SetDefault("archive.in_memory_threshold", archive.DefaultInMemoryThreshold)
	v.SetDefault("archive.seven_zip_path", "")

	v.SetDefault("progress.tracker.flush_every", 10)
	v.SetDefault("progress.tracker.pause_poll", "500ms")
	v.SetDefault("progress.tracker.history_limit", progress.DefaultHistoryLimit)
	v.SetDefault("progress.tracker.flush_timeout", "5s")
	v.SetDefault("progress.hub.buffer_size", 4096)
	v.SetDefault("progress.hub.max_batch_events", 256)
	v.SetDefault("progress.hub.max_batch_wait", "500ms")
	v.SetDefault("progress.hub.sink_timeout", "10s")
	v.SetDefault("progress.pool_sample_interval", "5s")

	v.SetDefault("paths.staging_dir", "")

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.tasks", BackendMemory)
	v.SetDefault("store.postgres.task_table", "backup_tasks")
	v.SetDefault("store.postgres.snapshot_table", "backup_snapshots")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.max_conn_lifetime", "30m")
	v.SetDefault("store.redis.url", "redis://localhost:6379/0")
	v.SetDefault("store.redis.prefix", "drive-backup")
	v.SetDefault("store.redis.ttl", "168h")

	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local.base_dir", "backups")
	v.SetDefault("storage.gcs.prefix", "backups")

	v.SetDefault("retention.max_count", 0)
	v.SetDefault("retention.max_age_days", 0)
	v.SetDefault("retention.auto", false)

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.topic", "backup-runs")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "drive-backup")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Remote.Backend {
	case BackendDrive, BackendMemory:
	default:
		return fmt.Errorf("remote.backend must be %q or %q, got %q", BackendDrive, BackendMemory, c.Remote.Backend)
	}
	if c.Remote.RateLimitQPS < 0 {
		return fmt.Errorf("remote.rate_limit_qps must be >= 0")
	}
	if c.Pools.CrawlWidth < 2 {
		return fmt.Errorf("pools.crawl_width must be >= 2")
	}
	if c.Pools.CompressWidth <= 0 {
		return fmt.Errorf("pools.compress_width must be > 0")
	}
	if c.Download.ChunkSize <= 0 {
		return fmt.Errorf("download.chunk_size must be > 0")
	}
	switch c.Store.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendMemory, BackendPostgres, c.Store.Backend)
	}
	switch c.Store.Tasks {
	case BackendMemory, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("store.tasks must be one of memory, postgres, redis, got %q", c.Store.Tasks)
	}
	if (c.Store.Backend == BackendPostgres || c.Store.Tasks == BackendPostgres) && c.Store.Postgres.DSN == "" {
		return fmt.Errorf("store.postgres.dsn must be set when postgres is used")
	}
	if c.Store.Tasks == BackendRedis && c.Store.Redis.URL == "" {
		return fmt.Errorf("store.redis.url must be set when redis is used")
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set")
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendLocal, BackendGCS, c.Storage.Backend)
	}
	if c.Retention.MaxCount < 0 || c.Retention.MaxAgeDays < 0 {
		return fmt.Errorf("retention bounds must be >= 0")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set when pubsub is enabled")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// NotificationTopic is the topic finished runs are announced on, or empty
// when notifications are off.
func (c Config) NotificationTopic() string {
	if !c.PubSub.Enabled {
		return ""
	}
	return c.PubSub.Topic
}
