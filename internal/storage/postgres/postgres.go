// Package postgres provides Postgres-backed task and snapshot stores.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names.
const (
	DefaultTaskTable     = "backup_tasks"
	DefaultSnapshotTable = "backup_snapshots"
)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	TaskTable       string        `mapstructure:"task_table"`
	SnapshotTable   string        `mapstructure:"snapshot_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DB is the subset of pgxpool.Pool the stores need. pgxmock pools satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Connect opens a pool using cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// Migrate creates the tables when they do not exist yet.
func Migrate(ctx context.Context, db DB, cfg Config) error {
	tasks, err := tableName(cfg.TaskTable, DefaultTaskTable)
	if err != nil {
		return err
	}
	snaps, err := tableName(cfg.SnapshotTable, DefaultSnapshotTable)
	if err != nil {
		return err
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	task_id    TEXT PRIMARY KEY,
	phase      TEXT NOT NULL,
	payload    JSONB NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, tasks),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id            BIGSERIAL PRIMARY KEY,
	filename      TEXT NOT NULL,
	path          TEXT NOT NULL,
	size          BIGINT NOT NULL,
	item_count    INTEGER NOT NULL,
	series_key    TEXT NOT NULL,
	version_index INTEGER NOT NULL,
	is_full       BOOLEAN NOT NULL,
	parent_id     BIGINT REFERENCES %s(id) ON DELETE SET NULL,
	manifest      JSONB,
	created_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (series_key, version_index)
)`, snaps, snaps),
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func tableName(name, fallback string) (string, error) {
	if name == "" {
		name = fallback
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}
