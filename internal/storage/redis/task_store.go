// Package redis keeps run progress in Redis so several API replicas can
// answer status queries for the same task.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

const (
	// DefaultPrefix namespaces every key written by the store.
	DefaultPrefix = "drive-backup"
	// DefaultTTL bounds how long finished runs stay queryable.
	DefaultTTL = 7 * 24 * time.Hour

	keySeparator = ":"
	keyTask      = "task"
)

// Config describes the Redis connection.
type Config struct {
	URL    string        `mapstructure:"url"`
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// Connect parses cfg.URL and pings the server.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	cl := redis.NewClient(opt)
	if _, err := cl.Ping(ctx).Result(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return cl, nil
}

// TaskStore implements backup.TaskStore on top of plain string keys.
type TaskStore struct {
	cl     *redis.Client
	prefix string
	ttl    time.Duration
}

// NewTaskStore wraps an existing client.
func NewTaskStore(cl *redis.Client, cfg Config) (*TaskStore, error) {
	if cl == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TaskStore{cl: cl, prefix: prefix, ttl: ttl}, nil
}

// CreateTask stores a new run. Creating the same task twice fails.
func (s *TaskStore) CreateTask(ctx context.Context, p backup.RunProgress) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	ok, err := s.cl.SetNX(ctx, s.key(p.TaskID), payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("cannot create task %s: %w", p.TaskID, err)
	}
	if !ok {
		return fmt.Errorf("task %s already exists", p.TaskID)
	}
	return nil
}

// UpdateTask overwrites an existing run and refreshes its expiry.
func (s *TaskStore) UpdateTask(ctx context.Context, p backup.RunProgress) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	ok, err := s.cl.SetXX(ctx, s.key(p.TaskID), payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("cannot update task %s: %w", p.TaskID, err)
	}
	if !ok {
		return fmt.Errorf("task %s: %w", p.TaskID, backup.ErrNotFound)
	}
	return nil
}

// GetTask loads a run.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (backup.RunProgress, error) {
	raw, err := s.cl.Get(ctx, s.key(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return backup.RunProgress{}, fmt.Errorf("task %s: %w", taskID, backup.ErrNotFound)
		}
		return backup.RunProgress{}, fmt.Errorf("cannot get task %s: %w", taskID, err)
	}
	var p backup.RunProgress
	if err := json.Unmarshal(raw, &p); err != nil {
		return backup.RunProgress{}, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return p, nil
}

func (s *TaskStore) key(taskID string) string {
	return strings.Join([]string{s.prefix, keyTask, taskID}, keySeparator)
}
