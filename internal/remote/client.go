// Package remote wraps a backup.RemoteStore with retries, jittered backoff and
// client-side request pacing. One Client is built per run and handed to every
// stage; it is safe for concurrent use by all pool workers.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

// Config tunes the client. Zero values select the defaults.
type Config struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	RateLimitQPS float64       `mapstructure:"rate_limit_qps"`
	Burst        int           `mapstructure:"burst"`
	PageSize     int           `mapstructure:"page_size"`
}

// Observer receives retry telemetry. metrics.ObserveRetry fits OnRetry.
type Observer struct {
	OnRetry  func(op string)
	OnGiveUp func(op string)
	OnPacing func(wait time.Duration)
}

// Client is a retrying, rate-limited view of a backup.RemoteStore.
type Client struct {
	store    backup.RemoteStore
	policy   *RetryPolicy
	limiter  *rate.Limiter
	observer Observer
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	pageSize int
}

// Option customizes a Client.
type Option func(*Client)

// WithPolicy overrides the retry policy.
func WithPolicy(p *RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithObserver installs telemetry callbacks.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// NewClient wraps store using cfg.
func NewClient(store backup.RemoteStore, cfg Config, opts ...Option) *Client {
	c := &Client{
		store:    store,
		policy:   NewRetryPolicy(cfg.MaxRetries, cfg.BackoffBase, cfg.BackoffMax),
		logger:   zap.NewNop(),
		sleep:    sleepCtx,
		pageSize: cfg.PageSize,
	}
	if c.pageSize <= 0 {
		c.pageSize = 1000
	}
	if cfg.RateLimitQPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimitQPS))
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitQPS), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PageSize is the listing page size used by crawlers.
func (c *Client) PageSize() int {
	return c.pageSize
}

// Policy exposes the retry policy so chunked transfers can reuse it.
func (c *Client) Policy() *RetryPolicy {
	return c.policy
}

// Do runs fn until it succeeds, fails permanently, or exhausts the policy.
// Cancellation is always reported as backup.ErrCanceled.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w: %w", op, backup.ErrCanceled, err)
		}
		if err := c.pace(ctx); err != nil {
			return fmt.Errorf("%s: %w: %w", op, backup.ErrCanceled, err)
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, backup.ErrCanceled) {
			if errors.Is(err, backup.ErrCanceled) {
				return err
			}
			return fmt.Errorf("%s: %w: %w", op, backup.ErrCanceled, err)
		}
		if !c.policy.ShouldRetry(err, attempt) {
			if Retryable(err) && c.observer.OnGiveUp != nil {
				c.observer.OnGiveUp(op)
			}
			return err
		}
		wait := c.policy.Backoff(attempt)
		c.logger.Debug("retrying remote call",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if c.observer.OnRetry != nil {
			c.observer.OnRetry(op)
		}
		if err := c.sleep(ctx, wait); err != nil {
			return fmt.Errorf("%s: %w: %w", op, backup.ErrCanceled, err)
		}
	}
}

func (c *Client) pace(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	start := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if c.observer.OnPacing != nil {
		c.observer.OnPacing(time.Since(start))
	}
	return nil
}

// ListChildren lists one page of a folder's children.
func (c *Client) ListChildren(ctx context.Context, folderID, pageToken string, pageSize int) (backup.ListPage, error) {
	if pageSize <= 0 {
		pageSize = c.pageSize
	}
	var page backup.ListPage
	err := c.Do(ctx, "list_children", func(ctx context.Context) error {
		var err error
		page, err = c.store.ListChildren(ctx, folderID, pageToken, pageSize)
		return err
	})
	if err != nil {
		return backup.ListPage{}, fmt.Errorf("list children of %s: %w", folderID, err)
	}
	return page, nil
}

// GetMetadata fetches one item.
func (c *Client) GetMetadata(ctx context.Context, id string) (backup.RemoteItem, error) {
	var item backup.RemoteItem
	err := c.Do(ctx, "get_metadata", func(ctx context.Context) error {
		var err error
		item, err = c.store.GetMetadata(ctx, id)
		return err
	})
	if err != nil {
		return backup.RemoteItem{}, fmt.Errorf("get metadata of %s: %w", id, err)
	}
	return item, nil
}

// Download opens a content stream at offset. Only opening the stream is
// retried; callers resume interrupted reads with Do.
func (c *Client) Download(ctx context.Context, id string, offset int64) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := c.Do(ctx, "download", func(ctx context.Context) error {
		var err error
		body, err = c.store.Download(ctx, id, offset)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", id, err)
	}
	return body, nil
}

// Export opens a converted stream of a native document.
func (c *Client) Export(ctx context.Context, id, mimeType string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := c.Do(ctx, "export", func(ctx context.Context) error {
		var err error
		body, err = c.store.Export(ctx, id, mimeType)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", id, err)
	}
	return body, nil
}

// Store returns the wrapped store for calls that manage their own retries.
func (c *Client) Store() backup.RemoteStore {
	return c.store
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
