package pool

import (
	"context"
	"runtime"
	"sync"
	"time"
)

const defaultCrawlWidth = 100

// Config sizes the two pools. Zero values select the defaults.
type Config struct {
	CrawlWidth    int `mapstructure:"crawl_width"`
	CompressWidth int `mapstructure:"compress_width"`
}

// Registry owns the crawl/download pool and the compression pool.
type Registry struct {
	Crawl    *Pool
	Compress *Pool
}

// DefaultCompressWidth is max(4, NumCPU).
func DefaultCompressWidth() int {
	return max(4, runtime.NumCPU())
}

// NewRegistry builds an independent registry. Tests use this instead of the
// process-wide default.
func NewRegistry(cfg Config) *Registry {
	if cfg.CrawlWidth <= 0 {
		cfg.CrawlWidth = defaultCrawlWidth
	}
	if cfg.CompressWidth <= 0 {
		cfg.CompressWidth = DefaultCompressWidth()
	}
	return &Registry{
		Crawl:    New("crawl", cfg.CrawlWidth),
		Compress: New("compress", cfg.CompressWidth),
	}
}

// Close shuts down both pools.
func (r *Registry) Close() {
	r.Crawl.Close()
	r.Compress.Close()
}

// Sample calls report with each pool's busy worker count every interval
// until ctx ends.
func (r *Registry) Sample(ctx context.Context, every time.Duration, report func(pool string, busy int)) {
	if every <= 0 {
		every = 5 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		for _, p := range []*Pool{r.Crawl, r.Compress} {
			report(p.Name(), p.Busy())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

var (
	defaultMu   sync.Mutex
	defaultCfg  Config
	defaultOnce sync.Once
	defaultReg  *Registry
	defaultUsed bool
)

// Init records the configuration for the process-wide registry. It returns
// false when Default has already been created; pools are never resized.
func Init(cfg Config) bool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultUsed {
		return false
	}
	defaultCfg = cfg
	return true
}

// Default returns the process-wide registry, creating it on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultMu.Lock()
		defaultUsed = true
		cfg := defaultCfg
		defaultMu.Unlock()
		defaultReg = NewRegistry(cfg)
	})
	return defaultReg
}
