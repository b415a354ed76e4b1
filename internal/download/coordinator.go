// Package download stages remote files into a local directory.
//
// Sequential runs map the whole tree first and then download every file on the
// crawl pool. Concurrent runs walk the tree on a producer goroutine that feeds
// a bounded queue drained by consumer tasks on the same pool, so downloads
// start before the walk has finished.
package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/drive-backup/internal/backup"
	"github.com/JakeFAU/drive-backup/internal/crawler"
	"github.com/JakeFAU/drive-backup/internal/pool"
	"github.com/JakeFAU/drive-backup/internal/progress"
	"github.com/JakeFAU/drive-backup/internal/queue/memory"
	"github.com/JakeFAU/drive-backup/internal/remote"
)

// Defaults applied to zero Config fields.
const (
	DefaultChunkSize = 1 << 20
	DefaultQueueSize = 256
	DefaultConsumers = 8
)

// Config tunes downloads.
type Config struct {
	ChunkSize int `mapstructure:"chunk_size"`
	QueueSize int `mapstructure:"queue_size"`
	Consumers int `mapstructure:"consumers"`
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Consumers <= 0 {
		c.Consumers = DefaultConsumers
	}
	return c
}

// Reporter is the run's progress sink and control gate.
type Reporter interface {
	crawler.Reporter
	Emit(evt progress.Event)
}

// Input describes one staging pass.
type Input struct {
	Items  []backup.SelectionItem
	Filter backup.Filter
	Mode   backup.Mode
	// Dest is the staging directory on the coordinator's filesystem.
	Dest string
	// Include decides whether a considered file is downloaded. Nil means all.
	Include func(fd backup.FileDescriptor) bool
}

// Result summarizes a staging pass.
type Result struct {
	// Considered lists every file that passed the filter. Downloaded entries
	// carry LocalRelativePath.
	Considered []backup.FileDescriptor
	Included   int
	Downloaded int
	Failed     int
	Bytes      int64
}

// Coordinator downloads selections into a staging directory.
type Coordinator struct {
	client  *remote.Client
	crawler *crawler.Crawler
	pool    *pool.Pool
	fs      afero.Fs
	cfg     Config
	logger  *zap.Logger
}

// New builds a coordinator. fs defaults to the OS filesystem.
func New(client *remote.Client, c *crawler.Crawler, p *pool.Pool, fs afero.Fs, cfg Config, logger *zap.Logger) *Coordinator {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		client:  client,
		crawler: c,
		pool:    p,
		fs:      fs,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("download"),
	}
}

// Run stages in.Items into in.Dest. Per-file failures are counted in the
// result; only cancellation and crawl failures are returned as errors.
func (c *Coordinator) Run(ctx context.Context, in Input, rep Reporter) (Result, error) {
	if in.Include == nil {
		in.Include = func(backup.FileDescriptor) bool { return true }
	}
	if err := c.fs.MkdirAll(in.Dest, 0o755); err != nil {
		return Result{}, fmt.Errorf("create staging dir: %w", err)
	}
	r := &run{
		c:     c,
		in:    in,
		rep:   rep,
		names: NewNameRegistry(),
	}
	var err error
	if in.Mode == backup.ModeConcurrent {
		err = r.concurrent(ctx)
	} else {
		err = r.sequential(ctx)
	}
	return r.result(), err
}

type job struct {
	idx int
	fd  backup.FileDescriptor
	// rel is the reserved local path; nameErr is set when the file has no
	// local form, such as a native type without an export.
	rel     string
	nameErr error
}

type run struct {
	c     *Coordinator
	in    Input
	rep   Reporter
	names *NameRegistry

	mu         sync.Mutex
	considered []backup.FileDescriptor
	included   int
	downloaded int
	failed     int
	bytes      int64
}

func (r *run) sequential(ctx context.Context) error {
	files, err := r.c.crawler.Crawl(ctx, r.in.Items, r.in.Filter, r.rep)
	if err != nil {
		return err
	}
	var jobs []job
	r.mu.Lock()
	r.considered = files
	// files are sorted, so reserving here numbers colliding names the same
	// way on every run.
	for i, fd := range files {
		if r.in.Include(fd) {
			jobs = append(jobs, r.reserve(i, fd))
		}
	}
	r.included = len(jobs)
	r.mu.Unlock()

	r.rep.Report(progress.Delta{
		Phase:      backup.PhaseDownloading,
		FilesTotal: progress.Total(len(jobs)),
		Message:    fmt.Sprintf("downloading %d of %d files", len(jobs), len(files)),
	})

	futures := make([]*pool.Future[struct{}], 0, len(jobs))
	var submitErr error
	for _, j := range jobs {
		fut, err := pool.Submit(ctx, r.c.pool, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.one(ctx, j)
		})
		if err != nil {
			submitErr = fmt.Errorf("%w: %w", backup.ErrCanceled, err)
			break
		}
		futures = append(futures, fut)
	}
	// Every started task must finish before the caller may clean up Dest.
	var firstErr error
	for _, fut := range futures {
		<-fut.Done()
		if _, err := fut.Result(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if submitErr != nil {
		return submitErr
	}
	return firstErr
}

func (r *run) concurrent(ctx context.Context) error {
	r.rep.Report(progress.Delta{Phase: backup.PhaseDownloading, Message: "walking and downloading"})

	q := memory.NewQueue[job](r.c.cfg.QueueSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer q.Close()
		return r.c.crawler.Walk(gctx, r.in.Items, r.in.Filter, r.rep, func(ctx context.Context, fd backup.FileDescriptor) error {
			idx, include := r.consider(fd)
			if !include {
				return nil
			}
			r.rep.Report(progress.Delta{AddTotal: 1})
			if err := q.Enqueue(ctx, r.reserve(idx, fd)); err != nil {
				return fmt.Errorf("%w: %w", backup.ErrCanceled, err)
			}
			return nil
		})
	})
	for i := 0; i < r.c.cfg.Consumers; i++ {
		g.Go(func() error {
			fut, err := pool.Submit(gctx, r.c.pool, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, r.consume(ctx, q)
			})
			if err != nil {
				return fmt.Errorf("%w: %w", backup.ErrCanceled, err)
			}
			<-fut.Done()
			_, err = fut.Result()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil && !errors.Is(err, backup.ErrCanceled) {
			return fmt.Errorf("%w: %w", backup.ErrCanceled, err)
		}
		return err
	}
	return nil
}

func (r *run) consume(ctx context.Context, q *memory.Queue[job]) error {
	for {
		j, err := q.Dequeue(ctx)
		if errors.Is(err, memory.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", backup.ErrCanceled, err)
		}
		if err := r.one(ctx, j); err != nil {
			return err
		}
	}
}

func (r *run) consider(fd backup.FileDescriptor) (int, bool) {
	include := r.in.Include(fd)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.considered = append(r.considered, fd)
	if include {
		r.included++
	}
	return len(r.considered) - 1, include
}

func (r *run) reserve(idx int, fd backup.FileDescriptor) job {
	j := job{idx: idx, fd: fd}
	rel, err := localName(fd)
	if err != nil {
		j.nameErr = err
		return j
	}
	j.rel = r.names.Reserve(rel)
	return j
}

// one downloads a single file. Only cancellation is returned; other failures
// are recorded against the run.
func (r *run) one(ctx context.Context, j job) error {
	if err := r.rep.Checkpoint(ctx); err != nil {
		return err
	}
	start := time.Now()
	if j.nameErr != nil {
		r.fail(j, start, j.nameErr)
		return nil
	}
	n, err := r.c.fetch(ctx, r.in.Dest, j.rel, j.fd, r.rep.Checkpoint)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, backup.ErrCanceled) {
			return err
		}
		r.fail(j, start, err)
		return nil
	}

	r.mu.Lock()
	r.considered[j.idx].LocalRelativePath = j.rel
	r.downloaded++
	r.bytes += n
	r.mu.Unlock()
	r.rep.Report(progress.Delta{
		FilesDownloaded: 1,
		BytesDownloaded: n,
		Message:         fmt.Sprintf("downloaded %s (%s)", j.rel, humanize.IBytes(uint64(n))),
	})
	r.rep.Emit(progress.Event{
		Stage: progress.StageFileDone,
		Path:  j.rel,
		Bytes: n,
		Dur:   time.Since(start),
	})
	return nil
}

func (r *run) fail(j job, start time.Time, err error) {
	r.mu.Lock()
	r.failed++
	r.mu.Unlock()
	r.c.logger.Warn("download failed", zap.String("path", j.fd.RelativePath), zap.Error(err))
	r.rep.Report(progress.Failure(fmt.Sprintf("%s: %v", j.fd.RelativePath, err)))
	r.rep.Emit(progress.Event{
		Stage: progress.StageFileError,
		Path:  j.fd.RelativePath,
		Dur:   time.Since(start),
		Note:  err.Error(),
	})
}

func (r *run) result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Result{
		Considered: append([]backup.FileDescriptor(nil), r.considered...),
		Included:   r.included,
		Downloaded: r.downloaded,
		Failed:     r.failed,
		Bytes:      r.bytes,
	}
}
