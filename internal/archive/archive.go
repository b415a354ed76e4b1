// Package archive packs a staging directory into a zip, tar.gz or 7z file.
//
// Files are handed to the compression pool one task each. Small files are read
// (and for zip also deflated) in parallel; every write to the container goes
// through a single per-archive lock.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/drive-backup/internal/backup"
	"github.com/JakeFAU/drive-backup/internal/pool"
	"github.com/JakeFAU/drive-backup/internal/progress"
)

// DefaultInMemoryThreshold is the size below which files are buffered.
const DefaultInMemoryThreshold = 100 << 20

// Config tunes archive creation.
type Config struct {
	InMemoryThreshold int64  `mapstructure:"in_memory_threshold"`
	SevenZipPath      string `mapstructure:"seven_zip_path"`
}

// Reporter receives compaction progress.
type Reporter interface {
	Checkpoint(ctx context.Context) error
	Report(d progress.Delta)
}

// Spec describes one archive.
type Spec struct {
	Format backup.Format
	Level  backup.CompressionLevel
	// Root is the staging directory the files are relative to.
	Root string
	// Files are slash separated paths below Root.
	Files []string
	// Output is the archive path to create.
	Output string
}

// Result describes a finished archive.
type Result struct {
	Path  string
	Files int
	// Skipped lists the staged paths that could not be read.
	Skipped    []string
	InputBytes int64
	Size       int64
}

// Archiver builds archives on the compression pool.
type Archiver struct {
	fs       afero.Fs
	pool     *pool.Pool
	cfg      Config
	logger   *zap.Logger
	lookPath func(file string) (string, error)
}

// New builds an archiver. fs defaults to the OS filesystem.
func New(fs afero.Fs, p *pool.Pool, cfg Config, logger *zap.Logger) *Archiver {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InMemoryThreshold <= 0 {
		cfg.InMemoryThreshold = DefaultInMemoryThreshold
	}
	return &Archiver{
		fs:       fs,
		pool:     p,
		cfg:      cfg,
		logger:   logger.Named("archive"),
		lookPath: exec.LookPath,
	}
}

// Check reports whether format can be produced, so runs fail before any
// download starts.
func (a *Archiver) Check(format backup.Format) error {
	switch format {
	case backup.FormatZip, backup.FormatTarGz:
		return nil
	case backup.Format7z:
		_, err := a.sevenZip()
		return err
	default:
		return fmt.Errorf("%w: unknown archive format %q", backup.ErrInvalidRequest, format)
	}
}

// Build writes spec.Output. A failed build leaves no output behind.
func (a *Archiver) Build(ctx context.Context, spec Spec, rep Reporter) (Result, error) {
	if err := a.Check(spec.Format); err != nil {
		return Result{}, err
	}
	if err := a.fs.MkdirAll(filepath.Dir(spec.Output), 0o755); err != nil {
		return Result{}, fmt.Errorf("create archive dir: %w", err)
	}

	var (
		res Result
		err error
	)
	switch spec.Format {
	case backup.Format7z:
		res, err = a.build7z(ctx, spec, rep)
	default:
		res, err = a.buildStream(ctx, spec, rep)
	}
	if err != nil {
		if rmErr := a.fs.Remove(spec.Output); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			a.logger.Debug("remove failed archive", zap.String("path", spec.Output), zap.Error(rmErr))
		}
		return Result{}, err
	}
	info, err := a.fs.Stat(spec.Output)
	if err != nil {
		return Result{}, fmt.Errorf("stat archive: %w", err)
	}
	res.Path = spec.Output
	res.Size = info.Size()
	a.logger.Info("archive built",
		zap.String("path", spec.Output),
		zap.String("format", string(spec.Format)),
		zap.Int("files", res.Files),
		zap.Int64("size", res.Size),
	)
	return res, nil
}

// container is the format-specific half of a streamed archive. Both methods
// are called with the archive lock held.
type container interface {
	writeBuffered(entry *entry) error
	writeStreamed(entry *entry, src afero.File) error
	Close() error
}

type entry struct {
	name string
	info os.FileInfo
	data []byte
	// deflated holds pre-compressed zip payload for buffered entries.
	deflated []byte
	crc      uint32
}

func (a *Archiver) buildStream(ctx context.Context, spec Spec, rep Reporter) (Result, error) {
	out, err := a.fs.Create(spec.Output)
	if err != nil {
		return Result{}, fmt.Errorf("create archive: %w", err)
	}
	var c container
	if spec.Format == backup.FormatZip {
		c = newZipContainer(out, zipLevel(spec.Level))
	} else {
		c, err = newTarGzContainer(out, zipLevel(spec.Level))
		if err != nil {
			_ = out.Close()
			return Result{}, err
		}
	}

	var (
		mu      sync.Mutex
		done    atomic.Int64
		input   atomic.Int64
		skipMu  sync.Mutex
		skipped []string
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	futures := make([]*pool.Future[struct{}], 0, len(spec.Files))
	var firstErr error
	for _, rel := range spec.Files {
		fut, err := pool.Submit(ctx, a.pool, func(ctx context.Context) (struct{}, error) {
			if err := rep.Checkpoint(ctx); err != nil {
				return struct{}{}, err
			}
			n, err := a.addFile(spec, rel, c, &mu)
			if err != nil {
				var skip *skipError
				if !errors.As(err, &skip) {
					return struct{}{}, err
				}
				skipMu.Lock()
				skipped = append(skipped, rel)
				skipMu.Unlock()
				a.logger.Warn("skipping file", zap.String("path", rel), zap.Error(skip.err))
				rep.Report(progress.Failure(fmt.Sprintf("archive %s: %v", rel, skip.err)))
				return struct{}{}, nil
			}
			input.Add(n)
			rep.Report(progress.Delta{Message: fmt.Sprintf("compressed %d/%d files", done.Add(1), len(spec.Files))})
			return struct{}{}, nil
		})
		if err != nil {
			firstErr = fmt.Errorf("%w: %w", backup.ErrCanceled, err)
			break
		}
		futures = append(futures, fut)
	}
	for _, fut := range futures {
		<-fut.Done()
		if _, err := fut.Result(); err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	closeErr := c.Close()
	if err := out.Close(); closeErr == nil && err != nil {
		closeErr = err
	}
	if firstErr != nil {
		return Result{}, firstErr
	}
	if closeErr != nil {
		return Result{}, fmt.Errorf("finish archive: %w", closeErr)
	}
	sort.Strings(skipped)
	return Result{Files: int(done.Load()), Skipped: skipped, InputBytes: input.Load()}, nil
}

// skipError marks a file that could not be read; the archive stays valid.
type skipError struct{ err error }

func (e *skipError) Error() string { return e.err.Error() }

func (a *Archiver) addFile(spec Spec, rel string, c container, mu *sync.Mutex) (int64, error) {
	full := filepath.Join(spec.Root, filepath.FromSlash(rel))
	info, err := a.fs.Stat(full)
	if err != nil {
		return 0, &skipError{err: err}
	}
	e := &entry{name: rel, info: info}
	if info.Size() < a.cfg.InMemoryThreshold {
		data, err := afero.ReadFile(a.fs, full)
		if err != nil {
			return 0, &skipError{err: err}
		}
		e.data = data
		if spec.Format == backup.FormatZip {
			if err := deflate(e, zipLevel(spec.Level)); err != nil {
				return 0, fmt.Errorf("compress %s: %w", rel, err)
			}
		}
		mu.Lock()
		defer mu.Unlock()
		if err := c.writeBuffered(e); err != nil {
			return 0, fmt.Errorf("write %s: %w", rel, err)
		}
		return int64(len(data)), nil
	}

	src, err := a.fs.Open(full)
	if err != nil {
		return 0, &skipError{err: err}
	}
	defer src.Close()
	mu.Lock()
	defer mu.Unlock()
	if err := c.writeStreamed(e, src); err != nil {
		return 0, fmt.Errorf("write %s: %w", rel, err)
	}
	return info.Size(), nil
}

func zipLevel(level backup.CompressionLevel) int {
	switch level {
	case backup.LevelFast:
		return 1
	case backup.LevelMax:
		return 9
	default:
		return 6
	}
}

func sevenZipLevel(level backup.CompressionLevel) int {
	switch level {
	case backup.LevelFast:
		return 1
	case backup.LevelMax:
		return 9
	default:
		return 5
	}
}
