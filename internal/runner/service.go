// Package runner drives backup runs end to end: crawl and download into a
// private workspace, pack the archive, register the snapshot and optionally
// prune old ones.
//
// Runs started with StartRun execute on their own goroutine and are steered
// through Pause, Resume and Cancel. Execute runs the same pipeline on the
// caller's goroutine for the CLI.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/drive-backup/internal/archive"
	"github.com/JakeFAU/drive-backup/internal/backup"
	"github.com/JakeFAU/drive-backup/internal/download"
	"github.com/JakeFAU/drive-backup/internal/metrics"
	"github.com/JakeFAU/drive-backup/internal/pool"
	"github.com/JakeFAU/drive-backup/internal/progress"
	"github.com/JakeFAU/drive-backup/internal/remote"
	"github.com/JakeFAU/drive-backup/internal/snapshot"
)

// Config tunes the service.
type Config struct {
	// StagingDir is the parent of per-run workspaces; empty uses the OS
	// temp dir.
	StagingDir string `mapstructure:"staging_dir"`
	// Topic receives a notification per finished run when a notifier is set.
	Topic string `mapstructure:"topic"`
	// Retention runs after every successful snapshot when AutoRetention is set.
	Retention     snapshot.Policy `mapstructure:"retention"`
	AutoRetention bool            `mapstructure:"auto_retention"`

	Remote   remote.Config          `mapstructure:"remote"`
	Download download.Config        `mapstructure:"download"`
	Tracker  progress.TrackerConfig `mapstructure:"tracker"`
}

// Deps are the collaborators of a Service. Notifier and Emitter are optional.
type Deps struct {
	Remote   backup.RemoteStore
	Tasks    backup.TaskStore
	Archives backup.ArchiveStore
	Engine   *snapshot.Engine
	Archiver *archive.Archiver
	Pools    *pool.Registry
	FS       afero.Fs
	IDs      backup.IDGenerator
	Clock    backup.Clock
	Notifier backup.Notifier
	Emitter  progress.Emitter
	Logger   *zap.Logger
}

// Service owns the live runs of this process.
type Service struct {
	cfg      Config
	deps     Deps
	trackers *progress.Registry
	logger   *zap.Logger

	mu     sync.Mutex
	runs   map[string]*handle
	wg     sync.WaitGroup
	closed bool
}

// handle lets Wait observe a run after its tracker has been released.
type handle struct {
	done  chan struct{}
	final backup.RunProgress
	err   error
}

// New builds a service. Pools and FS default to the process-wide registry
// and the OS filesystem.
func New(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Remote == nil:
		return nil, errors.New("remote store is required")
	case deps.Tasks == nil:
		return nil, errors.New("task store is required")
	case deps.Archives == nil:
		return nil, errors.New("archive store is required")
	case deps.Engine == nil:
		return nil, errors.New("snapshot engine is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if deps.Pools == nil {
		deps.Pools = pool.Default()
	}
	if deps.FS == nil {
		deps.FS = afero.NewOsFs()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Archiver == nil {
		deps.Archiver = archive.New(deps.FS, deps.Pools.Compress, archive.Config{}, deps.Logger)
	}
	return &Service{
		cfg:      cfg,
		deps:     deps,
		trackers: progress.NewRegistry(),
		logger:   deps.Logger.Named("runner"),
		runs:     make(map[string]*handle),
	}, nil
}

// StartRun validates req, registers the run and executes it in the
// background. Fatal setup errors are returned before any work starts.
func (s *Service) StartRun(ctx context.Context, req backup.RunRequest) (string, error) {
	req, err := s.prepare(req)
	if err != nil {
		return "", err
	}
	tr, h, err := s.register(ctx)
	if err != nil {
		return "", err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	tr.Bind(cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.finish(tr, h, s.execute(runCtx, tr, req))
	}()
	return tr.TaskID(), nil
}

// Execute runs req on the calling goroutine and returns the final progress.
// Canceling ctx cancels the run.
func (s *Service) Execute(ctx context.Context, req backup.RunRequest) (backup.RunProgress, error) {
	req, err := s.prepare(req)
	if err != nil {
		return backup.RunProgress{}, err
	}
	tr, h, err := s.register(ctx)
	if err != nil {
		return backup.RunProgress{}, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	tr.Bind(cancel)

	s.wg.Add(1)
	defer s.wg.Done()
	s.finish(tr, h, s.execute(runCtx, tr, req))
	return h.final, h.err
}

// GetProgress returns the live state of a run, or the persisted copy once
// the run has left this process.
func (s *Service) GetProgress(ctx context.Context, taskID string) (backup.RunProgress, error) {
	if tr, ok := s.trackers.Get(taskID); ok {
		return tr.Snapshot(), nil
	}
	s.mu.Lock()
	h, ok := s.runs[taskID]
	s.mu.Unlock()
	if ok {
		select {
		case <-h.done:
			return h.final.Clone(), nil
		default:
		}
	}
	p, err := s.deps.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return backup.RunProgress{}, fmt.Errorf("get task: %w", err)
	}
	return p, nil
}

// Pause holds the run at its next checkpoint.
func (s *Service) Pause(taskID string) error {
	return s.control(taskID, (*progress.Tracker).Pause)
}

// Resume releases a paused run.
func (s *Service) Resume(taskID string) error {
	return s.control(taskID, (*progress.Tracker).Resume)
}

// Cancel aborts the run. In-flight work unwinds and the workspace is removed.
func (s *Service) Cancel(taskID string) error {
	return s.control(taskID, (*progress.Tracker).Cancel)
}

func (s *Service) control(taskID string, op func(*progress.Tracker) bool) error {
	tr, ok := s.trackers.Get(taskID)
	if !ok {
		s.mu.Lock()
		_, known := s.runs[taskID]
		s.mu.Unlock()
		if known {
			return fmt.Errorf("%w: run %s already finished", backup.ErrInvalidRequest, taskID)
		}
		return fmt.Errorf("run %s: %w", taskID, backup.ErrNotFound)
	}
	if !op(tr) {
		return fmt.Errorf("%w: run %s already finished", backup.ErrInvalidRequest, taskID)
	}
	return nil
}

// Wait blocks until the run finishes or ctx ends.
func (s *Service) Wait(ctx context.Context, taskID string) (backup.RunProgress, error) {
	s.mu.Lock()
	h, ok := s.runs[taskID]
	s.mu.Unlock()
	if !ok {
		return backup.RunProgress{}, fmt.Errorf("run %s: %w", taskID, backup.ErrNotFound)
	}
	select {
	case <-h.done:
		return h.final.Clone(), h.err
	case <-ctx.Done():
		return backup.RunProgress{}, fmt.Errorf("wait for run %s: %w", taskID, ctx.Err())
	}
}

// CheckSeries reports whether a selection already has snapshots.
func (s *Service) CheckSeries(ctx context.Context, baseName string, items []backup.SelectionItem) (snapshot.SeriesStatus, error) {
	if len(items) == 0 {
		return snapshot.SeriesStatus{}, fmt.Errorf("%w: selection is empty", backup.ErrInvalidRequest)
	}
	if baseName == "" && len(items) == 1 {
		baseName = items[0].Name
	}
	status, err := s.deps.Engine.CheckSeries(ctx, baseName, items)
	if err != nil {
		return snapshot.SeriesStatus{}, fmt.Errorf("check series: %w", err)
	}
	return status, nil
}

// ApplyRetention prunes snapshots with policy, or with the configured policy
// when policy is empty.
func (s *Service) ApplyRetention(ctx context.Context, policy snapshot.Policy) (snapshot.RetentionResult, error) {
	if !policy.Enabled() {
		policy = s.cfg.Retention
	}
	if policy.MaxCount < 0 || policy.MaxAgeDays < 0 {
		return snapshot.RetentionResult{}, fmt.Errorf("%w: retention bounds must not be negative", backup.ErrInvalidRequest)
	}
	res, err := s.deps.Engine.ApplyRetention(ctx, policy)
	metrics.ObserveRetention(len(res.Deleted), len(res.Failed))
	if err != nil {
		return res, fmt.Errorf("apply retention: %w", err)
	}
	return res, nil
}

// Snapshots lists recorded snapshots, all of them or one series ordered by
// version.
func (s *Service) Snapshots(ctx context.Context, seriesKey string) ([]backup.Snapshot, error) {
	var (
		snaps []backup.Snapshot
		err   error
	)
	if seriesKey == "" {
		snaps, err = s.deps.Engine.List(ctx)
	} else {
		snaps, err = s.deps.Engine.Series(ctx, seriesKey)
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return snaps, nil
}

// Active returns the number of runs still executing.
func (s *Service) Active() int {
	return s.trackers.Len()
}

// Close cancels every live run and waits for them to unwind or ctx to end.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if tr, ok := s.trackers.Get(id); ok {
			tr.Cancel()
		}
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs: %w", ctx.Err())
	}
}

func (s *Service) prepare(req backup.RunRequest) (backup.RunRequest, error) {
	req, err := Normalize(req)
	if err != nil {
		return req, err
	}
	if err := s.deps.Archiver.Check(req.Format); err != nil {
		return req, err
	}
	if req.Password != "" {
		s.logger.Warn("archive password ignored; archives are never encrypted")
	}
	return req, nil
}

func (s *Service) register(ctx context.Context) (*progress.Tracker, *handle, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, nil, errors.New("service is shutting down")
	}
	taskID, err := s.deps.IDs.NewID()
	if err != nil {
		return nil, nil, fmt.Errorf("new task id: %w", err)
	}
	tr := progress.NewTracker(taskID, s.cfg.Tracker, progress.TrackerDeps{
		Store:   s.deps.Tasks,
		Emitter: s.deps.Emitter,
		Clock:   s.deps.Clock,
		Logger:  s.logger,
	})
	if err := s.deps.Tasks.CreateTask(ctx, tr.Snapshot()); err != nil {
		s.logger.Warn("failed to persist new task", zap.String("task_id", taskID), zap.Error(err))
	}
	if err := s.trackers.Add(tr); err != nil {
		return nil, nil, err
	}
	h := &handle{done: make(chan struct{})}
	s.mu.Lock()
	s.runs[taskID] = h
	s.mu.Unlock()
	tr.Emit(progress.Event{Stage: progress.StageRunStart})
	return tr, h, nil
}
