package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/drive-backup/internal/archive"
	"github.com/JakeFAU/drive-backup/internal/backup"
	"github.com/JakeFAU/drive-backup/internal/crawler"
	"github.com/JakeFAU/drive-backup/internal/download"
	"github.com/JakeFAU/drive-backup/internal/metrics"
	"github.com/JakeFAU/drive-backup/internal/progress"
	"github.com/JakeFAU/drive-backup/internal/remote"
	"github.com/JakeFAU/drive-backup/internal/snapshot"
	"github.com/JakeFAU/drive-backup/internal/telemetry"
)

const (
	workspacePrefix = "drive-backup-"
	finishTimeout   = 10 * time.Second
)

// execute runs the pipeline for one registered run. The returned error is
// the run's terminal cause; nil means the run reached done on its own.
func (s *Service) execute(ctx context.Context, tr *progress.Tracker, req backup.RunRequest) (err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "backup.run", trace.WithAttributes(
		attribute.String("task_id", tr.TaskID()),
		attribute.String("format", string(req.Format)),
		attribute.String("mode", string(req.Mode)),
		attribute.String("backup_type", string(req.BackupType)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	logger := s.logger.With(zap.String("task_id", tr.TaskID()))
	start := time.Now()

	// Mapping
	tr.Report(progress.Delta{Phase: backup.PhaseMapping, Message: "mapping selection"})
	seriesKey, err := s.deps.Engine.SeriesKey(req.BaseName, req.Selection)
	if err != nil {
		return fmt.Errorf("series key: %w", err)
	}
	plan, err := s.deps.Engine.Plan(ctx, seriesKey, req.BackupType)
	if err != nil {
		return fmt.Errorf("plan snapshot: %w", err)
	}
	if req.BackupType == backup.TypeIncremental && plan.IsFull {
		tr.Report(progress.Info("no previous snapshot in series; running a full backup"))
	}

	workspace, err := archive.Workspace(s.deps.FS, s.cfg.StagingDir, workspacePrefix)
	if err != nil {
		return err
	}
	defer func() {
		if rmErr := archive.RemoveAll(s.deps.FS, workspace); rmErr != nil {
			logger.Warn("failed to remove workspace", zap.String("path", workspace), zap.Error(rmErr))
		}
	}()
	stageDir := filepath.Join(workspace, "files")

	// Downloading
	staged, err := s.download(ctx, tr, req, plan, stageDir, logger)
	if err != nil {
		return err
	}
	if len(staged.Considered) == 0 {
		return fmt.Errorf("%w: the selection has no files matching the filter", backup.ErrNoItems)
	}
	if !plan.IsFull && staged.Included == 0 {
		tr.Report(progress.Delta{Phase: backup.PhaseDone, Message: "no changes since the last snapshot"})
		return nil
	}
	if staged.Downloaded == 0 {
		return fmt.Errorf("all %d files failed to download", staged.Included)
	}

	// Compacting
	var files []string
	for _, fd := range staged.Considered {
		if fd.Downloaded() {
			files = append(files, fd.LocalRelativePath)
		}
	}
	sort.Strings(files)
	tr.Report(progress.Delta{
		Phase:   backup.PhaseCompacting,
		Message: fmt.Sprintf("compressing %d files (%s)", len(files), humanize.IBytes(uint64(staged.Bytes))),
	})
	built, err := s.compact(ctx, tr, req, stageDir, files, filepath.Join(workspace, "archive"+req.Format.Extension()))
	if err != nil {
		return err
	}
	if err := tr.Checkpoint(ctx); err != nil {
		return err
	}

	var prev backup.Manifest
	if !plan.IsFull {
		prev = plan.Manifest
	}
	manifest := snapshot.BuildManifest(archived(staged.Considered, built.Skipped), prev)

	isFull := plan.IsFull
	snap, err := s.deps.Engine.Commit(ctx, snapshot.Draft{
		SeriesKey: seriesKey,
		BaseName:  req.BaseName,
		Format:    req.Format,
		IsFull:    &isFull,
		ItemCount: built.Files,
		Manifest:  manifest,
	}, func(ctx context.Context, v snapshot.Version) (snapshot.Finalized, error) {
		location, err := s.deps.Archives.Put(ctx, built.Path, v.Filename)
		if err != nil {
			return snapshot.Finalized{}, err
		}
		return snapshot.Finalized{Path: location, Size: built.Size}, nil
	})
	if err != nil {
		return err
	}
	metrics.ObserveArchive(string(req.Format), snap.Size)
	metrics.ObserveSnapshot(snap.IsFull)
	id := snap.ID
	tr.Report(progress.Delta{
		ArchivePath: snap.Path,
		SnapshotID:  &id,
		Message:     fmt.Sprintf("snapshot v%d stored at %s", snap.VersionIndex, snap.Path),
	})

	if s.cfg.AutoRetention && s.cfg.Retention.Enabled() {
		res, err := s.ApplyRetention(ctx, s.cfg.Retention)
		if err != nil {
			logger.Warn("automatic retention failed", zap.Error(err))
		} else if len(res.Deleted) > 0 {
			tr.Report(progress.Info(fmt.Sprintf("retention removed %d snapshots", len(res.Deleted))))
		}
	}

	errorsCount := tr.Snapshot().ErrorsCount
	msg := "backup complete"
	if errorsCount > 0 {
		msg = fmt.Sprintf("backup complete with %d errors", errorsCount)
	}
	tr.Report(progress.Delta{Phase: backup.PhaseDone, Message: msg})
	logger.Info("run finished",
		zap.String("archive", snap.Path),
		zap.Int("files", built.Files),
		zap.Int("errors", errorsCount),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// archived returns files with the staged path cleared for every entry the
// archiver skipped.
func archived(files []backup.FileDescriptor, skipped []string) []backup.FileDescriptor {
	if len(skipped) == 0 {
		return files
	}
	gone := make(map[string]struct{}, len(skipped))
	for _, rel := range skipped {
		gone[rel] = struct{}{}
	}
	out := make([]backup.FileDescriptor, len(files))
	for i, fd := range files {
		if _, ok := gone[fd.LocalRelativePath]; ok {
			fd.LocalRelativePath = ""
		}
		out[i] = fd
	}
	return out
}

func (s *Service) download(ctx context.Context, tr *progress.Tracker, req backup.RunRequest, plan snapshot.Plan, dest string, logger *zap.Logger) (download.Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "backup.download")
	defer span.End()

	client := remote.NewClient(s.deps.Remote, s.cfg.Remote,
		remote.WithLogger(logger),
		remote.WithObserver(remote.Observer{
			OnRetry:  metrics.ObserveRetry,
			OnGiveUp: metrics.ObserveRemoteFailure,
			OnPacing: metrics.ObservePacingWait,
		}),
	)
	crawl := crawler.New(client, s.deps.Pools.Crawl, crawler.Options{PageSize: client.PageSize(), Logger: logger})
	coord := download.New(client, crawl, s.deps.Pools.Crawl, s.deps.FS, s.downloadConfig(), logger)

	in := download.Input{
		Items:  req.Selection,
		Filter: req.Filter,
		Mode:   req.Mode,
		Dest:   dest,
	}
	if !plan.IsFull {
		prev := plan.Manifest
		in.Include = func(fd backup.FileDescriptor) bool {
			return snapshot.Include(prev, fd)
		}
	}
	res, err := coord.Run(ctx, in, tr)
	span.SetAttributes(
		attribute.Int("files.considered", len(res.Considered)),
		attribute.Int("files.downloaded", res.Downloaded),
		attribute.Int("files.failed", res.Failed),
	)
	if err != nil {
		return res, err
	}
	return res, nil
}

// downloadConfig keeps concurrent consumers from occupying every crawl
// worker, which would starve folder expansion.
func (s *Service) downloadConfig() download.Config {
	cfg := s.cfg.Download
	if cfg.Consumers <= 0 {
		cfg.Consumers = download.DefaultConsumers
	}
	if width := s.deps.Pools.Crawl.Width(); cfg.Consumers >= width {
		cfg.Consumers = max(1, width/2)
	}
	return cfg
}

func (s *Service) compact(ctx context.Context, tr *progress.Tracker, req backup.RunRequest, root string, files []string, output string) (archive.Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "backup.compact", trace.WithAttributes(attribute.Int("files", len(files))))
	defer span.End()
	res, err := s.deps.Archiver.Build(ctx, archive.Spec{
		Format: req.Format,
		Level:  req.Level,
		Root:   root,
		Files:  files,
		Output: output,
	}, tr)
	if err != nil {
		return res, fmt.Errorf("build archive: %w", err)
	}
	span.SetAttributes(attribute.Int64("archive.size", res.Size))
	return res, nil
}

// finish moves the run into its terminal phase, persists it and releases
// the tracker.
func (s *Service) finish(tr *progress.Tracker, h *handle, err error) {
	logger := s.logger.With(zap.String("task_id", tr.TaskID()))
	switch {
	case err == nil:
	case errors.Is(err, backup.ErrCanceled) || tr.Snapshot().Canceled:
		if !errors.Is(err, backup.ErrCanceled) {
			err = fmt.Errorf("%w: %w", backup.ErrCanceled, err)
		}
		tr.Report(progress.Delta{Phase: backup.PhaseCanceled, Message: "backup canceled"})
		logger.Info("run canceled")
	default:
		d := progress.Failure(err.Error())
		d.Phase = backup.PhaseError
		d.Message = err.Error()
		tr.Report(d)
		logger.Error("run failed", zap.Error(err))
	}

	final := tr.Snapshot()
	tr.Emit(progress.Event{
		Stage: progress.TerminalStage(final.Phase),
		Phase: final.Phase,
		Dur:   final.UpdatedAt.Sub(final.StartedAt),
		Note:  final.Message,
	})
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if flushErr := tr.Flush(ctx); flushErr != nil {
		logger.Warn("failed to persist final progress", zap.Error(flushErr))
	}
	s.notify(ctx, final, logger)

	h.final = final
	if final.Phase != backup.PhaseDone {
		h.err = err
	}
	s.trackers.Remove(tr.TaskID())
	close(h.done)
}

func (s *Service) notify(ctx context.Context, final backup.RunProgress, logger *zap.Logger) {
	if s.deps.Notifier == nil || s.cfg.Topic == "" {
		return
	}
	payload, err := json.Marshal(final)
	if err != nil {
		logger.Warn("failed to encode run notification", zap.Error(err))
		return
	}
	msgID, err := s.deps.Notifier.Publish(ctx, s.cfg.Topic, payload)
	if err != nil {
		logger.Warn("failed to publish run notification", zap.String("topic", s.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("run notification published", zap.String("message_id", msgID))
}
