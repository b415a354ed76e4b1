// Package snapshot turns successive runs over one selection into a chain of
// full and incremental archives and prunes that chain by count and age.
//
// Every series is an append-only list ordered by version index. Reading the
// latest version and writing the next one happens under a per-series lock,
// so concurrent runs on the same selection never race to the same version.
package snapshot

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/im7mortal/kmutex"
	"go.uber.org/zap"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

// Engine owns snapshot records and the archives behind them.
type Engine struct {
	snaps    backup.SnapshotStore
	archives backup.ArchiveStore
	hasher   backup.Hasher
	clock    backup.Clock
	locks    *kmutex.Kmutex
	logger   *zap.Logger
}

// New builds an engine.
func New(snaps backup.SnapshotStore, archives backup.ArchiveStore, hasher backup.Hasher, clock backup.Clock, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		snaps:    snaps,
		archives: archives,
		hasher:   hasher,
		clock:    clock,
		locks:    kmutex.New(),
		logger:   logger.Named("snapshot"),
	}
}

// Plan is the full/incremental decision for an upcoming run.
type Plan struct {
	SeriesKey string
	IsFull    bool
	// Previous is the latest snapshot of the series, if any.
	Previous *backup.Snapshot
	// Manifest is the previous manifest incremental runs diff against.
	Manifest backup.Manifest
}

// Plan decides how the next run of series is taken. An incremental request
// without a prior snapshot is promoted to full.
func (e *Engine) Plan(ctx context.Context, seriesKey string, requested backup.BackupType) (Plan, error) {
	latest, err := e.latest(ctx, seriesKey)
	if err != nil {
		return Plan{}, err
	}
	p := Plan{SeriesKey: seriesKey, IsFull: true, Previous: latest}
	if requested == backup.TypeIncremental && latest != nil {
		p.IsFull = false
		p.Manifest = latest.Manifest
		if p.Manifest == nil {
			p.Manifest = backup.Manifest{}
		}
	}
	return p, nil
}

// Include reports whether fd belongs in an incremental run diffed against
// prev: the file is new, or its modification time is strictly later.
func Include(prev backup.Manifest, fd backup.FileDescriptor) bool {
	seen, ok := prev[fd.RemoteID]
	if !ok {
		return true
	}
	return fd.ModifiedTime.After(seen)
}

// BuildManifest records the modification time of every file that made it
// into the archive. A file that did not (unchanged, failed or skipped) keeps
// its entry from prev, so the next incremental run picks it up again unless
// an earlier archive in the chain already holds that version. Pass a nil prev
// for full snapshots.
func BuildManifest(files []backup.FileDescriptor, prev backup.Manifest) backup.Manifest {
	m := make(backup.Manifest, len(files))
	for _, fd := range files {
		if fd.RemoteID == "" {
			continue
		}
		if fd.Downloaded() {
			m[fd.RemoteID] = fd.ModifiedTime.UTC()
			continue
		}
		if seen, ok := prev[fd.RemoteID]; ok {
			m[fd.RemoteID] = seen
		}
	}
	return m
}

// Draft is what a run knows about its snapshot before the version is fixed.
type Draft struct {
	SeriesKey string
	BaseName  string
	Format    backup.Format
	// IsFull pins the snapshot kind when the series already has versions.
	IsFull    *bool
	ItemCount int
	Manifest  backup.Manifest
}

// Version is the slot assigned to a draft inside the critical section.
type Version struct {
	Index     int
	IsFull    bool
	ParentID  *int64
	Filename  string
	CreatedAt time.Time
}

// Finalized describes the archive once it sits at its final location.
type Finalized struct {
	Path string
	Size int64
}

// FinalizeFunc moves the built archive to its final versioned name.
type FinalizeFunc func(ctx context.Context, v Version) (Finalized, error)

// Commit assigns the next version of the draft's series, lets finalize place
// the archive under the versioned name and records the snapshot. With no
// prior snapshot the result is always full; otherwise draft.IsFull wins and
// defaults to incremental on top of the latest version.
func (e *Engine) Commit(ctx context.Context, draft Draft, finalize FinalizeFunc) (backup.Snapshot, error) {
	e.locks.Lock(draft.SeriesKey)
	defer e.locks.Unlock(draft.SeriesKey)

	latest, err := e.latest(ctx, draft.SeriesKey)
	if err != nil {
		return backup.Snapshot{}, err
	}
	v := Version{Index: 1, IsFull: true, CreatedAt: e.clock.Now().UTC()}
	if latest != nil {
		v.Index = latest.VersionIndex + 1
		v.IsFull = draft.IsFull != nil && *draft.IsFull
		if !v.IsFull {
			parent := latest.ID
			v.ParentID = &parent
		}
	}
	v.Filename = Filename(draft.BaseName, v.Index, v.IsFull, draft.Format, v.CreatedAt)

	final, err := finalize(ctx, v)
	if err != nil {
		return backup.Snapshot{}, fmt.Errorf("finalize archive: %w", err)
	}
	snap := backup.Snapshot{
		Filename:     v.Filename,
		Path:         final.Path,
		Size:         final.Size,
		ItemCount:    draft.ItemCount,
		SeriesKey:    draft.SeriesKey,
		VersionIndex: v.Index,
		IsFull:       v.IsFull,
		ParentID:     v.ParentID,
		Manifest:     draft.Manifest.Clone(),
		CreatedAt:    v.CreatedAt,
	}
	id, err := e.snaps.CreateSnapshot(ctx, snap)
	if err != nil {
		if delErr := e.archives.Delete(ctx, final.Path); delErr != nil {
			e.logger.Warn("failed to remove unrecorded archive", zap.String("path", final.Path), zap.Error(delErr))
		}
		return backup.Snapshot{}, fmt.Errorf("record snapshot: %w", err)
	}
	snap.ID = id
	e.logger.Info("snapshot recorded",
		zap.Int64("id", id),
		zap.String("series", snap.SeriesKey),
		zap.Int("version", snap.VersionIndex),
		zap.Bool("full", snap.IsFull),
		zap.String("path", snap.Path),
	)
	return snap, nil
}

// SeriesStatus summarizes an existing series.
type SeriesStatus struct {
	SeriesKey   string `json:"series_key"`
	Exists      bool   `json:"exists"`
	LastVersion int    `json:"last_version"`
	IsFull      bool   `json:"is_full"`
}

// CheckSeries reports whether the selection already has snapshots.
func (e *Engine) CheckSeries(ctx context.Context, baseName string, items []backup.SelectionItem) (SeriesStatus, error) {
	key, err := e.SeriesKey(baseName, items)
	if err != nil {
		return SeriesStatus{}, err
	}
	latest, err := e.latest(ctx, key)
	if err != nil {
		return SeriesStatus{}, err
	}
	status := SeriesStatus{SeriesKey: key}
	if latest != nil {
		status.Exists = true
		status.LastVersion = latest.VersionIndex
		status.IsFull = latest.IsFull
	}
	return status, nil
}

// Policy bounds how many snapshots survive. Zero disables a bound.
type Policy struct {
	MaxCount   int `mapstructure:"max_count" json:"max_count"`
	MaxAgeDays int `mapstructure:"max_age_days" json:"max_age_days"`
}

// Enabled reports whether the policy can delete anything.
func (p Policy) Enabled() bool {
	return p.MaxCount > 0 || p.MaxAgeDays > 0
}

// RetentionResult lists what a retention pass did.
type RetentionResult struct {
	Deleted []int64 `json:"deleted"`
	Failed  []int64 `json:"failed"`
}

// ApplyRetention deletes every snapshot beyond MaxCount in its series
// (newest first) and every snapshot older than MaxAgeDays. A failed deletion
// is logged and skipped.
func (e *Engine) ApplyRetention(ctx context.Context, policy Policy) (RetentionResult, error) {
	var res RetentionResult
	if !policy.Enabled() {
		return res, nil
	}
	all, err := e.snaps.ListSnapshots(ctx)
	if err != nil {
		return res, fmt.Errorf("list snapshots: %w", err)
	}

	series := make(map[string][]backup.Snapshot)
	for _, snap := range all {
		series[snap.SeriesKey] = append(series[snap.SeriesKey], snap)
	}
	keys := make([]string, 0, len(series))
	for key := range series {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var cutoff time.Time
	if policy.MaxAgeDays > 0 {
		cutoff = e.clock.Now().Add(-time.Duration(policy.MaxAgeDays) * 24 * time.Hour)
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%w: %w", backup.ErrCanceled, err)
		}
		for _, snap := range expired(series[key], policy, cutoff) {
			if err := e.remove(ctx, snap); err != nil {
				e.logger.Warn("retention delete failed",
					zap.Int64("id", snap.ID),
					zap.String("series", snap.SeriesKey),
					zap.String("path", snap.Path),
					zap.Error(err),
				)
				res.Failed = append(res.Failed, snap.ID)
				continue
			}
			res.Deleted = append(res.Deleted, snap.ID)
		}
	}
	if len(res.Deleted) > 0 || len(res.Failed) > 0 {
		e.logger.Info("retention applied",
			zap.Int("deleted", len(res.Deleted)),
			zap.Int("failed", len(res.Failed)),
			zap.Int("max_count", policy.MaxCount),
			zap.Int("max_age_days", policy.MaxAgeDays),
		)
	}
	return res, nil
}

// expired returns the members of one series the policy removes.
func expired(snaps []backup.Snapshot, policy Policy, cutoff time.Time) []backup.Snapshot {
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
		}
		return snaps[i].VersionIndex > snaps[j].VersionIndex
	})
	var out []backup.Snapshot
	for i, snap := range snaps {
		tooMany := policy.MaxCount > 0 && i >= policy.MaxCount
		tooOld := !cutoff.IsZero() && snap.CreatedAt.Before(cutoff)
		if tooMany || tooOld {
			out = append(out, snap)
		}
	}
	return out
}

func (e *Engine) remove(ctx context.Context, snap backup.Snapshot) error {
	e.locks.Lock(snap.SeriesKey)
	defer e.locks.Unlock(snap.SeriesKey)
	if snap.Path != "" {
		if err := e.archives.Delete(ctx, snap.Path); err != nil {
			return fmt.Errorf("delete archive: %w", err)
		}
	}
	if err := e.snaps.DeleteSnapshot(ctx, snap.ID); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (e *Engine) latest(ctx context.Context, seriesKey string) (*backup.Snapshot, error) {
	snaps, err := e.snaps.QuerySnapshots(ctx, seriesKey)
	if err != nil {
		return nil, fmt.Errorf("query series %s: %w", seriesKey, err)
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	latest := snaps[len(snaps)-1]
	return &latest, nil
}

// List returns every recorded snapshot.
func (e *Engine) List(ctx context.Context) ([]backup.Snapshot, error) {
	snaps, err := e.snaps.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return snaps, nil
}

// Series returns one series ordered by version.
func (e *Engine) Series(ctx context.Context, seriesKey string) ([]backup.Snapshot, error) {
	snaps, err := e.snaps.QuerySnapshots(ctx, seriesKey)
	if err != nil {
		return nil, fmt.Errorf("query series %s: %w", seriesKey, err)
	}
	return snaps, nil
}
