package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

// SnapshotStore provides an in-memory backup.SnapshotStore.
type SnapshotStore struct {
	mu     sync.RWMutex
	nextID int64
	snaps  map[int64]backup.Snapshot
}

// NewSnapshotStore constructs a SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snaps: make(map[int64]backup.Snapshot)}
}

// CreateSnapshot assigns an id and stores snap. The (series, version) pair
// must be unique.
func (s *SnapshotStore) CreateSnapshot(_ context.Context, snap backup.Snapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.snaps {
		if existing.SeriesKey == snap.SeriesKey && existing.VersionIndex == snap.VersionIndex {
			return 0, fmt.Errorf("snapshot %s v%d already exists", snap.SeriesKey, snap.VersionIndex)
		}
	}
	s.nextID++
	snap = snap.Clone()
	snap.ID = s.nextID
	s.snaps[snap.ID] = snap
	return snap.ID, nil
}

// QuerySnapshots returns one series ordered by version.
func (s *SnapshotStore) QuerySnapshots(_ context.Context, seriesKey string) ([]backup.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []backup.Snapshot
	for _, snap := range s.snaps {
		if snap.SeriesKey == seriesKey {
			out = append(out, snap.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionIndex < out[j].VersionIndex })
	return out, nil
}

// ListSnapshots returns every snapshot ordered by id.
func (s *SnapshotStore) ListSnapshots(_ context.Context) ([]backup.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]backup.Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, snap.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteSnapshot removes one record.
func (s *SnapshotStore) DeleteSnapshot(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[id]; !ok {
		return fmt.Errorf("snapshot %d: %w", id, backup.ErrNotFound)
	}
	delete(s.snaps, id)
	return nil
}
