package memory

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

func TestTaskStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewTaskStore()
	ctx := context.Background()
	p := backup.RunProgress{TaskID: "task-1", Phase: backup.PhaseStarting}

	require.NoError(t, store.CreateTask(ctx, p))
	require.Error(t, store.CreateTask(ctx, p))

	p.Phase = backup.PhaseDone
	p.History = []backup.HistoryEntry{{Message: "done"}}
	require.NoError(t, store.UpdateTask(ctx, p))
	p.History[0].Message = "mutated"

	got, err := store.GetTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, backup.PhaseDone, got.Phase)
	require.Equal(t, "done", got.History[0].Message)

	_, err = store.GetTask(ctx, "missing")
	require.ErrorIs(t, err, backup.ErrNotFound)
	require.ErrorIs(t, store.UpdateTask(ctx, backup.RunProgress{TaskID: "missing"}), backup.ErrNotFound)
}

func TestSnapshotStoreOrdersSeries(t *testing.T) {
	t.Parallel()

	store := NewSnapshotStore()
	ctx := context.Background()
	now := time.Now()
	for _, v := range []int{2, 1, 3} {
		_, err := store.CreateSnapshot(ctx, backup.Snapshot{SeriesKey: "s", VersionIndex: v, CreatedAt: now})
		require.NoError(t, err)
	}
	_, err := store.CreateSnapshot(ctx, backup.Snapshot{SeriesKey: "other", VersionIndex: 1})
	require.NoError(t, err)
	_, err = store.CreateSnapshot(ctx, backup.Snapshot{SeriesKey: "s", VersionIndex: 2})
	require.Error(t, err)

	series, err := store.QuerySnapshots(ctx, "s")
	require.NoError(t, err)
	require.Len(t, series, 3)
	for i, snap := range series {
		require.Equal(t, i+1, snap.VersionIndex)
	}

	all, err := store.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.NoError(t, store.DeleteSnapshot(ctx, all[0].ID))
	require.ErrorIs(t, store.DeleteSnapshot(ctx, all[0].ID), backup.ErrNotFound)
}

func TestArchiveStorePutDelete(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/tmp/a.zip", []byte("PK"), 0o644))
	store := NewArchiveStore(fs)

	loc, err := store.Put(context.Background(), "/tmp/a.zip", "a_v001.zip")
	require.NoError(t, err)
	require.Equal(t, "memory://a_v001.zip", loc)
	data, ok := store.Get(loc)
	require.True(t, ok)
	require.Equal(t, "PK", string(data))
	exists, _ := afero.Exists(fs, "/tmp/a.zip")
	require.False(t, exists)

	require.NoError(t, store.Delete(context.Background(), loc))
	require.ErrorIs(t, store.Delete(context.Background(), loc), backup.ErrNotFound)
}
