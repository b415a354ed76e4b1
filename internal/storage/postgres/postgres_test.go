package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestMigrateCreatesTables(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS backup_tasks").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS backup_snapshots").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, Migrate(context.Background(), mock, Config{}))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, Migrate(context.Background(), mock, Config{TaskTable: "bad;name"}))
}

func TestTaskStoreRoundTrip(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewTaskStore(mock, "")
	require.NoError(t, err)
	now := time.Unix(1700000000, 0).UTC()
	p := backup.RunProgress{TaskID: "task-1", Phase: backup.PhaseStarting, StartedAt: now, UpdatedAt: now}

	mock.ExpectExec("INSERT INTO backup_tasks").
		WithArgs("task-1", "starting", pgxmock.AnyArg(), now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.CreateTask(context.Background(), p))

	p.Phase = backup.PhaseDone
	p.FilesDownloaded = 4
	mock.ExpectExec("UPDATE backup_tasks").
		WithArgs("done", pgxmock.AnyArg(), now, "task-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.UpdateTask(context.Background(), p))

	payload, err := json.Marshal(p)
	require.NoError(t, err)
	mock.ExpectQuery("SELECT payload FROM backup_tasks").
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))
	got, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, backup.PhaseDone, got.Phase)
	require.Equal(t, 4, got.FilesDownloaded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStoreNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewTaskStore(mock, "tasks")
	require.NoError(t, err)

	mock.ExpectExec("UPDATE tasks").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err = store.UpdateTask(context.Background(), backup.RunProgress{TaskID: "ghost"})
	require.ErrorIs(t, err, backup.ErrNotFound)

	mock.ExpectQuery("SELECT payload FROM tasks").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.GetTask(context.Background(), "ghost")
	require.ErrorIs(t, err, backup.ErrNotFound)

	mock.ExpectExec("INSERT INTO tasks").WillReturnError(errors.New("duplicate key"))
	err = store.CreateTask(context.Background(), backup.RunProgress{TaskID: "ghost"})
	require.ErrorContains(t, err, "insert task")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewStoresValidateInput(t *testing.T) {
	t.Parallel()

	_, err := NewTaskStore(nil, "")
	require.Error(t, err)
	_, err = NewSnapshotStore(newMock(t), "drop table")
	require.Error(t, err)
}

var snapshotCols = []string{"id", "filename", "path", "size", "item_count", "series_key", "version_index", "is_full", "parent_id", "manifest", "created_at"}

func TestSnapshotStoreCreateAndQuery(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewSnapshotStore(mock, "")
	require.NoError(t, err)
	created := time.Unix(1700000000, 0).UTC()
	snap := backup.Snapshot{
		Filename:     "docs_v001_full_20231114-221320.zip",
		Path:         "/backups/docs_v001_full_20231114-221320.zip",
		Size:         2048,
		ItemCount:    3,
		SeriesKey:    "docs:abc",
		VersionIndex: 1,
		IsFull:       true,
		Manifest:     backup.Manifest{"f1": created},
		CreatedAt:    created,
	}

	mock.ExpectQuery("INSERT INTO backup_snapshots").
		WithArgs(snap.Filename, snap.Path, snap.Size, snap.ItemCount, snap.SeriesKey, snap.VersionIndex,
			snap.IsFull, pgxmock.AnyArg(), pgxmock.AnyArg(), created).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	id, err := store.CreateSnapshot(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, int64(7), id)

	manifest, err := json.Marshal(snap.Manifest)
	require.NoError(t, err)
	parent := int64(7)
	mock.ExpectQuery("SELECT id, filename").
		WithArgs("docs:abc").
		WillReturnRows(pgxmock.NewRows(snapshotCols).
			AddRow(int64(7), snap.Filename, snap.Path, int64(2048), 3, "docs:abc", 1, true, nil, manifest, created).
			AddRow(int64(8), "docs_v002_incr.zip", "/backups/docs_v002_incr.zip", int64(512), 1, "docs:abc", 2, false, &parent, nil, created.Add(time.Hour)))
	got, err := store.QuerySnapshots(context.Background(), "docs:abc")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Nil(t, got[0].ParentID)
	require.True(t, got[0].Manifest["f1"].Equal(created))
	require.Equal(t, int64(7), *got[1].ParentID)
	require.Nil(t, got[1].Manifest)
	require.Equal(t, 2, got[1].VersionIndex)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotStoreListAndDelete(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store, err := NewSnapshotStore(mock, "snaps")
	require.NoError(t, err)
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("SELECT id, filename .* FROM snaps ORDER BY id").
		WillReturnRows(pgxmock.NewRows(snapshotCols).
			AddRow(int64(1), "a.zip", "/a.zip", int64(1), 1, "a:manual", 1, true, nil, nil, created))
	all, err := store.ListSnapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "a:manual", all[0].SeriesKey)

	mock.ExpectExec("DELETE FROM snaps").WithArgs(int64(1)).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, store.DeleteSnapshot(context.Background(), 1))
	mock.ExpectExec("DELETE FROM snaps").WithArgs(int64(1)).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.ErrorIs(t, store.DeleteSnapshot(context.Background(), 1), backup.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
