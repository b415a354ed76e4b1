package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

const snapshotColumns = `id, filename, path, size, item_count, series_key, version_index, is_full, parent_id, manifest, created_at`

// SnapshotStore persists snapshot records. The (series_key, version_index)
// unique constraint backs up the engine's per-series lock across processes.
type SnapshotStore struct {
	db    DB
	table string
}

// NewSnapshotStore wraps db. An empty table uses DefaultSnapshotTable.
func NewSnapshotStore(db DB, table string) (*SnapshotStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, DefaultSnapshotTable)
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{db: db, table: table}, nil
}

// CreateSnapshot inserts snap and returns its id.
func (s *SnapshotStore) CreateSnapshot(ctx context.Context, snap backup.Snapshot) (int64, error) {
	var manifest []byte
	if snap.Manifest != nil {
		var err error
		if manifest, err = json.Marshal(snap.Manifest); err != nil {
			return 0, fmt.Errorf("marshal manifest: %w", err)
		}
	}
	query := fmt.Sprintf(`INSERT INTO %s (filename, path, size, item_count, series_key, version_index, is_full, parent_id, manifest, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`, s.table)
	var id int64
	err := s.db.QueryRow(ctx, query,
		snap.Filename,
		snap.Path,
		snap.Size,
		snap.ItemCount,
		snap.SeriesKey,
		snap.VersionIndex,
		snap.IsFull,
		snap.ParentID,
		manifest,
		snap.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return id, nil
}

// QuerySnapshots returns one series ordered by version.
func (s *SnapshotStore) QuerySnapshots(ctx context.Context, seriesKey string) ([]backup.Snapshot, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE series_key = $1 ORDER BY version_index ASC`, snapshotColumns, s.table)
	rows, err := s.db.Query(ctx, query, seriesKey)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	return collect(rows)
}

// ListSnapshots returns every snapshot ordered by id.
func (s *SnapshotStore) ListSnapshots(ctx context.Context) ([]backup.Snapshot, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id ASC`, snapshotColumns, s.table)
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return collect(rows)
}

// DeleteSnapshot removes one record.
func (s *SnapshotStore) DeleteSnapshot(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("snapshot %d: %w", id, backup.ErrNotFound)
	}
	return nil
}

func collect(rows pgx.Rows) ([]backup.Snapshot, error) {
	defer rows.Close()
	var out []backup.Snapshot
	for rows.Next() {
		var (
			snap     backup.Snapshot
			parent   *int64
			manifest []byte
			created  time.Time
		)
		if err := rows.Scan(
			&snap.ID,
			&snap.Filename,
			&snap.Path,
			&snap.Size,
			&snap.ItemCount,
			&snap.SeriesKey,
			&snap.VersionIndex,
			&snap.IsFull,
			&parent,
			&manifest,
			&created,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.ParentID = parent
		snap.CreatedAt = created.UTC()
		if len(manifest) > 0 {
			if err := json.Unmarshal(manifest, &snap.Manifest); err != nil {
				return nil, fmt.Errorf("decode manifest of snapshot %d: %w", snap.ID, err)
			}
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}
