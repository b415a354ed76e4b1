package backup

import (
	"context"
	"io"
	"time"
)

// RemoteStore is the hierarchical file store being backed up.
type RemoteStore interface {
	ListChildren(ctx context.Context, folderID, pageToken string, pageSize int) (ListPage, error)
	GetMetadata(ctx context.Context, id string) (RemoteItem, error)
	// Download streams the raw content starting at offset bytes.
	Download(ctx context.Context, id string, offset int64) (io.ReadCloser, error)
	Export(ctx context.Context, id, mimeType string) (io.ReadCloser, error)
}

// TaskStore persists the durable copy of run progress.
type TaskStore interface {
	CreateTask(ctx context.Context, p RunProgress) error
	UpdateTask(ctx context.Context, p RunProgress) error
	GetTask(ctx context.Context, taskID string) (RunProgress, error)
}

// SnapshotStore persists snapshot records.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, snap Snapshot) (int64, error)
	// QuerySnapshots returns the series ordered by ascending version index.
	QuerySnapshots(ctx context.Context, seriesKey string) ([]Snapshot, error)
	ListSnapshots(ctx context.Context) ([]Snapshot, error)
	DeleteSnapshot(ctx context.Context, id int64) error
}

// ArchiveStore is the final resting place of finished archives.
type ArchiveStore interface {
	// Put moves or uploads the file at localPath under name and returns its location.
	Put(ctx context.Context, localPath, name string) (string, error)
	Delete(ctx context.Context, location string) error
}

// Notifier announces finished runs to interested parties.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload []byte) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique task identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher digests selection identities into series keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}
