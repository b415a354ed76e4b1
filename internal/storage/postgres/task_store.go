package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

// TaskStore keeps the durable copy of run progress as a JSONB document.
type TaskStore struct {
	db    DB
	table string
}

// NewTaskStore wraps db. An empty table uses DefaultTaskTable.
func NewTaskStore(db DB, table string) (*TaskStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table, DefaultTaskTable)
	if err != nil {
		return nil, err
	}
	return &TaskStore{db: db, table: table}, nil
}

// CreateTask inserts the first record of a run.
func (s *TaskStore) CreateTask(ctx context.Context, p backup.RunProgress) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (task_id, phase, payload, started_at, updated_at)
VALUES ($1, $2, $3, $4, $5)`, s.table)
	if _, err := s.db.Exec(ctx, query, p.TaskID, string(p.Phase), payload, p.StartedAt, p.UpdatedAt); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask overwrites the stored progress of an existing run.
func (s *TaskStore) UpdateTask(ctx context.Context, p backup.RunProgress) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET phase = $1, payload = $2, updated_at = $3 WHERE task_id = $4`, s.table)
	tag, err := s.db.Exec(ctx, query, string(p.Phase), payload, p.UpdatedAt, p.TaskID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", p.TaskID, backup.ErrNotFound)
	}
	return nil
}

// GetTask loads a run's progress.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (backup.RunProgress, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE task_id = $1`, s.table)
	var payload []byte
	if err := s.db.QueryRow(ctx, query, taskID).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return backup.RunProgress{}, fmt.Errorf("task %s: %w", taskID, backup.ErrNotFound)
		}
		return backup.RunProgress{}, fmt.Errorf("select task: %w", err)
	}
	var p backup.RunProgress
	if err := json.Unmarshal(payload, &p); err != nil {
		return backup.RunProgress{}, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return p, nil
}
