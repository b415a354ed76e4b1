// Package memory keeps tasks, snapshots and archives in process memory for
// development, demo runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

// TaskStore provides an in-memory backup.TaskStore.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]backup.RunProgress
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]backup.RunProgress)}
}

// CreateTask stores the initial progress of a run.
func (s *TaskStore) CreateTask(_ context.Context, p backup.RunProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[p.TaskID]; exists {
		return fmt.Errorf("task %s already exists", p.TaskID)
	}
	s.tasks[p.TaskID] = p.Clone()
	return nil
}

// UpdateTask replaces the stored progress.
func (s *TaskStore) UpdateTask(_ context.Context, p backup.RunProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[p.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", p.TaskID, backup.ErrNotFound)
	}
	s.tasks[p.TaskID] = p.Clone()
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, taskID string) (backup.RunProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.tasks[taskID]
	if !ok {
		return backup.RunProgress{}, fmt.Errorf("task %s: %w", taskID, backup.ErrNotFound)
	}
	return p.Clone(), nil
}
