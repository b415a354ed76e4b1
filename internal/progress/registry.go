package progress

import (
	"fmt"
	"sync"
)

// Registry indexes the trackers of live runs by task id.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{trackers: make(map[string]*Tracker)}
}

// Add registers t. Task ids must be unique among live runs.
func (r *Registry) Add(t *Tracker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trackers[t.TaskID()]; ok {
		return fmt.Errorf("tracker %s already registered", t.TaskID())
	}
	r.trackers[t.TaskID()] = t
	return nil
}

// Get looks up a live tracker.
func (r *Registry) Get(taskID string) (*Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[taskID]
	return t, ok
}

// Remove forgets a finished run.
func (r *Registry) Remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trackers, taskID)
}

// Len returns the number of live runs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.trackers)
}
