package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

const scheme = "memory://"

// ArchiveStore keeps finished archives in memory and returns pseudo URIs.
type ArchiveStore struct {
	fs   afero.Fs
	mu   sync.RWMutex
	data map[string][]byte
}

// NewArchiveStore creates a store that reads staged archives from fs.
func NewArchiveStore(fs afero.Fs) *ArchiveStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &ArchiveStore{fs: fs, data: make(map[string][]byte)}
}

// Put copies the archive at localPath into memory and removes the local file.
func (s *ArchiveStore) Put(_ context.Context, localPath, name string) (string, error) {
	data, err := afero.ReadFile(s.fs, localPath)
	if err != nil {
		return "", fmt.Errorf("read archive: %w", err)
	}
	s.mu.Lock()
	s.data[name] = data
	s.mu.Unlock()
	_ = s.fs.Remove(localPath)
	return scheme + name, nil
}

// Delete drops a stored archive.
func (s *ArchiveStore) Delete(_ context.Context, location string) error {
	name := strings.TrimPrefix(location, scheme)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[name]; !ok {
		return fmt.Errorf("archive %s: %w", location, backup.ErrNotFound)
	}
	delete(s.data, name)
	return nil
}

// Get returns a stored archive.
func (s *ArchiveStore) Get(location string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[strings.TrimPrefix(location, scheme)]
	return data, ok
}

// Names lists stored archive names.
func (s *ArchiveStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for name := range s.data {
		out = append(out, name)
	}
	return out
}
