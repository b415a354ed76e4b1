// Package local keeps finished archives in a directory on the local
// filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Config captures the parameters for the local archive store.
type Config struct {
	// BaseDir is the directory finished archives are moved into.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// ArchiveStore moves archives into BaseDir.
type ArchiveStore struct {
	fs      afero.Fs
	baseDir string
}

// New creates the store, making sure BaseDir exists and is writable so a
// misconfigured destination fails before any download starts.
func New(fs afero.Fs, cfg Config) (*ArchiveStore, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := fs.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := fs.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := afero.WriteFile(fs, testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := fs.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &ArchiveStore{fs: fs, baseDir: cfg.BaseDir}, nil
}

// BaseDir returns the destination directory.
func (s *ArchiveStore) BaseDir() string {
	return s.baseDir
}

// Put moves localPath to BaseDir/name and returns the final path. When a
// rename is impossible (different devices) the file is copied instead.
func (s *ArchiveStore) Put(_ context.Context, localPath, name string) (string, error) {
	target, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	if err := s.fs.Rename(localPath, target); err == nil {
		return target, nil
	}
	if err := s.copyFile(localPath, target); err != nil {
		_ = s.fs.Remove(target)
		return "", err
	}
	_ = s.fs.Remove(localPath)
	return target, nil
}

// Delete removes an archive, clearing its read-only bit first. A missing
// file is not an error.
func (s *ArchiveStore) Delete(_ context.Context, location string) error {
	target := strings.TrimPrefix(location, "file://")
	if info, err := s.fs.Stat(target); err == nil && info.Mode().Perm()&0o200 == 0 {
		_ = s.fs.Chmod(target, info.Mode().Perm()|0o200)
	}
	if err := s.fs.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove archive: %w", err)
	}
	return nil
}

func (s *ArchiveStore) resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("name is required")
	}
	fullPath := filepath.Join(s.baseDir, name)
	cleanBaseDir := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

func (s *ArchiveStore) copyFile(src, dst string) error {
	in, err := s.fs.Open(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()
	out, err := s.fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}
