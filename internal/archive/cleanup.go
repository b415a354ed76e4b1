package archive

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
)

// Workspace creates a private temporary directory below parent.
func Workspace(fs afero.Fs, parent, prefix string) (string, error) {
	if parent != "" {
		if err := fs.MkdirAll(parent, 0o755); err != nil {
			return "", fmt.Errorf("create workspace parent: %w", err)
		}
	}
	dir, err := afero.TempDir(fs, parent, prefix)
	if err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// RemoveAll deletes dir. When the first attempt fails, read-only bits are
// cleared on the whole tree and the removal is retried once.
func RemoveAll(fs afero.Fs, dir string) error {
	if dir == "" {
		return nil
	}
	if err := fs.RemoveAll(dir); err == nil {
		return nil
	}
	_ = afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		mode := os.FileMode(0o644)
		if info.IsDir() {
			mode = 0o755
		}
		_ = fs.Chmod(path, mode)
		return nil
	})
	if err := fs.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

// MakeWritable clears the read-only bit on a single file before deletion.
func MakeWritable(fs afero.Fs, path string) error {
	info, err := fs.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0o200 != 0 {
		return nil
	}
	return fs.Chmod(path, info.Mode().Perm()|0o200)
}
