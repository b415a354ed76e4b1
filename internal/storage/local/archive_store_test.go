// Package local_test tests the local archive store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/drive-backup/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(afero.NewOsFs(), local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("CreatesMissingDir", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		_, err := local.New(fs, local.Config{BaseDir: "/backups/drive"})
		require.NoError(t, err)
		exists, err := afero.DirExists(fs, "/backups/drive")
		require.NoError(t, err)
		assert.True(t, exists)
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(afero.NewMemMapFs(), local.Config{})
		assert.Error(t, err)
	})
	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/file", []byte("x"), 0o644))
		_, err := local.New(fs, local.Config{BaseDir: "/file"})
		assert.Error(t, err)
	})
	t.Run("BaseDirNotWritable", func(t *testing.T) {
		fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
		_, err := local.New(fs, local.Config{BaseDir: "/ro"})
		assert.Error(t, err)
	})
}

func TestPutMovesArchive(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := local.New(fs, local.Config{BaseDir: "/backups"})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/tmp/work/out.zip", []byte("PK"), 0o644))

	loc, err := store.Put(context.Background(), "/tmp/work/out.zip", "docs_v001_full_20240101-000000.zip")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/backups", "docs_v001_full_20240101-000000.zip"), loc)
	data, err := afero.ReadFile(fs, loc)
	require.NoError(t, err)
	assert.Equal(t, "PK", string(data))
	exists, _ := afero.Exists(fs, "/tmp/work/out.zip")
	assert.False(t, exists)

	_, err = store.Put(context.Background(), "/tmp/other.zip", "../escape.zip")
	assert.ErrorContains(t, err, "path traversal")
}

func TestDeleteClearsReadOnly(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewOsFs()
	store, err := local.New(fs, local.Config{BaseDir: dir})
	require.NoError(t, err)
	target := filepath.Join(dir, "old.zip")
	require.NoError(t, os.WriteFile(target, []byte("PK"), 0o444))

	require.NoError(t, store.Delete(context.Background(), target))
	_, err = os.Stat(target)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NoError(t, store.Delete(context.Background(), target))
}
