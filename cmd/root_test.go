package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/drive-backup/internal/app"
	"github.com/JakeFAU/drive-backup/internal/backup"
	"github.com/JakeFAU/drive-backup/internal/config"
	"github.com/JakeFAU/drive-backup/internal/pool"
	"github.com/JakeFAU/drive-backup/internal/snapshot"
)

// isolate gives every command its own pools and metrics registry.
func isolate(t *testing.T) {
	t.Helper()
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger, demo bool) (*app.App, error) {
		pools := pool.NewRegistry(pool.Config{CrawlWidth: 8, CompressWidth: 2})
		t.Cleanup(pools.Close)
		return app.Build(ctx, cfg, logger, app.Options{
			Demo:       demo,
			Registerer: prometheus.NewRegistry(),
			Pools:      pools,
		})
	}
}

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	archives := filepath.Join(dir, "archives")
	body := "logging:\n  development: false\n  level: error\n" +
		"paths:\n  staging_dir: " + filepath.Join(dir, "staging") + "\n" +
		"storage:\n  local:\n    base_dir: " + archives + "\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, archives
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root, closeApp := newRootCmd()
	defer closeApp()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunCommandDemo(t *testing.T) {
	isolate(t)
	cfgPath, archives := writeConfig(t)

	out, err := execute(t, "run", "--demo", "--config", cfgPath, "--item", "projects=Projects", "--format", "tar.gz")
	require.NoError(t, err)

	var final backup.RunProgress
	require.NoError(t, json.Unmarshal([]byte(out), &final))
	assert.Equal(t, backup.PhaseDone, final.Phase)
	assert.Equal(t, 9, final.FilesDownloaded)

	entries, err := os.ReadDir(archives)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "Projects_v001_full_"))
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".tar.gz"))
}

func TestRunCommandRejectsBadFlags(t *testing.T) {
	isolate(t)
	cfgPath, _ := writeConfig(t)

	_, err := execute(t, "run", "--demo", "--config", cfgPath, "--item", "=Nameless")
	require.ErrorContains(t, err, "empty id")

	_, err = execute(t, "run", "--demo", "--config", cfgPath, "--item", "projects", "--format", "rar")
	require.ErrorIs(t, err, backup.ErrInvalidRequest)

	_, err = execute(t, "run", "--demo", "--config", cfgPath, "--item", "projects", "--max-size", "lots")
	require.ErrorContains(t, err, "--max-size")
}

func TestCheckSeriesAndRetentionCommands(t *testing.T) {
	isolate(t)
	cfgPath, _ := writeConfig(t)

	out, err := execute(t, "check-series", "--demo", "--config", cfgPath, "--item", "projects=Projects")
	require.NoError(t, err)
	var status snapshot.SeriesStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.False(t, status.Exists)
	assert.True(t, strings.HasPrefix(status.SeriesKey, "Projects:"))

	out, err = execute(t, "retention", "--demo", "--config", cfgPath, "--max-count", "3")
	require.NoError(t, err)
	assert.JSONEq(t, `{"deleted":[],"failed":[]}`, out)

	out, err = execute(t, "snapshots", "--demo", "--config", cfgPath)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestRunFlagsRequest(t *testing.T) {
	f := runFlags{
		items:         []string{"a=Alpha", " b "},
		format:        "zip",
		groups:        []string{"document", "pdf"},
		modifiedAfter: "2024-03-01T12:00:00Z",
		maxSize:       "2KiB",
		forceFull:     true,
	}
	req, err := f.request()
	require.NoError(t, err)
	assert.Equal(t, []backup.SelectionItem{{ID: "a", Name: "Alpha"}, {ID: "b"}}, req.Selection)
	assert.Equal(t, []backup.TypeGroup{backup.GroupDocument, backup.GroupPDF}, req.Filter.Groups)
	require.NotNil(t, req.Filter.ModifiedAfter)
	assert.Nil(t, req.Filter.CreatedAfter)
	assert.Equal(t, int64(2048), req.Filter.MaxSizeBytes)
	require.NotNil(t, req.ForceFull)
	assert.True(t, *req.ForceFull)

	f.createdAfter = "yesterday"
	_, err = f.request()
	require.ErrorContains(t, err, "--created-after")
}
