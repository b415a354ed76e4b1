package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/drive-backup/internal/backup"
	"github.com/JakeFAU/drive-backup/internal/clock/system"
	"github.com/JakeFAU/drive-backup/internal/config"
	"github.com/JakeFAU/drive-backup/internal/hash/sha256"
	"github.com/JakeFAU/drive-backup/internal/id/uuid"
	"github.com/JakeFAU/drive-backup/internal/pool"
	remotememory "github.com/JakeFAU/drive-backup/internal/remote/memory"
	"github.com/JakeFAU/drive-backup/internal/runner"
	"github.com/JakeFAU/drive-backup/internal/snapshot"
	"github.com/JakeFAU/drive-backup/internal/storage/memory"
)

type fakeRuns struct {
	mu        sync.Mutex
	started   []backup.RunRequest
	startErr  error
	controls  map[string]string
	ctrlErr   error
	policy    snapshot.Policy
	retention snapshot.RetentionResult
	status    snapshot.SeriesStatus
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{controls: map[string]string{}}
}

func (f *fakeRuns) StartRun(_ context.Context, req backup.RunRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, req)
	return "0190b6a2-7c1e-7000-8000-000000000001", nil
}

func (f *fakeRuns) GetProgress(_ context.Context, taskID string) (backup.RunProgress, error) {
	return backup.RunProgress{TaskID: taskID, Phase: backup.PhaseMapping}, nil
}

func (f *fakeRuns) control(op, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ctrlErr != nil {
		return f.ctrlErr
	}
	f.controls[taskID] = op
	return nil
}

func (f *fakeRuns) Pause(taskID string) error  { return f.control("pause", taskID) }
func (f *fakeRuns) Resume(taskID string) error { return f.control("resume", taskID) }
func (f *fakeRuns) Cancel(taskID string) error { return f.control("cancel", taskID) }

func (f *fakeRuns) CheckSeries(_ context.Context, baseName string, items []backup.SelectionItem) (snapshot.SeriesStatus, error) {
	if len(items) == 0 {
		return snapshot.SeriesStatus{}, fmt.Errorf("%w: selection is empty", backup.ErrInvalidRequest)
	}
	return f.status, nil
}

func (f *fakeRuns) ApplyRetention(_ context.Context, policy snapshot.Policy) (snapshot.RetentionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy = policy
	return f.retention, nil
}

func (f *fakeRuns) Snapshots(context.Context, string) ([]backup.Snapshot, error) {
	return nil, nil
}

func newTestServer(runs Runs) *Server {
	return NewServer(runs, config.Config{}, zap.NewNop())
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_StartRun_Accepted(t *testing.T) {
	t.Parallel()

	runs := newFakeRuns()
	rec := do(t, newTestServer(runs).Handler(), http.MethodPost, "/v1/runs",
		`{"selection":[{"id":"projects","name":"Projects"}],"format":"tar.gz","backup_type":"incremental"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "0190b6a2-7c1e-7000-8000-000000000001")
	require.Equal(t, "/v1/runs/0190b6a2-7c1e-7000-8000-000000000001", rec.Header().Get("Location"))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.Len(t, runs.started, 1)
	require.Equal(t, backup.FormatTarGz, runs.started[0].Format)
}

func TestServer_StartRun_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "invalid json", body: "{invalid", want: http.StatusBadRequest},
		{name: "invalid request", body: `{}`, err: fmt.Errorf("%w: selection is empty", backup.ErrInvalidRequest), want: http.StatusBadRequest},
		{name: "format unavailable", body: `{}`, err: backup.ErrFormatUnavailable, want: http.StatusUnprocessableEntity},
		{name: "internal", body: `{}`, err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			runs := newFakeRuns()
			runs.startErr = tt.err
			rec := do(t, newTestServer(runs).Handler(), http.MethodPost, "/v1/runs", tt.body)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_Control(t *testing.T) {
	t.Parallel()

	runs := newFakeRuns()
	h := newTestServer(runs).Handler()
	for _, op := range []string{"pause", "resume", "cancel"} {
		rec := do(t, h, http.MethodPost, "/v1/runs/task-1/"+op, "")
		require.Equal(t, http.StatusOK, rec.Code, op)
		require.Equal(t, op, runs.controls["task-1"])
	}

	runs.ctrlErr = fmt.Errorf("run x: %w", backup.ErrNotFound)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/v1/runs/x/pause", "").Code)
	runs.ctrlErr = fmt.Errorf("%w: run x already finished", backup.ErrInvalidRequest)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/runs/x/cancel", "").Code)
}

func TestServer_CheckSeries(t *testing.T) {
	t.Parallel()

	runs := newFakeRuns()
	runs.status = snapshot.SeriesStatus{SeriesKey: "Projects:abc", Exists: true, LastVersion: 3}
	h := newTestServer(runs).Handler()

	rec := do(t, h, http.MethodPost, "/v1/series/check", `{"selection":[{"id":"projects"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var status snapshot.SeriesStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, 3, status.LastVersion)

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/series/check", `{"selection":[]}`).Code)
}

func TestServer_ApplyRetention(t *testing.T) {
	t.Parallel()

	runs := newFakeRuns()
	runs.retention = snapshot.RetentionResult{Deleted: []int64{4, 5}}
	h := newTestServer(runs).Handler()

	rec := do(t, h, http.MethodPost, "/v1/retention", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"deleted":[4,5],"failed":[]}`, rec.Body.String())
	require.False(t, runs.policy.Enabled())

	rec = do(t, h, http.MethodPost, "/v1/retention", `{"max_count":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, runs.policy.MaxCount)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	h := NewServer(newFakeRuns(), cfg, zap.NewNop()).Handler()

	require.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/v1/retention", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/retention", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ProbesAndMetrics(t *testing.T) {
	t.Parallel()

	h := newTestServer(newFakeRuns()).Handler()
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)
	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_RunLifecycle(t *testing.T) {
	t.Parallel()

	logger := zaptest.NewLogger(t)
	fs := afero.NewMemMapFs()
	clock := system.New()
	pools := pool.NewRegistry(pool.Config{CrawlWidth: 8, CompressWidth: 2})
	t.Cleanup(pools.Close)
	snaps := memory.NewSnapshotStore()
	archives := memory.NewArchiveStore(fs)
	svc, err := runner.New(runner.Config{StagingDir: "/staging"}, runner.Deps{
		Remote:   remotememory.Demo(time.Now()),
		Tasks:    memory.NewTaskStore(),
		Archives: archives,
		Engine:   snapshot.New(snaps, archives, sha256.New(), clock, logger),
		Pools:    pools,
		FS:       fs,
		IDs:      uuid.New(),
		Clock:    clock,
		Logger:   logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	h := NewServer(svc, config.Config{}, logger).Handler()

	rec := do(t, h, http.MethodPost, "/v1/runs", `{"selection":[{"id":"projects","name":"Projects","kind":"folder"}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	taskID := started["task_id"]

	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/v1/runs/"+taskID, "")
		if rec.Code != http.StatusOK {
			return false
		}
		var body struct {
			Run backup.RunProgress `json:"run"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			return false
		}
		return body.Run.Phase == backup.PhaseDone && body.Run.SnapshotID != nil
	}, 10*time.Second, 20*time.Millisecond)

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/runs/"+taskID+"/pause", "").Code)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/runs/0190b6a2-7c1e-7000-8000-0000000000ff", "").Code)

	rec = do(t, h, http.MethodGet, "/v1/snapshots", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Projects_v001_full_")

	rec = do(t, h, http.MethodPost, "/v1/series/check", `{"selection":[{"id":"projects","name":"Projects"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"exists":true`)
}
