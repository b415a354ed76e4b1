package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

const (
	defaultSnapshotLimit = 100
	maxSnapshotLimit     = 1000
	progressTimeout      = 3 * time.Second
)

// ProgressSource is the read side of the run service.
type ProgressSource interface {
	GetProgress(ctx context.Context, taskID string) (backup.RunProgress, error)
	Snapshots(ctx context.Context, seriesKey string) ([]backup.Snapshot, error)
}

// ProgressHandler exposes read-only run progress and snapshot endpoints.
type ProgressHandler struct {
	source  ProgressSource
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the progress source and logger.
func NewProgressHandler(source ProgressSource, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		source:  source,
		timeout: progressTimeout,
		logger:  logger,
	}
}

// GetRun handles GET /v1/runs/{task_id}. It returns {"run": {...}} on success,
// 400 for malformed IDs, 404 when the run is unknown, 503 if the source is not
// initialized, or 500 otherwise.
func (h *ProgressHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "progress source unavailable")
		return
	}
	taskID, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	p, err := h.source.GetProgress(ctx, taskID)
	if err != nil {
		if errors.Is(err, backup.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": p})
}

// ListSnapshots handles GET /v1/snapshots?series_key=&limit=&offset=. It
// returns {"snapshots": [...]} newest last, 400 for invalid query parameters,
// 503 when the source is missing, or 500 for store errors.
func (h *ProgressHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "progress source unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSnapshotLimit, maxSnapshotLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	series := strings.TrimSpace(r.URL.Query().Get("series_key"))
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snaps, err := h.source.Snapshots(ctx, series)
	if err != nil {
		h.logger.Error("list snapshots failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list snapshots")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshots": toSnapshotDTOs(page(snaps, limit, offset)),
	})
}

func parseTaskID(r *http.Request) (string, error) {
	taskID := chi.URLParam(r, "task_id")
	if taskID == "" {
		return "", errors.New("task_id is required")
	}
	if _, err := uuid.Parse(taskID); err != nil {
		return "", errors.New("invalid task_id")
	}
	return taskID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return nil
	}
	end := min(offset+limit, len(in))
	return in[offset:end]
}

func toSnapshotDTOs(in []backup.Snapshot) []snapshotDTO {
	out := make([]snapshotDTO, 0, len(in))
	for _, s := range in {
		out = append(out, snapshotDTO{
			ID:           s.ID,
			SeriesKey:    s.SeriesKey,
			VersionIndex: s.VersionIndex,
			IsFull:       s.IsFull,
			ParentID:     s.ParentID,
			Filename:     s.Filename,
			Path:         s.Path,
			Size:         s.Size,
			ItemCount:    s.ItemCount,
			ManifestSize: len(s.Manifest),
			CreatedAt:    s.CreatedAt,
		})
	}
	return out
}

type snapshotDTO struct {
	ID           int64     `json:"id"`
	SeriesKey    string    `json:"series_key"`
	VersionIndex int       `json:"version_index"`
	IsFull       bool      `json:"is_full"`
	ParentID     *int64    `json:"parent_id,omitempty"`
	Filename     string    `json:"filename"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ItemCount    int       `json:"item_count"`
	ManifestSize int       `json:"manifest_size"`
	CreatedAt    time.Time `json:"created_at"`
}
