package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/drive-backup/internal/backup"
	"github.com/JakeFAU/drive-backup/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow run events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{TaskID: "t1", TS: now, Stage: progress.StageRunStart},
		{TaskID: "t1", TS: now, Stage: progress.StageRunPhase, Phase: backup.PhaseDownloading},
		{TaskID: "t1", TS: now, Stage: progress.StageFileDone, Path: "a.txt", Bytes: 1024, Dur: 200 * time.Millisecond},
		{TaskID: "t1", TS: now, Stage: progress.StageFileError, Path: "b.txt"},
		{TaskID: "t1", TS: now, Stage: progress.StageRunDone, Dur: 15 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.phaseChanges.WithLabelValues("downloading")))
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.fileBytes), 1e-9)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.filesDone))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.fileErrors))
	require.Equal(t, 1, testutil.CollectAndCount(sink.fileDuration, "backup_file_duration_seconds"))
}

// TestPrometheusSinkRunningGauge verifies duplicate starts do not inflate the gauge.
func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: "a", TS: now, Stage: progress.StageRunStart},
		{TaskID: "a", TS: now, Stage: progress.StageRunStart},
		{TaskID: "b", TS: now, Stage: progress.StageRunStart},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: "a", TS: now, Stage: progress.StageRunCanceled},
		{TaskID: "a", TS: now, Stage: progress.StageRunCanceled},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("canceled")))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkConsume(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(zaptest.NewLogger(t))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{TaskID: "t1", TS: time.Now(), Stage: progress.StageRunError, Note: "boom"},
		{TaskID: "t1", TS: time.Now(), Stage: progress.StageFileDone, Path: "x", Bytes: 3},
	}))
	require.NoError(t, sink.Close(context.Background()))
}
