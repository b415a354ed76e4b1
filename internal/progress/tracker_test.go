package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

type recordingStore struct {
	mu      sync.Mutex
	updates []backup.RunProgress
	err     error
}

func (s *recordingStore) UpdateTask(_ context.Context, p backup.RunProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.updates = append(s.updates, p)
	return nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *recordingStore) last() backup.RunProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[len(s.updates)-1]
}

type captureEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureEmitter) Emit(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

// TestTrackerFlushBatching verifies persistence happens every FlushEvery reports and at terminal phases.
func TestTrackerFlushBatching(t *testing.T) {
	t.Parallel()

	store := &recordingStore{}
	tr := NewTracker("t1", TrackerConfig{FlushEvery: 3}, TrackerDeps{Store: store})

	tr.Report(Delta{FilesFound: 1})
	tr.Report(Delta{FilesFound: 1})
	require.Equal(t, 0, store.count())
	tr.Report(Delta{FilesFound: 1})
	require.Equal(t, 1, store.count())

	tr.Report(Delta{Phase: backup.PhaseDone, Message: "done"})
	require.Equal(t, 2, store.count())
	require.Equal(t, backup.PhaseDone, store.last().Phase)
	require.Equal(t, 3, store.last().FilesFound)
}

func TestTrackerPersistenceErrorsDoNotPanic(t *testing.T) {
	t.Parallel()

	store := &recordingStore{err: errors.New("db down")}
	tr := NewTracker("t1", TrackerConfig{FlushEvery: 1}, TrackerDeps{Store: store, Logger: zaptest.NewLogger(t)})
	tr.Report(Info("hello"))
	require.Equal(t, "hello", tr.Snapshot().Message)
	require.Error(t, tr.Flush(context.Background()))
}

func TestTrackerEmitsPhaseEvents(t *testing.T) {
	t.Parallel()

	em := &captureEmitter{}
	tr := NewTracker("t9", TrackerConfig{}, TrackerDeps{Emitter: em})
	tr.Report(Delta{Phase: backup.PhaseMapping})
	tr.Report(Delta{FilesFound: 1})

	require.Len(t, em.events, 1)
	require.Equal(t, "t9", em.events[0].TaskID)
	require.Equal(t, backup.PhaseMapping, em.events[0].Phase)
}

func TestTrackerPauseBlocksCheckpoint(t *testing.T) {
	t.Parallel()

	tr := NewTracker("t1", TrackerConfig{PausePoll: 5 * time.Millisecond}, TrackerDeps{})
	require.True(t, tr.Pause())
	require.True(t, tr.Snapshot().Paused)

	done := make(chan error, 1)
	go func() {
		done <- tr.Checkpoint(context.Background())
	}()
	select {
	case <-done:
		t.Fatal("checkpoint returned while paused")
	case <-time.After(30 * time.Millisecond):
	}
	require.True(t, tr.Resume())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not resume")
	}
}

func TestTrackerCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := NewTracker("t1", TrackerConfig{PausePoll: 5 * time.Millisecond}, TrackerDeps{})
	tr.Bind(cancel)
	require.True(t, tr.Pause())

	done := make(chan error, 1)
	go func() {
		done <- tr.Checkpoint(ctx)
	}()
	require.True(t, tr.Cancel())

	select {
	case err := <-done:
		require.ErrorIs(t, err, backup.ErrCanceled)
	case <-time.After(time.Second):
		t.Fatal("checkpoint ignored cancel")
	}
	require.Error(t, ctx.Err())
	snap := tr.Snapshot()
	require.True(t, snap.Canceled)
	require.False(t, snap.Paused)
	require.False(t, tr.Resume())
}

func TestTrackerControlAfterTerminal(t *testing.T) {
	t.Parallel()

	tr := NewTracker("t1", TrackerConfig{}, TrackerDeps{})
	tr.Report(Delta{Phase: backup.PhaseDone})
	require.False(t, tr.Pause())
	require.False(t, tr.Cancel())
}

func TestTrackerConcurrentReports(t *testing.T) {
	t.Parallel()

	tr := NewTracker("t1", TrackerConfig{FlushEvery: 7}, TrackerDeps{Store: &recordingStore{}})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Report(Delta{FilesDownloaded: 1, BytesDownloaded: 2})
		}()
	}
	wg.Wait()
	snap := tr.Snapshot()
	require.Equal(t, 50, snap.FilesDownloaded)
	require.Equal(t, int64(100), snap.BytesDownloaded)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	tr := NewTracker("abc", TrackerConfig{}, TrackerDeps{})
	require.NoError(t, reg.Add(tr))
	require.Error(t, reg.Add(tr))
	got, ok := reg.Get("abc")
	require.True(t, ok)
	require.Same(t, tr, got)
	reg.Remove("abc")
	_, ok = reg.Get("abc")
	require.False(t, ok)
	require.Equal(t, 0, reg.Len())
}
