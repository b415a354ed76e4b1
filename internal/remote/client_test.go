package remote

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/drive-backup/internal/backup"
	"github.com/JakeFAU/drive-backup/internal/remote/memory"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetryableClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", backup.NewRemoteError("list", 429, nil), true},
		{"forbidden rate limit", backup.NewRemoteError("list", 403, nil), true},
		{"server error", backup.NewRemoteError("list", 503, nil), true},
		{"not found", backup.NewRemoteError("get", 404, nil), false},
		{"bad request", backup.NewRemoteError("get", 400, nil), false},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"net error", &net.OpError{Op: "read", Err: errors.New("reset")}, true},
		{"canceled", context.Canceled, false},
		{"backup canceled", backup.ErrCanceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(8, 100*time.Millisecond, time.Second)
	for attempt := 1; attempt <= 8; attempt++ {
		want := 100 * time.Millisecond << (attempt - 1)
		if want > time.Second {
			want = time.Second
		}
		got := p.Backoff(attempt)
		require.GreaterOrEqual(t, got, want/2)
		require.LessOrEqual(t, got, want)
	}
}

func TestRetryPolicyClampsAttempts(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultAttempts, NewRetryPolicy(0, 0, 0).MaxAttempts())
	require.Equal(t, MaxAttempts, NewRetryPolicy(50, 0, 0).MaxAttempts())
	require.False(t, NewRetryPolicy(1, 0, 0).ShouldRetry(io.ErrUnexpectedEOF, 1))
}

// TestClientRetriesTransientErrors verifies transient failures are retried and counted.
func TestClientRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	store := memory.New()
	store.AddFile(memory.RootID, backup.RemoteItem{ID: "f1", Name: "a.txt"}, []byte("abc"))
	store.Fail(memory.OpMetadata, "f1", backup.NewRemoteError("get", 503, nil), 3)

	var retries atomic.Int32
	c := NewClient(store, Config{}, WithSleep(noSleep), WithObserver(Observer{
		OnRetry: func(string) { retries.Add(1) },
	}))
	item, err := c.GetMetadata(context.Background(), "f1")
	require.NoError(t, err)
	require.Equal(t, "a.txt", item.Name)
	require.Equal(t, int32(3), retries.Load())
	require.Equal(t, 4, store.Calls(memory.OpMetadata))
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	store := memory.New()
	store.Fail(memory.OpList, memory.RootID, backup.NewRemoteError("list", 429, nil), 100)

	var gaveUp atomic.Bool
	c := NewClient(store, Config{MaxRetries: 3}, WithSleep(noSleep), WithObserver(Observer{
		OnGiveUp: func(string) { gaveUp.Store(true) },
	}))
	_, err := c.ListChildren(context.Background(), memory.RootID, "", 0)
	require.Error(t, err)
	require.Equal(t, 429, backup.StatusCode(err))
	require.Equal(t, 3, store.Calls(memory.OpList))
	require.True(t, gaveUp.Load())
}

func TestClientDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	store := memory.New()
	c := NewClient(store, Config{}, WithSleep(noSleep))
	_, err := c.GetMetadata(context.Background(), "missing")
	require.ErrorIs(t, err, backup.ErrNotFound)
	require.Equal(t, 1, store.Calls(memory.OpMetadata))
}

func TestClientCancellationIsErrCanceled(t *testing.T) {
	t.Parallel()

	store := memory.New()
	store.Fail(memory.OpList, "", backup.NewRemoteError("list", 500, nil), 100)
	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(store, Config{}, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))
	_, err := c.ListChildren(ctx, memory.RootID, "", 10)
	require.ErrorIs(t, err, backup.ErrCanceled)
	require.Equal(t, 1, store.Calls(memory.OpList))
}

func TestClientPacing(t *testing.T) {
	t.Parallel()

	store := memory.New()
	var waits atomic.Int32
	c := NewClient(store, Config{RateLimitQPS: 1000, Burst: 1}, WithObserver(Observer{
		OnPacing: func(time.Duration) { waits.Add(1) },
	}))
	for i := 0; i < 3; i++ {
		_, err := c.ListChildren(context.Background(), memory.RootID, "", 0)
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), waits.Load())
	require.Equal(t, 1000, c.PageSize())
}
