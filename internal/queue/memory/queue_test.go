package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue[string](1)
	result := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	if err := q.Enqueue(context.Background(), "file-1"); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got != "file-1" {
			t.Fatalf("expected file-1, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx); err == nil || err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	if err := q.Enqueue(context.Background(), 1); err != nil {
		t.Fatalf("failed to prime queue: %v", err)
	}
	if err := q.Enqueue(ctx, 2); err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueDrainsBeforeClosed(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](3)
	for i := 1; i <= 3; i++ {
		if err := q.Enqueue(context.Background(), i); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	q.Close()
	q.Close()
	if err := q.Enqueue(context.Background(), 4); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	for want := 1; want <= 3; want++ {
		got, err := q.Dequeue(context.Background())
		if err != nil || got != want {
			t.Fatalf("Dequeue() = %d, %v; want %d", got, err, want)
		}
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed when drained, got %v", err)
	}
}
