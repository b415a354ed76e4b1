package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/drive-backup/internal/backup"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "runs", []byte(`{"task_id":"a","phase":"done"}`))
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	payload := []byte(`{"task_id":"b","phase":"error"}`)
	id2, err := pub.Publish(context.Background(), "runs-dlq", payload)
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}
	payload[2] = 'X'

	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Topic != "runs" || msgs[1].Topic != "runs-dlq" {
		t.Fatalf("topics not recorded correctly: %+v", msgs)
	}
	if string(msgs[1].Payload) != `{"task_id":"b","phase":"error"}` {
		t.Fatalf("payload was not copied: %s", msgs[1].Payload)
	}

	msgs[0].Topic = "modified"
	if pub.Messages()[0].Topic == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}

	runs, err := pub.Runs("runs")
	if err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].TaskID != "a" || runs[0].Phase != backup.PhaseDone {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestBoundedPublisherDropsOldest(t *testing.T) {
	t.Parallel()

	pub := NewBounded(2)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := pub.Publish(context.Background(), "runs", []byte(`{"task_id":"`+id+`"}`)); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	msgs := pub.Messages()
	if len(msgs) != 2 || msgs[0].ID != "memory-2" || msgs[1].ID != "memory-3" {
		t.Fatalf("unexpected retained messages: %+v", msgs)
	}
}

func TestPublisherFailure(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("broker down")
	pub.FailWith(boom)
	if _, err := pub.Publish(context.Background(), "runs", []byte("{}")); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	pub.FailWith(nil)
	if _, err := pub.Publish(context.Background(), "runs", []byte("{}")); err != nil {
		t.Fatalf("publish after reset: %v", err)
	}
	if _, err := pub.Runs("runs"); err != nil {
		t.Fatalf("decode: %v", err)
	}
	pub2 := New()
	_, _ = pub2.Publish(context.Background(), "runs", []byte("not json"))
	if _, err := pub2.Runs("runs"); err == nil {
		t.Fatal("expected decode error")
	}
}
