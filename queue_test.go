package lockstep

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, cfg QueueConfig) (*Queue, *MemoryStore) {
	t.Helper()
	codec, err := newPayloadCodec(CompressionConfig{Disabled: true}, nil)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	store := NewMemoryStore()
	return newQueue(store, codec, cfg, NewEventHub(16)), store
}

func TestQueueEnqueue(t *testing.T) {
	q, _ := newTestQueue(t, QueueConfig{})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "update-note", []byte(`{"title":"x"}`), EnqueueOptions{
		Table:    "notes",
		RecordID: "n-1",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if item.ID == "" {
		t.Error("item has no id")
	}
	if item.Status != StatusPending {
		t.Errorf("status = %s, want pending", item.Status)
	}
	if item.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want default 3", item.MaxAttempts)
	}

	got, err := q.Item(ctx, item.ID)
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	payload, err := q.Payload(got)
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if string(payload) != `{"title":"x"}` {
		t.Errorf("payload = %s", payload)
	}
}

func TestQueueEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t, QueueConfig{})
	ctx := context.Background()

	tests := []struct {
		name   string
		action string
		opts   EnqueueOptions
	}{
		{"empty action", "", EnqueueOptions{}},
		{"path traversal", "../etc/passwd", EnqueueOptions{}},
		{"table without record", "update-note", EnqueueOptions{Table: "notes"}},
		{"record without table", "update-note", EnqueueOptions{RecordID: "n-1"}},
		{"bad table", "update-note", EnqueueOptions{Table: "no tes", RecordID: "n-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := q.Enqueue(ctx, tt.action, nil, tt.opts); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestQueueCapacity(t *testing.T) {
	q, _ := newTestQueue(t, QueueConfig{MaxItems: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, "noop", nil, EnqueueOptions{}); err != nil {
			t.Fatalf("Enqueue %d: %v", i+1, err)
		}
	}
	if _, err := q.Enqueue(ctx, "noop", nil, EnqueueOptions{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("over-capacity enqueue = %v, want ErrQueueFull", err)
	}

	// Completed items do not count against capacity.
	due, err := q.Due(ctx, 1)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if err := q.MarkInFlight(ctx, due[0]); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}
	if err := q.MarkCompleted(ctx, due[0]); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if _, err := q.Enqueue(ctx, "noop", nil, EnqueueOptions{}); err != nil {
		t.Errorf("enqueue after completion: %v", err)
	}
}

func TestQueueStatusLifecycle(t *testing.T) {
	q, _ := newTestQueue(t, QueueConfig{})
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "update-note", []byte(`x`), EnqueueOptions{Table: "notes", RecordID: "n-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.MarkInFlight(ctx, item); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}
	// A second claim loses the compare-and-swap.
	dup := *item
	dup.Status = StatusPending
	if err := q.MarkInFlight(ctx, &dup); !errors.Is(err, ErrStaleItem) {
		t.Errorf("duplicate claim = %v, want ErrStaleItem", err)
	}

	item.Attempts = 1
	if err := q.MarkFailed(ctx, item, "remote status 503", false); err != nil {
		t.Fatalf("MarkFailed(non-terminal): %v", err)
	}
	got, _ := q.Item(ctx, item.ID)
	if got.Status != StatusPending {
		t.Errorf("status after non-terminal failure = %s, want pending", got.Status)
	}
	if got.LastError != "remote status 503" {
		t.Errorf("last error = %q", got.LastError)
	}

	if err := q.MarkInFlight(ctx, got); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}
	got.Attempts = 2
	if err := q.MarkFailed(ctx, got, "remote status 503", true); err != nil {
		t.Fatalf("MarkFailed(terminal): %v", err)
	}
	got, _ = q.Item(ctx, item.ID)
	if got.Status != StatusFailed {
		t.Errorf("status after terminal failure = %s, want failed", got.Status)
	}
}

func TestQueueRetryItem(t *testing.T) {
	q, _ := newTestQueue(t, QueueConfig{})
	ctx := context.Background()

	item, _ := q.Enqueue(ctx, "update-note", []byte(`x`), EnqueueOptions{Table: "notes", RecordID: "n-1"})

	// Only failed items can be retried.
	if _, err := q.RetryItem(ctx, item.ID); err == nil {
		t.Error("retry of pending item succeeded")
	}

	q.MarkInFlight(ctx, item)
	item.Attempts = 3
	q.MarkFailed(ctx, item, "exhausted", true)

	retried, err := q.RetryItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("RetryItem: %v", err)
	}
	if retried.Status != StatusPending {
		t.Errorf("status = %s, want pending", retried.Status)
	}
	if retried.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 after retry", retried.Attempts)
	}
	if retried.LastError != "" {
		t.Errorf("last error = %q, want empty", retried.LastError)
	}
}

func TestQueueDiscardItem(t *testing.T) {
	q, _ := newTestQueue(t, QueueConfig{})
	ctx := context.Background()

	item, _ := q.Enqueue(ctx, "update-note", []byte(`x`), EnqueueOptions{Table: "notes", RecordID: "n-1"})

	if err := q.DiscardItem(ctx, item.ID); err == nil {
		t.Error("discard of pending item succeeded")
	}

	q.MarkInFlight(ctx, item)
	q.MarkFailed(ctx, item, "exhausted", true)

	if err := q.DiscardItem(ctx, item.ID); err != nil {
		t.Fatalf("DiscardItem: %v", err)
	}
	if _, err := q.Item(ctx, item.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("discarded item still present: %v", err)
	}
}

func TestQueueSweepRetention(t *testing.T) {
	q, store := newTestQueue(t, QueueConfig{
		CompletedRetention: time.Hour,
		FailedRetention:    24 * time.Hour,
	})
	ctx := context.Background()

	now := time.Now().UTC()
	put := func(id string, status ItemStatus, age time.Duration) {
		store.PutItem(ctx, testItem(id, func(i *QueueItem) {
			i.Status = status
			i.UpdatedAt = now.Add(-age)
		}))
	}
	put("done-old", StatusCompleted, 2*time.Hour)
	put("done-new", StatusCompleted, time.Minute)
	put("fail-old", StatusFailed, 48*time.Hour)
	put("fail-new", StatusFailed, time.Hour)

	removed, err := q.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	for _, id := range []string{"done-new", "fail-new"} {
		if _, err := q.Item(ctx, id); err != nil {
			t.Errorf("%s swept early: %v", id, err)
		}
	}
}

func TestQueueSweepKeepsFailedForever(t *testing.T) {
	q, store := newTestQueue(t, QueueConfig{CompletedRetention: time.Hour})
	ctx := context.Background()

	store.PutItem(ctx, testItem("fail-old", func(i *QueueItem) {
		i.Status = StatusFailed
		i.UpdatedAt = time.Now().UTC().Add(-1000 * time.Hour)
	}))

	if _, err := q.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := q.Item(ctx, "fail-old"); err != nil {
		t.Errorf("failed item swept with zero retention: %v", err)
	}
}

func TestQueueStats(t *testing.T) {
	q, store := newTestQueue(t, QueueConfig{})
	ctx := context.Background()

	for i, status := range []ItemStatus{StatusPending, StatusPending, StatusInFlight, StatusCompleted, StatusFailed} {
		store.PutItem(ctx, testItem(string(rune('a'+i)), func(it *QueueItem) { it.Status = status }))
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := QueueStats{Pending: 2, InFlight: 1, Completed: 1, Failed: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
	if stats.Total() != 5 {
		t.Errorf("total = %d, want 5", stats.Total())
	}
}

func TestQueueEnqueuePublishesEvent(t *testing.T) {
	codec, _ := newPayloadCodec(CompressionConfig{Disabled: true}, nil)
	hub := NewEventHub(16)
	q := newQueue(NewMemoryStore(), codec, QueueConfig{DefaultMaxAttempts: 3}, hub)

	sub := hub.Subscribe(EventItemEnqueued)
	defer sub.Close()

	item, err := q.Enqueue(context.Background(), "update-note", nil, EnqueueOptions{Table: "notes", RecordID: "n-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case e := <-sub.C():
		if e.ItemID != item.ID || e.Table != "notes" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no enqueue event")
	}
}
