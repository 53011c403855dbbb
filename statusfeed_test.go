package lockstep

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// feedFixture serves a statusFeed over a real listener on an ephemeral
// port, backed by the in-memory reconciler fixture.
type feedFixture struct {
	*reconcilerFixture
	feed   *statusFeed
	events *EventHub
	base   string
}

func newFeedFixture(t *testing.T) *feedFixture {
	t.Helper()
	rf := newReconcilerFixture(t, ConflictConfig{})
	events := NewEventHub(16)
	t.Cleanup(events.Close)

	status := func() Snapshot {
		return Snapshot{Health: HealthReport{Status: HealthHealthy, Score: 100, Online: true}}
	}
	force := func(ctx context.Context) (*SyncResult, error) {
		return &SyncResult{Attempted: 1, Delivered: 1}, nil
	}

	feed := newStatusFeed(StatusFeedConfig{Addr: "127.0.0.1", Port: 0},
		rf.queue, rf.cache, rf.recon, events, newMetrics(), status, force)
	if err := feed.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { feed.Close() })

	return &feedFixture{
		reconcilerFixture: rf,
		feed:              feed,
		events:            events,
		base:              "http://" + feed.Addr(),
	}
}

func (f *feedFixture) getJSON(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(f.base + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func (f *feedFixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(f.base+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func TestStatusFeedStatus(t *testing.T) {
	f := newFeedFixture(t)

	var snap Snapshot
	resp := f.getJSON(t, "/api/status", &snap)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if snap.Health.Status != HealthHealthy || snap.Health.Score != 100 {
		t.Errorf("health = %s/%d, want healthy/100", snap.Health.Status, snap.Health.Score)
	}

	resp = f.postJSON(t, "/api/status", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", resp.StatusCode)
	}
}

func TestStatusFeedQueue(t *testing.T) {
	f := newFeedFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.queue.Enqueue(ctx, "update-note", []byte(`{}`), EnqueueOptions{}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var got struct {
		Stats QueueStats   `json:"stats"`
		Items []*QueueItem `json:"items"`
	}
	f.getJSON(t, "/api/queue", &got)
	if got.Stats.Pending != 3 {
		t.Errorf("stats.pending = %d, want 3", got.Stats.Pending)
	}
	if len(got.Items) != 3 {
		t.Errorf("items = %d, want 3", len(got.Items))
	}

	t.Run("limit", func(t *testing.T) {
		var got struct {
			Items []*QueueItem `json:"items"`
		}
		f.getJSON(t, "/api/queue?limit=1", &got)
		if len(got.Items) != 1 {
			t.Errorf("items = %d, want 1", len(got.Items))
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		resp := f.getJSON(t, "/api/queue?limit=many", nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestStatusFeedRetryDiscard(t *testing.T) {
	f := newFeedFixture(t)
	ctx := context.Background()

	fail := func(t *testing.T) *QueueItem {
		t.Helper()
		item, err := f.queue.Enqueue(ctx, "update-note", []byte(`{}`), EnqueueOptions{})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if err := f.queue.MarkInFlight(ctx, item); err != nil {
			t.Fatalf("MarkInFlight: %v", err)
		}
		if err := f.queue.MarkFailed(ctx, item, "remote rejected", true); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		return item
	}

	t.Run("retry", func(t *testing.T) {
		item := fail(t)
		resp := f.postJSON(t, "/api/queue/retry", itemRequest{ID: item.ID})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var got QueueItem
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Status != StatusPending || got.Attempts != 0 {
			t.Errorf("item = %s/%d, want pending/0", got.Status, got.Attempts)
		}
	})

	t.Run("discard", func(t *testing.T) {
		item := fail(t)
		resp := f.postJSON(t, "/api/queue/discard", itemRequest{ID: item.ID})
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		if _, err := f.queue.Item(ctx, item.ID); err == nil {
			t.Error("Item() = nil error after discard, want ErrNotFound")
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		resp := f.postJSON(t, "/api/queue/retry", itemRequest{ID: "no-such-item"})
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		resp := f.postJSON(t, "/api/queue/retry", itemRequest{})
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestStatusFeedConflicts(t *testing.T) {
	f := newFeedFixture(t)
	c := f.seedConflict(t)

	var got struct {
		Conflicts []*Conflict `json:"conflicts"`
	}
	f.getJSON(t, "/api/conflicts", &got)
	if len(got.Conflicts) != 1 || got.Conflicts[0].ID != c.ID {
		t.Fatalf("conflicts = %+v, want the seeded conflict", got.Conflicts)
	}

	resp := f.postJSON(t, "/api/conflicts/resolve", map[string]any{
		"id":       c.ID,
		"strategy": StrategyOverwriteLocal,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d, want 200", resp.StatusCode)
	}
	var resolved Conflict
	if err := json.NewDecoder(resp.Body).Decode(&resolved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resolved.Resolved || resolved.Resolution != StrategyOverwriteLocal {
		t.Errorf("conflict = %+v, want resolved overwrite_local", resolved)
	}

	var after struct {
		Conflicts []*Conflict `json:"conflicts"`
	}
	f.getJSON(t, "/api/conflicts", &after)
	if len(after.Conflicts) != 0 {
		t.Errorf("open conflicts = %d, want 0", len(after.Conflicts))
	}
	f.getJSON(t, "/api/conflicts?resolved=true", &after)
	if len(after.Conflicts) != 1 {
		t.Errorf("all conflicts = %d, want 1", len(after.Conflicts))
	}
}

func TestStatusFeedRecords(t *testing.T) {
	f := newFeedFixture(t)
	ctx := context.Background()

	if _, err := f.cache.Put(ctx, "notes", "n-1", []byte(`{"title":"a"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var got struct {
		Records []*CachedRecord `json:"records"`
	}
	f.getJSON(t, "/api/records?table=notes", &got)
	if len(got.Records) != 1 || got.Records[0].RecordID != "n-1" {
		t.Fatalf("records = %+v, want n-1", got.Records)
	}

	resp := f.getJSON(t, "/api/records", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without table", resp.StatusCode)
	}
}

func TestStatusFeedSync(t *testing.T) {
	f := newFeedFixture(t)

	resp := f.postJSON(t, "/api/sync", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var result SyncResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Delivered != 1 {
		t.Errorf("delivered = %d, want 1", result.Delivered)
	}
}

func TestStatusFeedSyncBusy(t *testing.T) {
	rf := newReconcilerFixture(t, ConflictConfig{})
	events := NewEventHub(16)
	t.Cleanup(events.Close)
	feed := newStatusFeed(StatusFeedConfig{Addr: "127.0.0.1", Port: 0},
		rf.queue, rf.cache, rf.recon, events, newMetrics(),
		func() Snapshot { return Snapshot{} },
		func(ctx context.Context) (*SyncResult, error) { return nil, ErrSyncInProgress })
	if err := feed.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { feed.Close() })

	resp, err := http.Post("http://"+feed.Addr()+"/api/sync", "application/json", nil)
	if err != nil {
		t.Fatalf("POST sync: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestStatusFeedMetrics(t *testing.T) {
	f := newFeedFixture(t)

	resp, err := http.Get(f.base + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(buf.String(), "lockstep_queue_items_enqueued_total") {
		t.Error("metrics output missing lockstep_queue_items_enqueued_total")
	}
}

func TestStatusFeedStream(t *testing.T) {
	f := newFeedFixture(t)

	url := fmt.Sprintf("ws://%s/api/stream?types=%s", f.feed.Addr(), EventConflictDetected)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	// The subscriber registers during the upgrade; give the handler a
	// beat before publishing.
	time.Sleep(50 * time.Millisecond)
	f.events.Publish(Event{Type: EventItemEnqueued, Table: "notes"})
	f.events.Publish(Event{Type: EventConflictDetected, Table: "notes", RecordID: "n-9"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var e Event
	if err := json.Unmarshal(msg, &e); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if e.Type != EventConflictDetected || e.RecordID != "n-9" {
		t.Errorf("event = %+v, want filtered conflict_detected for n-9", e)
	}
}
