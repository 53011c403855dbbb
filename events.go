package lockstep

import (
	"fmt"
	"sync"
	"time"
)

// EventType names an engine lifecycle event.
type EventType string

const (
	// EventOnline fires when the engine learns the remote is reachable.
	EventOnline EventType = "online"
	// EventOffline fires when the engine learns the remote is unreachable.
	EventOffline EventType = "offline"
	// EventSyncStarted fires when a drain cycle begins.
	EventSyncStarted EventType = "sync_started"
	// EventSyncFinished fires when a drain cycle ends.
	EventSyncFinished EventType = "sync_finished"
	// EventItemEnqueued fires when an action joins the queue.
	EventItemEnqueued EventType = "item_enqueued"
	// EventItemCompleted fires when an action is delivered.
	EventItemCompleted EventType = "item_completed"
	// EventItemFailed fires when an action reaches terminal failure.
	EventItemFailed EventType = "item_failed"
	// EventItemDiscarded fires when a failed action is discarded by the caller.
	EventItemDiscarded EventType = "item_discarded"
	// EventConflictDetected fires when a version conflict is recorded.
	EventConflictDetected EventType = "conflict_detected"
	// EventConflictResolved fires when a conflict is resolved.
	EventConflictResolved EventType = "conflict_resolved"
	// EventMergeFallback fires when a merge resolution degrades to
	// overwrite_remote because the table has no merge function.
	EventMergeFallback EventType = "merge_fallback"
	// EventBreakerChanged fires on circuit breaker state transitions.
	EventBreakerChanged EventType = "breaker_changed"
	// EventRateLimited fires when the limiter defers delivery attempts.
	EventRateLimited EventType = "rate_limited"
	// EventStorageDegraded fires when the durable store fails and the
	// engine falls back to in-memory operation.
	EventStorageDegraded EventType = "storage_degraded"
	// EventHealthChanged fires when the health status moves between
	// healthy, degraded, and unavailable.
	EventHealthChanged EventType = "health_changed"
)

// Event is one engine lifecycle notification.
type Event struct {
	Type       EventType `json:"type"`
	Time       time.Time `json:"time"`
	ItemID     string    `json:"item_id,omitempty"`
	Action     string    `json:"action,omitempty"`
	Table      string    `json:"table,omitempty"`
	RecordID   string    `json:"record_id,omitempty"`
	ConflictID string    `json:"conflict_id,omitempty"`
	Class      string    `json:"class,omitempty"`
	State      string    `json:"state,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// EventSubscription represents an active event subscription.
type EventSubscription struct {
	ID      string
	types   map[EventType]bool
	ch      chan Event
	done    chan struct{}
	closed  bool
	mu      sync.Mutex
	created time.Time
}

// C returns the channel for receiving events.
func (s *EventSubscription) C() <-chan Event {
	return s.ch
}

// Close closes the subscription.
func (s *EventSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// EventHub fans engine events out to subscribers. Slow subscribers miss
// events rather than block the engine.
type EventHub struct {
	mu         sync.RWMutex
	subs       map[string]*EventSubscription
	nextID     uint64
	bufferSize int
}

// NewEventHub creates a new event hub.
func NewEventHub(bufferSize int) *EventHub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventHub{
		subs:       make(map[string]*EventSubscription),
		bufferSize: bufferSize,
	}
}

// Subscribe creates a subscription. With no types, every event is
// delivered; otherwise only the listed types are.
func (h *EventHub) Subscribe(types ...EventType) *EventSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &EventSubscription{
		ID:      fmt.Sprintf("sub-%d", h.nextID),
		ch:      make(chan Event, h.bufferSize),
		done:    make(chan struct{}),
		created: time.Now(),
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription.
func (h *EventHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Publish sends an event to all matching subscriptions.
func (h *EventHub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.types != nil && !sub.types[e.Type] {
			continue
		}
		sub.mu.Lock()
		if !sub.closed {
			select {
			case sub.ch <- e:
			default:
				// Buffer full, drop the event
			}
		}
		sub.mu.Unlock()
	}
}

// Count returns the number of active subscriptions.
func (h *EventHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription.
func (h *EventHub) Close() {
	h.mu.Lock()
	subs := make([]*EventSubscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*EventSubscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
