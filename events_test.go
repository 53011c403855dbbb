package lockstep

import (
	"testing"
	"time"
)

func TestEventHubDeliversToSubscribers(t *testing.T) {
	hub := NewEventHub(16)
	sub := hub.Subscribe()
	defer sub.Close()

	hub.Publish(Event{Type: EventItemEnqueued, ItemID: "item-1"})

	select {
	case e := <-sub.C():
		if e.Type != EventItemEnqueued || e.ItemID != "item-1" {
			t.Errorf("event = %+v", e)
		}
		if e.Time.IsZero() {
			t.Error("event time not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestEventHubTypeFilter(t *testing.T) {
	hub := NewEventHub(16)
	sub := hub.Subscribe(EventItemFailed)
	defer sub.Close()

	hub.Publish(Event{Type: EventItemEnqueued})
	hub.Publish(Event{Type: EventItemFailed, ItemID: "item-1"})

	select {
	case e := <-sub.C():
		if e.Type != EventItemFailed {
			t.Errorf("got %s, want only item_failed", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered event not delivered")
	}
	select {
	case e, ok := <-sub.C():
		if ok {
			t.Errorf("unexpected second event %+v", e)
		}
	default:
	}
}

func TestEventHubSlowSubscriberDropsEvents(t *testing.T) {
	hub := NewEventHub(2)
	sub := hub.Subscribe()
	defer sub.Close()

	for i := 0; i < 10; i++ {
		hub.Publish(Event{Type: EventSyncStarted})
	}

	// The publisher never blocked; only the buffered two survive.
	n := 0
	for {
		select {
		case <-sub.C():
			n++
			continue
		default:
		}
		break
	}
	if n != 2 {
		t.Errorf("buffered events = %d, want 2", n)
	}
}

func TestEventHubUnsubscribe(t *testing.T) {
	hub := NewEventHub(16)
	sub := hub.Subscribe()

	hub.Unsubscribe(sub.ID)
	if hub.Count() != 0 {
		t.Errorf("subscriptions = %d, want 0", hub.Count())
	}

	// Publishing after unsubscribe neither panics nor delivers.
	hub.Publish(Event{Type: EventSyncStarted})
	if _, ok := <-sub.C(); ok {
		t.Error("event delivered on closed subscription")
	}
}

func TestEventHubCloseIsIdempotent(t *testing.T) {
	hub := NewEventHub(16)
	sub := hub.Subscribe()

	hub.Close()
	hub.Close()
	sub.Close()

	if hub.Count() != 0 {
		t.Errorf("subscriptions = %d, want 0", hub.Count())
	}
}
