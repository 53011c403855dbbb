package lockstep

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueueOptions carries the optional fields of a queued action.
type EnqueueOptions struct {
	// Table and RecordID scope the action to a cached record. Set both
	// or neither: record-scoped actions take part in conflict
	// detection, bare actions do not.
	Table    string
	RecordID string

	// Priority orders delivery. A lower value drains sooner.
	// Default: 0
	Priority int

	// MaxAttempts overrides the queue-wide attempt budget for this
	// item. Default: 0 (use QueueConfig.DefaultMaxAttempts)
	MaxAttempts int
}

// QueueStats summarizes queue occupancy by status.
type QueueStats struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Total returns the number of items in any status.
func (s QueueStats) Total() int {
	return s.Pending + s.InFlight + s.Completed + s.Failed
}

// Queue is the durable action queue. It owns item identity, payload
// encoding, the capacity cap, and the item status lifecycle; ordering and
// exclusion rules live in the store's DueItems.
type Queue struct {
	store   Store
	codec   *payloadCodec
	cfg     QueueConfig
	events  *EventHub
	metrics *metrics
	now     func() time.Time
}

func newQueue(store Store, codec *payloadCodec, cfg QueueConfig, events *EventHub) *Queue {
	return &Queue{
		store:  store,
		codec:  codec,
		cfg:    cfg,
		events: events,
		now:    time.Now,
	}
}

// Enqueue validates, encodes and persists an action. The capacity cap
// counts pending and in-flight items; the check is approximate under
// concurrent enqueues.
func (q *Queue) Enqueue(ctx context.Context, action string, payload []byte, opts EnqueueOptions) (*QueueItem, error) {
	if err := ValidateAction(action); err != nil {
		return nil, err
	}
	if (opts.Table == "") != (opts.RecordID == "") {
		return nil, newValidationError(action, "table and record id must be set together", 0, nil)
	}
	if opts.Table != "" {
		if err := ValidateTable(opts.Table); err != nil {
			return nil, err
		}
		if err := ValidateRecordID(opts.RecordID); err != nil {
			return nil, err
		}
	}

	if q.cfg.MaxItems > 0 {
		waiting, err := q.waiting(ctx)
		if err != nil {
			return nil, err
		}
		if waiting >= q.cfg.MaxItems {
			return nil, fmt.Errorf("%w: %d items waiting", ErrQueueFull, waiting)
		}
	}

	encoded, err := q.codec.Encode(payload)
	if err != nil {
		return nil, err
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
	}

	now := q.now().UTC()
	item := &QueueItem{
		ID:          uuid.NewString(),
		Action:      action,
		Table:       opts.Table,
		RecordID:    opts.RecordID,
		Payload:     encoded,
		Priority:    opts.Priority,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	if err := q.store.PutItem(ctx, item); err != nil {
		return nil, err
	}

	q.metrics.observeEnqueued()
	q.events.Publish(Event{
		Type:     EventItemEnqueued,
		ItemID:   item.ID,
		Action:   item.Action,
		Table:    item.Table,
		RecordID: item.RecordID,
	})
	return item, nil
}

func (q *Queue) waiting(ctx context.Context) (int, error) {
	pending, err := q.store.CountItems(ctx, StatusPending)
	if err != nil {
		return 0, err
	}
	inFlight, err := q.store.CountItems(ctx, StatusInFlight)
	if err != nil {
		return 0, err
	}
	return pending + inFlight, nil
}

// Item returns a queued item by ID.
func (q *Queue) Item(ctx context.Context, id string) (*QueueItem, error) {
	return q.store.GetItem(ctx, id)
}

// Items returns items in the given status, oldest first.
func (q *Queue) Items(ctx context.Context, status ItemStatus, limit int) ([]*QueueItem, error) {
	return q.store.ItemsByStatus(ctx, status, limit)
}

// Due returns the next batch of deliverable items in drain order.
func (q *Queue) Due(ctx context.Context, limit int) ([]*QueueItem, error) {
	return q.store.DueItems(ctx, limit)
}

// Payload returns an item's payload decoded back to the bytes the caller
// enqueued.
func (q *Queue) Payload(item *QueueItem) ([]byte, error) {
	return q.codec.Decode(item.Payload)
}

// MarkInFlight claims a pending item for delivery.
func (q *Queue) MarkInFlight(ctx context.Context, item *QueueItem) error {
	item.Status = StatusInFlight
	item.UpdatedAt = q.now().UTC()
	return q.store.UpdateItem(ctx, item, StatusPending)
}

// MarkCompleted records a successful delivery.
func (q *Queue) MarkCompleted(ctx context.Context, item *QueueItem) error {
	item.Status = StatusCompleted
	item.LastError = ""
	item.UpdatedAt = q.now().UTC()
	if err := q.store.UpdateItem(ctx, item, StatusInFlight); err != nil {
		return err
	}
	q.events.Publish(Event{
		Type:     EventItemCompleted,
		ItemID:   item.ID,
		Action:   item.Action,
		Table:    item.Table,
		RecordID: item.RecordID,
	})
	return nil
}

// MarkFailed returns an in-flight item to pending for a later attempt, or
// parks it as failed when terminal. The caller settles Attempts first.
func (q *Queue) MarkFailed(ctx context.Context, item *QueueItem, cause string, terminal bool) error {
	if terminal {
		item.Status = StatusFailed
	} else {
		item.Status = StatusPending
	}
	item.LastError = cause
	item.UpdatedAt = q.now().UTC()
	if err := q.store.UpdateItem(ctx, item, StatusInFlight); err != nil {
		return err
	}
	if terminal {
		q.events.Publish(Event{
			Type:     EventItemFailed,
			ItemID:   item.ID,
			Action:   item.Action,
			Table:    item.Table,
			RecordID: item.RecordID,
			Detail:   cause,
		})
	}
	return nil
}

// RetryItem returns a failed item to pending with a fresh attempt budget.
func (q *Queue) RetryItem(ctx context.Context, id string) (*QueueItem, error) {
	item, err := q.store.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusFailed {
		return nil, newValidationError(item.Action,
			fmt.Sprintf("item is %s, only failed items can be retried", item.Status), 0, nil)
	}
	item.Status = StatusPending
	item.Attempts = 0
	item.LastError = ""
	item.UpdatedAt = q.now().UTC()
	if err := q.store.UpdateItem(ctx, item, StatusFailed); err != nil {
		return nil, err
	}
	q.events.Publish(Event{
		Type:     EventItemEnqueued,
		ItemID:   item.ID,
		Action:   item.Action,
		Table:    item.Table,
		RecordID: item.RecordID,
		Detail:   "requeued after failure",
	})
	return item, nil
}

// DiscardItem removes a failed item without delivering it.
func (q *Queue) DiscardItem(ctx context.Context, id string) error {
	item, err := q.store.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != StatusFailed {
		return newValidationError(item.Action,
			fmt.Sprintf("item is %s, only failed items can be discarded", item.Status), 0, nil)
	}
	if err := q.store.DeleteItem(ctx, id); err != nil {
		return err
	}
	q.metrics.observeDiscarded()
	q.events.Publish(Event{
		Type:     EventItemDiscarded,
		ItemID:   item.ID,
		Action:   item.Action,
		Table:    item.Table,
		RecordID: item.RecordID,
	})
	return nil
}

// RecoverInFlight returns items orphaned in flight by a crash to pending.
func (q *Queue) RecoverInFlight(ctx context.Context) (int, error) {
	return q.store.RequeueInFlight(ctx)
}

// PurgeCompleted removes delivered items at the end of a cycle when
// completed retention is zero. Retained items wait for the sweep.
func (q *Queue) PurgeCompleted(ctx context.Context) (int, error) {
	if q.cfg.CompletedRetention != 0 {
		return 0, nil
	}
	return q.store.PurgeItemsBefore(ctx, StatusCompleted, q.now().UTC().Add(time.Nanosecond))
}

// Sweep applies the retention policy to terminal items and returns how
// many were removed. Failed items are kept forever when the retention is
// zero or negative.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	now := q.now().UTC()

	removed, err := q.store.PurgeItemsBefore(ctx, StatusCompleted, now.Add(-q.cfg.CompletedRetention))
	if err != nil {
		return removed, err
	}
	if q.cfg.FailedRetention > 0 {
		n, err := q.store.PurgeItemsBefore(ctx, StatusFailed, now.Add(-q.cfg.FailedRetention))
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Stats counts items by status.
func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	var s QueueStats
	var err error
	if s.Pending, err = q.store.CountItems(ctx, StatusPending); err != nil {
		return s, err
	}
	if s.InFlight, err = q.store.CountItems(ctx, StatusInFlight); err != nil {
		return s, err
	}
	if s.Completed, err = q.store.CountItems(ctx, StatusCompleted); err != nil {
		return s, err
	}
	if s.Failed, err = q.store.CountItems(ctx, StatusFailed); err != nil {
		return s, err
	}
	return s, nil
}
