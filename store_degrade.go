package lockstep

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// degradingStore wraps the durable store with an in-memory fallback. The
// first storage error trips it: the failed call is retried on the fallback
// and every later call goes straight there. The trip is sticky for the
// life of the engine so callers never flap between backends.
//
// State accumulated before the trip stays in the durable store and is
// picked up again on the next open.
type degradingStore struct {
	mu        sync.RWMutex
	primary   Store
	fallback  *MemoryStore
	degraded  bool
	onDegrade func(err error)
}

func newDegradingStore(primary Store, onDegrade func(err error)) *degradingStore {
	return &degradingStore{
		primary:   primary,
		fallback:  NewMemoryStore(),
		onDegrade: onDegrade,
	}
}

// Degraded reports whether the store has fallen back to memory.
func (d *degradingStore) Degraded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.degraded
}

func (d *degradingStore) store() Store {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.degraded {
		return d.fallback
	}
	return d.primary
}

// trip reports whether err is a storage failure. The first one flips the
// wrapper to the fallback and notifies the engine. A storage error whose
// cause is the request context expiring is the caller's doing, not the
// store's, and never trips.
func (d *degradingStore) trip(err error) bool {
	var se *StorageError
	if !errors.As(err, &se) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	d.mu.Lock()
	first := !d.degraded
	d.degraded = true
	d.mu.Unlock()

	if first {
		slog.Error("durable store failed, continuing in memory",
			"error", err)
		if d.onDegrade != nil {
			d.onDegrade(err)
		}
	}
	return true
}

func (d *degradingStore) PutItem(ctx context.Context, item *QueueItem) error {
	err := d.store().PutItem(ctx, item)
	if err != nil && d.trip(err) {
		return d.fallback.PutItem(ctx, item)
	}
	return err
}

func (d *degradingStore) GetItem(ctx context.Context, id string) (*QueueItem, error) {
	item, err := d.store().GetItem(ctx, id)
	if err != nil && d.trip(err) {
		return d.fallback.GetItem(ctx, id)
	}
	return item, err
}

func (d *degradingStore) UpdateItem(ctx context.Context, item *QueueItem, from ItemStatus) error {
	err := d.store().UpdateItem(ctx, item, from)
	if err != nil && d.trip(err) {
		return d.fallback.UpdateItem(ctx, item, from)
	}
	return err
}

func (d *degradingStore) DeleteItem(ctx context.Context, id string) error {
	err := d.store().DeleteItem(ctx, id)
	if err != nil && d.trip(err) {
		return d.fallback.DeleteItem(ctx, id)
	}
	return err
}

func (d *degradingStore) DueItems(ctx context.Context, limit int) ([]*QueueItem, error) {
	items, err := d.store().DueItems(ctx, limit)
	if err != nil && d.trip(err) {
		return d.fallback.DueItems(ctx, limit)
	}
	return items, err
}

func (d *degradingStore) ItemsByStatus(ctx context.Context, status ItemStatus, limit int) ([]*QueueItem, error) {
	items, err := d.store().ItemsByStatus(ctx, status, limit)
	if err != nil && d.trip(err) {
		return d.fallback.ItemsByStatus(ctx, status, limit)
	}
	return items, err
}

func (d *degradingStore) ItemsByRecord(ctx context.Context, table, recordID string) ([]*QueueItem, error) {
	items, err := d.store().ItemsByRecord(ctx, table, recordID)
	if err != nil && d.trip(err) {
		return d.fallback.ItemsByRecord(ctx, table, recordID)
	}
	return items, err
}

func (d *degradingStore) CountItems(ctx context.Context, status ItemStatus) (int, error) {
	n, err := d.store().CountItems(ctx, status)
	if err != nil && d.trip(err) {
		return d.fallback.CountItems(ctx, status)
	}
	return n, err
}

func (d *degradingStore) RequeueInFlight(ctx context.Context) (int, error) {
	n, err := d.store().RequeueInFlight(ctx)
	if err != nil && d.trip(err) {
		return d.fallback.RequeueInFlight(ctx)
	}
	return n, err
}

func (d *degradingStore) PurgeItemsBefore(ctx context.Context, status ItemStatus, cutoff time.Time) (int, error) {
	n, err := d.store().PurgeItemsBefore(ctx, status, cutoff)
	if err != nil && d.trip(err) {
		return d.fallback.PurgeItemsBefore(ctx, status, cutoff)
	}
	return n, err
}

func (d *degradingStore) UpsertRecord(ctx context.Context, table, recordID string, data []byte, status SyncStatus) (*CachedRecord, error) {
	rec, err := d.store().UpsertRecord(ctx, table, recordID, data, status)
	if err != nil && d.trip(err) {
		return d.fallback.UpsertRecord(ctx, table, recordID, data, status)
	}
	return rec, err
}

func (d *degradingStore) PutRecord(ctx context.Context, rec *CachedRecord) error {
	err := d.store().PutRecord(ctx, rec)
	if err != nil && d.trip(err) {
		return d.fallback.PutRecord(ctx, rec)
	}
	return err
}

func (d *degradingStore) GetRecord(ctx context.Context, table, recordID string) (*CachedRecord, error) {
	rec, err := d.store().GetRecord(ctx, table, recordID)
	if err != nil && d.trip(err) {
		return d.fallback.GetRecord(ctx, table, recordID)
	}
	return rec, err
}

func (d *degradingStore) RecordsByTable(ctx context.Context, table string) ([]*CachedRecord, error) {
	recs, err := d.store().RecordsByTable(ctx, table)
	if err != nil && d.trip(err) {
		return d.fallback.RecordsByTable(ctx, table)
	}
	return recs, err
}

func (d *degradingStore) SetRecordStatus(ctx context.Context, table, recordID string, status SyncStatus) error {
	err := d.store().SetRecordStatus(ctx, table, recordID, status)
	if err != nil && d.trip(err) {
		return d.fallback.SetRecordStatus(ctx, table, recordID, status)
	}
	return err
}

func (d *degradingStore) DeleteRecord(ctx context.Context, table, recordID string) error {
	err := d.store().DeleteRecord(ctx, table, recordID)
	if err != nil && d.trip(err) {
		return d.fallback.DeleteRecord(ctx, table, recordID)
	}
	return err
}

func (d *degradingStore) PutConflict(ctx context.Context, c *Conflict) error {
	err := d.store().PutConflict(ctx, c)
	if err != nil && d.trip(err) {
		return d.fallback.PutConflict(ctx, c)
	}
	return err
}

func (d *degradingStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	c, err := d.store().GetConflict(ctx, id)
	if err != nil && d.trip(err) {
		return d.fallback.GetConflict(ctx, id)
	}
	return c, err
}

func (d *degradingStore) Conflicts(ctx context.Context, includeResolved bool) ([]*Conflict, error) {
	cs, err := d.store().Conflicts(ctx, includeResolved)
	if err != nil && d.trip(err) {
		return d.fallback.Conflicts(ctx, includeResolved)
	}
	return cs, err
}

func (d *degradingStore) UnresolvedConflictCount(ctx context.Context) (int, error) {
	n, err := d.store().UnresolvedConflictCount(ctx)
	if err != nil && d.trip(err) {
		return d.fallback.UnresolvedConflictCount(ctx)
	}
	return n, err
}

func (d *degradingStore) PurgeResolvedConflictsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := d.store().PurgeResolvedConflictsBefore(ctx, cutoff)
	if err != nil && d.trip(err) {
		return d.fallback.PurgeResolvedConflictsBefore(ctx, cutoff)
	}
	return n, err
}

func (d *degradingStore) PutMetadata(ctx context.Context, m *SyncMetadata) error {
	err := d.store().PutMetadata(ctx, m)
	if err != nil && d.trip(err) {
		return d.fallback.PutMetadata(ctx, m)
	}
	return err
}

func (d *degradingStore) GetMetadata(ctx context.Context, table string) (*SyncMetadata, error) {
	m, err := d.store().GetMetadata(ctx, table)
	if err != nil && d.trip(err) {
		return d.fallback.GetMetadata(ctx, table)
	}
	return m, err
}

func (d *degradingStore) AllMetadata(ctx context.Context) ([]*SyncMetadata, error) {
	ms, err := d.store().AllMetadata(ctx)
	if err != nil && d.trip(err) {
		return d.fallback.AllMetadata(ctx)
	}
	return ms, err
}

func (d *degradingStore) Close() error {
	perr := d.primary.Close()
	ferr := d.fallback.Close()
	if perr != nil {
		return perr
	}
	return ferr
}
