package lockstep

import (
	"bytes"
	"context"
	"errors"
	"time"
)

// Cache is the local read model: per-record copies of remote data with a
// monotonically increasing version and a sync status. Record data passes
// through the payload codec on its way to and from the store.
type Cache struct {
	store Store
	codec *payloadCodec
	now   func() time.Time
}

func newCache(store Store, codec *payloadCodec) *Cache {
	return &Cache{store: store, codec: codec, now: time.Now}
}

// Put stores a local mutation: the version advances by one and the record
// is marked pending until the next successful sync.
func (c *Cache) Put(ctx context.Context, table, recordID string, data []byte) (*CachedRecord, error) {
	if err := ValidateTable(table); err != nil {
		return nil, err
	}
	if err := ValidateRecordID(recordID); err != nil {
		return nil, err
	}
	encoded, err := c.codec.Encode(data)
	if err != nil {
		return nil, err
	}
	rec, err := c.store.UpsertRecord(ctx, table, recordID, encoded, SyncPending)
	if err != nil {
		return nil, err
	}
	rec.Data = bytes.Clone(data)
	return rec, nil
}

// Get returns a record with its data decoded.
func (c *Cache) Get(ctx context.Context, table, recordID string) (*CachedRecord, error) {
	rec, err := c.store.GetRecord(ctx, table, recordID)
	if err != nil {
		return nil, err
	}
	data, err := c.codec.Decode(rec.Data)
	if err != nil {
		return nil, err
	}
	rec.Data = data
	return rec, nil
}

// List returns all records in a table with their data decoded.
func (c *Cache) List(ctx context.Context, table string) ([]*CachedRecord, error) {
	recs, err := c.store.RecordsByTable(ctx, table)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		data, err := c.codec.Decode(rec.Data)
		if err != nil {
			return nil, err
		}
		rec.Data = data
	}
	return recs, nil
}

// Adopt replaces the local copy with remote state. The stored version
// rises to at least the remote version and the record is marked synced.
func (c *Cache) Adopt(ctx context.Context, table, recordID string, data []byte, version int64) error {
	encoded, err := c.codec.Encode(data)
	if err != nil {
		return err
	}
	return c.store.PutRecord(ctx, &CachedRecord{
		Table:        table,
		RecordID:     recordID,
		Data:         encoded,
		Version:      version,
		SyncStatus:   SyncSynced,
		LastModified: c.now().UTC(),
	})
}

// MarkSynced raises the record's version to the remote's and marks it
// synced. A missing record is not an error; delete actions remove the
// local copy before their delivery completes.
func (c *Cache) MarkSynced(ctx context.Context, table, recordID string, remoteVersion int64) error {
	rec, err := c.store.GetRecord(ctx, table, recordID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if remoteVersion > rec.Version {
		rec.Version = remoteVersion
	}
	rec.SyncStatus = SyncSynced
	rec.LastModified = c.now().UTC()
	return c.store.PutRecord(ctx, rec)
}

// RaiseVersion lifts the record's version floor without touching its data,
// so a corrective write builds on the remote's version basis. The record
// stays pending until that write lands.
func (c *Cache) RaiseVersion(ctx context.Context, table, recordID string, version int64) error {
	rec, err := c.store.GetRecord(ctx, table, recordID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if version > rec.Version {
		rec.Version = version
	}
	rec.SyncStatus = SyncPending
	rec.LastModified = c.now().UTC()
	return c.store.PutRecord(ctx, rec)
}

// Delete removes the local copy of a record.
func (c *Cache) Delete(ctx context.Context, table, recordID string) error {
	return c.store.DeleteRecord(ctx, table, recordID)
}
