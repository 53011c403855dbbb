package lockstep

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. It backs degraded mode when the
// durable store is unavailable and doubles as a test store. Contents do
// not survive a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[string]*QueueItem
	records   map[string]map[string]*CachedRecord
	conflicts map[string]*Conflict
	metadata  map[string]*SyncMetadata
	closed    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:     make(map[string]*QueueItem),
		records:   make(map[string]map[string]*CachedRecord),
		conflicts: make(map[string]*Conflict),
		metadata:  make(map[string]*SyncMetadata),
	}
}

func cloneItem(i *QueueItem) *QueueItem {
	c := *i
	c.Payload = bytes.Clone(i.Payload)
	return &c
}

func cloneRecord(r *CachedRecord) *CachedRecord {
	c := *r
	c.Data = bytes.Clone(r.Data)
	return &c
}

func cloneConflict(c *Conflict) *Conflict {
	cc := *c
	cc.LocalData = bytes.Clone(c.LocalData)
	cc.RemoteData = bytes.Clone(c.RemoteData)
	return &cc
}

// PutItem inserts a new queue item.
func (s *MemoryStore) PutItem(ctx context.Context, item *QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.items[item.ID] = cloneItem(item)
	return nil
}

// GetItem returns the item with the given ID.
func (s *MemoryStore) GetItem(ctx context.Context, id string) (*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneItem(item), nil
}

// UpdateItem persists mutable item fields iff the stored status equals from.
func (s *MemoryStore) UpdateItem(ctx context.Context, item *QueueItem, from ItemStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	existing, ok := s.items[item.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status != from {
		return ErrStaleItem
	}
	s.items[item.ID] = cloneItem(item)
	return nil
}

// DeleteItem removes an item.
func (s *MemoryStore) DeleteItem(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.items, id)
	return nil
}

// DueItems returns pending items in drain order.
func (s *MemoryStore) DueItems(ctx context.Context, limit int) ([]*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	inFlight := make(map[string]bool)
	for _, item := range s.items {
		if item.Status == StatusInFlight {
			inFlight[item.Action+"\x00"+item.Table+"\x00"+item.RecordID] = true
		}
	}
	conflicted := make(map[string]bool)
	for _, c := range s.conflicts {
		if !c.Resolved {
			conflicted[c.Table+"\x00"+c.RecordID] = true
		}
	}

	var due []*QueueItem
	for _, item := range s.items {
		if item.Status != StatusPending {
			continue
		}
		if inFlight[item.Action+"\x00"+item.Table+"\x00"+item.RecordID] {
			continue
		}
		if item.Table != "" && conflicted[item.Table+"\x00"+item.RecordID] {
			continue
		}
		due = append(due, cloneItem(item))
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		if !due[i].EnqueuedAt.Equal(due[j].EnqueuedAt) {
			return due[i].EnqueuedAt.Before(due[j].EnqueuedAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ItemsByStatus returns items in the given status, oldest first.
func (s *MemoryStore) ItemsByStatus(ctx context.Context, status ItemStatus, limit int) ([]*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*QueueItem
	for _, item := range s.items {
		if item.Status == status {
			out = append(out, cloneItem(item))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ItemsByRecord returns every item targeting a record, oldest first.
func (s *MemoryStore) ItemsByRecord(ctx context.Context, table, recordID string) ([]*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*QueueItem
	for _, item := range s.items {
		if item.Table == table && item.RecordID == recordID {
			out = append(out, cloneItem(item))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CountItems returns the number of items in the given status.
func (s *MemoryStore) CountItems(ctx context.Context, status ItemStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, item := range s.items {
		if item.Status == status {
			n++
		}
	}
	return n, nil
}

// RequeueInFlight returns in-flight items to pending.
func (s *MemoryStore) RequeueInFlight(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, item := range s.items {
		if item.Status == StatusInFlight {
			item.Status = StatusPending
			item.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

// PurgeItemsBefore removes terminal items older than cutoff.
func (s *MemoryStore) PurgeItemsBefore(ctx context.Context, status ItemStatus, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for id, item := range s.items {
		if item.Status == status && item.UpdatedAt.Before(cutoff) {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

// UpsertRecord writes record data, advancing the version by one.
func (s *MemoryStore) UpsertRecord(ctx context.Context, table, recordID string, data []byte, status SyncStatus) (*CachedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	byID := s.records[table]
	if byID == nil {
		byID = make(map[string]*CachedRecord)
		s.records[table] = byID
	}
	rec := byID[recordID]
	if rec == nil {
		rec = &CachedRecord{Table: table, RecordID: recordID}
		byID[recordID] = rec
	}
	rec.Data = bytes.Clone(data)
	rec.Version++
	rec.SyncStatus = status
	rec.LastModified = time.Now().UTC()
	return cloneRecord(rec), nil
}

// PutRecord writes a record as given; the version never moves backward.
func (s *MemoryStore) PutRecord(ctx context.Context, rec *CachedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	byID := s.records[rec.Table]
	if byID == nil {
		byID = make(map[string]*CachedRecord)
		s.records[rec.Table] = byID
	}
	stored := cloneRecord(rec)
	if existing, ok := byID[rec.RecordID]; ok && existing.Version > stored.Version {
		stored.Version = existing.Version
	}
	byID[rec.RecordID] = stored
	return nil
}

// GetRecord returns the cached record.
func (s *MemoryStore) GetRecord(ctx context.Context, table, recordID string) (*CachedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rec, ok := s.records[table][recordID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// RecordsByTable returns all cached records for a table.
func (s *MemoryStore) RecordsByTable(ctx context.Context, table string) ([]*CachedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*CachedRecord
	for _, rec := range s.records[table] {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out, nil
}

// SetRecordStatus updates only the record's sync status.
func (s *MemoryStore) SetRecordStatus(ctx context.Context, table, recordID string, status SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	rec, ok := s.records[table][recordID]
	if !ok {
		return ErrNotFound
	}
	rec.SyncStatus = status
	rec.LastModified = time.Now().UTC()
	return nil
}

// DeleteRecord removes a cached record.
func (s *MemoryStore) DeleteRecord(ctx context.Context, table, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.records[table], recordID)
	return nil
}

// PutConflict inserts or replaces a conflict record.
func (s *MemoryStore) PutConflict(ctx context.Context, c *Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.conflicts[c.ID] = cloneConflict(c)
	return nil
}

// GetConflict returns the conflict with the given ID.
func (s *MemoryStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	c, ok := s.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConflict(c), nil
}

// Conflicts returns conflicts, newest first.
func (s *MemoryStore) Conflicts(ctx context.Context, includeResolved bool) ([]*Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*Conflict
	for _, c := range s.conflicts {
		if !includeResolved && c.Resolved {
			continue
		}
		out = append(out, cloneConflict(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.After(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UnresolvedConflictCount returns the number of open conflicts.
func (s *MemoryStore) UnresolvedConflictCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, c := range s.conflicts {
		if !c.Resolved {
			n++
		}
	}
	return n, nil
}

// PurgeResolvedConflictsBefore removes resolved conflicts older than cutoff.
func (s *MemoryStore) PurgeResolvedConflictsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for id, c := range s.conflicts {
		if c.Resolved && c.ResolvedAt.Before(cutoff) {
			delete(s.conflicts, id)
			n++
		}
	}
	return n, nil
}

// PutMetadata inserts or replaces per-table sync metadata.
func (s *MemoryStore) PutMetadata(ctx context.Context, m *SyncMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cp := *m
	s.metadata[m.Table] = &cp
	return nil
}

// GetMetadata returns metadata for a table.
func (s *MemoryStore) GetMetadata(ctx context.Context, table string) (*SyncMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	m, ok := s.metadata[table]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// AllMetadata returns metadata for every table seen so far.
func (s *MemoryStore) AllMetadata(ctx context.Context) ([]*SyncMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*SyncMetadata
	for _, m := range s.metadata {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out, nil
}

// Close releases the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
