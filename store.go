package lockstep

import (
	"context"
	"time"
)

// ItemStatus describes where a queue item is in its lifecycle.
type ItemStatus string

const (
	// StatusPending means the item is waiting to be delivered.
	StatusPending ItemStatus = "pending"
	// StatusInFlight means a sync cycle has claimed the item and is
	// attempting delivery.
	StatusInFlight ItemStatus = "in_flight"
	// StatusCompleted means the item was delivered successfully.
	StatusCompleted ItemStatus = "completed"
	// StatusFailed means the item exhausted its attempts or hit a
	// permanent rejection. Failed items stay queryable until purged.
	StatusFailed ItemStatus = "failed"
)

// SyncStatus describes how a cached record relates to the remote copy.
type SyncStatus string

const (
	// SyncSynced means local and remote agree as of the last sync.
	SyncSynced SyncStatus = "synced"
	// SyncPending means a local mutation has not reached the remote yet.
	SyncPending SyncStatus = "pending"
	// SyncConflict means a version conflict was detected and is unresolved.
	SyncConflict SyncStatus = "conflict"
)

// ConflictType categorizes how local and remote changes collided.
type ConflictType string

const (
	// ConflictUpdate means both sides modified the same record.
	ConflictUpdate ConflictType = "update"
	// ConflictDelete means one side deleted a record the other modified.
	ConflictDelete ConflictType = "delete"
	// ConflictCreate means both sides created a record with the same key.
	ConflictCreate ConflictType = "create"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	// StrategyOverwriteLocal adopts the remote copy and discards the
	// local mutation.
	StrategyOverwriteLocal Strategy = "overwrite_local"
	// StrategyOverwriteRemote keeps the local copy and re-enqueues a
	// corrective write so the remote converges.
	StrategyOverwriteRemote Strategy = "overwrite_remote"
	// StrategyMerge combines both copies with a registered merge function.
	// Tables without a merge function fall back to StrategyOverwriteRemote.
	StrategyMerge Strategy = "merge"
	// StrategyManual leaves the conflict for an explicit caller decision.
	StrategyManual Strategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyOverwriteLocal, StrategyOverwriteRemote, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// QueueItem is one deferred action waiting for delivery to the remote.
type QueueItem struct {
	ID          string     `json:"id"`
	Action      string     `json:"action"`
	Table       string     `json:"table,omitempty"`
	RecordID    string     `json:"record_id,omitempty"`
	Payload     []byte     `json:"payload,omitempty"`
	Priority    int        `json:"priority"`
	Status      ItemStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CachedRecord is the local copy of a remote record. Version is a
// monotonic local revision counter; it advances on every local mutation
// and never moves backward.
type CachedRecord struct {
	Table        string     `json:"table"`
	RecordID     string     `json:"record_id"`
	Data         []byte     `json:"data,omitempty"`
	Version      int64      `json:"version"`
	SyncStatus   SyncStatus `json:"sync_status"`
	LastModified time.Time  `json:"last_modified"`
}

// Conflict records a divergence between a local mutation and the remote
// copy. Both payloads are kept so any resolution strategy can be applied
// later without another round trip.
type Conflict struct {
	ID            string       `json:"id"`
	Table         string       `json:"table"`
	RecordID      string       `json:"record_id"`
	Action        string       `json:"action"`
	Type          ConflictType `json:"type"`
	LocalData     []byte       `json:"local_data,omitempty"`
	RemoteData    []byte       `json:"remote_data,omitempty"`
	LocalVersion  int64        `json:"local_version"`
	RemoteVersion int64        `json:"remote_version"`
	DetectedAt    time.Time    `json:"detected_at"`
	Resolved      bool         `json:"resolved"`
	ResolvedAt    time.Time    `json:"resolved_at,omitzero"`
	Resolution    Strategy     `json:"resolution,omitempty"`
}

// SyncMetadata tracks per-table sync state: when the table last synced,
// how many conflicts it has accumulated, and its default resolution
// strategy.
type SyncMetadata struct {
	Table         string    `json:"table"`
	Strategy      Strategy  `json:"strategy"`
	LastSyncAt    time.Time `json:"last_sync_at,omitzero"`
	ConflictCount int64     `json:"conflict_count"`
}

// Store is the persistence interface behind the durable queue. The SQLite
// implementation is the primary backend; the in-memory implementation
// doubles as the degraded-mode fallback and the test double.
//
// Payload bytes cross this boundary already encoded by the payload codec.
// A Store treats them as opaque.
type Store interface {
	// PutItem inserts a new queue item.
	PutItem(ctx context.Context, item *QueueItem) error

	// GetItem returns the item with the given ID, or ErrNotFound.
	GetItem(ctx context.Context, id string) (*QueueItem, error)

	// UpdateItem persists the item's mutable fields (status, attempts,
	// last error, updated-at) only if the stored status still equals
	// from. It returns ErrStaleItem when the compare-and-swap fails and
	// ErrNotFound when the item no longer exists.
	UpdateItem(ctx context.Context, item *QueueItem, from ItemStatus) error

	// DeleteItem removes the item with the given ID.
	DeleteItem(ctx context.Context, id string) error

	// DueItems returns pending items in drain order: lowest priority
	// value first, then oldest first. Items are excluded while another item
	// for the same action and record is in flight, and while the record
	// they target has an unresolved conflict.
	DueItems(ctx context.Context, limit int) ([]*QueueItem, error)

	// ItemsByStatus returns items in the given status, oldest first.
	ItemsByStatus(ctx context.Context, status ItemStatus, limit int) ([]*QueueItem, error)

	// ItemsByRecord returns every item targeting a record, oldest first.
	ItemsByRecord(ctx context.Context, table, recordID string) ([]*QueueItem, error)

	// CountItems returns the number of items in the given status.
	CountItems(ctx context.Context, status ItemStatus) (int, error)

	// RequeueInFlight returns any in-flight items to pending. Called on
	// open to recover items orphaned by a crash mid-cycle.
	RequeueInFlight(ctx context.Context) (int, error)

	// PurgeItemsBefore removes items in a terminal status whose last
	// update is older than cutoff, returning the number removed.
	PurgeItemsBefore(ctx context.Context, status ItemStatus, cutoff time.Time) (int, error)

	// UpsertRecord writes a record's data, advancing its version by one,
	// and returns the stored record.
	UpsertRecord(ctx context.Context, table, recordID string, data []byte, status SyncStatus) (*CachedRecord, error)

	// PutRecord writes a record exactly as given, except that the stored
	// version never moves backward.
	PutRecord(ctx context.Context, rec *CachedRecord) error

	// GetRecord returns the cached record, or ErrNotFound.
	GetRecord(ctx context.Context, table, recordID string) (*CachedRecord, error)

	// RecordsByTable returns all cached records for a table.
	RecordsByTable(ctx context.Context, table string) ([]*CachedRecord, error)

	// SetRecordStatus updates only the record's sync status.
	SetRecordStatus(ctx context.Context, table, recordID string, status SyncStatus) error

	// DeleteRecord removes a cached record. Deleting a missing record is
	// not an error.
	DeleteRecord(ctx context.Context, table, recordID string) error

	// PutConflict inserts or replaces a conflict record.
	PutConflict(ctx context.Context, c *Conflict) error

	// GetConflict returns the conflict with the given ID, or ErrNotFound.
	GetConflict(ctx context.Context, id string) (*Conflict, error)

	// Conflicts returns conflicts, newest first. Resolved conflicts are
	// included only when includeResolved is true.
	Conflicts(ctx context.Context, includeResolved bool) ([]*Conflict, error)

	// UnresolvedConflictCount returns the number of open conflicts.
	UnresolvedConflictCount(ctx context.Context) (int, error)

	// PurgeResolvedConflictsBefore removes resolved conflicts older than
	// cutoff, returning the number removed.
	PurgeResolvedConflictsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// PutMetadata inserts or replaces per-table sync metadata.
	PutMetadata(ctx context.Context, m *SyncMetadata) error

	// GetMetadata returns metadata for a table, or ErrNotFound.
	GetMetadata(ctx context.Context, table string) (*SyncMetadata, error)

	// AllMetadata returns metadata for every table seen so far.
	AllMetadata(ctx context.Context) ([]*SyncMetadata, error)

	// Close releases the store. Further calls return ErrClosed.
	Close() error
}
