package lockstep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MergeFunc combines the local and remote copies of a record into one.
// Implementations receive decoded record data and return the merged form.
type MergeFunc func(local, remote []byte) ([]byte, error)

// JSONMerge is a MergeFunc for flat JSON object records: local keys are
// overlaid onto the remote copy, so remote fields survive unless the
// local edit touched them. Empty input counts as an empty object.
func JSONMerge(local, remote []byte) ([]byte, error) {
	localMap := make(map[string]json.RawMessage)
	if len(local) > 0 {
		if err := json.Unmarshal(local, &localMap); err != nil {
			return nil, fmt.Errorf("merge local copy: %w", err)
		}
	}
	remoteMap := make(map[string]json.RawMessage)
	if len(remote) > 0 {
		if err := json.Unmarshal(remote, &remoteMap); err != nil {
			return nil, fmt.Errorf("merge remote copy: %w", err)
		}
	}
	for k, v := range localMap {
		remoteMap[k] = v
	}
	return json.Marshal(remoteMap)
}

// Reconciler records version conflicts and applies resolution strategies.
// Items targeting a conflicted record are held back from delivery until
// the conflict is resolved.
type Reconciler struct {
	store   Store
	cache   *Cache
	codec   *payloadCodec
	cfg     ConflictConfig
	events  *EventHub
	metrics *metrics

	// enqueue is wired by the engine so corrective writes rejoin the
	// queue without the reconciler owning it.
	enqueue func(ctx context.Context, action string, payload []byte, opts EnqueueOptions) (*QueueItem, error)

	mu     sync.RWMutex
	merges map[string]MergeFunc
	now    func() time.Time
}

func newReconciler(store Store, cache *Cache, codec *payloadCodec, cfg ConflictConfig, events *EventHub) *Reconciler {
	return &Reconciler{
		store:  store,
		cache:  cache,
		codec:  codec,
		cfg:    cfg,
		events: events,
		merges: make(map[string]MergeFunc),
		now:    time.Now,
	}
}

// RegisterMerge installs the merge function for a table.
func (r *Reconciler) RegisterMerge(table string, fn MergeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merges[table] = fn
}

func (r *Reconciler) mergeFunc(table string) MergeFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.merges[table]
}

// EffectiveStrategy returns the table's configured strategy, falling back
// to the engine default.
func (r *Reconciler) EffectiveStrategy(ctx context.Context, table string) Strategy {
	m, err := r.store.GetMetadata(ctx, table)
	if err == nil && m.Strategy.Valid() {
		return m.Strategy
	}
	return r.cfg.DefaultStrategy
}

// SetStrategy pins the resolution strategy for a table.
func (r *Reconciler) SetStrategy(ctx context.Context, table string, strategy Strategy) error {
	if err := ValidateTable(table); err != nil {
		return err
	}
	if !strategy.Valid() {
		return newValidationError("", fmt.Sprintf("unknown resolution strategy %q", strategy), 0, nil)
	}
	m, err := r.store.GetMetadata(ctx, table)
	if errors.Is(err, ErrNotFound) {
		m = &SyncMetadata{Table: table}
	} else if err != nil {
		return err
	}
	m.Strategy = strategy
	return r.store.PutMetadata(ctx, m)
}

func classifyConflict(localVersion int64, vce *VersionConflictError) ConflictType {
	if len(vce.RemoteData) == 0 {
		return ConflictDelete
	}
	if localVersion <= 1 {
		return ConflictCreate
	}
	return ConflictUpdate
}

// Record captures a version conflict for an item the remote rejected.
// The item's record is marked conflicted, which parks its queued writes.
func (r *Reconciler) Record(ctx context.Context, item *QueueItem, vce *VersionConflictError) (*Conflict, error) {
	var localData []byte
	localVersion := vce.LocalVersion
	rec, err := r.cache.Get(ctx, item.Table, item.RecordID)
	switch {
	case err == nil:
		localData = rec.Data
		localVersion = rec.Version
	case errors.Is(err, ErrNotFound):
		// The record was never cached locally, keep the action payload
		// as the local side of the divergence.
		if payload, perr := r.codec.Decode(item.Payload); perr == nil {
			localData = payload
		}
	default:
		return nil, err
	}

	c := &Conflict{
		ID:            uuid.NewString(),
		Table:         item.Table,
		RecordID:      item.RecordID,
		Action:        item.Action,
		Type:          classifyConflict(localVersion, vce),
		LocalData:     localData,
		RemoteData:    vce.RemoteData,
		LocalVersion:  localVersion,
		RemoteVersion: vce.RemoteVersion,
		DetectedAt:    r.now().UTC(),
	}
	if err := r.putConflict(ctx, c); err != nil {
		return nil, err
	}
	if err := r.store.SetRecordStatus(ctx, c.Table, c.RecordID, SyncConflict); err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	r.bumpConflictCount(ctx, c.Table)
	r.metrics.observeConflict(c.Type)

	slog.Warn("version conflict detected",
		"table", c.Table,
		"record", c.RecordID,
		"type", c.Type,
		"local_version", c.LocalVersion,
		"remote_version", c.RemoteVersion)
	r.events.Publish(Event{
		Type:       EventConflictDetected,
		ConflictID: c.ID,
		Action:     c.Action,
		Table:      c.Table,
		RecordID:   c.RecordID,
		Detail:     string(c.Type),
	})
	return c, nil
}

// putConflict stores a conflict with its data snapshots encoded the same
// way queue payloads are.
func (r *Reconciler) putConflict(ctx context.Context, c *Conflict) error {
	stored := *c
	var err error
	if stored.LocalData, err = r.codec.Encode(c.LocalData); err != nil {
		return err
	}
	if stored.RemoteData, err = r.codec.Encode(c.RemoteData); err != nil {
		return err
	}
	return r.store.PutConflict(ctx, &stored)
}

func (r *Reconciler) decodeConflict(c *Conflict) (*Conflict, error) {
	var err error
	if c.LocalData, err = r.codec.Decode(c.LocalData); err != nil {
		return nil, err
	}
	if c.RemoteData, err = r.codec.Decode(c.RemoteData); err != nil {
		return nil, err
	}
	return c, nil
}

// Conflict returns one conflict with its data decoded.
func (r *Reconciler) Conflict(ctx context.Context, id string) (*Conflict, error) {
	c, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.decodeConflict(c)
}

// Conflicts lists conflicts, newest first, with their data decoded.
func (r *Reconciler) Conflicts(ctx context.Context, includeResolved bool) ([]*Conflict, error) {
	cs, err := r.store.Conflicts(ctx, includeResolved)
	if err != nil {
		return nil, err
	}
	for i, c := range cs {
		if cs[i], err = r.decodeConflict(c); err != nil {
			return nil, err
		}
	}
	return cs, nil
}

// OpenCount returns the number of unresolved conflicts.
func (r *Reconciler) OpenCount(ctx context.Context) (int, error) {
	return r.store.UnresolvedConflictCount(ctx)
}

// Resolve applies a resolution strategy to an open conflict. An empty
// strategy follows the table's configured strategy. Resolving with
// StrategyManual is invalid: manual means a person picks one of the
// other strategies.
func (r *Reconciler) Resolve(ctx context.Context, id string, strategy Strategy) (*Conflict, error) {
	c, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Resolved {
		return nil, newValidationError(c.Action, "conflict is already resolved", 0, nil)
	}
	if c, err = r.decodeConflict(c); err != nil {
		return nil, err
	}

	if strategy == "" {
		strategy = r.EffectiveStrategy(ctx, c.Table)
	}
	if !strategy.Valid() {
		return nil, newValidationError(c.Action, fmt.Sprintf("unknown resolution strategy %q", strategy), 0, nil)
	}
	if strategy == StrategyManual {
		return nil, newValidationError(c.Action, "manual conflicts need an explicit strategy", 0, nil)
	}

	applied := strategy
	switch strategy {
	case StrategyOverwriteLocal:
		err = r.applyOverwriteLocal(ctx, c)
	case StrategyOverwriteRemote:
		err = r.applyOverwriteRemote(ctx, c, c.LocalData)
	case StrategyMerge:
		applied, err = r.applyMerge(ctx, c)
	}
	if err != nil {
		return nil, err
	}

	c.Resolved = true
	c.ResolvedAt = r.now().UTC()
	c.Resolution = applied
	if err := r.putConflict(ctx, c); err != nil {
		return nil, err
	}

	r.metrics.observeResolution(applied)
	slog.Info("conflict resolved",
		"table", c.Table,
		"record", c.RecordID,
		"strategy", applied)
	r.events.Publish(Event{
		Type:       EventConflictResolved,
		ConflictID: c.ID,
		Action:     c.Action,
		Table:      c.Table,
		RecordID:   c.RecordID,
		State:      string(applied),
	})
	return c, nil
}

// applyOverwriteLocal adopts the remote copy and abandons queued local
// writes for the record.
func (r *Reconciler) applyOverwriteLocal(ctx context.Context, c *Conflict) error {
	if err := r.discardRecordItems(ctx, c.Table, c.RecordID); err != nil {
		return err
	}
	if len(c.RemoteData) == 0 {
		return r.cache.Delete(ctx, c.Table, c.RecordID)
	}
	return r.cache.Adopt(ctx, c.Table, c.RecordID, c.RemoteData, c.RemoteVersion)
}

// applyOverwriteRemote keeps the given data locally and enqueues a
// corrective write on the remote's version basis. The superseded queued
// writes for the record are dropped first.
func (r *Reconciler) applyOverwriteRemote(ctx context.Context, c *Conflict, data []byte) error {
	if err := r.discardRecordItems(ctx, c.Table, c.RecordID); err != nil {
		return err
	}
	if err := r.cache.RaiseVersion(ctx, c.Table, c.RecordID, c.RemoteVersion); err != nil {
		return err
	}
	if r.enqueue == nil {
		return nil
	}
	_, err := r.enqueue(ctx, c.Action, data, EnqueueOptions{Table: c.Table, RecordID: c.RecordID})
	return err
}

// applyMerge merges both copies and writes the result locally and
// remotely. Without a registered merge function it degrades to keeping
// the local copy. Returns the strategy actually applied.
func (r *Reconciler) applyMerge(ctx context.Context, c *Conflict) (Strategy, error) {
	fn := r.mergeFunc(c.Table)
	if fn == nil {
		r.metrics.observeMergeFallback()
		slog.Warn("no merge function registered, keeping local copy",
			"table", c.Table,
			"record", c.RecordID)
		r.events.Publish(Event{
			Type:       EventMergeFallback,
			ConflictID: c.ID,
			Table:      c.Table,
			RecordID:   c.RecordID,
			Detail:     "no merge function registered for table",
		})
		return StrategyOverwriteRemote, r.applyOverwriteRemote(ctx, c, c.LocalData)
	}

	merged, err := fn(c.LocalData, c.RemoteData)
	if err != nil {
		return StrategyMerge, fmt.Errorf("merge %s/%s: %w", c.Table, c.RecordID, err)
	}
	if err := r.discardRecordItems(ctx, c.Table, c.RecordID); err != nil {
		return StrategyMerge, err
	}
	if err := r.cache.RaiseVersion(ctx, c.Table, c.RecordID, c.RemoteVersion); err != nil {
		return StrategyMerge, err
	}
	if _, err := r.cache.Put(ctx, c.Table, c.RecordID, merged); err != nil {
		return StrategyMerge, err
	}
	if r.enqueue != nil {
		if _, err := r.enqueue(ctx, c.Action, merged, EnqueueOptions{Table: c.Table, RecordID: c.RecordID}); err != nil {
			return StrategyMerge, err
		}
	}
	return StrategyMerge, nil
}

// discardRecordItems drops queued writes for the record. The resolution
// outcome supersedes them.
func (r *Reconciler) discardRecordItems(ctx context.Context, table, recordID string) error {
	items, err := r.store.ItemsByRecord(ctx, table, recordID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Status == StatusCompleted {
			continue
		}
		if err := r.store.DeleteItem(ctx, item.ID); err != nil {
			return err
		}
		r.metrics.observeDiscarded()
		r.events.Publish(Event{
			Type:     EventItemDiscarded,
			ItemID:   item.ID,
			Action:   item.Action,
			Table:    table,
			RecordID: recordID,
			Detail:   "superseded by conflict resolution",
		})
	}
	return nil
}

func (r *Reconciler) bumpConflictCount(ctx context.Context, table string) {
	m, err := r.store.GetMetadata(ctx, table)
	if errors.Is(err, ErrNotFound) {
		m = &SyncMetadata{Table: table}
	} else if err != nil {
		slog.Warn("conflict count not updated", "table", table, "error", err)
		return
	}
	m.ConflictCount++
	if err := r.store.PutMetadata(ctx, m); err != nil {
		slog.Warn("conflict count not updated", "table", table, "error", err)
	}
}

// ResolveAll resolves every open conflict, with an empty strategy
// following each table's configured strategy. It returns how many were
// resolved and the first error encountered.
func (r *Reconciler) ResolveAll(ctx context.Context, strategy Strategy) (int, error) {
	open, err := r.store.Conflicts(ctx, false)
	if err != nil {
		return 0, err
	}
	resolved := 0
	var firstErr error
	for _, c := range open {
		if _, err := r.Resolve(ctx, c.ID, strategy); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resolved++
	}
	return resolved, firstErr
}

// Sweep removes resolved conflicts past their retention.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	if r.cfg.ResolvedRetention <= 0 {
		return 0, nil
	}
	return r.store.PurgeResolvedConflictsBefore(ctx, r.now().UTC().Add(-r.cfg.ResolvedRetention))
}
