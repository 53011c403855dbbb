package lockstep

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is the externally observable engine state: the health report
// plus queue occupancy, per-class breaker states and the last sync cycle.
type Snapshot struct {
	Health   HealthReport               `json:"health"`
	Queue    QueueStats                 `json:"queue"`
	Breakers map[string]BreakerSnapshot `json:"breakers,omitempty"`
	LastSync *SyncResult                `json:"last_sync,omitempty"`
}

// StatusSubscription delivers snapshots as the health monitor re-evaluates.
type StatusSubscription struct {
	ch   chan Snapshot
	once sync.Once
}

// C returns the channel snapshots arrive on.
func (s *StatusSubscription) C() <-chan Snapshot {
	return s.ch
}

// Close ends the subscription.
func (s *StatusSubscription) Close() {
	s.once.Do(func() { close(s.ch) })
}

// Engine is the resilience and offline-synchronization core. It owns the
// durable queue, the local cache, the rate limiter, the per-class circuit
// breakers, the retry scheduler, the conflict reconciler, and the health
// monitor, and runs their background tasks under one lifecycle.
type Engine struct {
	cfg       Config
	store     Store
	degrading *degradingStore
	codec     *payloadCodec
	queue     *Queue
	cache     *Cache
	recon     *Reconciler
	syncer    *Syncer
	limiter   *RateLimiter
	breakers  *BreakerSet
	health    *HealthMonitor
	events    *EventHub
	metrics   *metrics
	prober    *Prober
	feed      *statusFeed
	archiver  *Archiver

	online atomic.Bool
	closed atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	statusMu   sync.Mutex
	statusSubs map[*StatusSubscription]struct{}
}

// Open wires the engine together and starts its background tasks. The
// durable store opens at cfg.Path unless cfg.Store overrides it; when the
// durable store cannot be opened the engine starts degraded on memory
// rather than failing, so the session keeps working without persistence.
func Open(cfg Config) (*Engine, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	codec, err := newPayloadCodec(cfg.Compression, cfg.Encryption)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		codec:      codec,
		events:     NewEventHub(0),
		metrics:    newMetrics(),
		statusSubs: make(map[*StatusSubscription]struct{}),
	}
	e.online.Store(true)

	degradedAtOpen := false
	if cfg.Store != nil {
		e.store = cfg.Store
	} else {
		primary, err := NewSQLiteStore(DefaultSQLiteStoreConfig(cfg.Path))
		if err != nil {
			slog.Error("durable store unavailable, starting in memory",
				"path", cfg.Path, "error", err)
			e.degrading = newDegradingStore(NewMemoryStore(), nil)
			e.degrading.degraded = true
			degradedAtOpen = true
		} else {
			e.degrading = newDegradingStore(primary, func(err error) {
				e.events.Publish(Event{Type: EventStorageDegraded, Detail: err.Error()})
			})
		}
		e.store = e.degrading
	}

	e.queue = newQueue(e.store, codec, cfg.Queue, e.events)
	e.queue.metrics = e.metrics
	e.cache = newCache(e.store, codec)

	e.recon = newReconciler(e.store, e.cache, codec, cfg.Conflicts, e.events)
	e.recon.metrics = e.metrics
	e.recon.enqueue = func(ctx context.Context, action string, payload []byte, opts EnqueueOptions) (*QueueItem, error) {
		return e.queue.Enqueue(ctx, action, payload, opts)
	}

	e.limiter = NewRateLimiter()
	e.breakers = NewBreakerSet(cfg.Breaker, func(class string, from, to BreakerState) {
		slog.Info("circuit breaker state changed", "class", class, "from", from, "to", to)
		e.metrics.observeBreaker(class, to)
		e.events.Publish(Event{
			Type:   EventBreakerChanged,
			Class:  class,
			State:  string(to),
			Detail: string(from) + " -> " + string(to),
		})
	})

	e.syncer = newSyncer(e.queue, e.cache, e.recon, e.store, cfg.Operator,
		cfg, e.limiter, e.breakers, e.events, e.online.Load)
	e.syncer.metrics = e.metrics

	e.health = newHealthMonitor(cfg.Health, HealthProbes{
		Breakers:   e.breakers.Snapshot,
		Saturation: e.limiter.Saturation,
		Degraded:   e.storageDegraded,
		Online:     e.online.Load,
		QueueStats: e.queue.Stats,
		Conflicts:  e.recon.OpenCount,
		LastResult: e.syncer.LastResult,
	}, e.events)

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	// Items left in flight by a crash go back to pending before any
	// cycle runs.
	if n, err := e.queue.RecoverInFlight(ctx); err != nil {
		slog.Warn("in-flight items not recovered", "error", err)
	} else if n > 0 {
		slog.Info("recovered items orphaned in flight", "count", n)
	}
	if degradedAtOpen {
		e.events.Publish(Event{Type: EventStorageDegraded, Detail: "durable store unavailable at open"})
	}

	if cfg.Connectivity != nil {
		e.prober = newProber(*cfg.Connectivity, nil, e.SetOnline)
		e.run(func() { e.prober.Run(ctx) })
	}
	if cfg.Archive != nil && cfg.Archive.Enabled {
		archiver, err := newArchiver(e.store, *cfg.Archive)
		if err != nil {
			cancel()
			e.wg.Wait()
			return nil, err
		}
		e.archiver = archiver
		e.run(func() { archiver.Run(ctx) })
	}
	if cfg.StatusFeed != nil && cfg.StatusFeed.Enabled {
		e.feed = newStatusFeed(*cfg.StatusFeed, e.queue, e.cache, e.recon,
			e.events, e.metrics, e.Status, e.ForceSync)
		if err := e.feed.Start(); err != nil {
			cancel()
			e.wg.Wait()
			return nil, err
		}
	}

	e.run(func() { e.syncLoop(ctx) })
	e.run(func() { e.sweepLoop(ctx) })
	e.run(func() { e.healthLoop(ctx) })

	slog.Info("engine opened",
		"path", cfg.Path,
		"degraded", e.storageDegraded(),
		"sync_interval", cfg.Sync.Interval)
	return e, nil
}

func (e *Engine) run(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) storageDegraded() bool {
	return e.degrading != nil && e.degrading.Degraded()
}

// Enqueue persists an action for delivery and returns its ID. The action
// is delivered by a later sync cycle; enqueueing never touches the
// network.
func (e *Engine) Enqueue(ctx context.Context, action string, payload []byte, opts EnqueueOptions) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	item, err := e.queue.Enqueue(ctx, action, payload, opts)
	if err != nil {
		return "", err
	}
	return item.ID, nil
}

// ForceSync runs a drain cycle now, online or not. Returns
// ErrSyncInProgress when a cycle is already draining; the request still
// coalesces into a trailing rerun.
func (e *Engine) ForceSync(ctx context.Context) (*SyncResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.syncer.ForceSync(ctx)
}

// SetOnline tells the engine whether the remote is reachable. An
// offline-to-online transition triggers a drain cycle.
func (e *Engine) SetOnline(online bool) {
	if e.closed.Load() {
		return
	}
	was := e.online.Swap(online)
	if was == online {
		return
	}
	if online {
		slog.Info("connectivity restored")
		e.events.Publish(Event{Type: EventOnline})
		e.triggerSync()
	} else {
		slog.Info("connectivity lost, queueing locally")
		e.events.Publish(Event{Type: EventOffline})
	}
}

// Online reports whether the engine believes the remote is reachable.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// triggerSync starts a drain in the background, coalescing with any
// cycle already running.
func (e *Engine) triggerSync() {
	e.run(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if e.closed.Load() {
			return
		}
		if _, err := e.syncer.Drain(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
			slog.Warn("triggered sync failed", "error", err)
		}
	})
}

// Status returns the current engine snapshot.
func (e *Engine) Status() Snapshot {
	snap := Snapshot{
		Health:   e.health.Current(),
		Breakers: e.breakers.Snapshot(),
		LastSync: e.syncer.LastResult(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stats, err := e.queue.Stats(ctx); err == nil {
		snap.Queue = stats
	}
	return snap
}

// SubscribeStatus delivers a snapshot on every health re-evaluation.
// Slow consumers miss snapshots rather than block the engine.
func (e *Engine) SubscribeStatus() *StatusSubscription {
	sub := &StatusSubscription{ch: make(chan Snapshot, 8)}
	e.statusMu.Lock()
	e.statusSubs[sub] = struct{}{}
	e.statusMu.Unlock()
	return sub
}

// UnsubscribeStatus removes a status subscription and closes its channel.
func (e *Engine) UnsubscribeStatus(sub *StatusSubscription) {
	e.statusMu.Lock()
	_, ok := e.statusSubs[sub]
	delete(e.statusSubs, sub)
	e.statusMu.Unlock()
	if ok {
		sub.Close()
	}
}

func (e *Engine) publishStatus(snap Snapshot) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	for sub := range e.statusSubs {
		select {
		case sub.ch <- snap:
		default:
		}
	}
}

// Events subscribes to engine lifecycle events. With no types, every
// event is delivered.
func (e *Engine) Events(types ...EventType) *EventSubscription {
	return e.events.Subscribe(types...)
}

// Unsubscribe removes an event subscription.
func (e *Engine) Unsubscribe(sub *EventSubscription) {
	e.events.Unsubscribe(sub.ID)
}

// Cache writes a local mutation of a record: the version advances and
// the record is marked pending until it syncs.
func (e *Engine) Cache(ctx context.Context, table, recordID string, data []byte) (*CachedRecord, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.cache.Put(ctx, table, recordID, data)
}

// ReadCache returns the local copies of every record in a table.
func (e *Engine) ReadCache(ctx context.Context, table string) ([]*CachedRecord, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.cache.List(ctx, table)
}

// ReadRecord returns the local copy of one record.
func (e *Engine) ReadRecord(ctx context.Context, table, recordID string) (*CachedRecord, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.cache.Get(ctx, table, recordID)
}

// Item returns a queued item by ID.
func (e *Engine) Item(ctx context.Context, id string) (*QueueItem, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.queue.Item(ctx, id)
}

// FailedItems returns items that failed terminally, oldest first. They
// stay queryable until retried, discarded, or swept by retention.
func (e *Engine) FailedItems(ctx context.Context) ([]*QueueItem, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.queue.Items(ctx, StatusFailed, -1)
}

// RetryItem returns a failed item to pending with a fresh attempt budget.
func (e *Engine) RetryItem(ctx context.Context, id string) (*QueueItem, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.queue.RetryItem(ctx, id)
}

// DiscardItem drops a failed item without delivering it.
func (e *Engine) DiscardItem(ctx context.Context, id string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.queue.DiscardItem(ctx, id)
}

// Conflicts lists conflicts, newest first.
func (e *Engine) Conflicts(ctx context.Context, includeResolved bool) ([]*Conflict, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.recon.Conflicts(ctx, includeResolved)
}

// Resolve applies a strategy to an open conflict. An empty strategy
// follows the table's configured strategy.
func (e *Engine) Resolve(ctx context.Context, id string, strategy Strategy) (*Conflict, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.recon.Resolve(ctx, id, strategy)
}

// ResolveAll resolves every open conflict with the given strategy.
func (e *Engine) ResolveAll(ctx context.Context, strategy Strategy) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	return e.recon.ResolveAll(ctx, strategy)
}

// RegisterMerge installs the merge function used when conflicts in a
// table are resolved with StrategyMerge.
func (e *Engine) RegisterMerge(table string, fn MergeFunc) {
	e.recon.RegisterMerge(table, fn)
}

// SetStrategy pins the default resolution strategy for a table.
func (e *Engine) SetStrategy(ctx context.Context, table string, strategy Strategy) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.recon.SetStrategy(ctx, table, strategy)
}

// Metadata returns per-table sync metadata for every table seen so far.
func (e *Engine) Metadata(ctx context.Context) ([]*SyncMetadata, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.store.AllMetadata(ctx)
}

// QueueStats counts queued items by status.
func (e *Engine) QueueStats(ctx context.Context) (QueueStats, error) {
	if e.closed.Load() {
		return QueueStats{}, ErrClosed
	}
	return e.queue.Stats(ctx)
}

// StatusFeedAddr returns the bound status feed address, or empty when
// the feed is disabled. Useful when the configured port is 0.
func (e *Engine) StatusFeedAddr() string {
	if e.feed == nil {
		return ""
	}
	return e.feed.Addr()
}

// syncLoop drains the queue on the configured interval. A non-positive
// interval disables the timer; cycles then run only on connectivity
// transitions and ForceSync.
func (e *Engine) syncLoop(ctx context.Context) {
	if e.cfg.Sync.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.Sync.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.syncer.Drain(ctx); err != nil &&
				!errors.Is(err, ErrSyncInProgress) && ctx.Err() == nil {
				slog.Warn("scheduled sync failed", "error", err)
			}
		}
	}
}

// sweepLoop applies retention to terminal items and resolved conflicts
// and reclaims idle rate limiter windows.
func (e *Engine) sweepLoop(ctx context.Context) {
	queueTick := time.NewTicker(e.cfg.Queue.SweepInterval)
	defer queueTick.Stop()
	limiterTick := time.NewTicker(e.cfg.RateLimit.SweepInterval)
	defer limiterTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-queueTick.C:
			if n, err := e.queue.Sweep(ctx); err != nil {
				slog.Warn("queue retention sweep failed", "error", err)
			} else if n > 0 {
				slog.Debug("queue retention sweep", "removed", n)
			}
			if n, err := e.recon.Sweep(ctx); err != nil {
				slog.Warn("conflict retention sweep failed", "error", err)
			} else if n > 0 {
				slog.Debug("conflict retention sweep", "removed", n)
			}
		case <-limiterTick.C:
			e.limiter.Sweep()
		}
	}
}

// healthLoop re-evaluates health on the configured interval and fans the
// snapshot out to status subscribers and the metric gauges.
func (e *Engine) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Health.Interval)
	defer ticker.Stop()

	e.refreshStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshStatus(ctx)
		}
	}
}

func (e *Engine) refreshStatus(ctx context.Context) {
	report := e.health.Check(ctx)
	snap := Snapshot{
		Health:   report,
		Breakers: e.breakers.Snapshot(),
		LastSync: e.syncer.LastResult(),
	}
	if stats, err := e.queue.Stats(ctx); err == nil {
		snap.Queue = stats
		e.metrics.observeQueue(stats)
	}
	e.metrics.observeHealth(report)
	e.publishStatus(snap)
}

// Close stops the background tasks, waits for an in-progress cycle to
// finish its current item, and releases the store. Further engine calls
// return ErrClosed.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	e.cancel()
	e.wg.Wait()

	var firstErr error
	if e.feed != nil {
		if err := e.feed.Close(); err != nil {
			firstErr = err
		}
	}

	e.statusMu.Lock()
	subs := make([]*StatusSubscription, 0, len(e.statusSubs))
	for sub := range e.statusSubs {
		subs = append(subs, sub)
	}
	e.statusSubs = make(map[*StatusSubscription]struct{})
	e.statusMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	e.events.Close()

	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	slog.Info("engine closed")
	return firstErr
}
