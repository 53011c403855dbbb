package lockstep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateKeyOutbound is the limiter key shared by all outbound delivery
// requests. The limiter is keyed so budgets can split per endpoint later;
// today one global budget covers the remote.
const rateKeyOutbound = "outbound"

// SyncResult summarizes one drain cycle.
type SyncResult struct {
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
	Attempted   int       `json:"attempted"`
	Delivered   int       `json:"delivered"`
	Failed      int       `json:"failed"`
	Deferred    int       `json:"deferred"`
	Conflicts   int       `json:"conflicts"`
	RateLimited bool      `json:"rate_limited,omitempty"`
}

// Syncer drains the queue toward the remote. Cycles are single flight:
// triggers arriving while one runs coalesce into one trailing rerun, so
// bursts of timer ticks, connectivity flips and ForceSync calls cost at
// most two cycles.
type Syncer struct {
	queue     *Queue
	cache     *Cache
	recon     *Reconciler
	store     Store
	operator  Operator
	limiter   *RateLimiter
	breakers  *BreakerSet
	retryer   *Retryer
	events    *EventHub
	cfg       SyncConfig
	rateCfg   RateLimitConfig
	classify  func(action, table string) string
	online    func() bool
	bandwidth *rate.Limiter
	metrics   *metrics

	mu    sync.Mutex
	rerun atomic.Bool
	last  atomic.Value
	now   func() time.Time
}

func defaultClassify(action, table string) string {
	if table != "" {
		return table
	}
	return action
}

func newSyncer(queue *Queue, cache *Cache, recon *Reconciler, store Store, operator Operator,
	cfg Config, limiter *RateLimiter, breakers *BreakerSet, events *EventHub, online func() bool) *Syncer {

	classify := cfg.Breaker.Classify
	if classify == nil {
		classify = defaultClassify
	}
	s := &Syncer{
		queue:    queue,
		cache:    cache,
		recon:    recon,
		store:    store,
		operator: operator,
		limiter:  limiter,
		breakers: breakers,
		retryer:  NewRetryer(cfg.Retry),
		events:   events,
		cfg:      cfg.Sync,
		rateCfg:  cfg.RateLimit,
		classify: classify,
		online:   online,
		now:      time.Now,
	}
	if cfg.Sync.BandwidthLimit > 0 {
		// One second of budget as burst so single payloads up to the
		// limit pass without waiting.
		s.bandwidth = rate.NewLimiter(rate.Limit(cfg.Sync.BandwidthLimit), cfg.Sync.BandwidthLimit)
	}
	return s
}

// ForceSync runs a drain cycle now, online or not. When a cycle is
// already running the request coalesces into one trailing rerun and
// ErrSyncInProgress is returned.
func (s *Syncer) ForceSync(ctx context.Context) (*SyncResult, error) {
	return s.drain(ctx, true)
}

// Drain runs a cycle unless the engine believes it is offline. The sync
// timer and connectivity transitions call this.
func (s *Syncer) Drain(ctx context.Context) (*SyncResult, error) {
	return s.drain(ctx, false)
}

func (s *Syncer) drain(ctx context.Context, force bool) (*SyncResult, error) {
	if !force && s.online != nil && !s.online() {
		return nil, nil
	}
	if !s.mu.TryLock() {
		s.rerun.Store(true)
		return nil, ErrSyncInProgress
	}
	defer s.mu.Unlock()

	result, err := s.cycle(ctx)
	for err == nil && ctx.Err() == nil && s.rerun.CompareAndSwap(true, false) {
		if _, rerr := s.cycle(ctx); rerr != nil {
			slog.Warn("coalesced sync cycle failed", "error", rerr)
			break
		}
	}
	return result, err
}

// LastResult returns the most recent cycle summary, or nil before the
// first cycle.
func (s *Syncer) LastResult() *SyncResult {
	v, ok := s.last.Load().(SyncResult)
	if !ok {
		return nil
	}
	return &v
}

func (s *Syncer) cycle(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{Started: s.now().UTC()}
	s.events.Publish(Event{Type: EventSyncStarted})

	// Deferred items return to pending mid-cycle; remembering what this
	// cycle already tried keeps the batch loop from spinning on them.
	seen := make(map[string]bool)
	var cycleErr error

drain:
	for {
		if err := ctx.Err(); err != nil {
			cycleErr = err
			break
		}
		items, err := s.queue.Due(ctx, s.cfg.BatchSize)
		if err != nil {
			cycleErr = err
			break
		}
		progressed := false
		for _, item := range items {
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			progressed = true
			if stop := s.deliver(ctx, item, result); stop {
				break drain
			}
		}
		if !progressed {
			break
		}
	}

	if _, err := s.queue.PurgeCompleted(ctx); err != nil {
		slog.Warn("completed items not purged", "error", err)
	}

	result.Finished = s.now().UTC()
	s.last.Store(*result)
	s.metrics.observeCycle(result)
	s.events.Publish(Event{
		Type: EventSyncFinished,
		Detail: fmt.Sprintf("delivered %d, failed %d, deferred %d, conflicts %d",
			result.Delivered, result.Failed, result.Deferred, result.Conflicts),
	})
	if result.Attempted > 0 {
		slog.Info("sync cycle finished",
			"attempted", result.Attempted,
			"delivered", result.Delivered,
			"failed", result.Failed,
			"deferred", result.Deferred,
			"conflicts", result.Conflicts,
			"rate_limited", result.RateLimited,
			"elapsed", result.Finished.Sub(result.Started))
	}
	return result, cycleErr
}

// deliver pushes one item at the remote. Returns true when the cycle
// should stop early.
func (s *Syncer) deliver(ctx context.Context, item *QueueItem, result *SyncResult) (stop bool) {
	if err := s.queue.MarkInFlight(ctx, item); err != nil {
		// Raced with a resolution or another actor; leave it alone.
		return false
	}
	result.Attempted++

	payload, err := s.queue.Payload(item)
	if err != nil {
		slog.Error("payload unreadable, failing item",
			"item", item.ID, "action", item.Action, "error", err)
		s.failItem(ctx, item, fmt.Sprintf("payload unreadable: %v", err), true, result)
		return false
	}

	class := s.classify(item.Action, item.Table)
	remaining := item.MaxAttempts - item.Attempts
	if remaining < 1 {
		remaining = 1
	}

	var calls int
	var opResult *OperationResult
	op := func() error {
		calls++
		opCtx := ctx
		if s.cfg.OpTimeout > 0 {
			var cancel context.CancelFunc
			opCtx, cancel = context.WithTimeout(ctx, s.cfg.OpTimeout)
			defer cancel()
		}
		start := s.now()
		res, err := s.operator.Perform(opCtx, item.Action, payload)
		s.metrics.observeDelivery(s.now().Sub(start))
		if err != nil {
			return err
		}
		opResult = res
		return nil
	}

	// Admission runs outside the breaker. A limiter denial or a wait
	// cut short by the caller says nothing about the remote and must
	// not reset or advance breaker state.
	res := s.retryer.DoN(ctx, remaining, func() error {
		d := s.limiter.CheckAndConsume(rateKeyOutbound, s.rateCfg.MaxRequests, s.rateCfg.Window)
		if !d.Allowed {
			return fmt.Errorf("%w: retry after %s", ErrRateLimited, d.RetryAfter.Round(time.Millisecond))
		}
		if err := s.waitBandwidth(ctx, len(payload)); err != nil {
			return err
		}
		return s.breakers.Execute(class, op)
	})

	// Only attempts that reached the network count against the item's
	// budget; breaker and limiter rejections are free.
	item.Attempts += calls

	if res.LastErr == nil {
		s.completeItem(ctx, item, opResult, result)
		return false
	}
	return s.settleFailure(ctx, item, res.LastErr, result)
}

func (s *Syncer) waitBandwidth(ctx context.Context, n int) error {
	if s.bandwidth == nil || n <= 0 {
		return nil
	}
	if b := s.bandwidth.Burst(); n > b {
		n = b
	}
	return s.bandwidth.WaitN(ctx, n)
}

// settleTimeout bounds the detached status writes made after the drain
// context is gone.
const settleTimeout = 5 * time.Second

// settleCtx returns a context for writes recording an item's final
// status. Once the drain context is done those writes still have to
// land, or the item sits in_flight until the next restart, so a short
// detached deadline stands in for the dead one.
func settleCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), settleTimeout)
}

func (s *Syncer) completeItem(ctx context.Context, item *QueueItem, opResult *OperationResult, result *SyncResult) {
	ctx, cancel := settleCtx(ctx)
	defer cancel()

	if err := s.queue.MarkCompleted(ctx, item); err != nil {
		slog.Warn("delivered item not marked completed", "item", item.ID, "error", err)
		return
	}
	result.Delivered++

	if item.Table != "" {
		var remoteVersion int64
		if opResult != nil {
			remoteVersion = opResult.RemoteVersion
		}
		if err := s.cache.MarkSynced(ctx, item.Table, item.RecordID, remoteVersion); err != nil {
			slog.Warn("record not marked synced",
				"table", item.Table, "record", item.RecordID, "error", err)
		}
		s.bumpLastSync(ctx, item.Table)
	}
}

func (s *Syncer) settleFailure(ctx context.Context, item *QueueItem, cause error, result *SyncResult) (stop bool) {
	var vce *VersionConflictError
	if errors.As(cause, &vce) {
		return s.settleConflict(ctx, item, vce, result)
	}

	if errors.Is(cause, ErrRateLimited) {
		result.RateLimited = true
		s.events.Publish(Event{Type: EventRateLimited, Action: item.Action, Detail: cause.Error()})
		s.failItem(ctx, item, cause.Error(), false, result)
		return true
	}
	if errors.Is(cause, ErrCircuitOpen) {
		s.failItem(ctx, item, fmt.Sprintf("%s: %s", s.classify(item.Action, item.Table), cause.Error()), false, result)
		return false
	}

	var verr *ValidationError
	if errors.As(cause, &verr) {
		s.failItem(ctx, item, cause.Error(), true, result)
		return false
	}

	terminal := item.Attempts >= item.MaxAttempts
	s.failItem(ctx, item, cause.Error(), terminal, result)
	return ctx.Err() != nil
}

func (s *Syncer) settleConflict(ctx context.Context, item *QueueItem, vce *VersionConflictError, result *SyncResult) (stop bool) {
	if item.Table == "" {
		// Nothing to reconcile against for an unscoped action.
		s.failItem(ctx, item, vce.Error(), true, result)
		return false
	}
	vce.Table = item.Table
	vce.RecordID = item.RecordID

	ctx, cancel := settleCtx(ctx)
	defer cancel()

	s.failItem(ctx, item, "version conflict detected", false, result)
	c, err := s.recon.Record(ctx, item, vce)
	if err != nil {
		slog.Error("conflict not recorded",
			"table", item.Table, "record", item.RecordID, "error", err)
		return false
	}
	result.Conflicts++

	if strategy := s.recon.EffectiveStrategy(ctx, item.Table); strategy != StrategyManual {
		if _, err := s.recon.Resolve(ctx, c.ID, strategy); err != nil {
			slog.Warn("automatic conflict resolution failed",
				"conflict", c.ID, "strategy", strategy, "error", err)
		}
	}
	return false
}

func (s *Syncer) failItem(ctx context.Context, item *QueueItem, cause string, terminal bool, result *SyncResult) {
	ctx, cancel := settleCtx(ctx)
	defer cancel()

	if err := s.queue.MarkFailed(ctx, item, cause, terminal); err != nil {
		slog.Warn("item status not updated", "item", item.ID, "error", err)
		return
	}
	if terminal {
		result.Failed++
		slog.Warn("item failed terminally",
			"item", item.ID, "action", item.Action, "attempts", item.Attempts, "error", cause)
	} else {
		result.Deferred++
	}
}

func (s *Syncer) bumpLastSync(ctx context.Context, table string) {
	m, err := s.store.GetMetadata(ctx, table)
	if errors.Is(err, ErrNotFound) {
		m = &SyncMetadata{Table: table}
	} else if err != nil {
		slog.Warn("sync time not recorded", "table", table, "error", err)
		return
	}
	m.LastSyncAt = s.now().UTC()
	if err := s.store.PutMetadata(ctx, m); err != nil {
		slog.Warn("sync time not recorded", "table", table, "error", err)
	}
}
