package lockstep

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsNamespace prefixes every metric the engine registers.
const metricsNamespace = "lockstep"

// metrics holds the Prometheus instruments for one engine instance.
// Every engine owns its own registry so two engines in the same process
// never collide on registration. All observe methods are safe on a nil
// receiver, which keeps instrumentation optional for components built
// directly in tests.
type metrics struct {
	registry *prometheus.Registry

	itemsEnqueued  prometheus.Counter
	itemsDelivered prometheus.Counter
	itemsFailed    prometheus.Counter
	itemsDeferred  prometheus.Counter
	itemsDiscarded prometheus.Counter

	syncCycles      prometheus.Counter
	rateLimited     prometheus.Counter
	deliverySeconds prometheus.Histogram

	conflictsDetected *prometheus.CounterVec
	conflictsResolved *prometheus.CounterVec
	mergeFallbacks    prometheus.Counter

	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec

	queueDepth      *prometheus.GaugeVec
	openConflicts   prometheus.Gauge
	healthScore     prometheus.Gauge
	rateSaturation  prometheus.Gauge
	online          prometheus.Gauge
	storageDegraded prometheus.Gauge
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &metrics{
		registry: registry,

		itemsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_items_enqueued_total",
			Help:      "Items accepted into the action queue.",
		}),
		itemsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_items_delivered_total",
			Help:      "Items delivered to the remote.",
		}),
		itemsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_items_failed_total",
			Help:      "Items that failed terminally.",
		}),
		itemsDeferred: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_items_deferred_total",
			Help:      "Delivery attempts pushed back to a later cycle.",
		}),
		itemsDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_items_discarded_total",
			Help:      "Items removed without delivery.",
		}),

		syncCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sync_cycles_total",
			Help:      "Completed sync cycles.",
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sync_rate_limited_total",
			Help:      "Cycles stopped early by the outbound rate limit.",
		}),
		deliverySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "sync_delivery_seconds",
			Help:      "Latency of individual delivery calls.",
			Buckets:   prometheus.DefBuckets,
		}),

		conflictsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "conflicts_detected_total",
			Help:      "Version conflicts recorded, by conflict type.",
		}, []string{"type"}),
		conflictsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "conflicts_resolved_total",
			Help:      "Conflicts resolved, by applied strategy.",
		}, []string{"strategy"}),
		mergeFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "merge_fallbacks_total",
			Help:      "Merge resolutions that fell back to keeping the local copy.",
		}),

		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state changes, by class and new state.",
		}, []string{"class", "to"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per class: 0 closed, 1 half-open, 2 open.",
		}, []string{"class"}),

		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_depth",
			Help:      "Queue items by status.",
		}, []string{"status"}),
		openConflicts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "conflicts_open",
			Help:      "Unresolved conflicts awaiting resolution.",
		}),
		healthScore: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "health_score",
			Help:      "Composite health score from 0 to 100.",
		}),
		rateSaturation: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rate_saturation",
			Help:      "Fraction of the outbound rate budget consumed.",
		}),
		online: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "online",
			Help:      "1 when the engine believes the network is reachable.",
		}),
		storageDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "storage_degraded",
			Help:      "1 after the durable store failed and the engine fell back to memory.",
		}),
	}
}

func (m *metrics) observeEnqueued() {
	if m == nil {
		return
	}
	m.itemsEnqueued.Inc()
}

func (m *metrics) observeDiscarded() {
	if m == nil {
		return
	}
	m.itemsDiscarded.Inc()
}

func (m *metrics) observeDelivery(d time.Duration) {
	if m == nil {
		return
	}
	m.deliverySeconds.Observe(d.Seconds())
}

// observeCycle folds one finished cycle's tallies into the counters.
func (m *metrics) observeCycle(res *SyncResult) {
	if m == nil || res == nil {
		return
	}
	m.syncCycles.Inc()
	m.itemsDelivered.Add(float64(res.Delivered))
	m.itemsFailed.Add(float64(res.Failed))
	m.itemsDeferred.Add(float64(res.Deferred))
	if res.RateLimited {
		m.rateLimited.Inc()
	}
}

func (m *metrics) observeConflict(t ConflictType) {
	if m == nil {
		return
	}
	m.conflictsDetected.WithLabelValues(string(t)).Inc()
}

func (m *metrics) observeResolution(s Strategy) {
	if m == nil {
		return
	}
	m.conflictsResolved.WithLabelValues(string(s)).Inc()
}

func (m *metrics) observeMergeFallback() {
	if m == nil {
		return
	}
	m.mergeFallbacks.Inc()
}

func (m *metrics) observeBreaker(class string, to BreakerState) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(class, string(to)).Inc()
	m.breakerState.WithLabelValues(class).Set(breakerStateValue(to))
}

func breakerStateValue(s BreakerState) float64 {
	switch s {
	case BreakerOpen:
		return 2
	case BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}

// observeQueue refreshes the depth gauges from a stats snapshot.
func (m *metrics) observeQueue(stats QueueStats) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(string(StatusPending)).Set(float64(stats.Pending))
	m.queueDepth.WithLabelValues(string(StatusInFlight)).Set(float64(stats.InFlight))
	m.queueDepth.WithLabelValues(string(StatusCompleted)).Set(float64(stats.Completed))
	m.queueDepth.WithLabelValues(string(StatusFailed)).Set(float64(stats.Failed))
}

// observeHealth refreshes the gauges derived from a health report.
func (m *metrics) observeHealth(rep HealthReport) {
	if m == nil {
		return
	}
	m.healthScore.Set(float64(rep.Score))
	m.rateSaturation.Set(rep.RateSaturation)
	m.openConflicts.Set(float64(rep.OpenConflicts))
	m.online.Set(boolValue(rep.Online))
	m.storageDegraded.Set(boolValue(rep.StorageDegraded))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
