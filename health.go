package lockstep

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// HealthStatus is the engine's summarized condition.
type HealthStatus string

const (
	// HealthHealthy means deliveries are flowing normally.
	HealthHealthy HealthStatus = "healthy"
	// HealthDegraded means the engine works but something is impaired:
	// open breakers, storage fallback, or a run of delivery failures.
	HealthDegraded HealthStatus = "degraded"
	// HealthUnavailable means the remote is out of reach.
	HealthUnavailable HealthStatus = "unavailable"
)

// HealthReport is one evaluation of engine condition. Score starts at 100
// and loses points for open breakers, limiter saturation, storage
// fallback, recent delivery failures and open conflicts.
type HealthReport struct {
	Status          HealthStatus `json:"status"`
	Score           int          `json:"score"`
	Online          bool         `json:"online"`
	StorageDegraded bool         `json:"storage_degraded"`
	OpenBreakers    []string     `json:"open_breakers,omitempty"`
	RateSaturation  float64      `json:"rate_saturation"`
	RecentFailures  int          `json:"recent_failures"`
	OpenConflicts   int          `json:"open_conflicts"`
	Pending         int          `json:"pending"`
	Failed          int          `json:"failed"`
	CheckedAt       time.Time    `json:"checked_at"`
}

// HealthProbes are the engine internals the monitor samples. Nil probes
// are skipped.
type HealthProbes struct {
	Breakers   func() map[string]BreakerSnapshot
	Saturation func() float64
	Degraded   func() bool
	Online     func() bool
	QueueStats func(ctx context.Context) (QueueStats, error)
	Conflicts  func(ctx context.Context) (int, error)
	LastResult func() *SyncResult
}

type failureSample struct {
	at       time.Time
	failures int
}

// HealthMonitor periodically scores engine condition. The failure window
// is owned by the Run goroutine; Current is safe from any goroutine.
type HealthMonitor struct {
	cfg    HealthConfig
	probes HealthProbes
	events *EventHub

	mu      sync.Mutex
	current HealthReport

	window    []failureSample
	lastCycle time.Time
	now       func() time.Time
}

func newHealthMonitor(cfg HealthConfig, probes HealthProbes, events *EventHub) *HealthMonitor {
	return &HealthMonitor{
		cfg:    cfg,
		probes: probes,
		events: events,
		now:    time.Now,
	}
}

// Check evaluates once and publishes a health event on status changes.
func (h *HealthMonitor) Check(ctx context.Context) HealthReport {
	report := h.evaluate(ctx)

	h.mu.Lock()
	prev := h.current.Status
	h.current = report
	h.mu.Unlock()

	if prev != "" && prev != report.Status {
		slog.Info("health status changed",
			"from", prev, "to", report.Status, "score", report.Score)
		h.events.Publish(Event{
			Type:   EventHealthChanged,
			State:  string(report.Status),
			Detail: fmt.Sprintf("score %d", report.Score),
		})
	}
	return report
}

// Current returns the latest report. Before the first evaluation it
// assumes a healthy engine.
func (h *HealthMonitor) Current() HealthReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current.Status == "" {
		return HealthReport{Status: HealthHealthy, Score: 100, Online: true}
	}
	return h.current
}

func (h *HealthMonitor) evaluate(ctx context.Context) HealthReport {
	r := HealthReport{CheckedAt: h.now().UTC(), Score: 100, Online: true}

	if h.probes.Online != nil {
		r.Online = h.probes.Online()
	}
	if h.probes.Degraded != nil {
		r.StorageDegraded = h.probes.Degraded()
	}

	totalBreakers := 0
	if h.probes.Breakers != nil {
		snaps := h.probes.Breakers()
		totalBreakers = len(snaps)
		for class, snap := range snaps {
			switch snap.State {
			case BreakerOpen:
				r.OpenBreakers = append(r.OpenBreakers, class)
			case BreakerHalfOpen:
				r.Score -= 10
			}
		}
		sort.Strings(r.OpenBreakers)
		r.Score -= 30 * len(r.OpenBreakers)
	}

	if h.probes.Saturation != nil {
		r.RateSaturation = h.probes.Saturation()
		r.Score -= int(20 * r.RateSaturation)
	}
	if h.probes.QueueStats != nil {
		if qs, err := h.probes.QueueStats(ctx); err == nil {
			r.Pending = qs.Pending
			r.Failed = qs.Failed
		}
	}
	if h.probes.Conflicts != nil {
		if n, err := h.probes.Conflicts(ctx); err == nil {
			r.OpenConflicts = n
			r.Score -= capped(2*n, 10)
		}
	}
	if h.probes.LastResult != nil {
		h.noteCycle(h.probes.LastResult())
		r.RecentFailures = h.recentFailures()
		r.Score -= capped(5*r.RecentFailures, 30)
	}
	if r.StorageDegraded {
		r.Score -= 30
	}
	if !r.Online {
		r.Score -= 60
	}
	if r.Score < 0 {
		r.Score = 0
	}

	switch {
	case !r.Online:
		r.Status = HealthUnavailable
	case totalBreakers > 0 && len(r.OpenBreakers) == totalBreakers:
		r.Status = HealthUnavailable
	case r.Score >= 80:
		r.Status = HealthHealthy
	case r.Score >= 40:
		r.Status = HealthDegraded
	default:
		r.Status = HealthUnavailable
	}
	return r
}

func capped(n, limit int) int {
	if n > limit {
		return limit
	}
	return n
}

// noteCycle folds the latest cycle outcome into the failure window.
func (h *HealthMonitor) noteCycle(res *SyncResult) {
	if res != nil && res.Started.After(h.lastCycle) {
		h.lastCycle = res.Started
		if n := res.Failed + res.Deferred; n > 0 {
			h.window = append(h.window, failureSample{at: res.Finished, failures: n})
		}
	}
	cutoff := h.now().Add(-h.cfg.FailureWindow)
	keep := h.window[:0]
	for _, smp := range h.window {
		if smp.at.After(cutoff) {
			keep = append(keep, smp)
		}
	}
	h.window = keep
}

func (h *HealthMonitor) recentFailures() int {
	n := 0
	for _, smp := range h.window {
		n += smp.failures
	}
	return n
}
