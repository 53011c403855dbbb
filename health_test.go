package lockstep

import (
	"context"
	"testing"
	"time"
)

func staticProbes(mut func(*HealthProbes)) HealthProbes {
	p := HealthProbes{
		Breakers:   func() map[string]BreakerSnapshot { return nil },
		Saturation: func() float64 { return 0 },
		Degraded:   func() bool { return false },
		Online:     func() bool { return true },
		QueueStats: func(ctx context.Context) (QueueStats, error) { return QueueStats{}, nil },
		Conflicts:  func(ctx context.Context) (int, error) { return 0, nil },
		LastResult: func() *SyncResult { return nil },
	}
	if mut != nil {
		mut(&p)
	}
	return p
}

func newTestMonitor(probes HealthProbes) *HealthMonitor {
	return newHealthMonitor(HealthConfig{
		Interval:      10 * time.Second,
		FailureWindow: 5 * time.Minute,
	}, probes, NewEventHub(16))
}

func TestHealthAllClear(t *testing.T) {
	h := newTestMonitor(staticProbes(nil))
	r := h.Check(context.Background())
	if r.Status != HealthHealthy {
		t.Errorf("status = %s, want healthy", r.Status)
	}
	if r.Score != 100 {
		t.Errorf("score = %d, want 100", r.Score)
	}
}

func TestHealthScorePenalties(t *testing.T) {
	tests := []struct {
		name       string
		mut        func(*HealthProbes)
		wantScore  int
		wantStatus HealthStatus
	}{
		{
			name: "one open breaker of two",
			mut: func(p *HealthProbes) {
				p.Breakers = func() map[string]BreakerSnapshot {
					return map[string]BreakerSnapshot{
						"notes":    {State: BreakerOpen},
						"projects": {State: BreakerClosed},
					}
				}
			},
			wantScore:  70,
			wantStatus: HealthDegraded,
		},
		{
			name: "half-open breaker",
			mut: func(p *HealthProbes) {
				p.Breakers = func() map[string]BreakerSnapshot {
					return map[string]BreakerSnapshot{"notes": {State: BreakerHalfOpen}}
				}
			},
			wantScore:  90,
			wantStatus: HealthHealthy,
		},
		{
			name: "limiter saturation",
			mut: func(p *HealthProbes) {
				p.Saturation = func() float64 { return 0.5 }
			},
			wantScore:  90,
			wantStatus: HealthHealthy,
		},
		{
			name: "open conflicts capped",
			mut: func(p *HealthProbes) {
				p.Conflicts = func(ctx context.Context) (int, error) { return 20, nil }
			},
			wantScore:  90,
			wantStatus: HealthHealthy,
		},
		{
			name: "storage degraded",
			mut: func(p *HealthProbes) {
				p.Degraded = func() bool { return true }
			},
			wantScore:  70,
			wantStatus: HealthDegraded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestMonitor(staticProbes(tt.mut))
			r := h.Check(context.Background())
			if r.Score != tt.wantScore {
				t.Errorf("score = %d, want %d", r.Score, tt.wantScore)
			}
			if r.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", r.Status, tt.wantStatus)
			}
		})
	}
}

func TestHealthOfflineIsUnavailable(t *testing.T) {
	h := newTestMonitor(staticProbes(func(p *HealthProbes) {
		p.Online = func() bool { return false }
	}))
	r := h.Check(context.Background())
	if r.Status != HealthUnavailable {
		t.Errorf("status = %s, want unavailable", r.Status)
	}
	if r.Online {
		t.Error("report claims online")
	}
}

func TestHealthAllBreakersOpenIsUnavailable(t *testing.T) {
	h := newTestMonitor(staticProbes(func(p *HealthProbes) {
		p.Breakers = func() map[string]BreakerSnapshot {
			return map[string]BreakerSnapshot{
				"notes":    {State: BreakerOpen},
				"projects": {State: BreakerOpen},
			}
		}
	}))
	r := h.Check(context.Background())
	if r.Status != HealthUnavailable {
		t.Errorf("status = %s, want unavailable with every breaker open", r.Status)
	}
	if len(r.OpenBreakers) != 2 {
		t.Errorf("open breakers = %v, want both", r.OpenBreakers)
	}
}

func TestHealthFailureWindow(t *testing.T) {
	res := &SyncResult{
		Started:  time.Now().Add(-time.Minute),
		Finished: time.Now().Add(-time.Minute),
		Failed:   2,
		Deferred: 1,
	}
	h := newTestMonitor(staticProbes(func(p *HealthProbes) {
		p.LastResult = func() *SyncResult { return res }
	}))

	r := h.Check(context.Background())
	if r.RecentFailures != 3 {
		t.Errorf("recent failures = %d, want 3", r.RecentFailures)
	}
	if r.Score != 85 {
		t.Errorf("score = %d, want 85", r.Score)
	}

	// The same cycle is not counted twice.
	r = h.Check(context.Background())
	if r.RecentFailures != 3 {
		t.Errorf("recent failures after recheck = %d, want 3", r.RecentFailures)
	}

	// Samples age out of the window.
	h.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	r = h.Check(context.Background())
	if r.RecentFailures != 0 {
		t.Errorf("recent failures after window = %d, want 0", r.RecentFailures)
	}
}

func TestHealthChangePublishesEvent(t *testing.T) {
	online := true
	hub := NewEventHub(16)
	h := newHealthMonitor(HealthConfig{FailureWindow: time.Minute}, staticProbes(func(p *HealthProbes) {
		p.Online = func() bool { return online }
	}), hub)

	sub := hub.Subscribe(EventHealthChanged)
	defer sub.Close()

	h.Check(context.Background())
	online = false
	h.Check(context.Background())

	select {
	case e := <-sub.C():
		if e.State != string(HealthUnavailable) {
			t.Errorf("event state = %s, want unavailable", e.State)
		}
	case <-time.After(time.Second):
		t.Fatal("no health change event")
	}
}

func TestHealthCurrentBeforeFirstCheck(t *testing.T) {
	h := newTestMonitor(staticProbes(nil))
	r := h.Current()
	if r.Status != HealthHealthy || r.Score != 100 {
		t.Errorf("initial report = %+v, want healthy 100", r)
	}
}
