package lockstep

import (
	"sync"
	"time"
)

// Decision is the outcome of a rate limit check. Remaining is the
// allowance left in the current window. RetryAfter is how long until the
// window resets; it is zero when the check was allowed.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type rateWindow struct {
	count int
	max   int
	start time.Time
	size  time.Duration
}

// RateLimiter counts requests per key in fixed windows. The first
// request for a key opens its window; the count resets when the window
// elapses. State for expired windows is reclaimed by Sweep.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	now     func() time.Time
}

// NewRateLimiter creates an empty rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// CheckAndConsume checks the key's window and consumes one unit when
// allowed. A max of zero or less always allows and consumes nothing.
func (rl *RateLimiter) CheckAndConsume(key string, max int, window time.Duration) Decision {
	return rl.decide(key, max, window, true)
}

// Peek reports what CheckAndConsume would decide without consuming.
func (rl *RateLimiter) Peek(key string, max int, window time.Duration) Decision {
	return rl.decide(key, max, window, false)
}

func (rl *RateLimiter) decide(key string, max int, window time.Duration, consume bool) Decision {
	if max <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) >= w.size {
		if !consume {
			return Decision{Allowed: true, Remaining: max, ResetAt: now.Add(window)}
		}
		rl.windows[key] = &rateWindow{count: 1, max: max, start: now, size: window}
		return Decision{Allowed: true, Remaining: max - 1, ResetAt: now.Add(window)}
	}

	w.max = max
	w.size = window
	resetAt := w.start.Add(w.size)
	if w.count >= max {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}
	if consume {
		w.count++
	}
	return Decision{Allowed: true, Remaining: max - w.count, ResetAt: resetAt}
}

// Sweep removes state for windows that have expired, returning the
// number removed. The engine calls this on a timer so idle keys do not
// accumulate.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, w := range rl.windows {
		if now.Sub(w.start) >= w.size {
			delete(rl.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows, expired or not.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// Saturation returns the highest used fraction across live windows,
// from 0 to 1. It feeds the health score.
func (rl *RateLimiter) Saturation() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	highest := 0.0
	for _, w := range rl.windows {
		if now.Sub(w.start) >= w.size || w.max <= 0 {
			continue
		}
		frac := float64(w.count) / float64(w.max)
		if frac > highest {
			highest = frac
		}
	}
	return highest
}
