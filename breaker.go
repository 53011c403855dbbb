package lockstep

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState names a circuit breaker state.
type BreakerState string

const (
	// BreakerClosed means calls flow normally.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen means calls fail fast without reaching the remote.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen means one probe call is allowed through to test
	// whether the remote recovered.
	BreakerHalfOpen BreakerState = "half_open"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) external() BreakerState {
	switch s {
	case circuitOpen:
		return BreakerOpen
	case circuitHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// BreakerSnapshot is a point-in-time view of one breaker.
type BreakerSnapshot struct {
	State         BreakerState `json:"state"`
	Failures      int          `json:"failures"`
	LastFailureAt time.Time    `json:"last_failure_at,omitzero"`
}

// CircuitBreaker fails fast after consecutive delivery failures.
// After the recovery timeout, exactly one probe call is allowed through;
// its outcome decides whether the breaker closes or reopens.
// It is safe for concurrent use.
type CircuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	failures     int
	lastFailure  time.Time
	state        circuitState
	probing      bool
	now          func() time.Time
	onChange     func(from, to BreakerState)
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        circuitClosed,
		now:          time.Now,
	}
}

type stateChange struct {
	from, to BreakerState
}

func (cb *CircuitBreaker) notify(ch *stateChange) {
	if ch != nil && cb.onChange != nil {
		cb.onChange(ch.from, ch.to)
	}
}

// Execute runs the operation through the circuit breaker. When the
// breaker is open, or a probe is already in flight, it returns
// ErrCircuitOpen without invoking the operation.
func (cb *CircuitBreaker) Execute(op func() error) error {
	cb.mu.Lock()
	allowed, change := cb.allowRequestLocked()
	cb.mu.Unlock()
	cb.notify(change)

	if !allowed {
		return ErrCircuitOpen
	}

	err := op()

	cb.mu.Lock()
	change = cb.recordResultLocked(err)
	cb.mu.Unlock()
	cb.notify(change)

	return err
}

func (cb *CircuitBreaker) allowRequestLocked() (bool, *stateChange) {
	switch cb.state {
	case circuitClosed:
		return true, nil
	case circuitOpen:
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = circuitHalfOpen
			cb.probing = true
			return true, &stateChange{from: BreakerOpen, to: BreakerHalfOpen}
		}
		return false, nil
	case circuitHalfOpen:
		if cb.probing {
			return false, nil
		}
		cb.probing = true
		return true, nil
	}
	return true, nil
}

// recordResultLocked counts only transient delivery failures against the
// breaker. A permanent rejection proves the remote is responding, so it
// resets the failure count just like a success. An attempt that never
// reached the remote, rate-limit denials and caller cancellation, proves
// nothing and leaves the breaker untouched.
func (cb *CircuitBreaker) recordResultLocked(err error) *stateChange {
	from := cb.state.external()
	if cb.state == circuitHalfOpen {
		cb.probing = false
	}

	switch {
	case err == nil:
		cb.failures = 0
		cb.state = circuitClosed
	case IsRetryable(err):
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == circuitHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = circuitOpen
		}
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		// No verdict on the remote. A half-open probe that never went
		// out stays available for the next admission.
	default:
		cb.failures = 0
		cb.state = circuitClosed
	}

	if to := cb.state.external(); to != from {
		return &stateChange{from: from, to: to}
	}
	return nil
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.external()
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Snapshot returns a point-in-time view of the breaker.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		State:         cb.state.external(),
		Failures:      cb.failures,
		LastFailureAt: cb.lastFailure,
	}
}

// BreakerSet keeps one circuit breaker per operation class so one
// failing backend cannot block unrelated operations.
type BreakerSet struct {
	mu           sync.Mutex
	breakers     map[string]*CircuitBreaker
	maxFailures  int
	resetTimeout time.Duration
	onChange     func(class string, from, to BreakerState)
}

// NewBreakerSet creates an empty breaker set.
func NewBreakerSet(cfg BreakerConfig, onChange func(class string, from, to BreakerState)) *BreakerSet {
	return &BreakerSet{
		breakers:     make(map[string]*CircuitBreaker),
		maxFailures:  cfg.FailureThreshold,
		resetTimeout: cfg.RecoveryTimeout,
		onChange:     onChange,
	}
}

func (bs *BreakerSet) breaker(class string) *CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	cb, ok := bs.breakers[class]
	if !ok {
		cb = NewCircuitBreaker(bs.maxFailures, bs.resetTimeout)
		if bs.onChange != nil {
			onChange := bs.onChange
			cb.onChange = func(from, to BreakerState) {
				onChange(class, from, to)
			}
		}
		bs.breakers[class] = cb
	}
	return cb
}

// Execute runs the operation through the breaker for its class.
func (bs *BreakerSet) Execute(class string, op func() error) error {
	return bs.breaker(class).Execute(op)
}

// State returns the state of the breaker for a class. Classes never
// executed report closed.
func (bs *BreakerSet) State(class string) BreakerState {
	bs.mu.Lock()
	cb, ok := bs.breakers[class]
	bs.mu.Unlock()
	if !ok {
		return BreakerClosed
	}
	return cb.State()
}

// Snapshot returns a point-in-time view of every breaker.
func (bs *BreakerSet) Snapshot() map[string]BreakerSnapshot {
	bs.mu.Lock()
	classes := make(map[string]*CircuitBreaker, len(bs.breakers))
	for class, cb := range bs.breakers {
		classes[class] = cb
	}
	bs.mu.Unlock()

	out := make(map[string]BreakerSnapshot, len(classes))
	for class, cb := range classes {
		out[class] = cb.Snapshot()
	}
	return out
}
