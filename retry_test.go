package lockstep

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryerSucceedsAfterTransientFailures(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})

	calls := 0
	res := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return transientErr()
		}
		return nil
	})

	if res.LastErr != nil {
		t.Fatalf("unexpected error: %v", res.LastErr)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
}

func TestRetryerExhaustsAttempts(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})

	calls := 0
	res := r.Do(context.Background(), func() error {
		calls++
		return transientErr()
	})

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	var netErr *NetworkError
	if !errors.As(res.LastErr, &netErr) {
		t.Errorf("last error = %v, want NetworkError", res.LastErr)
	}
}

func TestRetryerStopsOnPermanentError(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
	})

	tests := []struct {
		name string
		err  error
	}{
		{"validation", newValidationError("update-note", "bad payload", 400, nil)},
		{"version conflict", &VersionConflictError{Table: "notes", RecordID: "n1", LocalVersion: 2, RemoteVersion: 3}},
		{"circuit open", ErrCircuitOpen},
		{"rate limited", ErrRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			res := r.Do(context.Background(), func() error {
				calls++
				return tt.err
			})
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
			if !errors.Is(res.LastErr, tt.err) {
				t.Errorf("last error = %v, want %v", res.LastErr, tt.err)
			}
		})
	}
}

func TestRetryerContextCancellation(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := r.Do(ctx, func() error { return transientErr() })
	if !errors.Is(res.LastErr, context.Canceled) {
		t.Errorf("last error = %v, want context.Canceled", res.LastErr)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
}

func TestRetryerDoNCapsBudget(t *testing.T) {
	r := NewRetryer(RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: time.Millisecond,
	})

	calls := 0
	res := r.DoN(context.Background(), 2, func() error {
		calls++
		return transientErr()
	})
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}

	// DoN never exceeds the configured maximum.
	calls = 0
	res = r.DoN(context.Background(), 100, func() error {
		calls++
		return transientErr()
	})
	if calls != 10 {
		t.Errorf("calls with oversized budget = %d, want 10", calls)
	}
}

func TestRetryerDelayGrowsAndCaps(t *testing.T) {
	r := NewRetryer(RetryConfig{
		InitialBackoff:    time.Second,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	})

	prev := time.Duration(0)
	for attempt := 1; attempt <= 3; attempt++ {
		d := r.delayFor(attempt)
		base := time.Duration(float64(time.Second) * pow2(attempt-1))
		if d < base {
			t.Errorf("delay(%d) = %v, below exponential base %v", attempt, d, base)
		}
		if d > base+base/10 {
			t.Errorf("delay(%d) = %v, above base plus jitter %v", attempt, d, base+base/10)
		}
		if d <= prev {
			t.Errorf("delay(%d) = %v, not greater than delay(%d) = %v", attempt, d, attempt-1, prev)
		}
		prev = d
	}

	for i := 0; i < 20; i++ {
		if d := r.delayFor(30); d > 10*time.Second {
			t.Fatalf("delay = %v, exceeds max backoff", d)
		}
	}
}

func pow2(n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= 2
	}
	return out
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network 503", newNetworkError("POST", "http://remote/op", 503, nil), true},
		{"network transport", newNetworkError("POST", "http://remote/op", 0, errors.New("broken pipe")), true},
		{"validation", newValidationError("op", "bad", 400, nil), false},
		{"version conflict", &VersionConflictError{Table: "notes", RecordID: "n1"}, false},
		{"circuit open", ErrCircuitOpen, false},
		{"rate limited sentinel", ErrRateLimited, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"wrapped cancel", fmt.Errorf("sync: %w", context.Canceled), false},
		{"network wrapping attempt deadline", newNetworkError("POST", "http://remote/op", 0,
			fmt.Errorf("Post %q: %w", "http://remote/op", context.DeadlineExceeded)), true},
		{"network wrapping caller cancel", newNetworkError("POST", "http://remote/op", 0,
			context.Canceled), false},
		{"connection refused string", errors.New("dial tcp: connection refused"), true},
		{"plain error", errors.New("something unrelated"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
