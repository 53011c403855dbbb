package lockstep

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"
)

// retryJitterFraction is the upper bound of the random jitter added to
// each backoff delay, as a fraction of the exponential term.
const retryJitterFraction = 0.1

// Retryer performs operations with automatic retry on failure.
type Retryer struct {
	config RetryConfig
}

// NewRetryer creates a new retryer with the given configuration.
// A nil RetryIf defaults to IsRetryable, so permanent rejections, open
// breakers and rate-limit denials end the sequence immediately.
func NewRetryer(config RetryConfig) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.RetryIf == nil {
		config.RetryIf = IsRetryable
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 500 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = 2.0
	}
	return &Retryer{config: config}
}

// RetryResult contains the result of a retry operation.
type RetryResult struct {
	Attempts int
	LastErr  error
}

// Do executes the operation with retries.
// Returns the result of the last attempt and retry metadata.
func (r *Retryer) Do(ctx context.Context, op func() error) RetryResult {
	return r.do(ctx, r.config.MaxAttempts, op)
}

// DoN is Do with the attempt budget capped at n for this invocation.
func (r *Retryer) DoN(ctx context.Context, n int, op func() error) RetryResult {
	if n > r.config.MaxAttempts {
		n = r.config.MaxAttempts
	}
	return r.do(ctx, n, op)
}

func (r *Retryer) do(ctx context.Context, maxAttempts int, op func() error) RetryResult {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return RetryResult{Attempts: attempt}
		}

		// Check if we should retry this error
		if !r.config.RetryIf(lastErr) {
			return RetryResult{Attempts: attempt, LastErr: lastErr}
		}

		// Don't sleep after the last attempt
		if attempt == maxAttempts {
			break
		}

		// Wait or check for context cancellation
		select {
		case <-ctx.Done():
			return RetryResult{Attempts: attempt, LastErr: ctx.Err()}
		case <-time.After(r.delayFor(attempt)):
		}
	}

	return RetryResult{Attempts: maxAttempts, LastErr: lastErr}
}

// delayFor returns the backoff before the retry that follows the given
// completed attempt: the exponential term plus random jitter of up to
// ten percent of it, never exceeding MaxBackoff.
func (r *Retryer) delayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(r.config.InitialBackoff) *
		math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
	if raw > float64(r.config.MaxBackoff) {
		raw = float64(r.config.MaxBackoff)
	}
	d := raw + rand.Float64()*retryJitterFraction*raw
	if d > float64(r.config.MaxBackoff) {
		return r.config.MaxBackoff
	}
	return time.Duration(d)
}

// Retry is a convenience function for simple retry operations.
func Retry(ctx context.Context, maxAttempts int, op func() error) error {
	r := NewRetryer(RetryConfig{MaxAttempts: maxAttempts})
	result := r.Do(ctx, op)
	return result.LastErr
}

// IsRetryable reports whether an error is transient: another attempt
// against the same remote could plausibly succeed. Permanent rejections,
// version conflicts, open breakers, and caller cancellation are not
// retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) {
		return false
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}
	var conflictErr *VersionConflictError
	if errors.As(err, &conflictErr) {
		return false
	}

	// Transport failures come before the context sentinels: an attempt
	// whose own deadline fired mid-request surfaces as a NetworkError
	// wrapping context.DeadlineExceeded, and the next attempt gets a
	// fresh deadline. Only the caller abandoning the request is final.
	var networkErr *NetworkError
	if errors.As(err, &networkErr) {
		return !errors.Is(err, context.Canceled)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Pattern fallback for errors from transports outside this package
	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"503",
		"502",
		"504",
		"429",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
