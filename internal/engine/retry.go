package engine

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/arvensis/weft/pkg/schema"
)

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: validation errors, permission denied, typed EngineErrors
// with non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A step suspending for external input isn't a failure at all — it
	// must propagate through the recovery chain untouched, never retried.
	var suspend *StepSuspendedError
	if errors.As(err, &suspend) {
		return false
	}

	// Context deadline exceeded is retryable (step timeout, not run-level).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled is NOT retryable — it means the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// EngineError checks its own code.
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		return schema.IsRetryable(ee)
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable (conservative — let the retry policy limit attempts).
	return true
}

// ComputeBackoff calculates the delay before the next retry attempt.
// Supports none, constant, linear, and exponential backoff with an
// optional max_delay cap. attempt is zero-based (0 = first retry).
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.InitialDelay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.InitialDelay)
	if err != nil {
		return 0
	}

	factor := policy.Factor
	if factor <= 0 {
		factor = 2
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = time.Duration(float64(base) * math.Pow(factor, float64(attempt)))
	case "linear":
		delay = base * time.Duration(attempt+1)
	case "constant":
		delay = base
	default: // "none" or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early
// if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
