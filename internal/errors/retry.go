package errors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"time"

	"tern/internal/logging"
)

// RetryConfig configures backoff behavior.
type RetryConfig struct {
	MaxRetries   int           // retries after the initial attempt (default: 3)
	BaseDelay    time.Duration // base delay for exponential backoff (default: 1s)
	MaxDelay     time.Duration // cap for any single delay (default: 30s)
	JitterFactor float64       // randomization factor (default: 0.25 = ±25%)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// Backoff computes the delay before retry attempt n (1-based):
// min(BaseDelay * 2^(attempt-1), MaxDelay), with jitter applied.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(c.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.JitterFactor > 0 {
		jitter := float64(delay) * c.JitterFactor
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
		if delay < 0 {
			delay = c.BaseDelay
		}
		if delay > c.MaxDelay {
			delay = c.MaxDelay
		}
	}
	return delay
}

// DelayFor computes the delay before retry attempt n, preferring a
// server-advertised retry-after over the exponential schedule. The result is
// always clamped to MaxDelay.
func (c RetryConfig) DelayFor(err error, attempt int) time.Duration {
	if after, ok := RetryAfter(err); ok {
		if after > c.MaxDelay {
			return c.MaxDelay
		}
		return after
	}
	return c.Backoff(attempt)
}

var (
	// "try again in 1.5s", "retry in 250ms", "please retry after 2 seconds"
	retryInPattern = regexp.MustCompile(`(?i)(?:try again|retry)\s+(?:in|after)\s+(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|secs?|seconds?|m|mins?|minutes?)?`)
	// "retry-after: 7"
	retryAfterPattern = regexp.MustCompile(`(?i)retry-after:?\s*(\d+)`)
)

// RetryAfter extracts a server-advertised wait from err: a Retry-After header
// captured on an HTTPStatusError, or a "try again in Ns" phrase in the
// message. Returns false when nothing is advertised.
func RetryAfter(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return time.Duration(httpErr.RetryAfter) * time.Second, true
	}

	msg := err.Error()
	if m := retryInPattern.FindStringSubmatch(msg); m != nil {
		value, parseErr := strconv.ParseFloat(m[1], 64)
		if parseErr == nil && value > 0 {
			unit := time.Second
			switch {
			case m[2] == "m" || len(m[2]) >= 3 && m[2][:3] == "min":
				unit = time.Minute
			case len(m[2]) >= 2 && m[2][:2] == "ms", m[2] == "milliseconds", m[2] == "millisecond":
				unit = time.Millisecond
			}
			return time.Duration(value * float64(unit)), true
		}
	}
	if m := retryAfterPattern.FindStringSubmatch(msg); m != nil {
		if secs, parseErr := strconv.Atoi(m[1]); parseErr == nil && secs > 0 {
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}

// RetryWithResult executes fn with classified retries and backoff. The turn
// executor runs its own loop because it emits per-attempt events; this helper
// serves everything else (tool-side HTTP, persistence adapters).
func RetryWithResult[T any](ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	logger = logging.OrNop(logger)

	var zero T
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("cancelled before attempt %d: %w", attempt+1, ctx.Err())
		default:
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("succeeded after %d retries", attempt)
			}
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			logger.Debug("error is %s, not retrying: %v", Classify(err), err)
			return zero, err
		}
		if attempt == config.MaxRetries {
			break
		}

		delay := config.DelayFor(err, attempt+1)
		logger.Debug("attempt %d failed (%v), retrying in %v", attempt+1, err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("cancelled during backoff: %w", ctx.Err())
		}
	}

	return zero, fmt.Errorf("retried %d times: %w", config.MaxRetries, lastErr)
}
