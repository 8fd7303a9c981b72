package unifiedllm

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy is exponential backoff for retryable provider errors.
type RetryPolicy struct {
	// MaxRetries counts attempts after the first one.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter  bool
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns two retries starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Delay returns the backoff before retry number attempt, counting from 0.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxDelay > 0 {
		d = math.Min(d, float64(p.MaxDelay))
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// wait returns how long to wait before retry number attempt, or false when
// err must not be retried. A Retry-After hint replaces the backoff; one
// longer than MaxDelay gives up instead of waiting.
func (p RetryPolicy) wait(err error, attempt int) (time.Duration, bool) {
	if attempt >= p.MaxRetries || !IsRetryable(err) {
		return 0, false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter != nil {
		after := time.Duration(*rl.RetryAfter * float64(time.Second))
		if p.MaxDelay > 0 && after > p.MaxDelay {
			return 0, false
		}
		return after, true
	}
	return p.Delay(attempt), true
}

// Retry calls fn until it succeeds, fails with a permanent error or the
// policy runs out of retries. Cancelling ctx while waiting returns an
// AbortError.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		delay, ok := policy.wait(err, attempt)
		if !ok {
			var zero T
			return zero, err
		}
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
		case <-timer.C:
		}
	}
}

// RetryMiddleware retries retryable provider failures under policy and logs
// each retry at warn level.
func RetryMiddleware(policy RetryPolicy, logger zerolog.Logger) Middleware {
	onRetry := policy.OnRetry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("retrying llm request")
		if onRetry != nil {
			onRetry(err, attempt, delay)
		}
	}
	return func(next CompleteFunc) CompleteFunc {
		return func(ctx context.Context, req Request) (*Response, error) {
			return Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
				return next(ctx, req)
			})
		}
	}
}
