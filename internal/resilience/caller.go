package resilience

import (
	"context"
	"fmt"
	"time"
)

// Caller composes a circuit breaker, rate limiter, and retry policy into a
// single call path for a downstream provider. Settlement dispatch and
// treasury calls go through a Caller instead of wiring the three primitives
// by hand at each call site.
type Caller struct {
	breaker     *Breaker
	limiter     *RateLimiter
	maxAttempts int
	baseDelay   time.Duration
}

// NewCaller builds a Caller with the given breaker/limiter and retry policy.
// Either breaker or limiter may be nil to disable that stage.
func NewCaller(breaker *Breaker, limiter *RateLimiter, maxAttempts int, baseDelay time.Duration) *Caller {
	return &Caller{breaker: breaker, limiter: limiter, maxAttempts: maxAttempts, baseDelay: baseDelay}
}

// ErrCircuitOpen is returned when the breaker rejects a call outright.
type ErrCircuitOpen struct{ Key string }

func (e *ErrCircuitOpen) Error() string { return fmt.Sprintf("circuit open for %q", e.Key) }

// ErrRateLimited is returned when the limiter rejects a call outright.
type ErrRateLimited struct{ Key string }

func (e *ErrRateLimited) Error() string { return fmt.Sprintf("rate limited for %q", e.Key) }

// Do executes fn under the composed policy: the rate limiter and circuit
// breaker are checked once before the retry loop begins (a call that is
// currently rate limited or circuit-broken does not burn retry attempts),
// then fn is retried per the configured backoff. Breaker success/failure is
// recorded once per Do call, reflecting the outcome after retries.
func (c *Caller) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if c.limiter != nil && !c.limiter.Allow(key) {
		return &ErrRateLimited{Key: key}
	}
	if c.breaker != nil && !c.breaker.Allow(key) {
		return &ErrCircuitOpen{Key: key}
	}

	err := Retry(ctx, c.maxAttempts, c.baseDelay, func() error {
		return fn(ctx)
	})

	if c.breaker != nil {
		if err != nil {
			c.breaker.RecordFailure(key)
		} else {
			c.breaker.RecordSuccess(key)
		}
	}
	return err
}
