// Package ratelimit gates handler admissions behind a shared token
// bucket so the whole worker pool stays under the downstream API's
// throughput ceiling.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits one handler invocation per Acquire call. Injected into
// every worker at construction; tests substitute Unlimited.
type Limiter interface {
	// Acquire blocks until a slot is available or ctx is done. Waiters
	// are served in arrival order; a cancelled waiter's reservation is
	// returned to the bucket.
	Acquire(ctx context.Context) error
}

// TokenBucket admits at most max operations per rolling window. Slots
// refill one at a time at window/max intervals rather than in bursts,
// so no rolling window ever sees more than max admissions.
type TokenBucket struct {
	lim *rate.Limiter
}

// NewTokenBucket creates a bucket admitting max per window.
func NewTokenBucket(max int, window time.Duration) *TokenBucket {
	if max < 1 {
		max = 1
	}
	return &TokenBucket{
		lim: rate.NewLimiter(rate.Every(window/time.Duration(max)), 1),
	}
}

func (b *TokenBucket) Acquire(ctx context.Context) error {
	return b.lim.Wait(ctx)
}

// Unlimited is a Limiter that never blocks, for tests.
type Unlimited struct{}

func (Unlimited) Acquire(context.Context) error { return nil }
