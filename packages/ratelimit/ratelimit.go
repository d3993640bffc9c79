// Package ratelimit
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limiter is a token-bucket budget guard shared by all workers hitting the
// same external provider. Acquire blocks until the requested cost is
// available; it never rejects, it only delays.
type Limiter struct {
	bucket *rate.Limiter
}

// New creates a limiter that replenishes perSecond tokens per second and
// allows bursts up to burst tokens. A non-positive rate means unlimited.
func New(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		return &Limiter{bucket: rate.NewLimiter(rate.Inf, 1)}
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Acquire debits cost tokens, waiting for replenishment as needed. Costs
// above the burst size are debited in burst-sized installments so the call
// still only delays. The only error it returns is the context's on
// cancellation.
func (l *Limiter) Acquire(ctx context.Context, cost int) error {
	if cost < 1 {
		cost = 1
	}
	for cost > 0 {
		n := cost
		if burst := l.bucket.Burst(); n > burst {
			n = burst
		}
		if err := l.bucket.WaitN(ctx, n); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}
		cost -= n
	}
	return nil
}
