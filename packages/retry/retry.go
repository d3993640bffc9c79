// Package retry
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// PermanentError marks an error that must not be retried. Do returns it to
// the caller unchanged as soon as an operation produces one.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Do stops retrying. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pErr *PermanentError
	return errors.As(err, &pErr)
}

// Policy controls how Do schedules attempts: exponential delays starting at
// BaseDelay, capped at MaxDelay, with a +/-Jitter fraction randomized so
// concurrent workers do not retry in lockstep.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Delay returns the backoff before attempt n (0-based; attempt 0 has no
// delay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > 62 {
		shift = 62
	}
	d := p.BaseDelay << uint(shift)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		j := p.Jitter
		if j > 1 {
			j = 1
		}
		rngMu.Lock()
		factor := 1.0 + (rng.Float64()*2-1)*j
		rngMu.Unlock()
		d = time.Duration(float64(d) * factor)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// Do runs op up to MaxAttempts times, sleeping Delay(n) before each retry.
// It stops early when op succeeds, returns a PermanentError, or the context
// is done. The returned error is the last one op produced.
func Do(ctx context.Context, p Policy, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.Delay(attempt)):
			case <-ctx.Done():
				return fmt.Errorf("retry canceled after %d attempts: %w", attempt, ctx.Err())
			}
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled after %d attempts: %w", attempt, err)
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
