// Package ratelimit throttles a run's aggregate byte throughput. One
// limiter is shared by all of a run's concurrent per-destination transfers,
// so the cap bounds the job as a whole rather than each destination.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/fleetsync/fleetsync/pkg/errors"
)

// Limiter is a token bucket whose capacity and refill rate both equal the
// job's bandwidth cap. Tokens refill continuously based on elapsed time.
// A nil *Limiter is valid and unlimited, so callers don't special-case
// uncapped jobs.
type Limiter struct {
	bucket *rate.Limiter
	burst  int
}

// New returns a limiter for `bytesPerSec`, or nil for an unlimited cap.
func New(bytesPerSec int64) *Limiter {
	if bytesPerSec <= 0 {
		return nil
	}

	burst := int(bytesPerSec)
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		burst:  burst,
	}
}

// Acquire blocks until `n` bytes' worth of tokens are available, or the
// context is cancelled. Requests larger than one bucket are drained in
// bucket-sized pieces so that arbitrarily large files still flow.
func (l *Limiter) Acquire(ctx context.Context, n int64) error {
	if l == nil {
		return nil
	}

	for n > 0 {
		chunk := n
		if chunk > int64(l.burst) {
			chunk = int64(l.burst)
		}
		if err := l.bucket.WaitN(ctx, int(chunk)); err != nil {
			return errors.WithContext(err, "acquire bandwidth")
		}
		n -= chunk
	}
	return nil
}
