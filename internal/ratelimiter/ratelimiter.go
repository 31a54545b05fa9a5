package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// unlimited is the rate used when no limit is configured. rate.Inf would be
// ideal but WaitN then ignores burst, so use a large finite value.
const unlimited = 1 << 40

// RateLimiter throttles a byte stream using the token bucket algorithm.
//
// This wraps golang.org/x/time/rate where one token is one byte:
//   - Tokens are added at a constant rate (bytes per second)
//   - Each I/O consumes as many tokens as it transfers
//   - Burst is the largest transfer that can proceed without waiting
//
// Transfers larger than the burst are split into burst-sized waits, so a
// single large device write never fails with "exceeds burst".
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter.
//
// Parameters:
//   - bytesPerSecond: Sustained rate; 0 disables limiting
//   - burst: Bucket capacity in bytes; 0 defaults to one second of traffic
func New(bytesPerSecond, burst uint64) *RateLimiter {
	if bytesPerSecond == 0 {
		bytesPerSecond = unlimited
		burst = unlimited
	}
	if burst == 0 {
		burst = bytesPerSecond
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), int(burst)),
	}
}

// Allow reports whether n bytes may be transferred now, consuming the
// tokens if so.
func (r *RateLimiter) Allow(n uint64) bool {
	return r.limiter.AllowN(time.Now(), int(n))
}

// WaitN blocks until n bytes worth of tokens are available or the context
// is cancelled.
func (r *RateLimiter) WaitN(ctx context.Context, n uint64) error {
	burst := uint64(r.limiter.Burst())
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := r.limiter.WaitN(ctx, int(chunk)); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// SetLimit updates the sustained rate. The burst follows the rate when it
// was previously equal to it.
func (r *RateLimiter) SetLimit(bytesPerSecond uint64) {
	if bytesPerSecond == 0 {
		bytesPerSecond = unlimited
	}

	oldRate := uint64(r.limiter.Limit())
	oldBurst := uint64(r.limiter.Burst())
	r.limiter.SetLimit(rate.Limit(bytesPerSecond))

	if oldBurst == oldRate {
		r.limiter.SetBurst(int(bytesPerSecond))
	}
}

// Burst returns the bucket capacity in bytes.
func (r *RateLimiter) Burst() uint64 {
	return uint64(r.limiter.Burst())
}

// Tokens returns the current number of available tokens. Useful for
// monitoring only; the value changes concurrently.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
