// Package ratelimit provides the process-wide request gate shared by all
// stream workers. One Limiter instance is constructed per coordinator and
// passed by reference to every worker; it is never a hidden singleton, so
// tests can build and discard limiters freely.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limiter throttles outbound exchange calls to a requests-per-second ceiling.
// Acquire blocks the calling worker until issuing one more call would not
// exceed the ceiling; callers are served in FIFO-ish order by the underlying
// token bucket. It is safe for concurrent use.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter with the given ceiling in requests per second.
// The burst is kept at 1 so the ceiling holds for any sliding one-second
// window, not just on average.
func New(requestsPerSecond float64) (*Limiter, error) {
	if requestsPerSecond <= 0 {
		return nil, fmt.Errorf("requests per second must be positive, got %v", requestsPerSecond)
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}, nil
}

// Acquire blocks until a token is available or the context is done.
// There are no other error conditions; this is purely a scheduling gate.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// Limit returns the configured ceiling in requests per second.
func (l *Limiter) Limit() float64 {
	return float64(l.limiter.Limit())
}
