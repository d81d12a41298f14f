// Package ratelimiter paces outgoing Rx calls with a token bucket.
package ratelimiter

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimiter admits at most a sustained number of calls per second with
// a bounded burst. Safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New returns a limiter allowing callsPerSecond with the given burst. A
// zero rate disables limiting; a zero burst is raised to one so that Wait
// can ever succeed.
func New(callsPerSecond float64, burst int) *RateLimiter {
	if callsPerSecond <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), burst),
	}
}

// Unlimited reports whether the limiter admits everything.
func (r *RateLimiter) Unlimited() bool {
	return r.limiter.Limit() == rate.Inf
}

// Allow consumes a token if one is available without waiting.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a call may start or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// Tokens returns the tokens currently in the bucket (may be fractional).
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
