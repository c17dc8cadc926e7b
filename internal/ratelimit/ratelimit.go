// Package ratelimit caps the event throughput of the consumer loop.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket shared by all events. A nil *Limiter never blocks.
type Limiter struct {
	lim *rate.Limiter
}

// New creates a Limiter allowing eps events per second. A zero or negative
// eps returns nil, meaning no limit. A burst below 1 defaults to eps.
func New(eps float64, burst int) *Limiter {
	if eps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(eps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(eps), burst)}
}

// Wait blocks until an event may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.lim.Wait(ctx)
}
