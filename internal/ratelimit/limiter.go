// Package ratelimit paces submissions to the ledger.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter issues submission permits at a target rate. A zero or negative rate
// means unlimited.
//
// Burst is kept at 1 by default so permits are spaced evenly instead of
// arriving in clumps at the start of every second.
type Limiter struct {
	lim *rate.Limiter
}

// New creates a Limiter issuing ratePerSec permits per second with the given
// burst (values below 1 mean 1).
func New(ratePerSec float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{lim: rate.NewLimiter(toLimit(ratePerSec), burst)}
}

func toLimit(ratePerSec float64) rate.Limit {
	if ratePerSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(ratePerSec)
}

// Wait blocks until a permit is available or the context is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}
	return l.lim.Wait(ctx)
}

// Rate returns the current rate, or 0 when unlimited. A nil Limiter is unlimited.
func (l *Limiter) Rate() float64 {
	if l.Unlimited() {
		return 0
	}
	return float64(l.lim.Limit())
}

// Unlimited reports whether permits are issued without pacing.
func (l *Limiter) Unlimited() bool {
	return l == nil || l.lim.Limit() == rate.Inf
}
