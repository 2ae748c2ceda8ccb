// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package gdp

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
)

// A RetryPolicy controls how a channel reconnects after its transport fails.
//
// The zero value retries forever with no delay. Use [ConstantRetry] for the
// conventional fixed delay between attempts.
type RetryPolicy struct {
	// Delay is the pause before the first reconnection attempt.
	Delay time.Duration

	// Multiplier scales the delay for each subsequent attempt. Values less
	// than 1 are treated as 1, giving a constant delay.
	Multiplier float64

	// MaxDelay, if positive, caps the delay between attempts.
	MaxDelay time.Duration

	// Jitter, if true, scales each delay by a random factor in [0.5, 1.5).
	Jitter bool

	// MaxAttempts, if positive, is the number of attempts after which the
	// channel gives up. Zero means retry forever.
	MaxAttempts int

	// Clock drives the delay timer. If nil, the system clock is used.
	Clock clock.Clock
}

// ConstantRetry returns a policy that retries forever, waiting d between
// attempts.
func ConstantRetry(d time.Duration) RetryPolicy { return RetryPolicy{Delay: d} }

// NextDelay returns the delay before attempt number n (1-based).
func (p RetryPolicy) NextDelay(n int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	delay := float64(p.Delay)
	if n > 1 && p.Multiplier > 1 {
		delay *= math.Pow(p.Multiplier, float64(n-1))
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}

// Exhausted reports whether attempt number n (1-based) exceeds the limit.
func (p RetryPolicy) Exhausted(n int) bool { return p.MaxAttempts > 0 && n > p.MaxAttempts }

// Wait blocks for the delay before attempt n, or until ctx ends.
func (p RetryPolicy) Wait(ctx context.Context, n int) error {
	d := p.NextDelay(n)
	if d <= 0 {
		return ctx.Err()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
