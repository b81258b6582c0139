// Package retry expresses retry behavior as an explicit, testable schedule
// instead of ad hoc sleep loops.
package retry

import (
	"context"
	"time"
)

// Policy is an exponential backoff schedule with an optional ceiling.
//
// Attempt n (1-based) waits Initial * Factor^(n-1), capped at Max.
// MaxAttempts <= 0 means unlimited attempts.
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	Factor      float64
	MaxAttempts int
}

// Default is 1s, 2s, 4s... capped at 30s with at most 5 attempts.
func Default() Policy {
	return Policy{
		Initial:     time.Second,
		Max:         30 * time.Second,
		Factor:      2,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before attempt n. Attempts below 1 wait nothing.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Initial <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= factor
		if p.Max > 0 && d >= float64(p.Max) {
			return p.Max
		}
	}
	if p.Max > 0 && time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

// Next reports the delay before attempt n and whether attempt n is allowed.
func (p Policy) Next(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	return p.Delay(attempt), true
}

// Sleep waits for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Counter tracks consecutive failures against a Policy and forgets them after
// a stable period, so a worker that ran for a long time before crashing
// starts again from the first delay.
type Counter struct {
	Policy     Policy
	ResetAfter time.Duration

	failures int
}

// Failed records a failure of a run that lasted ran and returns the delay
// before the next attempt, or ok=false when the ceiling is exceeded.
func (c *Counter) Failed(ran time.Duration) (delay time.Duration, ok bool) {
	if c.ResetAfter > 0 && ran >= c.ResetAfter {
		c.failures = 0
	}
	c.failures++
	return c.Policy.Next(c.failures)
}

// Failures returns the consecutive failure count.
func (c *Counter) Failures() int {
	return c.failures
}
