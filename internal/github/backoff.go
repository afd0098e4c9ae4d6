package github

import (
	"context"
	"math/rand"
	"time"
)

// Clock abstracts time for backoff so retry behavior is testable without
// real sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// BackoffPolicy is the retry schedule for transient source failures:
// exponential delays starting at BaseDelay, capped at MaxDelay, with up to a
// Jitter fraction of random extra delay.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultBackoff matches GitHub's secondary-rate-limit guidance: a handful of
// attempts with delays growing from seconds toward minutes.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 5,
		BaseDelay:   5 * time.Second,
		MaxDelay:    5 * time.Minute,
		Jitter:      0.2,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay << uint(attempt)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}
