package retry

import (
	"context"
	"math"
	"time"
)

// Policy is an exponential backoff schedule: attempt n (1-based) that fails
// waits Initial * Multiplier^(n-1) before the next one.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Multiplier  float64
}

// Delay returns the wait after the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1)))
}

// Exhausted reports whether no attempt remains after the given one.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
