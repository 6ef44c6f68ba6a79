// Package ratelimit is per-merchant admission control. Buckets live in memory
// and are rebuilt at full capacity on restart.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RefillInterval is the window over which a full bucket's worth of tokens is restored.
const RefillInterval = time.Minute

type Limiter struct {
	capacity int
	refill   rate.Limit
	now      func() time.Time

	mu      sync.Mutex
	buckets map[int64]*rate.Limiter
}

type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a limiter granting each merchant requestsPerMinute tokens,
// refilled continuously over RefillInterval.
func New(requestsPerMinute int, opts ...Option) *Limiter {
	l := &Limiter{
		capacity: requestsPerMinute,
		refill:   rate.Limit(float64(requestsPerMinute) / RefillInterval.Seconds()),
		now:      time.Now,
		buckets:  make(map[int64]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) bucket(merchantID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[merchantID]
	if !ok {
		b = rate.NewLimiter(l.refill, l.capacity)
		l.buckets[merchantID] = b
	}
	return b
}

// TryConsume takes one token from the merchant's bucket. It returns false,
// leaving the bucket untouched, when less than one token is available.
func (l *Limiter) TryConsume(merchantID int64) bool {
	return l.bucket(merchantID).AllowN(l.now(), 1)
}

// AvailableTokens reports whole tokens currently in the merchant's bucket.
func (l *Limiter) AvailableTokens(merchantID int64) int64 {
	tokens := l.bucket(merchantID).TokensAt(l.now())
	if tokens < 0 {
		return 0
	}
	return int64(math.Floor(tokens))
}

func (l *Limiter) Capacity() int {
	return l.capacity
}
