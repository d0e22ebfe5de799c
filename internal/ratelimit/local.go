package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Checker is implemented by Limiter and Local.
type Checker interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration
}

// maxIdleBuckets bounds how many buckets Local keeps before pruning idle ones.
const maxIdleBuckets = 10000

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Local is an in-process token bucket limiter used when no Redis is
// configured. Each rule refills Limit tokens per Window with a burst of Limit.
type Local struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewLocal creates an empty Local limiter.
func NewLocal() *Local {
	return &Local{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token for identifier under rule.
func (l *Local) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	now := l.now()
	return l.bucket(identifier, rule, now).AllowN(now, 1), nil
}

// RetryAfter returns the time until identifier regains a token.
func (l *Local) RetryAfter(_ context.Context, identifier string, rule Rule) time.Duration {
	now := l.now()
	r := l.bucket(identifier, rule, now).ReserveN(now, 1)
	if !r.OK() {
		return rule.Window
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}

func (l *Local) bucket(identifier string, rule Rule, now time.Time) *rate.Limiter {
	key := rule.Key + identifier

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxIdleBuckets {
			l.prune(now, rule.Window)
		}
		every := rule.Window / time.Duration(max(rule.Limit, 1))
		b = &bucket{limiter: rate.NewLimiter(rate.Every(every), max(rule.Limit, 1))}
		l.buckets[key] = b
	}
	b.lastUsed = now
	return b.limiter
}

// prune drops buckets idle for longer than window. A bucket idle that long
// has refilled completely, so dropping it changes nothing.
func (l *Local) prune(now time.Time, window time.Duration) {
	for key, b := range l.buckets {
		if now.Sub(b.lastUsed) > window {
			delete(l.buckets, key)
		}
	}
}
