package query

import (
	"sync"
	"time"
)

const refillWindow = 60 * time.Second

// bucket is one user's token bucket. The whole bucket refills at once when
// a full window has elapsed since the last refill, measured from that
// user's last refill instant rather than a wall-clock minute boundary.
type bucket struct {
	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
	lastSeen   time.Time
}

// RateLimiter is a per-user token-bucket throttle. State is process-local
// and lost on restart: cheap, approximate limiting, not a hard guarantee
// across restarts or instances.
type RateLimiter struct {
	perMinute int
	buckets   sync.Map // map[string]*bucket
	now       func() time.Time
}

// NewRateLimiter creates a limiter granting perMinute requests per user per
// rolling 60-second window.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{perMinute: perMinute, now: time.Now}
}

// Allow consumes one token from the user's bucket, lazily creating it. Only
// the one bucket is locked; users never contend with each other.
func (l *RateLimiter) Allow(userID string) bool {
	now := l.now()

	v, _ := l.buckets.LoadOrStore(userID, &bucket{tokens: l.perMinute, lastRefill: now})
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSeen = now
	if now.Sub(b.lastRefill) >= refillWindow {
		b.tokens = l.perMinute
		b.lastRefill = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Prune drops buckets that have not been touched for at least maxIdle.
// An idle user's next call simply recreates a full bucket, so pruning can
// only ever be generous, never unfair.
func (l *RateLimiter) Prune(maxIdle time.Duration) {
	cutoff := l.now().Add(-maxIdle)
	l.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		stale := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if stale {
			l.buckets.Delete(key)
		}
		return true
	})
}
