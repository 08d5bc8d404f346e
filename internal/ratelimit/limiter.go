// Package ratelimit implements the per-session token bucket used to cap a
// user's throughput: a fixed burst window, a floating-point volume that
// can go negative (representing a debt to be paid off by sleeping), and an
// atomic "unlimited" fast path for users with no configured cap.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// interval is the fixed burst window: the bucket holds at most
// rate*interval bytes of credit, and every pause includes one interval.
// Refill itself is continuous (see refillLocked).
const interval = 200 * time.Millisecond

// Limiter is a token bucket bounded to rate bytes/second, refilled
// continuously up to a ceiling of rate*interval bytes of burst credit. A
// zero Limiter has no limit until SetRate is called. SetRate starts the
// bucket full, so a session isn't charged a pause for its first burst.
type Limiter struct {
	mu        sync.Mutex
	volume    float64
	updatedAt time.Time

	rate        float64 // bytes/second; meaningless while unlimited is set
	isUnlimited atomic.Bool
}

// New returns a Limiter capped at rate bytes/second. A rate of zero or
// below means unlimited.
func New(rate float64) *Limiter {
	l := &Limiter{updatedAt: time.Now()}
	l.SetRate(rate)
	return l
}

// SetRate updates the limiter's cap. A rate of zero or below clears the
// cap entirely and switches the limiter onto its unlimited fast path;
// any debt accumulated under a previous cap is discarded.
func (l *Limiter) SetRate(rate float64) {
	if rate <= 0 {
		l.isUnlimited.Store(true)
		return
	}

	l.mu.Lock()
	l.rate = rate
	l.volume = rate * interval.Seconds()
	l.updatedAt = time.Now()
	l.mu.Unlock()
	l.isUnlimited.Store(false)
}

// Consume charges n bytes against the bucket and returns how long the
// caller must pause before it has "paid" for them. A zero duration means
// the bucket had enough volume already and no pause is required.
func (l *Limiter) Consume(n int) time.Duration {
	if l.isUnlimited.Load() {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rate <= 0 {
		// Zero Limiter: SetRate has never set a cap.
		return 0
	}

	l.refillLocked()
	l.volume -= float64(n)
	if l.volume > 0 {
		return 0
	}

	// volume is zero or negative: that many bytes of debt, at l.rate
	// bytes/sec, is how long the caller must wait for the bucket to
	// recover, plus the fixed window itself.
	pauseSeconds := interval.Seconds() - l.volume/l.rate
	return time.Duration(pauseSeconds * float64(time.Second))
}

// refillLocked credits the bucket continuously for the time elapsed since
// the last refill, capping volume at the burst ceiling rate*interval so
// idle time never accumulates unbounded credit.
func (l *Limiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(l.updatedAt)
	l.updatedAt = now

	ceiling := l.rate * interval.Seconds()
	l.volume += l.rate * elapsed.Seconds()
	if l.volume > ceiling {
		l.volume = ceiling
	}
}
