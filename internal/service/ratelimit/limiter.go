package ratelimit

import (
	"sync"
	"time"
)

// sweepEvery is how often Allow drops buckets nobody has used since the
// previous sweep.
const sweepEvery = 10 * time.Minute

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter is a token bucket per key, typically per client IP. Idle buckets
// are forgotten as Allow runs, so the key space does not grow without bound.
type Limiter struct {
	now func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func New() *Limiter { return NewWithClock(time.Now) }

func NewWithClock(now func() time.Time) *Limiter {
	return &Limiter{buckets: make(map[string]*bucket), now: now, lastSweep: now()}
}

// Allow takes one token from key's bucket. A new key starts with burst
// tokens; rate tokens per second flow back in, capped at burst.
func (l *Limiter) Allow(key string, burst, rate float64) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= sweepEvery {
		l.forget(now.Add(-sweepEvery))
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: burst, seen: now}
		l.buckets[key] = b
	} else if dt := now.Sub(b.seen); dt > 0 {
		b.tokens = min(burst, b.tokens+dt.Seconds()*rate)
		b.seen = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Forget drops buckets untouched for longer than idle and reports how many.
func (l *Limiter) Forget(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.forget(cutoff)
}

func (l *Limiter) forget(cutoff time.Time) int {
	n := 0
	for k, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Len is the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
