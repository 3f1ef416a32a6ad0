package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(clock clockwork.Clock, rate, capacity int) *TokenBucket {
	return &TokenBucket{
		clock:      clock,
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: clock.Now(),
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.clock.Now()
	add := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if add > 0 {
		tb.tokens += add
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Limiter combines an optional global bucket with one bucket per key
// (a websocket session on the verification service).
type Limiter struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	global  *TokenBucket
	perKey  map[string]*TokenBucket
	keyRate int
	burst   int
}

// NewLimiter builds a limiter. A rate of 0 disables that level.
func NewLimiter(clock clockwork.Clock, globalRate, perKeyRate, burst int) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := &Limiter{clock: clock, perKey: make(map[string]*TokenBucket), keyRate: perKeyRate, burst: burst}
	if globalRate > 0 {
		l.global = NewTokenBucket(clock, globalRate, burst)
	}
	return l
}

// Allow checks the global bucket first, then the key's own bucket.
func (l *Limiter) Allow(key string) bool {
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.keyRate <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.perKey[key]
	if !ok {
		b = NewTokenBucket(l.clock, l.keyRate, l.burst)
		l.perKey[key] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Forget drops the bucket for a key that went away.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.perKey, key)
	l.mu.Unlock()
}

// Keys reports how many per-key buckets are tracked.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perKey)
}
