package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.lastUsed = now
	tokensToAdd := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
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

func (tb *TokenBucket) idleSince(now time.Time) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return now.Sub(tb.lastUsed)
}

// Limiter throttles accepted connections per source address. A nil Limiter
// or one with a rate of zero allows everything.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	rate    int
	burst   int
}

// NewLimiter allows rate accepts per second per source with bursts of burst.
func NewLimiter(rate, burst int) *Limiter {
	if burst <= 0 {
		burst = rate
	}
	return &Limiter{buckets: make(map[string]*TokenBucket), rate: rate, burst: burst}
}

// Allow reports whether a new connection from source may proceed.
func (l *Limiter) Allow(source string) bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.buckets[source]
	if !ok {
		bucket = NewTokenBucket(l.rate, l.burst)
		l.buckets[source] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Cleanup forgets sources that have not connected for longer than idle.
func (l *Limiter) Cleanup(idle time.Duration) int {
	if l == nil {
		return 0
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for source, bucket := range l.buckets {
		if bucket.idleSince(now) > idle {
			delete(l.buckets, source)
			removed++
		}
	}
	return removed
}

// Len reports how many sources are tracked.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
