/*
File Name:  tokenbucket.go

Minimal per-peer token bucket for the flood rate limiter (§4.8). The
bandwidth scheduler (queue package) uses golang.org/x/time/rate for its
single global byte-budget bucket; the flood limiter needs one independent
bucket per peer, refilled lazily on use rather than keeping one goroutine
per peer alive, so it is implemented directly here.
*/

package relay

import (
	"sync"
	"time"
)

// tokenBucket is a simple lazily-refilled per-peer request limiter.
type tokenBucket struct {
	mutex      sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(ratePerSecond, capacity int) *tokenBucket {
	return &tokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(ratePerSecond),
		lastRefill: time.Now(),
	}
}

// Take attempts to consume n tokens, returning false (without consuming
// any) if insufficient tokens are available.
func (b *tokenBucket) Take(n float64) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}
