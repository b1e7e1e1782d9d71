/*
File Name:  tokenbucket.go

Per-owner rate limiter for incoming store requests (§4.10), lazily
refilled on use rather than keeping one goroutine alive per owner.
*/

package dht

import (
	"sync"
	"time"
)

type tokenBucket struct {
	mutex      sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(refillRatePerSecond, capacity float64) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRatePerSecond,
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
