/*
File Name:  cache.go

Deduplication cache (§4.3): hasSeen/markSeen over a TTL-bounded,
LRU-evicted hash set, guarded by a bloom filter pre-check. Grounded in the
teacher's dht/Hash Table.go "move to back of bucket on seen" idiom,
flattened to a single LRU-ordered set since the dedup cache has no
k-bucket structure.
*/

package dedup

import (
	"sync"
	"time"
)

// DefaultCacheTTL is the default age, per spec default (60s).
const DefaultCacheTTL = 60 * time.Second

// DefaultMaxCacheSize is the default entry cap, per spec default (10,000).
const DefaultMaxCacheSize = 10000

// DefaultBloomExpectedItems and DefaultBloomFalsePositiveRate are the bloom
// filter pre-check's default parameters (§4.3).
const (
	DefaultBloomExpectedItems     = 100000
	DefaultBloomFalsePositiveRate = 0.01
)

// entry is a single deduplication cache record.
type entry struct {
	seenAt time.Time
}

// Cache is a hash-set of seen message hashes with TTL expiry, LRU eviction
// bounded at maxSize, and a bloom filter pre-check that never yields a false
// negative.
type Cache struct {
	mutex sync.Mutex

	ttl     time.Duration
	maxSize int

	bloom *BloomFilter

	set   map[[32]byte]*entry
	order []([32]byte) // insertion order, oldest first; re-marking updates seenAt, not position
}

// NewCache creates a cache with the given TTL, max size and bloom filter parameters.
func NewCache(ttl time.Duration, maxSize int, bloomExpectedItems uint, bloomFalsePositiveRate float64) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxCacheSize
	}
	if bloomExpectedItems == 0 {
		bloomExpectedItems = DefaultBloomExpectedItems
	}
	if bloomFalsePositiveRate <= 0 {
		bloomFalsePositiveRate = DefaultBloomFalsePositiveRate
	}

	return &Cache{
		ttl:     ttl,
		maxSize: maxSize,
		bloom:   NewBloomFilter(bloomExpectedItems, bloomFalsePositiveRate),
		set:     make(map[[32]byte]*entry),
	}
}

// HasSeen reports whether hash was previously marked seen and has not expired.
// The bloom filter answers "definitely not seen" without touching the hash set.
func (c *Cache) HasSeen(hash [32]byte) bool {
	if !c.bloom.MightContain(hash[:]) {
		return false
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	e, ok := c.set[hash]
	if !ok {
		return false
	}
	if time.Since(e.seenAt) > c.ttl {
		delete(c.set, hash)
		return false
	}
	return true
}

// MarkSeen inserts hash with the current time. On overflow, the entry with the
// smallest seen-at timestamp is evicted.
func (c *Cache) MarkSeen(hash [32]byte) {
	c.bloom.Add(hash[:])

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.set[hash]; !exists {
		c.order = append(c.order, hash)
	}
	c.set[hash] = &entry{seenAt: time.Now()}

	c.evictExpiredLocked()
	c.evictOverflowLocked()
}

// Len returns the number of entries currently held. Expired entries are
// removed only by MarkSeen and HasSeen, so some may still be counted.
func (c *Cache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.set)
}

func (c *Cache) evictExpiredLocked() {
	cutoff := time.Now().Add(-c.ttl)
	kept := c.order[:0]
	for _, hash := range c.order {
		e, ok := c.set[hash]
		if !ok {
			continue
		}
		if e.seenAt.Before(cutoff) {
			delete(c.set, hash)
			continue
		}
		kept = append(kept, hash)
	}
	c.order = kept
}

// evictOverflowLocked evicts the entry with the smallest seen-at timestamp
// repeatedly until the set is within maxSize, per §4.3's overflow policy.
func (c *Cache) evictOverflowLocked() {
	for len(c.set) > c.maxSize {
		oldestIdx := -1
		var oldestTime time.Time
		for i, hash := range c.order {
			e, ok := c.set[hash]
			if !ok {
				continue
			}
			if oldestIdx == -1 || e.seenAt.Before(oldestTime) {
				oldestIdx = i
				oldestTime = e.seenAt
			}
		}
		if oldestIdx == -1 {
			return
		}
		delete(c.set, c.order[oldestIdx])
		c.order = append(c.order[:oldestIdx], c.order[oldestIdx+1:]...)
	}
}
