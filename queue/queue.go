/*
File Name:  queue.go

Four-class priority queue with age-based starvation avoidance (§4.7).
Dequeue scans CONTROL > VOICE > TEXT > FILE; a message waiting longer than
escalationThreshold has its effective priority bumped one level so it is
not starved by a steady stream of higher-priority traffic. Grounded in the
teacher's Commands.go FIFO command dispatch idiom, generalized from a
single level to four and given age tracking.
*/

package queue

import (
	"container/list"
	"sync"
	"time"

	"github.com/sovereign-comms/mesh-core/wire"
)

// DefaultEscalationThreshold is the wait time after which a queued message's
// effective priority is bumped one level, per §4.7.
const DefaultEscalationThreshold = 30 * time.Second

// Item is a single queued outbound message.
type Item struct {
	MessageID    [16]byte
	Encoded      []byte
	RecipientID  string
	BasePriority wire.Priority
	EnqueuedAt   time.Time
	lastEscalated time.Time
}

// Queue is a four-level priority queue, FIFO within a level, with
// age-based escalation applied at dequeue time.
type Queue struct {
	mutex sync.Mutex

	levels     [4]*list.List // indexed by wire.Priority
	threshold  time.Duration
}

// NewQueue creates an empty priority queue with the given escalation
// threshold (0 uses the spec default).
func NewQueue(escalationThreshold time.Duration) *Queue {
	if escalationThreshold <= 0 {
		escalationThreshold = DefaultEscalationThreshold
	}
	q := &Queue{threshold: escalationThreshold}
	for i := range q.levels {
		q.levels[i] = list.New()
	}
	return q
}

// Enqueue adds item at its base priority level.
func (q *Queue) Enqueue(item *Item) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	item.EnqueuedAt = time.Now()
	item.lastEscalated = item.EnqueuedAt
	q.levels[item.BasePriority].PushBack(item)
}

// Dequeue removes and returns the highest-priority item, FIFO within a
// level. Returns (nil, false) if the queue is empty. Before scanning,
// items that have waited longer than the escalation threshold at their
// current level are physically promoted one level up, which preserves
// FIFO ordering within every level without a virtual-priority scan.
func (q *Queue) Dequeue() (item *Item, ok bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.escalateLocked()

	for level := int(wire.PriorityControl); level >= int(wire.PriorityFile); level-- {
		bucket := q.levels[level]
		if front := bucket.Front(); front != nil {
			bucket.Remove(front)
			return front.Value.(*Item), true
		}
	}
	return nil, false
}

// escalateLocked promotes every item that has waited past the escalation
// threshold at its current level to the next level up, capped at
// PriorityControl. Must be called with mutex held.
func (q *Queue) escalateLocked() {
	now := time.Now()
	for level := int(wire.PriorityFile); level < int(wire.PriorityControl); level++ {
		bucket := q.levels[level]

		var next *list.Element
		for e := bucket.Front(); e != nil; e = next {
			next = e.Next()
			candidate := e.Value.(*Item)
			if now.Sub(candidate.lastEscalated) <= q.threshold {
				continue
			}
			bucket.Remove(e)
			candidate.lastEscalated = now
			q.levels[level+1].PushBack(candidate)
		}
	}
}

// Len returns the total number of queued items across all levels.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	total := 0
	for _, bucket := range q.levels {
		total += bucket.Len()
	}
	return total
}

// LevelLen returns the number of items currently stored at the given
// priority level, counting items escalated into it from a lower level, for
// diagnostics.
func (q *Queue) LevelLen(level wire.Priority) int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.levels[level].Len()
}
