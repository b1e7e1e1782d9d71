package queue

import (
	"testing"
	"time"

	"github.com/sovereign-comms/mesh-core/wire"
)

func makeItem(priority wire.Priority) *Item {
	return &Item{BasePriority: priority, Encoded: make([]byte, 10)}
}

func TestControlDequeuesBeforeFloodOfText(t *testing.T) {
	q := NewQueue(0)
	for i := 0; i < 1000; i++ {
		q.Enqueue(makeItem(wire.PriorityText))
	}
	q.Enqueue(makeItem(wire.PriorityControl))

	item, ok := q.Dequeue()
	if !ok {
		t.Fatal("expected a dequeued item")
	}
	if item.BasePriority != wire.PriorityControl {
		t.Fatalf("dequeued priority = %v, want CONTROL", item.BasePriority)
	}
}

func TestFIFOWithinLevel(t *testing.T) {
	q := NewQueue(0)
	first := makeItem(wire.PriorityText)
	second := makeItem(wire.PriorityText)
	q.Enqueue(first)
	q.Enqueue(second)

	got, _ := q.Dequeue()
	if got != first {
		t.Fatal("expected FIFO order within the same priority level")
	}
	got, _ = q.Dequeue()
	if got != second {
		t.Fatal("expected FIFO order within the same priority level")
	}
}

func TestStarvationEscalationWinsOverNewerSameLevel(t *testing.T) {
	q := NewQueue(10 * time.Millisecond)
	stale := makeItem(wire.PriorityText)
	q.Enqueue(stale)

	time.Sleep(20 * time.Millisecond)

	fresh := makeItem(wire.PriorityText)
	q.Enqueue(fresh)

	got, ok := q.Dequeue()
	if !ok {
		t.Fatal("expected a dequeued item")
	}
	if got != stale {
		t.Fatal("expected the escalated stale message to dequeue before the fresh one")
	}
}

func TestEscalationCapsAtControl(t *testing.T) {
	q := NewQueue(time.Millisecond)
	item := makeItem(wire.PriorityControl)
	q.Enqueue(item)
	time.Sleep(10 * time.Millisecond)

	got, ok := q.Dequeue()
	if !ok || got != item {
		t.Fatal("expected the control item back unchanged")
	}
}

func TestQueueLenAcrossLevels(t *testing.T) {
	q := NewQueue(0)
	q.Enqueue(makeItem(wire.PriorityText))
	q.Enqueue(makeItem(wire.PriorityVoice))
	q.Enqueue(makeItem(wire.PriorityFile))

	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
}

func TestEmptyQueueDequeueReturnsFalse(t *testing.T) {
	q := NewQueue(0)
	if _, ok := q.Dequeue(); ok {
		t.Fatal("expected empty queue to report ok=false")
	}
}

func TestBandwidthSchedulerCapsBytesPerSecond(t *testing.T) {
	s := NewScheduler(1000) // 1000 bytes/sec

	allowed := 0
	for i := 0; i < 20; i++ {
		if s.Allow(100) {
			allowed += 100
		}
	}
	if allowed > 1000 {
		t.Fatalf("released %d bytes in one burst, exceeds 1000 byte/s budget", allowed)
	}
}

func TestBandwidthSchedulerRefillsOverTime(t *testing.T) {
	s := NewScheduler(1000)
	for i := 0; i < 20; i++ {
		s.Allow(100)
	}
	time.Sleep(1100 * time.Millisecond)

	if !s.Allow(100) {
		t.Fatal("expected tokens to have refilled after waiting past the window")
	}
}

func TestBandwidthSchedulerMetrics(t *testing.T) {
	s := NewScheduler(1000)
	s.Allow(100)
	s.Allow(100000) // certain to be refused

	metrics := s.Snapshot()
	if metrics.PacketLoss < 1 {
		t.Fatalf("expected at least one recorded refusal, got %+v", metrics)
	}
	if metrics.Sent < 1 {
		t.Fatalf("expected at least one recorded send, got %+v", metrics)
	}
}
