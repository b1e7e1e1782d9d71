/*
File Name:  bandwidth.go

Token-bucket egress scheduler (§4.7): maxBytesPerSecond is the bucket's
refill rate, burst equals one second's worth of bytes. A dequeued message
is only released once enough tokens are available to cover its encoded
size; otherwise the caller is told to hold and retry. Built on
golang.org/x/time/rate, the same token-bucket primitive used elsewhere in
the pack for rate limiting.
*/

package queue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxBytesPerSecond is the spec's default egress cap (1 MB/s).
const DefaultMaxBytesPerSecond = 1 << 20

// Scheduler paces outbound bytes through a token bucket and tracks
// messages-per-second / packet-loss metrics for diagnostics.
type Scheduler struct {
	limiter *rate.Limiter

	mutex         sync.Mutex
	windowStart   time.Time
	messagesInWindow int
	lossCount     int
	sentCount     int
}

// NewScheduler creates a scheduler capped at maxBytesPerSecond (0 uses the spec default).
func NewScheduler(maxBytesPerSecond int) *Scheduler {
	if maxBytesPerSecond <= 0 {
		maxBytesPerSecond = DefaultMaxBytesPerSecond
	}
	return &Scheduler{
		limiter:     rate.NewLimiter(rate.Limit(maxBytesPerSecond), maxBytesPerSecond),
		windowStart: time.Now(),
	}
}

// Allow reports whether size bytes may be released immediately, consuming
// tokens on success. A dequeue that is refused should be held (re-enqueued
// or retried) rather than dropped.
func (s *Scheduler) Allow(size int) bool {
	ok := s.limiter.AllowN(time.Now(), size)
	s.recordAttempt(ok)
	return ok
}

// Wait blocks until size bytes worth of tokens are available or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, size int) error {
	err := s.limiter.WaitN(ctx, size)
	s.recordAttempt(err == nil)
	return err
}

func (s *Scheduler) recordAttempt(ok bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if time.Since(s.windowStart) >= time.Second {
		s.windowStart = time.Now()
		s.messagesInWindow = 0
	}

	if ok {
		s.messagesInWindow++
		s.sentCount++
	} else {
		s.lossCount++
	}
}

// Metrics reports the scheduler's rolling messages-per-second estimate and
// cumulative packet loss count, per §4.7's "exposes metrics" requirement.
type Metrics struct {
	MessagesPerSecond int
	PacketLoss        int
	Sent              int
}

// Snapshot returns the current metrics.
func (s *Scheduler) Snapshot() Metrics {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return Metrics{
		MessagesPerSecond: s.messagesInWindow,
		PacketLoss:        s.lossCount,
		Sent:              s.sentCount,
	}
}
