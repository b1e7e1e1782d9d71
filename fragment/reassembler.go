/*
File Name:  reassembler.go

Fragment reassembly buffer (§4.6): collects FRAGMENT messages by (sender,
messageId), completes when every index is present and each slice's CRC32
checks out, and prunes incomplete buffers after a TTL or when total
buffered memory exceeds a bound. Grounded in the teacher's Merkle Tree.go
file-level bookkeeping, replaced with a map-of-maps per §3's reassembly
buffer description.
*/

package fragment

import (
	"sync"
	"time"

	"github.com/sovereign-comms/mesh-core/wire"
)

// Defaults per §4.6 and the fragmentation config block.
const (
	DefaultReassemblyTTL        = 60 * time.Second
	DefaultMaxReassemblyBuffer  = 100 * 1024 * 1024 // 100 MB
)

// ErrCRCMismatch indicates a fragment's slice failed its CRC32 check.
type ErrCRCMismatch struct {
	MessageID [16]byte
	Index     uint16
}

func (e *ErrCRCMismatch) Error() string {
	return "fragment: CRC32 mismatch in reassembly buffer"
}

// bufferKey identifies a reassembly buffer by sender and message id.
type bufferKey struct {
	sender    string
	messageID [16]byte
}

// buffer accumulates fragments for one in-flight message.
type buffer struct {
	slices        map[uint16][]byte
	fragmentCount uint16
	firstSeen     time.Time
	bytesBuffered int
}

// Reassembler holds in-flight fragment buffers bounded by a TTL and a total
// memory cap, per §4.6.
type Reassembler struct {
	mutex sync.Mutex

	ttl            time.Duration
	maxBufferBytes int

	buffers       map[bufferKey]*buffer
	totalBuffered int
}

// NewReassembler creates a reassembler with the given TTL and memory bound.
// Zero values fall back to spec defaults.
func NewReassembler(ttl time.Duration, maxBufferBytes int) *Reassembler {
	if ttl <= 0 {
		ttl = DefaultReassemblyTTL
	}
	if maxBufferBytes <= 0 {
		maxBufferBytes = DefaultMaxReassemblyBuffer
	}
	return &Reassembler{
		ttl:            ttl,
		maxBufferBytes: maxBufferBytes,
		buffers:        make(map[bufferKey]*buffer),
	}
}

// Add ingests one fragment from sender. It returns the reassembled payload
// and true once all fragments for that messageId have arrived with matching
// CRC32s; otherwise it returns (nil, false). A CRC32 mismatch drops just
// that fragment and returns an *ErrCRCMismatch so the caller can request a
// retransmit; the buffer itself is left intact for a corrected resend.
func (r *Reassembler) Add(sender string, frag *wire.FragmentPayload) (payload []byte, complete bool, err error) {
	if wire.ChecksumSlice(frag.Slice) != frag.CRC32 {
		return nil, false, &ErrCRCMismatch{MessageID: frag.MessageID, Index: frag.FragmentIndex}
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.pruneExpiredLocked()

	key := bufferKey{sender: sender, messageID: frag.MessageID}
	buf, ok := r.buffers[key]
	if !ok {
		buf = &buffer{
			slices:        make(map[uint16][]byte),
			fragmentCount: frag.FragmentCount,
			firstSeen:     time.Now(),
		}
		r.buffers[key] = buf
	}

	if _, exists := buf.slices[frag.FragmentIndex]; !exists {
		buf.slices[frag.FragmentIndex] = frag.Slice
		buf.bytesBuffered += len(frag.Slice)
		r.totalBuffered += len(frag.Slice)
	}

	r.enforceMemoryBoundLocked()

	if uint16(len(buf.slices)) < buf.fragmentCount {
		return nil, false, nil
	}

	assembled := make([]byte, 0, buf.bytesBuffered)
	for i := uint16(0); i < buf.fragmentCount; i++ {
		slice, present := buf.slices[i]
		if !present {
			return nil, false, nil
		}
		assembled = append(assembled, slice...)
	}

	r.totalBuffered -= buf.bytesBuffered
	delete(r.buffers, key)
	return assembled, true, nil
}

// pruneExpiredLocked discards buffers older than the TTL.
func (r *Reassembler) pruneExpiredLocked() {
	cutoff := time.Now().Add(-r.ttl)
	for key, buf := range r.buffers {
		if buf.firstSeen.Before(cutoff) {
			r.totalBuffered -= buf.bytesBuffered
			delete(r.buffers, key)
		}
	}
}

// enforceMemoryBoundLocked evicts the oldest incomplete buffers until total
// buffered bytes is within maxBufferBytes.
func (r *Reassembler) enforceMemoryBoundLocked() {
	for r.totalBuffered > r.maxBufferBytes {
		var oldestKey bufferKey
		var oldestTime time.Time
		found := false
		for key, buf := range r.buffers {
			if !found || buf.firstSeen.Before(oldestTime) {
				oldestKey = key
				oldestTime = buf.firstSeen
				found = true
			}
		}
		if !found {
			return
		}
		r.totalBuffered -= r.buffers[oldestKey].bytesBuffered
		delete(r.buffers, oldestKey)
	}
}

// PendingCount returns the number of in-flight reassembly buffers, for diagnostics.
func (r *Reassembler) PendingCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.buffers)
}
