/*
File Name:  relay.go

Relay: flood/store-and-forward forwarding decisions (§4.8). Grounded in
the teacher's Commands.go message-acceptance gate, generalized from its
single blacklist+signature check into the spec's full shouldRelay /
getRelayPeers / store-and-forward / flood-rate-limit pipeline.
*/

package relay

import (
	"crypto/sha256"
	"errors"
	"time"

	"github.com/sovereign-comms/mesh-core/dedup"
	"github.com/sovereign-comms/mesh-core/persistence"
	"github.com/sovereign-comms/mesh-core/routing"
	"github.com/sovereign-comms/mesh-core/wire"
)

// Defaults per §4.8's relay config block.
const (
	DefaultMaxRetries     = 3
	DefaultRetryBackoff   = 5 * time.Second
	DefaultFloodRateLimit = 100 // messages/second/peer
)

// ErrNotForUs reports that a message is not addressed to the local identity;
// no function in this package returns it.
var ErrNotForUs = errors.New("relay: message is not addressed to this peer")

// Relay holds the collaborators needed to make forwarding decisions: the
// dedup cache, routing table, a per-peer flood limiter set and a
// persistence adapter for store-and-forward.
type Relay struct {
	dedup       *dedup.Cache
	table       *routing.Table
	persistence persistence.Adapter

	localPeerID string

	floodLimiters map[string]*tokenBucket
	maxRetries    int
	retryBackoff  time.Duration
}

// New creates a Relay bound to localPeerID (the identity this instance
// delivers locally addressed messages to).
func New(localPeerID string, dedupCache *dedup.Cache, table *routing.Table, adapter persistence.Adapter) *Relay {
	return &Relay{
		dedup:         dedupCache,
		table:         table,
		persistence:   adapter,
		localPeerID:   localPeerID,
		floodLimiters: make(map[string]*tokenBucket),
		maxRetries:    DefaultMaxRetries,
		retryBackoff:  DefaultRetryBackoff,
	}
}

func hashOfEncoded(encoded []byte) [32]byte {
	return sha256.Sum256(encoded)
}

// ShouldRelay reports whether msg (given its full encoded wire form and
// sender's public key hex) should be forwarded at all: not already seen,
// ttl not already exhausted, sender not blacklisted, and signature valid.
func (r *Relay) ShouldRelay(msg *wire.Message, encoded []byte, senderIDHex string) bool {
	if r.dedup.HasSeen(hashOfEncoded(encoded)) {
		return false
	}
	if msg.TTL == 0 {
		return false
	}
	if r.table.IsPeerBlacklisted(senderIDHex) {
		return false
	}
	if !wire.VerifySignature(msg) {
		return false
	}
	return true
}

// GetRelayPeers returns every CONNECTED peer except the inbound peer the
// message arrived on and the message's original sender.
func (r *Relay) GetRelayPeers(inboundPeerID, originalSenderID string) []*routing.Peer {
	connected := r.table.GetAllConnectedPeers()
	out := make([]*routing.Peer, 0, len(connected))
	for _, p := range connected {
		if equalsFold(p.PeerID, inboundPeerID) || equalsFold(p.PeerID, originalSenderID) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func equalsFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Accept marks the message seen and decrements its TTL, per the "on
// accept" clause of §4.8. It returns the decremented TTL and whether
// forwarding should continue (ttl > 0 after decrement).
func (r *Relay) Accept(msg *wire.Message, encoded []byte) (remainingTTL uint8, forward bool) {
	r.dedup.MarkSeen(hashOfEncoded(encoded))
	msg.TTL--
	return msg.TTL, msg.TTL > 0
}

// IsForLocalPeer reports whether msg is addressed to this relay's local identity.
func (r *Relay) IsForLocalPeer(recipientIDHex string) bool {
	return equalsFold(recipientIDHex, r.localPeerID)
}

// StoreForLater enqueues msg as a StoredMessage for a currently unreachable
// recipient, per the store-and-forward clause of §4.8.
func (r *Relay) StoreForLater(messageID [16]byte, recipientID string, payload []byte, priority wire.Priority) error {
	now := time.Now()
	return r.persistence.SaveMessage(messageID, persistence.StoredMessage{
		ID:          messageID,
		RecipientID: recipientID,
		Payload:     payload,
		Attempts:    0,
		CreatedAt:   now,
		ExpiresAt:   now.Add(persistence.DefaultStoreTimeout),
		Priority:    priority,
	})
}

// NextRetryDelay returns the exponential backoff delay for the given
// attempt count (0-indexed), capped once maxRetries is reached.
func (r *Relay) NextRetryDelay(attempts int) time.Duration {
	if attempts >= r.maxRetries {
		attempts = r.maxRetries - 1
	}
	delay := r.retryBackoff
	for i := 0; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

// ShouldGiveUp reports whether a stored message has exhausted its retries.
func (r *Relay) ShouldGiveUp(attempts int) bool {
	return attempts >= r.maxRetries
}

// AllowFlood enforces the per-peer flood rate limit (§4.8), returning false
// for messages beyond the cap.
func (r *Relay) AllowFlood(peerID string) bool {
	key := normalizeKey(peerID)
	bucket, ok := r.floodLimiters[key]
	if !ok {
		bucket = newTokenBucket(DefaultFloodRateLimit, DefaultFloodRateLimit)
		r.floodLimiters[key] = bucket
	}
	return bucket.Take(1)
}

func normalizeKey(peerID string) string {
	out := make([]byte, len(peerID))
	for i := 0; i < len(peerID); i++ {
		c := peerID[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
