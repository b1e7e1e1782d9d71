/*
File Name:  signaling.go

WebRTC rendezvous over the DHT (§4.10, §6): a peer publishes its
current offer/answer/ICE candidates under the well-known key
"signaling:{peerId}" so that others can find it without a prior
connection. Message authenticity is the Ed25519 signature; replay is
blocked by a bounded set of recently seen nonces.
*/

package dht

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// SignalingMessage carries WebRTC session negotiation data through the DHT.
type SignalingMessage struct {
	Type      string `json:"type"` // "offer", "answer", or "candidate"
	From      string `json:"from"` // sender's hex-encoded peer id
	To        string `json:"to"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"` // unix seconds
	Nonce     uint64 `json:"nonce"`
	Signature []byte `json:"signature"`
}

// ErrBadSignalingSignature is returned when a signaling message's
// signature does not verify against its claimed sender.
var ErrBadSignalingSignature = errors.New("dht: bad signaling message signature")

// SignalingKey derives the DHT key a peer publishes its signaling
// messages under.
func SignalingKey(peerID string) []byte {
	sum := sha256.Sum256([]byte("signaling:" + peerID))
	return sum[:]
}

func (m *SignalingMessage) signingBytes() []byte {
	cp := *m
	cp.Signature = nil
	b, _ := json.Marshal(cp)
	return b
}

// Sign signs m in place using priv, which must belong to the peer
// identified by m.From.
func (m *SignalingMessage) Sign(priv ed25519.PrivateKey) {
	m.Signature = ed25519.Sign(priv, m.signingBytes())
}

// Verify checks m's signature against pub.
func (m *SignalingMessage) Verify(pub ed25519.PublicKey) bool {
	if len(m.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, m.signingBytes(), m.Signature)
}

// EncodeSignalingMessage serializes m for storage in the DHT.
func EncodeSignalingMessage(m *SignalingMessage) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeSignalingMessage parses a value retrieved from the DHT.
func DecodeSignalingMessage(raw []byte) (*SignalingMessage, error) {
	var m SignalingMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DefaultSignalingMaxAge and DefaultSignalingTTL bound, respectively, how
// old an incoming signaling message may be before MessageFresh rejects it,
// and how long a published offer/answer is kept in the local DHT store
// before ExpireKeys reclaims it.
const (
	DefaultSignalingMaxAge = 30 * time.Second
	DefaultSignalingTTL    = 2 * time.Minute
)

// MaxTrackedNonces bounds the replay-protection set; the oldest nonce is
// evicted once this many are being tracked.
const MaxTrackedNonces = 10000

// NonceTracker rejects previously seen (sender, nonce) pairs, bounding
// memory by evicting the oldest entry once full.
type NonceTracker struct {
	mutex sync.Mutex
	seen  map[string]bool
	order []string
}

// NewNonceTracker creates an empty replay tracker.
func NewNonceTracker() *NonceTracker {
	return &NonceTracker{seen: make(map[string]bool)}
}

// Observe reports whether (sender, nonce) has been seen before; if not,
// it is recorded as seen and false is returned.
func (t *NonceTracker) Observe(sender string, nonce uint64) (replay bool) {
	key := sender + ":" + itoa(nonce)

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.seen[key] {
		return true
	}
	t.seen[key] = true
	t.order = append(t.order, key)
	if len(t.order) > MaxTrackedNonces {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.seen, oldest)
	}
	return false
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// MessageFresh bounds how old a signaling message may be before it is
// rejected regardless of nonce, limiting the value of a captured replay.
func MessageFresh(m *SignalingMessage, maxAge time.Duration) bool {
	ts := time.Unix(m.Timestamp, 0)
	return time.Since(ts) <= maxAge
}
