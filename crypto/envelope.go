/*
File Name:  envelope.go

Authenticated encryption of message payloads using XChaCha20-Poly1305.
The nonce is generated randomly per message and prefixed to the
ciphertext; optional reuse detection is available via a per-sender
table of seen nonces, per §4.1's "Nonce policy".
*/

package crypto

import (
	"crypto/rand"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// EncryptEnvelope seals plaintext under key, generating a fresh random nonce
// and prefixing it to the returned ciphertext.
func EncryptEnvelope(plaintext []byte, key [SharedKeySize]byte) (sealed []byte, err error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err = rand.Read(nonce); err != nil {
		return nil, err
	}

	sealed = aead.Seal(nonce, nonce, plaintext, nil)
	return sealed, nil
}

// DecryptEnvelope reverses EncryptEnvelope, reading the nonce prefix and
// opening the remainder. Authentication failure returns ErrDecryptAuthFail.
func DecryptEnvelope(sealed []byte, key [SharedKeySize]byte) (plaintext []byte, err error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, ErrDecryptAuthFail
	}

	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plaintext, err = aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptAuthFail
	}
	return plaintext, nil
}

// NonceTracker optionally detects nonce reuse per (sender, nonce) pair. It is
// not required for correctness (nonces are random and 24 bytes), but catches a
// misbehaving or compromised peer replaying ciphertext verbatim.
type NonceTracker struct {
	mutex sync.Mutex
	seen  map[string]map[string]struct{} // senderID -> set of nonce strings
}

// NewNonceTracker creates an empty tracker.
func NewNonceTracker() *NonceTracker {
	return &NonceTracker{seen: make(map[string]map[string]struct{})}
}

// Check records the nonce for senderID, returning ErrNonceReuse if it was seen before.
func (t *NonceTracker) Check(senderID string, nonce []byte) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	set, ok := t.seen[senderID]
	if !ok {
		set = make(map[string]struct{})
		t.seen[senderID] = set
	}

	key := string(nonce)
	if _, dup := set[key]; dup {
		return ErrNonceReuse
	}
	set[key] = struct{}{}
	return nil
}

// Forget drops all tracked nonces for senderID, e.g. after a session key rotation.
func (t *NonceTracker) Forget(senderID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.seen, senderID)
}
