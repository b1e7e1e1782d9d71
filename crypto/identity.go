/*
File Name:  identity.go

Peer identity, signing, key exchange and authenticated encryption.

Every peer is identified on the wire by its Ed25519 public key (§3). Key
exchange for session encryption uses an independent X25519 key pair,
deterministically derived from the Ed25519 seed via HKDF-SHA256 so that a
single stored secret yields both key pairs.
*/

package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Sizes mandated by the wire format (§3).
const (
	PublicKeySize  = ed25519.PublicKeySize  // 32
	PrivateKeySize = ed25519.PrivateKeySize // 64 (seed + public key)
	SignatureSize  = ed25519.SignatureSize  // 64
	SharedKeySize  = 32
	NonceSize      = 24 // XChaCha20-Poly1305 nonce
)

// Error taxonomy, per §4.1.
var (
	ErrBadSignatureLen = errors.New("crypto: bad signature length")
	ErrInvalidKey      = errors.New("crypto: invalid key")
	ErrDecryptAuthFail = errors.New("crypto: decryption authentication failed")
	ErrNonceReuse      = errors.New("crypto: nonce reuse detected")
)

// kxInfo namespaces the HKDF expansion that derives the X25519 key exchange
// scalar from the Ed25519 private key, keeping the two key pairs cryptographically independent.
const kxInfo = "sovereign-mesh/kx-v1"

// Identity is a peer's signing key pair plus its derived key-exchange key pair.
type Identity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey

	kxPrivate [32]byte
	kxPublic  [32]byte
}

// GenerateIdentity creates a new random Ed25519 identity.
func GenerateIdentity() (id *Identity, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newIdentity(pub, priv)
}

// IdentityFromPrivateKey reconstructs an Identity from a raw 64-byte Ed25519 private key.
func IdentityFromPrivateKey(priv ed25519.PrivateKey) (id *Identity, err error) {
	if len(priv) != PrivateKeySize {
		return nil, ErrInvalidKey
	}
	pub := make(ed25519.PublicKey, PublicKeySize)
	copy(pub, priv[32:])
	return newIdentity(pub, priv)
}

func newIdentity(pub ed25519.PublicKey, priv ed25519.PrivateKey) (id *Identity, err error) {
	id = &Identity{PublicKey: pub, PrivateKey: priv}

	var scalar [32]byte
	h := hkdf.New(sha256.New, priv.Seed(), nil, []byte(kxInfo))
	if _, err = io.ReadFull(h, scalar[:]); err != nil {
		return nil, err
	}

	id.kxPrivate = scalar
	pubBytes, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(id.kxPublic[:], pubBytes)

	return id, nil
}

// KeyExchangePublic returns the X25519 public key to publish for ECDH with peers.
func (id *Identity) KeyExchangePublic() [32]byte {
	return id.kxPublic
}

// Sign signs msgBytes with the peer's private key, returning a 64-byte signature.
func Sign(msgBytes []byte, priv ed25519.PrivateKey) (sig []byte, err error) {
	if len(priv) != PrivateKeySize {
		return nil, ErrInvalidKey
	}
	return ed25519.Sign(priv, msgBytes), nil
}

// Verify checks a signature in constant time and never panics on malformed input.
func Verify(msgBytes, sig []byte, pub ed25519.PublicKey) bool {
	if len(sig) != SignatureSize || len(pub) != PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msgBytes, sig)
}

// PerformKeyExchange derives a shared secret via X25519 between the local identity's
// key-exchange private scalar and a peer's published key-exchange public key.
func PerformKeyExchange(id *Identity, peerKXPublic [32]byte) (sharedSecret [SharedKeySize]byte, err error) {
	if id == nil {
		return sharedSecret, ErrInvalidKey
	}

	shared, err := curve25519.X25519(id.kxPrivate[:], peerKXPublic[:])
	if err != nil {
		return sharedSecret, err
	}
	copy(sharedSecret[:], shared)
	return sharedSecret, nil
}

// DeriveKey expands a shared secret into a symmetric key via HKDF-SHA256.
func DeriveKey(shared [SharedKeySize]byte, info string) (key [SharedKeySize]byte, err error) {
	h := hkdf.New(sha256.New, shared[:], nil, []byte(info))
	if _, err = io.ReadFull(h, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// GenerateFingerprint returns the SHA-256 hex digest of a peer's public key.
func GenerateFingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual reports whether two byte slices are equal, resistant to timing attacks.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
