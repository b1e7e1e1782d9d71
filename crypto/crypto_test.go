package crypto

import (
	"bytes"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %s", err.Error())
	}

	msg := []byte("the quick brown fox")
	sig, err := Sign(msg, id.PrivateKey)
	if err != nil {
		t.Fatalf("Sign: %s", err.Error())
	}

	if !Verify(msg, sig, id.PublicKey) {
		t.Fatal("valid signature failed to verify")
	}

	tampered := append([]byte{}, msg...)
	tampered[0] ^= 0xFF
	if Verify(tampered, sig, id.PublicKey) {
		t.Fatal("signature verified against tampered message")
	}
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	if Verify([]byte("x"), []byte("short"), make([]byte, PublicKeySize)) {
		t.Fatal("Verify accepted a short signature")
	}
	if Verify([]byte("x"), make([]byte, SignatureSize), []byte("short-key")) {
		t.Fatal("Verify accepted a short public key")
	}
}

func TestKeyExchangeSharedSecretMatches(t *testing.T) {
	alice, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity alice: %s", err.Error())
	}
	bob, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity bob: %s", err.Error())
	}

	secretA, err := PerformKeyExchange(alice, bob.KeyExchangePublic())
	if err != nil {
		t.Fatalf("PerformKeyExchange alice: %s", err.Error())
	}
	secretB, err := PerformKeyExchange(bob, alice.KeyExchangePublic())
	if err != nil {
		t.Fatalf("PerformKeyExchange bob: %s", err.Error())
	}

	if secretA != secretB {
		t.Fatal("shared secrets do not match")
	}
}

func TestEncryptDecryptEnvelopeRoundTrip(t *testing.T) {
	alice, _ := GenerateIdentity()
	bob, _ := GenerateIdentity()

	shared, err := PerformKeyExchange(alice, bob.KeyExchangePublic())
	if err != nil {
		t.Fatalf("PerformKeyExchange: %s", err.Error())
	}
	key, err := DeriveKey(shared, "test-channel")
	if err != nil {
		t.Fatalf("DeriveKey: %s", err.Error())
	}

	plaintext := []byte("hello across the mesh")
	sealed, err := EncryptEnvelope(plaintext, key)
	if err != nil {
		t.Fatalf("EncryptEnvelope: %s", err.Error())
	}

	opened, err := DecryptEnvelope(sealed, key)
	if err != nil {
		t.Fatalf("DecryptEnvelope: %s", err.Error())
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", opened, plaintext)
	}

	sealed[len(sealed)-1] ^= 0xFF
	if _, err := DecryptEnvelope(sealed, key); err != ErrDecryptAuthFail {
		t.Fatalf("expected ErrDecryptAuthFail for tampered ciphertext, got %v", err)
	}
}

func TestGenerateFingerprintDeterministic(t *testing.T) {
	id, _ := GenerateIdentity()
	fp1 := GenerateFingerprint(id.PublicKey)
	fp2 := GenerateFingerprint(id.PublicKey)
	if fp1 != fp2 || len(fp1) != 64 {
		t.Fatalf("fingerprint not stable/hex-64: %s vs %s", fp1, fp2)
	}
}

func TestNonceTrackerDetectsReuse(t *testing.T) {
	tracker := NewNonceTracker()
	nonce := []byte("0123456789012345678901234567890123")

	if err := tracker.Check("peerA", nonce); err != nil {
		t.Fatalf("first use should not error: %s", err.Error())
	}
	if err := tracker.Check("peerA", nonce); err != ErrNonceReuse {
		t.Fatalf("expected ErrNonceReuse, got %v", err)
	}
	if err := tracker.Check("peerB", nonce); err != nil {
		t.Fatal("same nonce from a different sender must not collide")
	}
}
