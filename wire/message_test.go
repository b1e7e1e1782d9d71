package wire

import (
	"bytes"
	"crypto/ed25519"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)

	m := NewMessage(TypeText, 5, pub, []byte("hello"))
	if err := Sign(m, priv); err != nil {
		t.Fatalf("Sign: %s", err.Error())
	}

	encoded, err := EncodeMessage(m)
	if err != nil {
		t.Fatalf("EncodeMessage: %s", err.Error())
	}
	if len(encoded) != HeaderSize+len("hello") {
		t.Fatalf("unexpected encoded length %d", len(encoded))
	}

	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage: %s", err.Error())
	}

	if decoded.Type != m.Type || decoded.TTL != m.TTL || decoded.TimestampMs != m.TimestampMs {
		t.Fatalf("decoded header mismatch: %+v vs %+v", decoded, m)
	}
	if !bytes.Equal(decoded.SenderID, m.SenderID) {
		t.Fatal("sender id mismatch")
	}
	if !bytes.Equal(decoded.Payload, m.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", decoded.Payload, m.Payload)
	}
	if !VerifySignature(decoded) {
		t.Fatal("decoded message failed signature verification")
	}
}

func TestTamperingInvalidatesSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	m := NewMessage(TypeText, 5, pub, []byte("hello"))
	Sign(m, priv)

	encoded, _ := EncodeMessage(m)
	for i := range encoded {
		tampered := append([]byte{}, encoded...)
		tampered[i] ^= 0xFF

		decoded, err := DecodeMessage(tampered)
		if err != nil {
			continue // header validation legitimately rejected the tampered byte
		}
		if VerifySignature(decoded) {
			t.Fatalf("tampering byte %d did not invalidate the signature", i)
		}
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	if _, err := DecodeMessage(make([]byte, HeaderSize-1)); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	m := NewMessage(TypeText, 1, pub, nil)
	Sign(m, priv)
	encoded, _ := EncodeMessage(m)
	encoded[offVersion] = 9

	if _, err := DecodeMessage(encoded); err != ErrBadVersion {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestDecodeRejectsTTLAboveMax(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	m := NewMessage(TypeText, MaxTTL, pub, nil)
	Sign(m, priv)
	encoded, _ := EncodeMessage(m)
	encoded[offTTL] = MaxTTL + 1

	if _, err := DecodeMessage(encoded); err != ErrBadTTL {
		t.Fatalf("expected ErrBadTTL, got %v", err)
	}
}

func TestPriorityOrdering(t *testing.T) {
	if !(PriorityControl > PriorityVoice && PriorityVoice > PriorityText && PriorityText > PriorityFile) {
		t.Fatal("priority ordering must be CONTROL > VOICE > TEXT > FILE")
	}
	if PriorityOf(TypeControlPing) != PriorityControl {
		t.Fatal("CONTROL_PING must map to PriorityControl")
	}
	if PriorityOf(TypeFileChunk) != PriorityFile {
		t.Fatal("FILE_CHUNK must map to PriorityFile")
	}
}

func TestWithinClockSkew(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	now := time.Now()
	m := &Message{TimestampMs: uint64(now.UnixMilli()), SenderID: pub}

	if !WithinClockSkew(m, 5*time.Second, now.Add(2*time.Second)) {
		t.Fatal("message within tolerance should be accepted")
	}
	if WithinClockSkew(m, 5*time.Second, now.Add(time.Hour)) {
		t.Fatal("message far outside tolerance should be rejected")
	}
}

func TestFragmentEncodeDecodeRoundTrip(t *testing.T) {
	slice := []byte("fragment-body")
	f := &FragmentPayload{
		FragmentIndex: 1,
		FragmentCount: 3,
		CRC32:         ChecksumSlice(slice),
		Slice:         slice,
	}
	copy(f.MessageID[:], []byte("0123456789ABCDEF"))

	encoded := EncodeFragment(f)
	decoded, err := DecodeFragment(encoded)
	if err != nil {
		t.Fatalf("DecodeFragment: %s", err.Error())
	}
	if decoded.FragmentIndex != 1 || decoded.FragmentCount != 3 {
		t.Fatalf("fragment header mismatch: %+v", decoded)
	}
	if decoded.CRC32 != ChecksumSlice(decoded.Slice) {
		t.Fatal("checksum does not validate against decoded slice")
	}
	if !bytes.Equal(decoded.Slice, slice) {
		t.Fatal("fragment slice mismatch")
	}
}
