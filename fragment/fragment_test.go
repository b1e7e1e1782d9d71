package fragment

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sovereign-comms/mesh-core/wire"
)

func randomMessageID(t *testing.T) [16]byte {
	t.Helper()
	id, err := uuid.NewRandom()
	if err != nil {
		t.Fatalf("uuid: %s", err.Error())
	}
	var out [16]byte
	copy(out[:], id[:])
	return out
}

func TestSplitProducesExpectedFragmentCount(t *testing.T) {
	payload := make([]byte, 40000)
	rand.Read(payload)

	fragments, err := Split(randomMessageID(t), payload, 16384)
	if err != nil {
		t.Fatalf("Split: %s", err.Error())
	}
	if len(fragments) != 3 {
		t.Fatalf("fragment count = %d, want 3", len(fragments))
	}
	for i, f := range fragments {
		if int(f.FragmentIndex) != i {
			t.Fatalf("fragment %d has index %d", i, f.FragmentIndex)
		}
		if int(f.FragmentCount) != 3 {
			t.Fatalf("fragment %d reports count %d, want 3", i, f.FragmentCount)
		}
	}
}

func TestFragmentationRoundTrip(t *testing.T) {
	payload := make([]byte, 40000)
	rand.Read(payload)

	messageID := randomMessageID(t)
	fragments, err := Split(messageID, payload, 16384)
	if err != nil {
		t.Fatalf("Split: %s", err.Error())
	}

	reassembler := NewReassembler(0, 0)
	var result []byte
	for _, f := range fragments {
		out, complete, err := reassembler.Add("sender1", f)
		if err != nil {
			t.Fatalf("Add: %s", err.Error())
		}
		if complete {
			result = out
		}
	}

	if !bytes.Equal(result, payload) {
		t.Fatal("reassembled payload does not match original")
	}
}

func TestReassemblyFailsOnMissingFragment(t *testing.T) {
	payload := make([]byte, 40000)
	rand.Read(payload)

	messageID := randomMessageID(t)
	fragments, err := Split(messageID, payload, 16384)
	if err != nil {
		t.Fatalf("Split: %s", err.Error())
	}

	reassembler := NewReassembler(0, 0)
	for i, f := range fragments {
		if i == 1 {
			continue // drop the middle fragment
		}
		_, complete, err := reassembler.Add("sender1", f)
		if err != nil {
			t.Fatalf("Add: %s", err.Error())
		}
		if complete {
			t.Fatal("reassembly reported complete with a missing fragment")
		}
	}
	if reassembler.PendingCount() != 1 {
		t.Fatalf("pending buffers = %d, want 1", reassembler.PendingCount())
	}
}

func TestReassemblyDetectsCRCMismatch(t *testing.T) {
	payload := []byte("hello mesh")
	messageID := randomMessageID(t)
	fragments, err := Split(messageID, payload, 5)
	if err != nil {
		t.Fatalf("Split: %s", err.Error())
	}

	fragments[0].Slice[0] ^= 0xFF // corrupt without updating CRC32

	reassembler := NewReassembler(0, 0)
	_, _, err = reassembler.Add("sender1", fragments[0])
	var crcErr *ErrCRCMismatch
	if err == nil {
		t.Fatal("expected CRC mismatch error")
	}
	if _, ok := err.(*ErrCRCMismatch); !ok {
		t.Fatalf("expected *ErrCRCMismatch, got %T", err)
	}
	_ = crcErr
}

func TestReassemblyBufferExpiresAfterTTL(t *testing.T) {
	payload := []byte("short-lived")
	messageID := randomMessageID(t)
	fragments, err := Split(messageID, payload, 4)
	if err != nil {
		t.Fatalf("Split: %s", err.Error())
	}

	reassembler := NewReassembler(10*time.Millisecond, 0)
	reassembler.Add("sender1", fragments[0])
	time.Sleep(30 * time.Millisecond)

	// Triggers the TTL prune on the next Add call.
	reassembler.Add("sender2", fragments[0])
	if reassembler.PendingCount() != 1 {
		t.Fatalf("expected expired sender1 buffer to be pruned, pending = %d", reassembler.PendingCount())
	}
}

func TestReassemblyEnforcesMemoryBound(t *testing.T) {
	reassembler := NewReassembler(time.Hour, 10) // 10 bytes total

	for i := 0; i < 5; i++ {
		// two 8-byte fragments, only the first added, so each buffer stays incomplete
		payload := make([]byte, 16)
		rand.Read(payload)
		messageID := randomMessageID(t)
		fragments, err := Split(messageID, payload, 8)
		if err != nil {
			t.Fatalf("Split: %s", err.Error())
		}
		reassembler.Add("sender1", fragments[0])
	}

	if reassembler.PendingCount() > 1 {
		t.Fatalf("expected memory bound to keep pending buffers low, got %d", reassembler.PendingCount())
	}
}

func TestWireFragmentEncodeDecodeRoundTrip(t *testing.T) {
	f := &wire.FragmentPayload{
		MessageID:     randomMessageID(t),
		FragmentIndex: 1,
		FragmentCount: 3,
		Slice:         []byte("payload-slice"),
	}
	f.CRC32 = wire.ChecksumSlice(f.Slice)

	encoded := wire.EncodeFragment(f)
	decoded, err := wire.DecodeFragment(encoded)
	if err != nil {
		t.Fatalf("DecodeFragment: %s", err.Error())
	}
	if decoded.MessageID != f.MessageID || decoded.FragmentIndex != f.FragmentIndex ||
		decoded.FragmentCount != f.FragmentCount || decoded.CRC32 != f.CRC32 {
		t.Fatal("decoded fragment header does not match original")
	}
	if !bytes.Equal(decoded.Slice, f.Slice) {
		t.Fatal("decoded fragment slice does not match original")
	}
}
