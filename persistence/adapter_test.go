package persistence

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sovereign-comms/mesh-core/wire"
)

func newID(t *testing.T) [16]byte {
	t.Helper()
	id, err := uuid.NewRandom()
	if err != nil {
		t.Fatalf("uuid: %s", err.Error())
	}
	var out [16]byte
	copy(out[:], id[:])
	return out
}

func TestMemoryAdapterSaveGetRemove(t *testing.T) {
	a := NewMemoryAdapter()
	id := newID(t)
	msg := StoredMessage{
		ID:          id,
		RecipientID: "peer1",
		Payload:     []byte("ping"),
		Priority:    wire.PriorityText,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(DefaultStoreTimeout),
	}

	if err := a.SaveMessage(id, msg); err != nil {
		t.Fatalf("SaveMessage: %s", err.Error())
	}

	got, found := a.GetMessage(id)
	if !found {
		t.Fatal("expected saved message to be found")
	}
	if string(got.Payload) != "ping" {
		t.Fatalf("payload = %q, want %q", got.Payload, "ping")
	}

	if err := a.RemoveMessage(id); err != nil {
		t.Fatalf("RemoveMessage: %s", err.Error())
	}
	if _, found := a.GetMessage(id); found {
		t.Fatal("expected message to be gone after RemoveMessage")
	}
}

func TestMemoryAdapterPruneExpired(t *testing.T) {
	a := NewMemoryAdapter()
	id := newID(t)
	a.SaveMessage(id, StoredMessage{ID: id, ExpiresAt: time.Now().Add(-time.Second)})

	if err := a.PruneExpired(time.Now()); err != nil {
		t.Fatalf("PruneExpired: %s", err.Error())
	}
	if a.Size() != 0 {
		t.Fatalf("size = %d after pruning expired message, want 0", a.Size())
	}
}

func TestMemoryAdapterUpdateMessageSuccessRemoves(t *testing.T) {
	a := NewMemoryAdapter()
	id := newID(t)
	a.SaveMessage(id, StoredMessage{ID: id, ExpiresAt: time.Now().Add(time.Hour)})

	if err := a.UpdateMessage(id, 1, time.Now(), true); err != nil {
		t.Fatalf("UpdateMessage: %s", err.Error())
	}
	if _, found := a.GetMessage(id); found {
		t.Fatal("expected successful delivery to remove the stored message")
	}
}

func TestMemoryAdapterUpdateMessageFailureKeepsAttempts(t *testing.T) {
	a := NewMemoryAdapter()
	id := newID(t)
	a.SaveMessage(id, StoredMessage{ID: id, ExpiresAt: time.Now().Add(time.Hour)})

	if err := a.UpdateMessage(id, 2, time.Now(), false); err != nil {
		t.Fatalf("UpdateMessage: %s", err.Error())
	}
	got, found := a.GetMessage(id)
	if !found {
		t.Fatal("expected message to remain after a failed attempt")
	}
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", got.Attempts)
	}
}

func TestMemoryAdapterGetAllMessagesAndSize(t *testing.T) {
	a := NewMemoryAdapter()
	for i := 0; i < 3; i++ {
		id := newID(t)
		a.SaveMessage(id, StoredMessage{ID: id, ExpiresAt: time.Now().Add(time.Hour)})
	}
	if a.Size() != 3 {
		t.Fatalf("size = %d, want 3", a.Size())
	}
	if len(a.GetAllMessages()) != 3 {
		t.Fatalf("GetAllMessages returned %d entries, want 3", len(a.GetAllMessages()))
	}
}
