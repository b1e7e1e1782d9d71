/*
File Name:  adapter.go

Persistence adapter contract (§6): the narrow interface the core uses for
store-and-forward, treating the backing store as an opaque external
collaborator. Grounded in the teacher's store/Store.go key-value
interface, narrowed from generic Set/Get/Delete to the spec's
StoredMessage-specific operations. The core never embeds a storage engine
directly -- these adapters are reference implementations only.
*/

package persistence

import (
	"sync"
	"time"

	"github.com/sovereign-comms/mesh-core/wire"
)

// DefaultStoreTimeout is how long a stored message is retained before
// expiry, per §4.7's store-and-forward default.
const DefaultStoreTimeout = 24 * time.Hour

// StoredMessage is a queued-for-later-delivery message owned by the
// store-and-forward subsystem (§3).
type StoredMessage struct {
	ID          [16]byte
	RecipientID string
	Payload     []byte
	Attempts    int
	LastAttempt time.Time
	ExpiresAt   time.Time
	Priority    wire.Priority
	CreatedAt   time.Time
}

// Adapter is the contract the core calls against; callers may invoke its
// methods concurrently and implementations must be safe for that. The core
// treats adapter failures as non-fatal and reports them as a metric rather
// than propagating them as a fatal error.
type Adapter interface {
	SaveMessage(id [16]byte, msg StoredMessage) error
	GetMessage(id [16]byte) (msg StoredMessage, found bool)
	RemoveMessage(id [16]byte) error
	GetAllMessages() map[[16]byte]StoredMessage
	PruneExpired(now time.Time) error
	Size() int
	UpdateMessage(id [16]byte, attempts int, lastAttempt time.Time, success bool) error
}

// MemoryAdapter is an in-process Adapter backed by a guarded map, grounded
// in the teacher's MemoryStore.
type MemoryAdapter struct {
	mutex    sync.Mutex
	messages map[[16]byte]StoredMessage
}

// NewMemoryAdapter creates an empty in-memory persistence adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{messages: make(map[[16]byte]StoredMessage)}
}

func (a *MemoryAdapter) SaveMessage(id [16]byte, msg StoredMessage) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.messages[id] = msg
	return nil
}

func (a *MemoryAdapter) GetMessage(id [16]byte) (msg StoredMessage, found bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	msg, found = a.messages[id]
	return msg, found
}

func (a *MemoryAdapter) RemoveMessage(id [16]byte) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	delete(a.messages, id)
	return nil
}

func (a *MemoryAdapter) GetAllMessages() map[[16]byte]StoredMessage {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	out := make(map[[16]byte]StoredMessage, len(a.messages))
	for k, v := range a.messages {
		out[k] = v
	}
	return out
}

func (a *MemoryAdapter) PruneExpired(now time.Time) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for id, msg := range a.messages {
		if now.After(msg.ExpiresAt) {
			delete(a.messages, id)
		}
	}
	return nil
}

func (a *MemoryAdapter) Size() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return len(a.messages)
}

func (a *MemoryAdapter) UpdateMessage(id [16]byte, attempts int, lastAttempt time.Time, success bool) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	msg, ok := a.messages[id]
	if !ok {
		return nil
	}
	msg.Attempts = attempts
	msg.LastAttempt = lastAttempt
	if success {
		delete(a.messages, id)
		return nil
	}
	a.messages[id] = msg
	return nil
}
