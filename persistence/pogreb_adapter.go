/*
File Name:  pogreb_adapter.go

Pogreb-backed persistence adapter, grounded in the teacher's
store/Pogreb.go embedded key-value store. StoredMessage values are
gob-encoded before being handed to pogreb, since pogreb itself is an
opaque byte-blob store.
*/

package persistence

import (
	"bytes"
	"encoding/gob"
	"io"
	"log"
	"sync"
	"time"

	"github.com/akrylysov/pogreb"
)

// PogrebAdapter persists StoredMessages to an embedded pogreb database,
// indexed by message id.
type PogrebAdapter struct {
	mutex sync.Mutex
	db    *pogreb.DB
}

// NewPogrebAdapter opens (or creates) a pogreb database at path.
func NewPogrebAdapter(path string) (adapter *PogrebAdapter, err error) {
	pogreb.SetLogger(log.New(io.Discard, "", 0))

	db, err := pogreb.Open(path, nil)
	if err != nil {
		return nil, err
	}
	return &PogrebAdapter{db: db}, nil
}

// Close releases the underlying database handle.
func (a *PogrebAdapter) Close() error {
	return a.db.Close()
}

func encodeStoredMessage(msg StoredMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeStoredMessage(raw []byte) (msg StoredMessage, err error) {
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&msg); err != nil {
		return StoredMessage{}, err
	}
	return msg, nil
}

func (a *PogrebAdapter) SaveMessage(id [16]byte, msg StoredMessage) error {
	raw, err := encodeStoredMessage(msg)
	if err != nil {
		return err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.db.Put(id[:], raw)
}

func (a *PogrebAdapter) GetMessage(id [16]byte) (msg StoredMessage, found bool) {
	a.mutex.Lock()
	raw, err := a.db.Get(id[:])
	a.mutex.Unlock()
	if err != nil || raw == nil {
		return StoredMessage{}, false
	}

	msg, err = decodeStoredMessage(raw)
	if err != nil {
		return StoredMessage{}, false
	}
	return msg, true
}

func (a *PogrebAdapter) RemoveMessage(id [16]byte) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.db.Delete(id[:])
}

func (a *PogrebAdapter) GetAllMessages() map[[16]byte]StoredMessage {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	out := make(map[[16]byte]StoredMessage)
	iter := a.db.Items()
	for {
		key, value, err := iter.Next()
		if err != nil {
			break
		}
		msg, err := decodeStoredMessage(value)
		if err != nil {
			continue
		}
		var id [16]byte
		copy(id[:], key)
		out[id] = msg
	}
	return out
}

func (a *PogrebAdapter) PruneExpired(now time.Time) error {
	for id, msg := range a.GetAllMessages() {
		if now.After(msg.ExpiresAt) {
			if err := a.RemoveMessage(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *PogrebAdapter) Size() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return int(a.db.Count())
}

func (a *PogrebAdapter) UpdateMessage(id [16]byte, attempts int, lastAttempt time.Time, success bool) error {
	msg, found := a.GetMessage(id)
	if !found {
		return nil
	}
	if success {
		return a.RemoveMessage(id)
	}
	msg.Attempts = attempts
	msg.LastAttempt = lastAttempt
	return a.SaveMessage(id, msg)
}
