/*
File Name:  filters.go

Filters let a caller observe core events without the core depending on
any particular logging or UI framework. Grounded in the teacher's
Filter.go: a struct of nil-able callback fields plus an initFilters
method that defaults every unset field to a no-op, so call sites never
need a nil check.
*/

package mesh

import (
	"github.com/sovereign-comms/mesh-core/health"
	"github.com/sovereign-comms/mesh-core/routing"
	"github.com/sovereign-comms/mesh-core/wire"
)

// Filters contains every hook the core calls out through. Use nil for any
// hook the caller does not need; the functions are called sequentially and
// block the event loop, so a slow filter should start its own goroutine.
type Filters struct {
	// LogError is called for any recoverable error the core encounters.
	LogError func(function, format string, v ...interface{})

	// NewPeer is called the first time a peer is added to the routing table.
	NewPeer func(peer *routing.Peer)

	// PeerStateChange is called whenever a peer transitions between
	// CONNECTING/CONNECTED/DEGRADED/DISCONNECTED.
	PeerStateChange func(event health.StateChangeEvent)

	// MessageIn is called for every message delivered to the local peer,
	// after decryption, with the plaintext payload.
	MessageIn func(senderID string, msgType wire.MessageType, payload []byte)

	// MessageOut is called for every message this instance originates,
	// before encryption, with the plaintext payload.
	MessageOut func(recipientID string, msgType wire.MessageType, payload []byte)

	// DHTSearchStatus reports progress of DHT lookups and store operations.
	DHTSearchStatus func(function, format string, v ...interface{})
}

// initFilters defaults every unset hook to a no-op so the rest of the core
// never needs a nil check before calling one.
func (f *Filters) initFilters() {
	if f.LogError == nil {
		f.LogError = func(function, format string, v ...interface{}) {}
	}
	if f.NewPeer == nil {
		f.NewPeer = func(peer *routing.Peer) {}
	}
	if f.PeerStateChange == nil {
		f.PeerStateChange = func(event health.StateChangeEvent) {}
	}
	if f.MessageIn == nil {
		f.MessageIn = func(senderID string, msgType wire.MessageType, payload []byte) {}
	}
	if f.MessageOut == nil {
		f.MessageOut = func(recipientID string, msgType wire.MessageType, payload []byte) {}
	}
	if f.DHTSearchStatus == nil {
		f.DHTSearchStatus = func(function, format string, v ...interface{}) {}
	}
}
