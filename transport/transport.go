/*
File Name:  transport.go

Transport abstraction and registry (§4.9). Grounded in the teacher's
Network*.go goroutine-per-connection model and its global connection
registry, generalized into a single narrow interface implemented per
transport kind, composed by a Registry that tries, per peer, the
transport that last reached it and then every other registered one. The
Registry keeps no capability metadata.
*/

package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sovereign-comms/mesh-core/routing"
)

// InboundMessage is handed from a transport to the MeshNetwork loop on
// receipt; the core never mutates shared state from inside a transport
// callback (§5) -- it enqueues work onto its own loop instead.
type InboundMessage struct {
	From    string
	To      string
	Payload []byte
	At      time.Time
}

// Events is the set of callbacks a Transport invokes. None of these may
// block for long; the receiver is expected to hand off to its own loop.
type Events struct {
	OnMessage    func(InboundMessage)
	OnConnect    func(peerID string)
	OnDisconnect func(peerID string)
	OnError      func(peerID string, err error)
}

func (e Events) message(m InboundMessage) {
	if e.OnMessage != nil {
		e.OnMessage(m)
	}
}

func (e Events) connect(peerID string) {
	if e.OnConnect != nil {
		e.OnConnect(peerID)
	}
}

func (e Events) disconnect(peerID string) {
	if e.OnDisconnect != nil {
		e.OnDisconnect(peerID)
	}
}

func (e Events) errorf(peerID string, err error) {
	if e.OnError != nil {
		e.OnError(peerID, err)
	}
}

// PeerInfo is the transport-level view of a connected peer.
type PeerInfo struct {
	PeerID string
	State  routing.State
}

// ErrUnknownPeer is returned by Send/Disconnect for a peer with no open connection.
var ErrUnknownPeer = errors.New("transport: unknown peer")

// ErrNotStarted is returned when an operation is attempted before Start.
var ErrNotStarted = errors.New("transport: not started")

// Transport is the common contract every transport kind implements (§4.9).
type Transport interface {
	Name() string
	LocalPeerID() string

	Start(events Events) error
	Stop() error

	Connect(ctx context.Context, peerID string, signaling []byte) error
	Disconnect(peerID string) error

	Send(ctx context.Context, peerID string, payload []byte) error
	Broadcast(ctx context.Context, payload []byte, exclude []string) error

	GetConnectedPeers() []string
	GetPeerInfo(peerID string) (PeerInfo, bool)
	GetConnectionState(peerID string) routing.State

	// MaxPayloadSize returns this transport's declared fragmentation threshold (§4.6).
	MaxPayloadSize() int
}

// Registry composes multiple Transport instances. Per peer it tries first
// the transport that last delivered to that peer, then every other
// registered transport in turn when a send fails. It holds no capability
// metadata, and the order among the other transports is not defined.
type Registry struct {
	mutex      sync.RWMutex
	transports map[string]Transport
	// peerAffinity remembers which transport last succeeded for a peer.
	peerAffinity map[string]string
}

// NewRegistry creates an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{
		transports:   make(map[string]Transport),
		peerAffinity: make(map[string]string),
	}
}

// Register adds t to the registry, keyed by its Name().
func (r *Registry) Register(t Transport) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.transports[t.Name()] = t
}

// Get returns the transport registered under name.
func (r *Registry) Get(name string) (Transport, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	t, ok := r.transports[name]
	return t, ok
}

// All returns every registered transport.
func (r *Registry) All() []Transport {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]Transport, 0, len(r.transports))
	for _, t := range r.transports {
		out = append(out, t)
	}
	return out
}

// PreferredFor returns the transport that last succeeded in reaching peerID,
// if any is remembered.
func (r *Registry) PreferredFor(peerID string) (Transport, bool) {
	r.mutex.RLock()
	name, ok := r.peerAffinity[peerID]
	r.mutex.RUnlock()
	if !ok {
		return nil, false
	}
	return r.Get(name)
}

// RememberSuccess records that transportName most recently delivered to peerID.
func (r *Registry) RememberSuccess(peerID, transportName string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.peerAffinity[peerID] = transportName
}

// SendWithFallback attempts to deliver payload to peerID through the
// preferred transport, falling back to every other registered transport
// in turn on failure.
func (r *Registry) SendWithFallback(ctx context.Context, peerID string, payload []byte) error {
	var ordered []Transport
	if preferred, ok := r.PreferredFor(peerID); ok {
		ordered = append(ordered, preferred)
	}
	for _, t := range r.All() {
		if preferred, ok := r.PreferredFor(peerID); ok && t.Name() == preferred.Name() {
			continue
		}
		ordered = append(ordered, t)
	}

	var lastErr error
	for _, t := range ordered {
		if err := t.Send(ctx, peerID, payload); err != nil {
			lastErr = err
			continue
		}
		r.RememberSuccess(peerID, t.Name())
		return nil
	}
	if lastErr == nil {
		lastErr = ErrUnknownPeer
	}
	return lastErr
}
