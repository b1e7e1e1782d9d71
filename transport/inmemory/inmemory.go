/*
File Name:  inmemory.go

In-process transport: delivers directly to a peer transport's Events
callbacks through a shared process-wide bus, keyed by local peer id.
Used for tests and single-process simulation of a mesh, grounded in the
teacher's loopback connection handling in Network.go.
*/

package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/sovereign-comms/mesh-core/routing"
	"github.com/sovereign-comms/mesh-core/transport"
)

// DefaultMaxPayloadSize mirrors the WebRTC default since the in-memory
// transport has no real framing limit of its own.
const DefaultMaxPayloadSize = 16 * 1024

var (
	busMutex sync.Mutex
	bus      = make(map[string]*Transport)
)

// Transport is an in-process Transport implementation.
type Transport struct {
	localPeerID string

	mutex   sync.Mutex
	events  transport.Events
	started bool
	peers   map[string]transport.PeerInfo
}

// New creates an in-memory transport for localPeerID and registers it on
// the shared process bus.
func New(localPeerID string) *Transport {
	t := &Transport{localPeerID: localPeerID, peers: make(map[string]transport.PeerInfo)}

	busMutex.Lock()
	bus[localPeerID] = t
	busMutex.Unlock()

	return t
}

func (t *Transport) Name() string        { return "local" }
func (t *Transport) LocalPeerID() string { return t.localPeerID }

func (t *Transport) Start(events transport.Events) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.events = events
	t.started = true
	return nil
}

func (t *Transport) Stop() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.started = false

	busMutex.Lock()
	delete(bus, t.localPeerID)
	busMutex.Unlock()
	return nil
}

// Connect immediately marks peerID connected; the in-memory bus has no
// handshake of its own, so signaling is ignored.
func (t *Transport) Connect(ctx context.Context, peerID string, signaling []byte) error {
	t.mutex.Lock()
	if !t.started {
		t.mutex.Unlock()
		return transport.ErrNotStarted
	}
	t.peers[peerID] = transport.PeerInfo{PeerID: peerID, State: routing.StateConnected}
	events := t.events
	t.mutex.Unlock()

	events.connect(peerID)

	busMutex.Lock()
	remote, ok := bus[peerID]
	busMutex.Unlock()
	if ok {
		remote.mutex.Lock()
		remote.peers[t.localPeerID] = transport.PeerInfo{PeerID: t.localPeerID, State: routing.StateConnected}
		remoteEvents := remote.events
		remote.mutex.Unlock()
		remoteEvents.connect(t.localPeerID)
	}
	return nil
}

func (t *Transport) Disconnect(peerID string) error {
	t.mutex.Lock()
	delete(t.peers, peerID)
	events := t.events
	t.mutex.Unlock()
	events.disconnect(peerID)
	return nil
}

func (t *Transport) Send(ctx context.Context, peerID string, payload []byte) error {
	t.mutex.Lock()
	if !t.started {
		t.mutex.Unlock()
		return transport.ErrNotStarted
	}
	if _, ok := t.peers[peerID]; !ok {
		t.mutex.Unlock()
		return transport.ErrUnknownPeer
	}
	t.mutex.Unlock()

	busMutex.Lock()
	remote, ok := bus[peerID]
	busMutex.Unlock()
	if !ok {
		return transport.ErrUnknownPeer
	}

	remote.mutex.Lock()
	events := remote.events
	remote.mutex.Unlock()

	events.message(transport.InboundMessage{
		From:    t.localPeerID,
		To:      peerID,
		Payload: append([]byte{}, payload...),
		At:      time.Now(),
	})
	return nil
}

func (t *Transport) Broadcast(ctx context.Context, payload []byte, exclude []string) error {
	t.mutex.Lock()
	peerIDs := make([]string, 0, len(t.peers))
	for id := range t.peers {
		peerIDs = append(peerIDs, id)
	}
	t.mutex.Unlock()

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var firstErr error
	for _, id := range peerIDs {
		if excluded[id] {
			continue
		}
		if err := t.Send(ctx, id, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Transport) GetConnectedPeers() []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	out := make([]string, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	return out
}

func (t *Transport) GetPeerInfo(peerID string) (transport.PeerInfo, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	info, ok := t.peers[peerID]
	return info, ok
}

func (t *Transport) GetConnectionState(peerID string) routing.State {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	info, ok := t.peers[peerID]
	if !ok {
		return routing.StateDisconnected
	}
	return info.State
}

func (t *Transport) MaxPayloadSize() int { return DefaultMaxPayloadSize }
