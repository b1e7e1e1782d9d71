/*
File Name:  ble.go

BLE GATT transport (§4.9): peripheral+central roles exchanging
fragmented frames over a custom service/characteristic. The actual
radio/GATT stack is hardware- and platform-specific and out of scope for
this core (per the spec's "hardware I/O is implementation-defined" note);
this transport owns the framing and fragmentation/reassembly and talks to
the hardware through an injected Link per connected peer, mirroring the
teacher's connection-per-goroutine model with the physical socket
replaced by this narrower abstraction.
*/

package ble

import (
	"context"
	"sync"
	"time"

	"github.com/sovereign-comms/mesh-core/fragment"
	"github.com/sovereign-comms/mesh-core/routing"
	"github.com/sovereign-comms/mesh-core/transport"
	"github.com/sovereign-comms/mesh-core/wire"
)

// Link is the narrow hardware contract a GATT central/peripheral driver
// must satisfy: a single ordered byte stream per connected peer, one GATT
// write per call. Framing above this point is this package's concern.
type Link interface {
	Write(frame []byte) error
	MTU() int
}

// DefaultMTU is used when a Link reports an MTU of 0 (not yet negotiated).
const DefaultMTU = 23 // BLE 4.x default ATT MTU

type peerConn struct {
	link  Link
	state routing.State
}

// Transport implements transport.Transport over BLE GATT links, handling
// fragmentation itself since BLE's usable payload (MTU-3) is almost always
// smaller than a message.
type Transport struct {
	localPeerID string

	mutex       sync.Mutex
	events      transport.Events
	started     bool
	conns       map[string]*peerConn
	reassembler *fragment.Reassembler
}

// New creates a BLE transport for localPeerID.
func New(localPeerID string) *Transport {
	return &Transport{
		localPeerID: localPeerID,
		conns:       make(map[string]*peerConn),
		reassembler: fragment.NewReassembler(0, 0),
	}
}

func (t *Transport) Name() string        { return "ble" }
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
	t.conns = make(map[string]*peerConn)
	t.started = false
	return nil
}

// AttachLink registers an already-established GATT link for peerID (the
// handshake itself -- advertising, scanning, pairing -- is hardware-specific
// and happens outside this package). This is the BLE equivalent of Connect
// succeeding at the radio layer.
func (t *Transport) AttachLink(peerID string, link Link) {
	t.mutex.Lock()
	t.conns[peerID] = &peerConn{link: link, state: routing.StateConnected}
	events := t.events
	t.mutex.Unlock()
	events.connect(peerID)
}

// Connect is a no-op at this layer: BLE pairing/bonding happens at the
// radio layer and is surfaced through AttachLink once complete.
func (t *Transport) Connect(ctx context.Context, peerID string, signaling []byte) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.started {
		return transport.ErrNotStarted
	}
	if _, ok := t.conns[peerID]; !ok {
		return transport.ErrUnknownPeer
	}
	return nil
}

func (t *Transport) Disconnect(peerID string) error {
	t.mutex.Lock()
	_, ok := t.conns[peerID]
	delete(t.conns, peerID)
	events := t.events
	t.mutex.Unlock()
	if !ok {
		return transport.ErrUnknownPeer
	}
	events.disconnect(peerID)
	return nil
}

// Send fragments payload to the peer's negotiated MTU and writes each
// fragment as a separate GATT write.
func (t *Transport) Send(ctx context.Context, peerID string, payload []byte) error {
	t.mutex.Lock()
	conn, ok := t.conns[peerID]
	t.mutex.Unlock()
	if !ok {
		return transport.ErrUnknownPeer
	}

	mtu := conn.link.MTU()
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	threshold := fragment.BLEFragmentThreshold(mtu)

	messageID := randomishID(payload)

	fragments, err := fragment.Split(messageID, payload, threshold)
	if err != nil {
		return err
	}
	for _, f := range fragments {
		if err := conn.link.Write(wire.EncodeFragment(f)); err != nil {
			return err
		}
	}
	return nil
}

// randomishID derives a 16-byte id from the payload's content hash so that
// repeated Send calls for distinct payloads get distinct reassembly keys
// without requiring a dependency on crypto/rand at the transport layer.
func randomishID(payload []byte) [16]byte {
	var id [16]byte
	h := uint64(1469598103934665603) // FNV offset basis
	for _, b := range payload {
		h ^= uint64(b)
		h *= 1099511628211
	}
	for i := 0; i < 8; i++ {
		id[i] = byte(h >> (8 * i))
	}
	now := time.Now().UnixNano()
	for i := 0; i < 8; i++ {
		id[8+i] = byte(now >> (8 * i))
	}
	return id
}

// OnFrame is invoked by the hardware driver when a raw GATT write is
// received from peerID; it feeds the reassembler and, once a message
// completes, raises OnMessage.
func (t *Transport) OnFrame(peerID string, frame []byte) {
	decoded, err := wire.DecodeFragment(frame)
	if err != nil {
		t.mutex.Lock()
		events := t.events
		t.mutex.Unlock()
		events.errorf(peerID, err)
		return
	}

	payload, complete, err := t.reassembler.Add(peerID, decoded)
	if err != nil {
		t.mutex.Lock()
		events := t.events
		t.mutex.Unlock()
		events.errorf(peerID, err)
		return
	}
	if !complete {
		return
	}

	t.mutex.Lock()
	events := t.events
	t.mutex.Unlock()
	events.message(transport.InboundMessage{
		From:    peerID,
		To:      t.localPeerID,
		Payload: payload,
		At:      time.Now(),
	})
}

func (t *Transport) Broadcast(ctx context.Context, payload []byte, exclude []string) error {
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	t.mutex.Lock()
	peerIDs := make([]string, 0, len(t.conns))
	for id := range t.conns {
		peerIDs = append(peerIDs, id)
	}
	t.mutex.Unlock()

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
	out := make([]string, 0, len(t.conns))
	for id, conn := range t.conns {
		if conn.state == routing.StateConnected {
			out = append(out, id)
		}
	}
	return out
}

func (t *Transport) GetPeerInfo(peerID string) (transport.PeerInfo, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	conn, ok := t.conns[peerID]
	if !ok {
		return transport.PeerInfo{}, false
	}
	return transport.PeerInfo{PeerID: peerID, State: conn.state}, true
}

func (t *Transport) GetConnectionState(peerID string) routing.State {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	conn, ok := t.conns[peerID]
	if !ok {
		return routing.StateDisconnected
	}
	return conn.state
}

func (t *Transport) MaxPayloadSize() int {
	return DefaultMTU - 3
}
