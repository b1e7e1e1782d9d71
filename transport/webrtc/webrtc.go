/*
File Name:  webrtc.go

WebRTC transport (§4.9): ordered, reliable data channels, one
PeerConnection per remote peer, SDP offer/answer carried by the DHT
signaling layer (dht.SignalingMessage, Ed25519-signed and replay-checked
via dht.NonceTracker) rather than a centralized signaling server.
Grounded in the teacher's per-peer goroutine/connection-table pattern in
Network.go, rebuilt on pion/webrtc for the actual ICE/DTLS/SCTP stack.

Connect both generates the local SDP (offer when dialing, answer when
accepting) and publishes it through the publish hook set by
SetSigningIdentity; a remote peer's signal, once retrieved from the DHT
by the caller's integrator, is handed back in via HandleSignal.
*/

package webrtc

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/sovereign-comms/mesh-core/dht"
	"github.com/sovereign-comms/mesh-core/routing"
	"github.com/sovereign-comms/mesh-core/transport"
)

// DefaultMaxPayloadSize is WebRTC's default fragmentation threshold (§4.6).
const DefaultMaxPayloadSize = 16 * 1024

// DefaultReconnectBackoff and DefaultReconnectMaxBackoff are a reconnection
// backoff base and cap. Nothing in this package reads them, and the
// transport does not reconnect on its own: an ICE disconnect or failure
// only marks the peer disconnected and raises OnDisconnect.
const (
	DefaultReconnectBackoff    = 500 * time.Millisecond
	DefaultReconnectMaxBackoff = 30 * time.Second
)

var (
	errUnexpectedSignalType = errors.New("webrtc: expected an offer, got a different signal type")
	errSignalNotForUs       = errors.New("webrtc: signaling message addressed to a different peer")
	errStaleSignal          = errors.New("webrtc: signaling message is too old")
	errBadSignalSender      = errors.New("webrtc: signaling message's sender is not a valid peer id")
	errReplayedSignal       = errors.New("webrtc: signaling message replays a previously seen nonce")
)

type connection struct {
	pc          *webrtc.PeerConnection
	dataChannel *webrtc.DataChannel
	state       routing.State
}

// Transport implements transport.Transport over pion/webrtc data channels.
type Transport struct {
	localPeerID string
	api         *webrtc.API
	config      webrtc.Configuration

	signingKey    ed25519.PrivateKey
	publishSignal func(*dht.SignalingMessage)
	nonces        *dht.NonceTracker
	nonceCounter  uint64

	mutex   sync.Mutex
	events  transport.Events
	started bool
	conns   map[string]*connection
}

// New creates a WebRTC transport using the given ICE server URLs (e.g. STUN/TURN).
func New(localPeerID string, iceServers []string) *Transport {
	var servers []webrtc.ICEServer
	if len(iceServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &Transport{
		localPeerID: localPeerID,
		api:         webrtc.NewAPI(),
		config:      webrtc.Configuration{ICEServers: servers},
		conns:       make(map[string]*connection),
		nonces:      dht.NewNonceTracker(),
	}
}

// SetSigningIdentity supplies the Ed25519 private key used to sign
// outgoing offers/answers and the hook that publishes a generated signal
// (normally by storing it in the DHT under dht.SignalingKey(peerID)).
// Connect silently produces an unpublished, unreachable offer/answer if
// this is never called.
func (t *Transport) SetSigningIdentity(priv ed25519.PrivateKey, publish func(*dht.SignalingMessage)) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.signingKey = priv
	t.publishSignal = publish
}

func (t *Transport) Name() string        { return "webrtc" }
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

	for peerID, conn := range t.conns {
		conn.pc.Close()
		delete(t.conns, peerID)
	}
	t.started = false
	return nil
}

// Connect either creates and publishes an SDP offer (when signaling is
// nil, the dialing side) or verifies an incoming offer, answers it, and
// publishes the answer (when signaling carries an encoded
// dht.SignalingMessage). Either way the generated SDP reaches the remote
// peer only if SetSigningIdentity's publish hook actually delivers it
// (e.g. by storing it in the DHT).
func (t *Transport) Connect(ctx context.Context, peerID string, signaling []byte) error {
	t.mutex.Lock()
	if !t.started {
		t.mutex.Unlock()
		return transport.ErrNotStarted
	}
	if _, exists := t.conns[peerID]; exists {
		t.mutex.Unlock()
		return nil
	}
	t.mutex.Unlock()

	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return err
	}

	conn := &connection{pc: pc, state: routing.StateConnecting}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.handleICEStateChange(peerID, s)
	})

	var dc *webrtc.DataChannel
	if len(signaling) == 0 {
		dc, err = pc.CreateDataChannel("sovereign-mesh", nil)
		if err != nil {
			pc.Close()
			return err
		}
		t.bindDataChannel(peerID, dc)

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			pc.Close()
			return err
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			pc.Close()
			return err
		}
		t.publish(peerID, "offer", []byte(offer.SDP))
	} else {
		msg, err := t.verifySignal(signaling)
		if err != nil {
			pc.Close()
			return err
		}
		if msg.Type != "offer" {
			pc.Close()
			return errUnexpectedSignalType
		}

		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			t.bindDataChannel(peerID, dc)
		})

		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(msg.Payload)}); err != nil {
			pc.Close()
			return err
		}

		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			pc.Close()
			return err
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			pc.Close()
			return err
		}
		t.publish(msg.From, "answer", []byte(answer.SDP))
	}

	conn.dataChannel = dc

	t.mutex.Lock()
	t.conns[peerID] = conn
	t.mutex.Unlock()

	return nil
}

// HandleSignal processes a signaling message retrieved from the DHT that
// is addressed to this transport's local peer: an "answer" completes a
// connection this side initiated as the offering peer via Connect; an
// "offer" from a peer we have not dialed is handled as an inbound
// connection attempt.
func (t *Transport) HandleSignal(raw []byte) error {
	// Connect verifies an offer itself; verifying it here first would record
	// its nonce and make Connect reject it as a replay.
	peek, err := dht.DecodeSignalingMessage(raw)
	if err != nil {
		return err
	}
	if peek.Type == "offer" {
		return t.Connect(context.Background(), peek.From, raw)
	}

	msg, err := t.verifySignal(raw)
	if err != nil {
		return err
	}

	switch msg.Type {
	case "answer":
		return t.applyAnswer(msg.From, msg.Payload)
	default:
		return nil
	}
}

func (t *Transport) applyAnswer(peerID string, sdp []byte) error {
	t.mutex.Lock()
	conn, ok := t.conns[peerID]
	t.mutex.Unlock()
	if !ok {
		return transport.ErrUnknownPeer
	}
	return conn.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(sdp)})
}

// verifySignal decodes raw, checks it is addressed to us, still fresh,
// signed by the Ed25519 key its claimed sender's peer id encodes, and not
// a replay of a previously observed nonce.
func (t *Transport) verifySignal(raw []byte) (*dht.SignalingMessage, error) {
	msg, err := dht.DecodeSignalingMessage(raw)
	if err != nil {
		return nil, err
	}
	if msg.To != t.localPeerID {
		return nil, errSignalNotForUs
	}
	if !dht.MessageFresh(msg, dht.DefaultSignalingMaxAge) {
		return nil, errStaleSignal
	}

	pub, err := hex.DecodeString(msg.From)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, errBadSignalSender
	}
	if !msg.Verify(ed25519.PublicKey(pub)) {
		return nil, dht.ErrBadSignalingSignature
	}
	if t.nonces.Observe(msg.From, msg.Nonce) {
		return nil, errReplayedSignal
	}
	return msg, nil
}

// publish signs an offer/answer generated for peerID and hands it to the
// publish hook configured by SetSigningIdentity, a no-op if that hook was
// never set.
func (t *Transport) publish(peerID, kind string, sdp []byte) {
	t.mutex.Lock()
	publish := t.publishSignal
	signingKey := t.signingKey
	t.nonceCounter++
	nonce := t.nonceCounter
	t.mutex.Unlock()

	if publish == nil || signingKey == nil {
		return
	}

	msg := &dht.SignalingMessage{
		Type:      kind,
		From:      t.localPeerID,
		To:        peerID,
		Payload:   sdp,
		Timestamp: time.Now().Unix(),
		Nonce:     nonce,
	}
	msg.Sign(signingKey)
	publish(msg)
}

func (t *Transport) bindDataChannel(peerID string, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		t.mutex.Lock()
		if conn, ok := t.conns[peerID]; ok {
			conn.state = routing.StateConnected
			conn.dataChannel = dc
		}
		events := t.events
		t.mutex.Unlock()
		events.connect(peerID)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mutex.Lock()
		events := t.events
		t.mutex.Unlock()
		events.message(transport.InboundMessage{
			From:    peerID,
			To:      t.localPeerID,
			Payload: append([]byte{}, msg.Data...),
			At:      time.Now(),
		})
	})

	dc.OnClose(func() {
		t.mutex.Lock()
		delete(t.conns, peerID)
		events := t.events
		t.mutex.Unlock()
		events.disconnect(peerID)
	})
}

func (t *Transport) handleICEStateChange(peerID string, s webrtc.ICEConnectionState) {
	t.mutex.Lock()
	conn, ok := t.conns[peerID]
	if !ok {
		t.mutex.Unlock()
		return
	}

	switch s {
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
		conn.state = routing.StateDisconnected
		events := t.events
		t.mutex.Unlock()
		events.disconnect(peerID)
		return
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		conn.state = routing.StateConnected
	}
	t.mutex.Unlock()
}

func (t *Transport) Disconnect(peerID string) error {
	t.mutex.Lock()
	conn, ok := t.conns[peerID]
	if !ok {
		t.mutex.Unlock()
		return transport.ErrUnknownPeer
	}
	delete(t.conns, peerID)
	events := t.events
	t.mutex.Unlock()

	err := conn.pc.Close()
	events.disconnect(peerID)
	return err
}

func (t *Transport) Send(ctx context.Context, peerID string, payload []byte) error {
	t.mutex.Lock()
	conn, ok := t.conns[peerID]
	t.mutex.Unlock()
	if !ok || conn.dataChannel == nil {
		return transport.ErrUnknownPeer
	}
	return conn.dataChannel.Send(payload)
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

func (t *Transport) MaxPayloadSize() int { return DefaultMaxPayloadSize }
