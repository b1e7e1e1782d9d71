/*
File Name:  network.go

The root facade (§4.11, §5): a single Network owns identity, routing,
dedup, health, the outbound priority queue and bandwidth scheduler,
relay, the transport registry, an optional DHT, and a persistence
adapter, and drives every one of them from a single-writer event loop.
Grounded in the teacher's Peernet.go Init/Connect lifecycle and
Network*.go packetWorker dispatch: Init wires the collaborators, Connect
starts their background goroutines, and a single worker loop is the only
place that mutates shared state in response to network events.

Outbound dataflow (§3's "outbound" note): Send/Broadcast build a signed,
encrypted wire message, mark it seen in the dedup cache so a looped-back
copy is never reprocessed, and enqueue it; outboundPump dequeues by
priority, paces it through the bandwidth scheduler, and hands it to the
transport registry.

Inbound dataflow: a transport's OnMessage callback hands a raw frame to
the single loop goroutine via a buffered channel; loop decodes, verifies,
dedups, and either delivers locally or decrements TTL and reinjects into
the relay for further forwarding.
*/

package mesh

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sovereign-comms/mesh-core/crypto"
	"github.com/sovereign-comms/mesh-core/dedup"
	"github.com/sovereign-comms/mesh-core/dht"
	"github.com/sovereign-comms/mesh-core/fragment"
	"github.com/sovereign-comms/mesh-core/health"
	"github.com/sovereign-comms/mesh-core/persistence"
	"github.com/sovereign-comms/mesh-core/queue"
	"github.com/sovereign-comms/mesh-core/relay"
	"github.com/sovereign-comms/mesh-core/routing"
	"github.com/sovereign-comms/mesh-core/transport"
	webrtctransport "github.com/sovereign-comms/mesh-core/transport/webrtc"
	"github.com/sovereign-comms/mesh-core/wire"
)

// sessionKeyInfo namespaces the HKDF expansion of a per-peer shared secret
// into the symmetric key used for envelope encryption.
const sessionKeyInfo = "sovereign-mesh/session-v1"

// transportSendBackoffBase/Cap/MaxAttempts is the failure policy for a
// transport send failure (§4.11): distinct from relay.DefaultRetryBackoff,
// which paces re-delivery of a message already parked in store-and-forward.
const (
	transportSendBackoffBase = 500 * time.Millisecond
	transportSendBackoffCap  = 30 * time.Second
	transportSendMaxAttempts = 5
)

// consecutiveViolationBlacklistThreshold is the "N consecutive times" of
// §4.8's abuse-protection note: a peer whose bad-signature or flood-rate
// violations reach this count without an intervening valid message is
// blacklisted, independent of where its reputation score happens to sit.
const consecutiveViolationBlacklistThreshold = 10

// SendOptions customizes a single unicast Send call.
type SendOptions struct {
	Type wire.MessageType
	TTL  uint8 // 0 uses the configured default
}

// BroadcastOptions customizes a single Broadcast call.
type BroadcastOptions struct {
	Type wire.MessageType
	TTL  uint8
}

type pingState struct {
	lastSentAt time.Time
	awaiting   bool
}

// Network is the facade applications drive: identity plus every
// collaborator needed to send, receive, relay, and store mesh traffic.
type Network struct {
	cfg     Config
	filters Filters

	identity *crypto.Identity
	localID  string // lowercase hex of the local public key

	table         *routing.Table
	dedupCache    *dedup.Cache
	healthMonitor *health.Monitor
	outQueue      *queue.Queue
	bwScheduler   *queue.Scheduler
	relayEngine   *relay.Relay
	transports    *transport.Registry
	persistence   persistence.Adapter
	reassembler   *fragment.Reassembler

	dhtRouting *dht.DHT
	dhtStore   dht.Store

	webrtcTransport *webrtctransport.Transport

	sessionKeys sync.Map // normalized peerID -> [32]byte

	pingMu sync.Mutex
	pings  map[string]*pingState

	violationMu sync.Mutex
	violations  map[string]int // normalized peerID -> consecutive bad-signature/flood-rate violations

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	inbox   chan transport.InboundMessage

	sentCount     uint64
	receivedCount uint64
	droppedCount  uint64
}

// New wires a Network from its collaborators. adapter is the
// store-and-forward persistence backend; pass persistence.NewMemoryAdapter()
// for an ephemeral instance.
func New(id *crypto.Identity, cfg Config, filters Filters, adapter persistence.Adapter) *Network {
	filters.initFilters()

	table := routing.NewTable(cfg.MaxPeers, 0, 0)
	dedupCache := dedup.NewCache(
		time.Duration(cfg.Dedup.CacheTTL),
		cfg.Dedup.MaxCacheSize,
		cfg.Bloom.ExpectedItems,
		cfg.Bloom.FalsePositiveRate,
	)
	localID := hex.EncodeToString(id.PublicKey)

	n := &Network{
		cfg:         cfg,
		filters:     filters,
		identity:    id,
		localID:     localID,
		table:       table,
		dedupCache:  dedupCache,
		outQueue:    queue.NewQueue(0),
		bwScheduler: queue.NewScheduler(cfg.Bandwidth.MaxBytesPerSecond),
		relayEngine: relay.New(localID, dedupCache, table, adapter),
		transports:  transport.NewRegistry(),
		persistence: adapter,
		reassembler: fragment.NewReassembler(0, cfg.Fragmentation.MaxReassemblyBuffer),
		pings:       make(map[string]*pingState),
		violations:  make(map[string]int),
	}

	n.healthMonitor = health.NewMonitor(table, func(event health.StateChangeEvent) {
		n.filters.PeerStateChange(event)
	},
		health.WithIntervals(
			time.Duration(cfg.Heartbeat.Interval),
			time.Duration(cfg.Heartbeat.MinInterval),
			time.Duration(cfg.Heartbeat.MaxInterval),
		),
		health.WithMaxMissed(cfg.Heartbeat.MaxMissed),
	)

	return n
}

// RegisterTransport adds a transport the network may use to reach peers.
func (n *Network) RegisterTransport(t transport.Transport) {
	n.transports.Register(t)
}

// EnableDHT turns on Kademlia routing and the local DHT value store,
// identified by selfKey (normally derived from the local identity). The
// caller is responsible for wiring DHT().SendRequestFindNode and its
// siblings to an actual peer transport, since request dispatch is an
// external collaborator's concern here, matching persistence.Adapter's
// narrow-adapter pattern.
func (n *Network) EnableDHT(selfKey []byte) {
	n.dhtRouting = dht.New(&dht.Node{ID: selfKey})
	n.dhtStore = dht.NewMemoryStoreWithLimits(
		int(n.cfg.DHT.MaxValueSize),
		n.cfg.DHT.MaxBytesPerOwner,
		n.cfg.DHT.StoreRatePerMin,
	)
}

// DHT returns the Kademlia routing node, or nil if EnableDHT was never called.
func (n *Network) DHT() *dht.DHT { return n.dhtRouting }

// DHTStore returns the local DHT value store, or nil if EnableDHT was never called.
func (n *Network) DHTStore() dht.Store { return n.dhtStore }

// EnableWebRTC registers a WebRTC transport that signs its generated
// offers/answers with the local identity and publishes them via
// publishSignal, storing them in the local DHT value store under the
// recipient's signaling key (dht.SignalingKey). EnableDHT must be called
// first; retrieving a remote peer's published signal over the network
// (DHT().SendRequestFindValue against dht.SignalingKey(n.LocalPeerID()))
// and handing the result to DeliverSignal is left to the integrator, the
// same external-collaborator boundary EnableDHT itself documents.
func (n *Network) EnableWebRTC(iceServers []string) *webrtctransport.Transport {
	t := webrtctransport.New(n.localID, iceServers)
	t.SetSigningIdentity(n.identity.PrivateKey, n.publishSignal)
	n.webrtcTransport = t
	n.RegisterTransport(t)
	return t
}

// publishSignal stores a locally generated WebRTC offer/answer in the DHT
// value store under its recipient's signaling key.
func (n *Network) publishSignal(msg *dht.SignalingMessage) {
	if n.dhtStore == nil {
		n.filters.LogError("publishSignal", "WebRTC signaling requires EnableDHT")
		return
	}
	encoded, err := dht.EncodeSignalingMessage(msg)
	if err != nil {
		n.filters.LogError("publishSignal", "encoding signaling message: %s", err.Error())
		return
	}
	now := time.Now()
	err = n.dhtStore.Store(n.localID, dht.SignalingKey(msg.To), encoded,
		now.Add(dht.DefaultReplicateEvery), now.Add(dht.DefaultSignalingTTL))
	if err != nil {
		n.filters.LogError("publishSignal", "storing signaling message: %s", err.Error())
	}
}

// DeliverSignal feeds a signaling message retrieved from the DHT (by
// whatever retrieved DHT().SendRequestFindValue against
// dht.SignalingKey(n.LocalPeerID())) into the WebRTC transport, completing
// an offer/answer exchange. EnableWebRTC must have been called first.
func (n *Network) DeliverSignal(raw []byte) error {
	if n.webrtcTransport == nil {
		return wrapError(KindConfigInvalid, "DeliverSignal called without EnableWebRTC", nil)
	}
	return n.webrtcTransport.HandleSignal(raw)
}

// LocalPeerID returns the hex-encoded local public key other peers address this instance by.
func (n *Network) LocalPeerID() string { return n.localID }

// SetFilters replaces the active filter set, defaulting any unset hook to
// a no-op. This is the facade's "on(event, handler)" entry point, kept
// typed and construction-time-shaped rather than a string-keyed dispatch.
func (n *Network) SetFilters(f Filters) {
	f.initFilters()
	n.mu.Lock()
	n.filters = f
	n.mu.Unlock()
}

func normalizeID(peerID string) string { return strings.ToLower(peerID) }

func newMessageID() [16]byte {
	var id [16]byte
	copy(id[:], uuid.New()[:])
	return id
}

// Start launches every registered transport and the facade's background
// goroutines: the single-writer inbound loop, the outbound pump, the
// heartbeat scheduler, the store-and-forward retry sweep, and (if
// EnableDHT was called) the DHT republish/expire sweep.
func (n *Network) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.inbox = make(chan transport.InboundMessage, 256)

	events := transport.Events{
		OnMessage:    n.onTransportMessage,
		OnConnect:    n.onTransportConnect,
		OnDisconnect: n.onTransportDisconnect,
		OnError:      n.onTransportError,
	}
	for _, t := range n.transports.All() {
		if err := t.Start(events); err != nil {
			n.cancel()
			return wrapError(KindTransportError, "starting transport "+t.Name(), err)
		}
	}

	n.wg.Add(1)
	go n.loop()
	n.wg.Add(1)
	go n.outboundPump()
	n.wg.Add(1)
	go n.heartbeatTicker()
	n.wg.Add(1)
	go n.persistenceRetryTicker()
	if n.dhtStore != nil {
		n.wg.Add(1)
		go n.dhtMaintenanceTicker()
	}

	n.started = true
	return nil
}

// Stop tears down in the reverse order of Start: background loops first,
// then any still-queued outbound messages are drained to persistence so
// they survive the shutdown, and finally every transport is stopped.
func (n *Network) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return nil
	}

	n.cancel()
	n.wg.Wait()

	for {
		item, ok := n.outQueue.Dequeue()
		if !ok {
			break
		}
		if item.RecipientID == "" {
			continue // an undelivered broadcast has no single recipient to store for
		}
		_ = n.persistence.SaveMessage(item.MessageID, persistence.StoredMessage{
			ID:          item.MessageID,
			RecipientID: item.RecipientID,
			Payload:     item.Encoded,
			CreatedAt:   time.Now(),
			ExpiresAt:   time.Now().Add(time.Duration(n.cfg.Relay.StoreTimeout)),
			Priority:    item.BasePriority,
		})
	}

	var lastErr error
	for _, t := range n.transports.All() {
		if err := t.Stop(); err != nil {
			lastErr = err
		}
	}

	n.started = false
	if lastErr != nil {
		return wrapError(KindTransportError, "stopping transport", lastErr)
	}
	return nil
}

// AddPeer registers peerID in the routing table, notifying Filters.NewPeer
// the first time it is seen.
func (n *Network) AddPeer(peerID string, transportType routing.TransportType) *routing.Peer {
	peer, isNew := n.table.AddPeer(peerID, transportType)
	if isNew {
		n.filters.NewPeer(peer)
	}
	return peer
}

// ConnectToPeer registers peerID if unknown, attempts to connect through
// every registered transport in turn, and on success initiates the
// X25519 key-exchange handshake that session encryption depends on. hint
// is opaque transport-specific data (e.g. a WebRTC signaling offer or a
// BLE device address).
func (n *Network) ConnectToPeer(ctx context.Context, peerID string, hint []byte) error {
	if !n.isStarted() {
		return ErrNotInitialized
	}

	n.AddPeer(peerID, routing.TransportLocal)

	var lastErr error
	connected := false
	for _, t := range n.transports.All() {
		if err := t.Connect(ctx, peerID, hint); err != nil {
			lastErr = err
			continue
		}
		n.transports.RememberSuccess(peerID, t.Name())
		connected = true
		break
	}
	if !connected {
		n.table.UpdatePeerReputation(peerID, false)
		if lastErr == nil {
			lastErr = ErrUnknownPeer
		}
		return wrapError(KindTransportError, "connecting to "+peerID, lastErr)
	}

	kx := n.identity.KeyExchangePublic()
	n.sendControl(peerID, wire.TypeKeyExchange, kx[:])
	return nil
}

// DisconnectPeer tears down every transport connection to peerID and
// forgets its routing, health, and session state.
func (n *Network) DisconnectPeer(peerID string) error {
	if !n.isStarted() {
		return ErrNotInitialized
	}
	for _, t := range n.transports.All() {
		_ = t.Disconnect(peerID)
	}
	n.table.RemovePeer(peerID)
	n.healthMonitor.Forget(peerID)
	n.sessionKeys.Delete(normalizeID(peerID))

	n.pingMu.Lock()
	delete(n.pings, normalizeID(peerID))
	n.pingMu.Unlock()

	return nil
}

// Send encrypts payload under the session key established with
// recipientID (via ConnectToPeer), fragments it if necessary, and
// enqueues it for delivery. It returns before the message is actually
// handed to a transport; delivery failures surface only through
// GetStats and Filters.LogError, per §7's propagation policy for
// per-call sends versus background retries.
func (n *Network) Send(recipientID string, payload []byte, opts SendOptions) error {
	if !n.isStarted() {
		return ErrNotInitialized
	}

	if _, ok := n.table.GetPeer(recipientID); !ok {
		return ErrUnknownPeer
	}
	if n.table.IsPeerBlacklisted(recipientID) {
		return ErrPeerBlacklisted
	}

	keyVal, ok := n.sessionKeys.Load(normalizeID(recipientID))
	if !ok {
		return wrapError(KindUnknownPeer, "no session key for "+recipientID+", call ConnectToPeer first", nil)
	}
	sharedKey := keyVal.([32]byte)

	msgType := opts.Type
	if msgType == 0 {
		msgType = wire.TypeText
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = n.cfg.DefaultTTL
	}

	sealed, err := crypto.EncryptEnvelope(payload, sharedKey)
	if err != nil {
		return wrapError(KindDecryptionFailed, "encrypting payload", err)
	}
	n.filters.MessageOut(recipientID, msgType, payload)

	if len(sealed) <= wire.MaxPayloadSize {
		return n.enqueueMessage(msgType, ttl, recipientID, sealed)
	}

	messageID := newMessageID()
	maxSlice := n.cfg.Fragmentation.MaxFragmentSize
	fragments, err := fragment.Split(messageID, sealed, maxSlice)
	if err != nil {
		return wrapError(KindInvalidMessage, "fragmenting payload", err)
	}
	for _, f := range fragments {
		if err := n.enqueueMessage(wire.TypeFragment, ttl, recipientID, wire.EncodeFragment(f)); err != nil {
			return err
		}
	}
	return nil
}

// Broadcast sends payload in the clear (there is no single shared session
// key across an arbitrary set of peers) to every connected peer across
// every registered transport; it is intended for control/discovery
// traffic rather than confidential application data.
func (n *Network) Broadcast(payload []byte, opts BroadcastOptions) error {
	if !n.isStarted() {
		return ErrNotInitialized
	}

	msgType := opts.Type
	if msgType == 0 {
		msgType = wire.TypePeerDiscovery
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = n.cfg.DefaultTTL
	}

	return n.enqueueMessage(msgType, ttl, "", payload)
}

// enqueueMessage signs and wire-encodes a message of msgType carrying
// payload, marks it seen (so a looped-back copy of our own traffic is
// never reprocessed) and enqueues it for the outbound pump. recipientID
// empty means broadcast.
func (n *Network) enqueueMessage(msgType wire.MessageType, ttl uint8, recipientID string, payload []byte) error {
	msg := wire.NewMessage(msgType, ttl, n.identity.PublicKey, payload)
	if err := wire.Sign(msg, n.identity.PrivateKey); err != nil {
		return wrapError(KindInvalidMessage, "signing message", err)
	}
	encoded, err := wire.EncodeMessage(msg)
	if err != nil {
		return wrapError(KindInvalidMessage, "encoding message", err)
	}
	hash, err := wire.HashMessage(msg)
	if err != nil {
		return wrapError(KindInvalidMessage, "hashing message", err)
	}
	n.dedupCache.MarkSeen(hash)

	n.outQueue.Enqueue(&queue.Item{
		MessageID:    newMessageID(),
		Encoded:      encoded,
		RecipientID:  recipientID,
		BasePriority: wire.PriorityOf(msgType),
	})
	return nil
}

// sendControl enqueues an unencrypted control-plane message (ping, pong,
// key exchange) directly, bypassing Send's session-key requirement.
func (n *Network) sendControl(recipientID string, msgType wire.MessageType, payload []byte) {
	_ = n.enqueueMessage(msgType, n.cfg.DefaultTTL, recipientID, payload)
}

func (n *Network) isStarted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

// GetStats returns a point-in-time snapshot of the network's state.
func (n *Network) GetStats() Stats {
	dhtNodes := 0
	if n.dhtRouting != nil {
		dhtNodes = n.dhtRouting.NumNodes()
	}
	return Stats{
		PeerCount:         n.table.PeerCount(),
		RouteCount:        n.table.RouteCount(),
		QueueLen:          n.outQueue.Len(),
		ReassemblyPending: n.reassembler.PendingCount(),
		DHTNodes:          dhtNodes,
		Bandwidth:         n.bwScheduler.Snapshot(),
		MessagesSent:      atomic.LoadUint64(&n.sentCount),
		MessagesReceived:  atomic.LoadUint64(&n.receivedCount),
		MessagesDropped:   atomic.LoadUint64(&n.droppedCount),
	}
}
