/*
File Name:  loop.go

The single-writer event loop (§5) and its supporting background
goroutines. Every mutation of shared mesh state happens either inside
loop() (inbound) or inside outboundPump() (outbound); transport
callbacks and tickers only ever hand work to one of the two via a
channel or a collaborator that is itself safe for concurrent use
(routing.Table, dedup.Cache, health.Monitor are all internally
mutex-guarded for exactly this reason).
*/

package mesh

import (
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/sovereign-comms/mesh-core/crypto"
	"github.com/sovereign-comms/mesh-core/dht"
	"github.com/sovereign-comms/mesh-core/queue"
	"github.com/sovereign-comms/mesh-core/routing"
	"github.com/sovereign-comms/mesh-core/transport"
	"github.com/sovereign-comms/mesh-core/wire"
)

func (n *Network) onTransportMessage(m transport.InboundMessage) {
	select {
	case n.inbox <- m:
	default:
		n.countDropped()
		n.filters.LogError("onTransportMessage", "inbox full, dropping message from %s", m.From)
	}
}

func (n *Network) onTransportConnect(peerID string) {
	n.AddPeer(peerID, routing.TransportLocal)
}

func (n *Network) onTransportDisconnect(peerID string) {
	n.healthMonitor.Forget(peerID)
}

func (n *Network) onTransportError(peerID string, err error) {
	n.filters.LogError("transport", "peer %s: %s", peerID, err.Error())
}

func (n *Network) countDropped()  { atomic.AddUint64(&n.droppedCount, 1) }
func (n *Network) countSent()     { atomic.AddUint64(&n.sentCount, 1) }
func (n *Network) countReceived() { atomic.AddUint64(&n.receivedCount, 1) }

// registerViolation records a bad-signature or flood-rate violation from
// peerID, blacklisting it once the consecutive streak (reset by
// resetViolations on any valid message) reaches
// consecutiveViolationBlacklistThreshold, per §4.8's abuse-protection note.
func (n *Network) registerViolation(peerID string) {
	key := normalizeID(peerID)

	n.violationMu.Lock()
	n.violations[key]++
	count := n.violations[key]
	n.violationMu.Unlock()

	if count >= consecutiveViolationBlacklistThreshold {
		n.table.BlacklistPeer(peerID, routing.DefaultBlacklistTTL)
		n.resetViolations(peerID)
	}
}

// resetViolations clears peerID's consecutive-violation streak.
func (n *Network) resetViolations(peerID string) {
	key := normalizeID(peerID)
	n.violationMu.Lock()
	delete(n.violations, key)
	n.violationMu.Unlock()
}

// loop is the single-writer inbound dispatcher.
func (n *Network) loop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case msg := <-n.inbox:
			n.handleInbound(msg)
		}
	}
}

// handleInbound implements the inbound side of §3's dataflow note: decode
// -> verify signature -> dedup/ttl/blacklist check -> deliver locally
// and/or decrement ttl and reinject into the relay.
func (n *Network) handleInbound(im transport.InboundMessage) {
	msg, err := wire.DecodeMessage(im.Payload)
	if err != nil {
		n.countDropped()
		n.filters.LogError("handleInbound", "decode: %s", err.Error())
		return
	}

	if !wire.VerifySignature(msg) {
		senderHex := hex.EncodeToString(msg.SenderID)
		n.table.UpdatePeerReputation(senderHex, false)
		n.registerViolation(senderHex)
		n.countDropped()
		return
	}

	senderHex := hex.EncodeToString(msg.SenderID)

	if !n.relayEngine.ShouldRelay(msg, im.Payload, senderHex) {
		n.countDropped()
		return
	}

	_, forward := n.relayEngine.Accept(msg, im.Payload)
	n.table.UpdatePeerReputation(senderHex, true)
	n.resetViolations(senderHex)

	forLocal := n.relayEngine.IsForLocalPeer(im.To)
	if forLocal {
		n.deliverLocal(senderHex, msg)
	}

	if !forLocal && forward {
		if !n.relayEngine.AllowFlood(senderHex) {
			n.table.UpdatePeerReputation(senderHex, false)
			n.registerViolation(senderHex)
			n.countDropped()
			return
		}
		n.reinject(im.From, senderHex, msg)
	}
}

// deliverLocal handles a message addressed to this instance: control
// handshakes are processed in place, fragments accumulate in the
// reassembler, and everything else is decrypted and handed to
// Filters.MessageIn.
func (n *Network) deliverLocal(senderHex string, msg *wire.Message) {
	switch msg.Type {
	case wire.TypeFragment:
		frag, err := wire.DecodeFragment(msg.Payload)
		if err != nil {
			n.filters.LogError("deliverLocal", "decode fragment: %s", err.Error())
			return
		}
		assembled, complete, err := n.reassembler.Add(senderHex, frag)
		if err != nil {
			n.filters.LogError("deliverLocal", "reassembly: %s", err.Error())
			return
		}
		if !complete {
			return
		}
		n.decryptAndDeliver(senderHex, wire.TypeText, assembled)

	case wire.TypeKeyExchange:
		n.handleKeyExchange(senderHex, msg.Payload)

	case wire.TypeControlPing:
		n.sendControl(senderHex, wire.TypeControlPong, nil)

	case wire.TypeControlPong:
		n.healthMonitor.RecordPong(senderHex)
		n.pingMu.Lock()
		if ps, ok := n.pings[normalizeID(senderHex)]; ok {
			ps.awaiting = false
		}
		n.pingMu.Unlock()

	default:
		n.decryptAndDeliver(senderHex, msg.Type, msg.Payload)
	}
}

func (n *Network) handleKeyExchange(senderHex string, payload []byte) {
	if len(payload) != 32 {
		n.filters.LogError("handleKeyExchange", "bad key-exchange payload length from %s", senderHex)
		return
	}
	var peerKX [32]byte
	copy(peerKX[:], payload)

	shared, err := crypto.PerformKeyExchange(n.identity, peerKX)
	if err != nil {
		n.filters.LogError("handleKeyExchange", "key exchange with %s: %s", senderHex, err.Error())
		return
	}
	sessionKey, err := crypto.DeriveKey(shared, sessionKeyInfo)
	if err != nil {
		n.filters.LogError("handleKeyExchange", "deriving session key with %s: %s", senderHex, err.Error())
		return
	}

	_, hadKey := n.sessionKeys.Load(normalizeID(senderHex))
	n.sessionKeys.Store(normalizeID(senderHex), sessionKey)

	if !hadKey {
		kx := n.identity.KeyExchangePublic()
		n.sendControl(senderHex, wire.TypeKeyExchange, kx[:])
	}
}

func (n *Network) decryptAndDeliver(senderHex string, msgType wire.MessageType, sealed []byte) {
	var plaintext []byte
	if keyVal, ok := n.sessionKeys.Load(normalizeID(senderHex)); ok {
		pt, err := crypto.DecryptEnvelope(sealed, keyVal.([32]byte))
		if err != nil {
			n.filters.LogError("decryptAndDeliver", "decrypt from %s: %s", senderHex, err.Error())
			return
		}
		plaintext = pt
	} else {
		// No session key yet: this is an unencrypted control/broadcast payload.
		plaintext = sealed
	}

	n.countReceived()
	n.filters.MessageIn(senderHex, msgType, plaintext)
}

// reinject decrements (already done by Accept) and re-enqueues msg toward
// every eligible relay peer, per the relay's flood/store-and-forward
// pipeline (§4.8).
func (n *Network) reinject(inboundPeerID, originalSenderID string, msg *wire.Message) {
	encoded, err := wire.EncodeMessage(msg)
	if err != nil {
		n.filters.LogError("reinject", "re-encode: %s", err.Error())
		return
	}

	peers := n.relayEngine.GetRelayPeers(inboundPeerID, originalSenderID)
	if len(peers) == 0 {
		return
	}
	for _, p := range peers {
		n.outQueue.Enqueue(&queue.Item{
			MessageID:    newMessageID(),
			Encoded:      encoded,
			RecipientID:  p.PeerID,
			BasePriority: wire.PriorityOf(msg.Type),
		})
	}
}

// outboundPump is the single consumer of the outbound priority queue: it
// paces releases through the bandwidth scheduler and hands each item to
// the transport registry, falling back to store-and-forward on failure.
func (n *Network) outboundPump() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}

		item, ok := n.outQueue.Dequeue()
		if !ok {
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(25 * time.Millisecond):
			}
			continue
		}
		n.deliverItem(item)
	}
}

func (n *Network) deliverItem(item *queue.Item) {
	if err := n.bwScheduler.Wait(n.ctx, len(item.Encoded)); err != nil {
		return // ctx cancelled (shutting down); item is simply dropped from this run
	}

	if item.RecipientID == "" {
		for _, t := range n.transports.All() {
			_ = t.Broadcast(n.ctx, item.Encoded, nil)
		}
		n.countSent()
		return
	}

	if err := n.sendWithRetry(item); err != nil {
		n.table.UpdatePeerReputation(item.RecipientID, false)
		if storeErr := n.relayEngine.StoreForLater(item.MessageID, item.RecipientID, item.Encoded, item.BasePriority); storeErr != nil {
			n.filters.LogError("deliverItem", "store-and-forward: %s", storeErr.Error())
		}
		n.filters.LogError("deliverItem", "send to %s failed after retries: %s", item.RecipientID, err.Error())
		return
	}

	n.table.UpdatePeerReputation(item.RecipientID, true)
	// UpdateMessage is a safe no-op if item.MessageID was never stored.
	_ = n.persistence.UpdateMessage(item.MessageID, 0, time.Now(), true)
	n.countSent()
}

// sendWithRetry implements §4.11's transport-send failure policy:
// exponential backoff starting at 500ms, capped at 30s, up to 5 attempts.
func (n *Network) sendWithRetry(item *queue.Item) error {
	delay := transportSendBackoffBase
	var lastErr error
	for attempt := 0; attempt < transportSendMaxAttempts; attempt++ {
		if err := n.transports.SendWithFallback(n.ctx, item.RecipientID, item.Encoded); err == nil {
			return nil
		} else {
			lastErr = err
		}

		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > transportSendBackoffCap {
			delay = transportSendBackoffCap
		}
	}
	return lastErr
}

// heartbeatTicker drives CONTROL_PING scheduling per peer using the
// health monitor's adaptive interval, and detects missed pongs.
func (n *Network) heartbeatTicker() {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.tickHeartbeats()
		}
	}
}

func (n *Network) tickHeartbeats() {
	now := time.Now()
	timeout := time.Duration(n.cfg.Heartbeat.Timeout)

	n.pingMu.Lock()
	defer n.pingMu.Unlock()

	for _, p := range n.table.GetAllConnectedPeers() {
		key := normalizeID(p.PeerID)
		ps, ok := n.pings[key]
		if !ok {
			ps = &pingState{}
			n.pings[key] = ps
		}

		interval := n.healthMonitor.NextInterval(p.PeerID)

		if ps.awaiting {
			if now.Sub(ps.lastSentAt) > interval+timeout {
				ps.awaiting = false
				n.healthMonitor.RecordMissed(p.PeerID)
			}
			continue
		}

		if now.Sub(ps.lastSentAt) >= interval {
			ps.lastSentAt = now
			ps.awaiting = true
			n.healthMonitor.RecordPingSent(p.PeerID)
			n.sendControl(p.PeerID, wire.TypeControlPing, nil)
		}
	}
}

// persistenceRetryTicker periodically re-enqueues stored messages whose
// retry backoff has elapsed, and gives up (dropping the stored copy)
// once relay.ShouldGiveUp reports the retry budget exhausted.
func (n *Network) persistenceRetryTicker() {
	defer n.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.retryStored()
		}
	}
}

func (n *Network) retryStored() {
	now := time.Now()
	_ = n.persistence.PruneExpired(now)

	for id, stored := range n.persistence.GetAllMessages() {
		if n.relayEngine.ShouldGiveUp(stored.Attempts) {
			_ = n.persistence.RemoveMessage(id)
			continue
		}
		if !stored.LastAttempt.IsZero() && now.Sub(stored.LastAttempt) < n.relayEngine.NextRetryDelay(stored.Attempts) {
			continue
		}

		n.outQueue.Enqueue(&queue.Item{
			MessageID:    id,
			Encoded:      stored.Payload,
			RecipientID:  stored.RecipientID,
			BasePriority: stored.Priority,
		})
		_ = n.persistence.UpdateMessage(id, stored.Attempts+1, now, false)
	}
}

// checkOwnSignalingKey looks for a WebRTC offer/answer addressed to this
// instance under its own signaling key in the local DHT store, and hands
// it to the WebRTC transport. This only completes a handshake whose
// publisher wrote into this same store (e.g. an in-process test or a DHT
// wired for real replication); cross-node delivery otherwise depends on
// the integrator retrieving the value over the network first.
func (n *Network) checkOwnSignalingKey() {
	if n.webrtcTransport == nil {
		return
	}
	raw, found := n.dhtStore.Retrieve(dht.SignalingKey(n.localID))
	if !found {
		return
	}
	if err := n.webrtcTransport.HandleSignal(raw); err != nil {
		n.filters.LogError("checkOwnSignalingKey", "handling signal: %s", err.Error())
		return
	}
	n.dhtStore.Delete(dht.SignalingKey(n.localID))
}

// dhtMaintenanceTicker republishes due keys and expires stale ones in the
// local DHT value store, per §4.10's republish/TTL requirement.
func (n *Network) dhtMaintenanceTicker() {
	defer n.wg.Done()
	interval := time.Duration(n.cfg.DHT.RepublishInterval)
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.dhtStore.ExpireKeys()
			n.checkOwnSignalingKey()
			if n.dhtRouting == nil {
				continue
			}
			for _, key := range n.dhtStore.GetAllKeysForReplication() {
				data, found := n.dhtStore.Retrieve(key)
				if !found {
					continue
				}
				if err := n.dhtRouting.Store(key, uint64(len(data))); err != nil {
					n.filters.DHTSearchStatus("dhtMaintenance", "republish %x: %s", key, err.Error())
				}
			}
		}
	}
}
