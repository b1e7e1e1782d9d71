/*
File Name:  table.go

Routing table: peer registry, route table, reputation, blacklist and LRU
eviction (§4.4). Grounded in the teacher's Peernet.go peerList/nodeList
maps and Blacklist.go's blacklist-store idiom, generalized into a single
in-memory table (the teacher's DB-backed blacklist becomes an in-memory
field per §4.4's "operations are in-memory and infallible" failure
semantics -- persistence is an external collaborator's concern, not the
routing table's).
*/

package routing

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Defaults per §5's resource bounds.
const (
	DefaultMaxPeers        = 100
	DefaultMaxRoutes       = 10000
	DefaultRouteTTL        = 5 * time.Minute
	DefaultBlacklistTTL    = time.Hour
	ReputationGainOnSuccess = 2
	ReputationLossOnFailure = 5
	ReputationDegradedBelow = 20
	ReputationRestoreAbove  = 40
)

// Route maps a destination peer to the next hop used to reach it (§3).
type Route struct {
	Destination string
	NextHop     string
	HopCount    int
	Metrics     RouteMetrics
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// RouteMetrics tracks the running health of a route.
type RouteMetrics struct {
	RTTEwma   time.Duration
	LossRatio float64
	LastUsed  time.Time
}

// Table owns all known peers and routes. All mutation is serialized by the
// caller's single-writer event loop (§5); the table itself is additionally
// mutex-protected so it can be read from filters/diagnostics concurrently.
type Table struct {
	mutex sync.Mutex

	peers  *lru.Cache[string, *Peer]
	routes *lru.Cache[string, *Route]

	maxPeers  int
	maxRoutes int
	routeTTL  time.Duration
}

// NewTable creates a routing table with the given bounds. Zero values fall back to defaults.
func NewTable(maxPeers, maxRoutes int, routeTTL time.Duration) *Table {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	if maxRoutes <= 0 {
		maxRoutes = DefaultMaxRoutes
	}
	if routeTTL <= 0 {
		routeTTL = DefaultRouteTTL
	}

	t := &Table{maxPeers: maxPeers, maxRoutes: maxRoutes, routeTTL: routeTTL}
	t.peers, _ = lru.New[string, *Peer](maxPeers)
	t.routes, _ = lru.New[string, *Route](maxRoutes)
	return t
}

func normalizePeerID(peerID string) string {
	return strings.ToLower(peerID)
}

// AddPeer registers peerID, initializing its metadata if not already present.
// Uniqueness is enforced by peerID; re-adding an existing peer is a no-op on metadata.
func (t *Table) AddPeer(peerID string, transport TransportType) (peer *Peer, isNew bool) {
	key := normalizePeerID(peerID)

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if existing, ok := t.peers.Get(key); ok {
		return existing, false
	}

	peer = &Peer{
		PeerID:        key,
		DisplayPeerID: peerID,
		TransportType: transport,
		State:         StateConnecting,
		ConnectedAt:   time.Now(),
		LastSeen:      time.Now(),
		Metadata: Metadata{
			Reputation: InitialReputation,
		},
	}
	t.peers.Add(key, peer)
	return peer, true
}

// RemovePeer removes peerID from the table entirely.
func (t *Table) RemovePeer(peerID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.peers.Remove(normalizePeerID(peerID))
}

// GetPeer returns the peer record for peerID (case-insensitive lookup),
// returning the original-case peerId recorded on first add.
func (t *Table) GetPeer(peerID string) (peer *Peer, found bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.peers.Get(normalizePeerID(peerID))
}

// GetAllPeers returns every known peer.
func (t *Table) GetAllPeers() []*Peer {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.peers.Values()
}

// GetAllConnectedPeers returns every peer currently in StateConnected.
func (t *Table) GetAllConnectedPeers() []*Peer {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var connected []*Peer
	for _, p := range t.peers.Values() {
		if p.State == StateConnected {
			connected = append(connected, p)
		}
	}
	return connected
}

// UpdatePeerReputation applies a success/failure outcome and transitions state per §4.4:
// success bumps reputation by 2 (capped 100); failure drops it by 5 (floored 0).
// Reputation below 20 moves the peer to DEGRADED; at or above 40 it is restored to CONNECTED.
func (t *Table) UpdatePeerReputation(peerID string, success bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	peer, ok := t.peers.Get(normalizePeerID(peerID))
	if !ok {
		return
	}

	if success {
		peer.Metadata.SuccessCount++
		peer.Metadata.Reputation += ReputationGainOnSuccess
		if peer.Metadata.Reputation > 100 {
			peer.Metadata.Reputation = 100
		}
	} else {
		peer.Metadata.FailureCount++
		peer.Metadata.Reputation -= ReputationLossOnFailure
		if peer.Metadata.Reputation < 0 {
			peer.Metadata.Reputation = 0
		}
	}

	switch {
	case peer.Metadata.Reputation < ReputationDegradedBelow && peer.State == StateConnected:
		peer.State = StateDegraded
	case peer.Metadata.Reputation >= ReputationRestoreAbove && peer.State == StateDegraded:
		peer.State = StateConnected
	}
}

// BlacklistPeer marks peerID as blacklisted for ttl, moving it to DISCONNECTED.
func (t *Table) BlacklistPeer(peerID string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultBlacklistTTL
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	peer, ok := t.peers.Get(normalizePeerID(peerID))
	if !ok {
		return
	}
	peer.Metadata.Blacklisted = true
	peer.Metadata.BlacklistExpiry = time.Now().Add(ttl)
	peer.State = StateDisconnected
}

// IsPeerBlacklisted reports whether peerID is currently blacklisted, auto-clearing
// an expired blacklist entry.
func (t *Table) IsPeerBlacklisted(peerID string) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	peer, ok := t.peers.Get(normalizePeerID(peerID))
	if !ok {
		return false
	}
	if !peer.Metadata.Blacklisted {
		return false
	}
	if time.Now().After(peer.Metadata.BlacklistExpiry) {
		peer.Metadata.Blacklisted = false
		return false
	}
	return true
}

// UnblacklistPeer clears a peer's blacklist flag immediately.
func (t *Table) UnblacklistPeer(peerID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	peer, ok := t.peers.Get(normalizePeerID(peerID))
	if !ok {
		return
	}
	peer.Metadata.Blacklisted = false
}

// AddRoute registers a route to destination via nextHop. nextHop must be a
// currently known peer; unknown next hops are rejected per §3's invariant.
func (t *Table) AddRoute(destination, nextHop string, hopCount int) (ok bool) {
	nextHopKey := normalizePeerID(nextHop)

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, known := t.peers.Get(nextHopKey); !known {
		return false
	}

	now := time.Now()
	t.routes.Add(normalizePeerID(destination), &Route{
		Destination: normalizePeerID(destination),
		NextHop:     nextHop,
		HopCount:    hopCount,
		CreatedAt:   now,
		ExpiresAt:   now.Add(t.routeTTL),
		Metrics:     RouteMetrics{LastUsed: now},
	})
	return true
}

// GetNextHop returns the original-case nextHop peerId for destination, or
// "" if no route is known or the route has expired.
func (t *Table) GetNextHop(destination string) (nextHop string, found bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	route, ok := t.routes.Get(normalizePeerID(destination))
	if !ok {
		return "", false
	}
	if time.Now().After(route.ExpiresAt) {
		t.routes.Remove(normalizePeerID(destination))
		return "", false
	}
	return route.NextHop, true
}

// PruneExpired removes every route whose TTL has elapsed.
func (t *Table) PruneExpired() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	now := time.Now()
	for _, key := range t.routes.Keys() {
		route, ok := t.routes.Peek(key)
		if ok && now.After(route.ExpiresAt) {
			t.routes.Remove(key)
		}
	}
}

// PeerCount and RouteCount support diagnostics/metrics surfaces.
func (t *Table) PeerCount() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.peers.Len()
}

func (t *Table) RouteCount() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.routes.Len()
}
