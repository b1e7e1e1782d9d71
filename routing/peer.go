/*
File Name:  peer.go

Peer records owned exclusively by the routing table (§3, §4.4). Health
monitor and relay hold only a peerId and look the record up through the
table — never a direct reference — per §3's ownership note.
*/

package routing

import "time"

// TransportType identifies which underlying transport kind last carried
// traffic to/from a peer.
type TransportType string

const (
	TransportWebRTC      TransportType = "webrtc"
	TransportBLE         TransportType = "ble"
	TransportLocal       TransportType = "local"
	TransportLoRa        TransportType = "lora"
	TransportMeshtastic  TransportType = "meshtastic"
)

// State is a peer's position in the connection state machine (§4's "State machines" summary).
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDegraded
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDegraded:
		return "DEGRADED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// InitialReputation is the starting reputation score for a newly seen peer.
const InitialReputation = 50

// Metadata carries the peer attributes that drive reputation-based decisions (§3).
type Metadata struct {
	Capabilities     []string
	Reputation       int // 0-100
	Blacklisted      bool
	BlacklistExpiry  time.Time
	FailureCount     int
	SuccessCount     int
}

// Peer is a stable identity keyed by its 32-byte public key, hex-encoded as PeerID.
type Peer struct {
	PeerID          string // lowercase hex of the 32-byte Ed25519 public key
	DisplayPeerID   string // original-case form as first observed, returned on read
	TransportType   TransportType
	LastSeen        time.Time
	ConnectedAt     time.Time
	BytesSent       uint64
	BytesReceived   uint64
	ConnectionQuality int // 0-100
	State           State
	Metadata        Metadata
}
