package routing

import (
	"testing"
	"time"
)

func TestAddPeerThenGetPeerCaseInsensitive(t *testing.T) {
	tbl := NewTable(0, 0, 0)
	peer, isNew := tbl.AddPeer("ABCDEF01", TransportWebRTC)
	if !isNew {
		t.Fatal("expected first AddPeer to report isNew")
	}

	got, found := tbl.GetPeer("abcdef01")
	if !found {
		t.Fatal("expected case-insensitive lookup to find peer")
	}
	if got.PeerID != peer.PeerID {
		t.Fatalf("got peerId %q, want %q", got.PeerID, peer.PeerID)
	}
	if got.DisplayPeerID != "ABCDEF01" {
		t.Fatalf("expected original-case display id preserved, got %q", got.DisplayPeerID)
	}
	if got.Metadata.Reputation != InitialReputation {
		t.Fatalf("reputation = %d, want %d", got.Metadata.Reputation, InitialReputation)
	}
}

func TestAddPeerIsIdempotent(t *testing.T) {
	tbl := NewTable(0, 0, 0)
	tbl.AddPeer("peer1", TransportBLE)
	_, isNew := tbl.AddPeer("PEER1", TransportBLE)
	if isNew {
		t.Fatal("re-adding an existing peer (case-insensitively) should not report isNew")
	}
	if tbl.PeerCount() != 1 {
		t.Fatalf("peer count = %d, want 1", tbl.PeerCount())
	}
}

func TestUpdatePeerReputationFailuresDegradePeer(t *testing.T) {
	tbl := NewTable(0, 0, 0)
	tbl.AddPeer("peer1", TransportWebRTC)
	peer, _ := tbl.GetPeer("peer1")
	peer.State = StateConnected

	for i := 0; i < 7; i++ {
		tbl.UpdatePeerReputation("peer1", false)
	}

	got, _ := tbl.GetPeer("peer1")
	if got.Metadata.Reputation >= ReputationDegradedBelow {
		t.Fatalf("reputation = %d, expected below %d after repeated failures", got.Metadata.Reputation, ReputationDegradedBelow)
	}
	if got.State != StateDegraded {
		t.Fatalf("state = %s, want DEGRADED", got.State)
	}
	if got.Metadata.FailureCount != 7 {
		t.Fatalf("failureCount = %d, want 7", got.Metadata.FailureCount)
	}
}

func TestUpdatePeerReputationRestoresFromDegraded(t *testing.T) {
	tbl := NewTable(0, 0, 0)
	tbl.AddPeer("peer1", TransportWebRTC)
	peer, _ := tbl.GetPeer("peer1")
	peer.State = StateConnected

	for i := 0; i < 7; i++ {
		tbl.UpdatePeerReputation("peer1", false)
	}
	got, _ := tbl.GetPeer("peer1")
	if got.State != StateDegraded {
		t.Fatalf("precondition failed, state = %s", got.State)
	}

	// 15 + 13*2 = 41, at or above the restore threshold of 40
	for i := 0; i < 13; i++ {
		tbl.UpdatePeerReputation("peer1", true)
	}
	got, _ = tbl.GetPeer("peer1")
	if got.State != StateConnected {
		t.Fatalf("state = %s, want CONNECTED after reputation recovery", got.State)
	}
	if got.Metadata.Reputation > 100 {
		t.Fatalf("reputation = %d, exceeds cap of 100", got.Metadata.Reputation)
	}
}

func TestBlacklistPeerAndExpiry(t *testing.T) {
	tbl := NewTable(0, 0, 0)
	tbl.AddPeer("peer1", TransportWebRTC)

	tbl.BlacklistPeer("peer1", 10*time.Millisecond)
	if !tbl.IsPeerBlacklisted("peer1") {
		t.Fatal("expected peer to be blacklisted immediately after BlacklistPeer")
	}
	peer, _ := tbl.GetPeer("peer1")
	if peer.State != StateDisconnected {
		t.Fatalf("state = %s, want DISCONNECTED", peer.State)
	}

	time.Sleep(30 * time.Millisecond)
	if tbl.IsPeerBlacklisted("peer1") {
		t.Fatal("expected blacklist entry to auto-expire")
	}
}

func TestUnblacklistPeerClearsImmediately(t *testing.T) {
	tbl := NewTable(0, 0, 0)
	tbl.AddPeer("peer1", TransportWebRTC)
	tbl.BlacklistPeer("peer1", time.Hour)
	tbl.UnblacklistPeer("peer1")
	if tbl.IsPeerBlacklisted("peer1") {
		t.Fatal("expected blacklist to be cleared")
	}
}

func TestAddRouteRejectsUnknownNextHop(t *testing.T) {
	tbl := NewTable(0, 0, 0)
	if tbl.AddRoute("dest1", "ghost-peer", 1) {
		t.Fatal("expected AddRoute to reject an unregistered next hop")
	}
}

func TestAddRouteThenGetNextHop(t *testing.T) {
	tbl := NewTable(0, 0, 0)
	tbl.AddPeer("NextHopPeer", TransportWebRTC)

	if !tbl.AddRoute("dest1", "NextHopPeer", 2) {
		t.Fatal("expected AddRoute to succeed for a known next hop")
	}

	hop, found := tbl.GetNextHop("DEST1")
	if !found {
		t.Fatal("expected case-insensitive route lookup to succeed")
	}
	if hop != "NextHopPeer" {
		t.Fatalf("nextHop = %q, want original-case %q", hop, "NextHopPeer")
	}
}

func TestRouteExpiryPrunesAutomatically(t *testing.T) {
	tbl := NewTable(0, 0, time.Millisecond)
	tbl.AddPeer("hop", TransportWebRTC)
	tbl.AddRoute("dest1", "hop", 1)

	time.Sleep(10 * time.Millisecond)
	if _, found := tbl.GetNextHop("dest1"); found {
		t.Fatal("expected expired route to be invisible to GetNextHop")
	}

	tbl.PruneExpired()
	if tbl.RouteCount() != 0 {
		t.Fatalf("route count = %d after PruneExpired, want 0", tbl.RouteCount())
	}
}

func TestPeerTableEvictsUnderMaxPeers(t *testing.T) {
	tbl := NewTable(2, 0, 0)
	tbl.AddPeer("p1", TransportWebRTC)
	tbl.AddPeer("p2", TransportWebRTC)
	tbl.AddPeer("p3", TransportWebRTC)

	if tbl.PeerCount() > 2 {
		t.Fatalf("peer count = %d, exceeds maxPeers of 2", tbl.PeerCount())
	}
}

func TestGetAllConnectedPeersFiltersState(t *testing.T) {
	tbl := NewTable(0, 0, 0)
	tbl.AddPeer("p1", TransportWebRTC)
	tbl.AddPeer("p2", TransportWebRTC)

	p1, _ := tbl.GetPeer("p1")
	p1.State = StateConnected

	connected := tbl.GetAllConnectedPeers()
	if len(connected) != 1 || connected[0].PeerID != "p1" {
		t.Fatalf("expected exactly p1 to be connected, got %v", connected)
	}
}
