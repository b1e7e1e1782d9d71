package health

import (
	"testing"
	"time"

	"github.com/sovereign-comms/mesh-core/routing"
)

func newConnectedTable(t *testing.T, peerID string) *routing.Table {
	t.Helper()
	tbl := routing.NewTable(0, 0, 0)
	tbl.AddPeer(peerID, routing.TransportWebRTC)
	peer, _ := tbl.GetPeer(peerID)
	peer.State = routing.StateConnected
	return tbl
}

func TestRecordPongComputesHealthScore(t *testing.T) {
	tbl := newConnectedTable(t, "peer1")
	m := NewMonitor(tbl, nil)

	m.RecordPingSent("peer1")
	time.Sleep(5 * time.Millisecond)
	score := m.RecordPong("peer1")

	if score <= 0 || score > 100 {
		t.Fatalf("health score out of range: %f", score)
	}
}

func TestMissedPingsDegradePeer(t *testing.T) {
	tbl := newConnectedTable(t, "peer1")
	var events []StateChangeEvent
	m := NewMonitor(tbl, func(e StateChangeEvent) { events = append(events, e) })

	for i := 0; i < DefaultMaxMissed; i++ {
		m.RecordPingSent("peer1")
		m.RecordMissed("peer1")
	}

	peer, _ := tbl.GetPeer("peer1")
	if peer.State != routing.StateDegraded {
		t.Fatalf("state = %s, want DEGRADED", peer.State)
	}
	if len(events) != 1 || events[0].New != routing.StateDegraded {
		t.Fatalf("expected exactly one DEGRADED transition event, got %v", events)
	}
}

func TestDoubleMaxMissedDisconnectsPeer(t *testing.T) {
	tbl := newConnectedTable(t, "peer1")
	m := NewMonitor(tbl, nil)

	for i := 0; i < 2*DefaultMaxMissed; i++ {
		m.RecordPingSent("peer1")
		m.RecordMissed("peer1")
	}

	peer, _ := tbl.GetPeer("peer1")
	if peer.State != routing.StateDisconnected {
		t.Fatalf("state = %s, want DISCONNECTED", peer.State)
	}
}

func TestRecoveryFromDegradedRequiresTwoHealthyCycles(t *testing.T) {
	tbl := newConnectedTable(t, "peer1")
	m := NewMonitor(tbl, nil, WithHealthyRTTThreshold(time.Second))

	for i := 0; i < DefaultMaxMissed; i++ {
		m.RecordPingSent("peer1")
		m.RecordMissed("peer1")
	}
	peer, _ := tbl.GetPeer("peer1")
	if peer.State != routing.StateDegraded {
		t.Fatalf("precondition failed: state = %s", peer.State)
	}

	m.RecordPingSent("peer1")
	m.RecordPong("peer1")
	peer, _ = tbl.GetPeer("peer1")
	if peer.State != routing.StateDegraded {
		t.Fatal("expected peer to remain DEGRADED after a single healthy cycle")
	}

	m.RecordPingSent("peer1")
	m.RecordPong("peer1")
	peer, _ = tbl.GetPeer("peer1")
	if peer.State != routing.StateConnected {
		t.Fatalf("state = %s, want CONNECTED after two consecutive healthy cycles", peer.State)
	}
}

func TestAdaptiveIntervalGrowsOnHealthAndShrinksOnMiss(t *testing.T) {
	tbl := newConnectedTable(t, "peer1")
	m := NewMonitor(tbl, nil)

	base := m.NextInterval("peer1")
	if base != DefaultBaseInterval {
		t.Fatalf("initial interval = %s, want base interval %s", base, DefaultBaseInterval)
	}

	m.RecordPingSent("peer1")
	m.RecordPong("peer1")
	grown := m.NextInterval("peer1")
	if grown <= base {
		t.Fatalf("expected interval to grow after a healthy exchange, got %s (was %s)", grown, base)
	}

	m.RecordPingSent("peer1")
	m.RecordMissed("peer1")
	shrunk := m.NextInterval("peer1")
	if shrunk >= grown {
		t.Fatalf("expected interval to shrink after a miss, got %s (was %s)", shrunk, grown)
	}
	if shrunk < DefaultMinInterval {
		t.Fatalf("interval %s fell below minInterval %s", shrunk, DefaultMinInterval)
	}
}

func TestIntervalNeverExceedsMax(t *testing.T) {
	tbl := newConnectedTable(t, "peer1")
	m := NewMonitor(tbl, nil)

	for i := 0; i < 20; i++ {
		m.RecordPingSent("peer1")
		m.RecordPong("peer1")
	}

	if got := m.NextInterval("peer1"); got > DefaultMaxInterval {
		t.Fatalf("interval %s exceeded maxInterval %s", got, DefaultMaxInterval)
	}
}
