package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sovereign-comms/mesh-core/crypto"
	"github.com/sovereign-comms/mesh-core/persistence"
	"github.com/sovereign-comms/mesh-core/transport/inmemory"
	"github.com/sovereign-comms/mesh-core/wire"
)

func testConfig() Config {
	cfg, err := DefaultConfig()
	if err != nil {
		panic(err)
	}
	cfg.MaxPeers = 10
	return cfg
}

func newTestNetwork(t *testing.T, name string) (*Network, *crypto.Identity) {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %s", err.Error())
	}
	n := New(id, testConfig(), Filters{}, persistence.NewMemoryAdapter())
	n.RegisterTransport(inmemory.New(name))
	return n, id
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func connectPair(t *testing.T) (a, b *Network) {
	t.Helper()
	a, _ = newTestNetwork(t, "nodeA")
	b, _ = newTestNetwork(t, "nodeB")

	if err := a.Start(); err != nil {
		t.Fatalf("a.Start: %s", err.Error())
	}
	if err := b.Start(); err != nil {
		t.Fatalf("b.Start: %s", err.Error())
	}

	if err := a.ConnectToPeer(context.Background(), b.LocalPeerID(), nil); err != nil {
		t.Fatalf("a.ConnectToPeer: %s", err.Error())
	}

	// ConnectToPeer only adds b's side via the transport's OnConnect callback
	// and the unsolicited key-exchange reply; wait for both to complete.
	waitFor(t, time.Second, func() bool {
		_, aHasPeer := a.table.GetPeer(b.LocalPeerID())
		_, bHasPeer := b.table.GetPeer(a.LocalPeerID())
		_, aHasKey := a.sessionKeys.Load(normalizeID(b.LocalPeerID()))
		_, bHasKey := b.sessionKeys.Load(normalizeID(a.LocalPeerID()))
		return aHasPeer && bHasPeer && aHasKey && bHasKey
	})

	return a, b
}

func TestNewDefaultsUnsetFilters(t *testing.T) {
	n, _ := newTestNetwork(t, "solo")
	if n.filters.LogError == nil || n.filters.MessageIn == nil {
		t.Fatal("expected New to default every unset filter hook")
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	n, _ := newTestNetwork(t, "idempotent")
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %s", err.Error())
	}
	if err := n.Start(); err != nil {
		t.Fatalf("second Start should be a no-op, got: %s", err.Error())
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %s", err.Error())
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %s", err.Error())
	}
}

func TestSendBeforeStartReturnsNotInitialized(t *testing.T) {
	n, _ := newTestNetwork(t, "unstarted")
	err := n.Send("somepeer", []byte("hi"), SendOptions{})
	if err != ErrNotInitialized {
		t.Fatalf("Send before Start = %v, want ErrNotInitialized", err)
	}
}

func TestSendToUnknownPeerFails(t *testing.T) {
	n, _ := newTestNetwork(t, "lonely")
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %s", err.Error())
	}
	defer n.Stop()

	err := n.Send("deadbeef", []byte("hi"), SendOptions{})
	if err != ErrUnknownPeer {
		t.Fatalf("Send to unknown peer = %v, want ErrUnknownPeer", err)
	}
}

func TestConnectToPeerEstablishesSessionKey(t *testing.T) {
	a, b := connectPair(t)
	defer a.Stop()
	defer b.Stop()

	if _, ok := a.sessionKeys.Load(normalizeID(b.LocalPeerID())); !ok {
		t.Fatal("expected a to have derived a session key for b")
	}
	if _, ok := b.sessionKeys.Load(normalizeID(a.LocalPeerID())); !ok {
		t.Fatal("expected b to have reciprocated the key exchange")
	}
}

func TestSendDeliversPlaintextToFilters(t *testing.T) {
	a, b := connectPair(t)
	defer a.Stop()
	defer b.Stop()

	var mutex sync.Mutex
	var gotSender string
	var gotPayload []byte
	received := make(chan struct{}, 1)

	b.SetFilters(Filters{
		MessageIn: func(senderID string, msgType wire.MessageType, payload []byte) {
			mutex.Lock()
			gotSender = senderID
			gotPayload = append([]byte{}, payload...)
			mutex.Unlock()
			received <- struct{}{}
		},
	})

	if err := a.Send(b.LocalPeerID(), []byte("hello mesh"), SendOptions{}); err != nil {
		t.Fatalf("Send: %s", err.Error())
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message delivery")
	}

	mutex.Lock()
	defer mutex.Unlock()
	if gotSender != a.LocalPeerID() {
		t.Fatalf("sender = %q, want %q", gotSender, a.LocalPeerID())
	}
	if string(gotPayload) != "hello mesh" {
		t.Fatalf("payload = %q, want %q", gotPayload, "hello mesh")
	}
}

func TestSendFragmentsOversizePayload(t *testing.T) {
	a, b := connectPair(t)
	defer a.Stop()
	defer b.Stop()

	received := make(chan []byte, 1)
	b.SetFilters(Filters{
		MessageIn: func(senderID string, msgType wire.MessageType, payload []byte) {
			received <- append([]byte{}, payload...)
		},
	})

	large := make([]byte, wire.MaxPayloadSize+50000)
	for i := range large {
		large[i] = byte(i)
	}

	if err := a.Send(b.LocalPeerID(), large, SendOptions{}); err != nil {
		t.Fatalf("Send: %s", err.Error())
	}

	select {
	case got := <-received:
		if len(got) != len(large) {
			t.Fatalf("reassembled length = %d, want %d", len(got), len(large))
		}
		for i := range got {
			if got[i] != large[i] {
				t.Fatalf("reassembled payload differs at byte %d", i)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for fragmented delivery")
	}
}

func TestBroadcastIsDeliveredInTheClear(t *testing.T) {
	a, b := connectPair(t)
	defer a.Stop()
	defer b.Stop()

	received := make(chan []byte, 1)
	b.SetFilters(Filters{
		MessageIn: func(senderID string, msgType wire.MessageType, payload []byte) {
			received <- append([]byte{}, payload...)
		},
	})

	if err := a.Broadcast([]byte("announce"), BroadcastOptions{}); err != nil {
		t.Fatalf("Broadcast: %s", err.Error())
	}

	select {
	case got := <-received:
		if string(got) != "announce" {
			t.Fatalf("payload = %q, want %q", got, "announce")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast delivery")
	}
}

func TestGetStatsReflectsPeerCount(t *testing.T) {
	a, b := connectPair(t)
	defer a.Stop()
	defer b.Stop()

	stats := a.GetStats()
	if stats.PeerCount != 1 {
		t.Fatalf("PeerCount = %d, want 1", stats.PeerCount)
	}
}

func TestDisconnectPeerClearsSessionState(t *testing.T) {
	a, b := connectPair(t)
	defer a.Stop()
	defer b.Stop()

	if err := a.DisconnectPeer(b.LocalPeerID()); err != nil {
		t.Fatalf("DisconnectPeer: %s", err.Error())
	}
	if _, ok := a.sessionKeys.Load(normalizeID(b.LocalPeerID())); ok {
		t.Fatal("expected session key to be cleared on disconnect")
	}
	if _, ok := a.table.GetPeer(b.LocalPeerID()); ok {
		t.Fatal("expected peer to be removed from the routing table")
	}
}
