package httprendezvous

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestTwoPeersExchangeEnvelopeInSameRoom(t *testing.T) {
	server := NewServer()
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	a, err := Dial(ts.URL, "room1", "peerA")
	if err != nil {
		t.Fatalf("Dial peerA: %s", err.Error())
	}
	defer a.Close()

	b, err := Dial(ts.URL, "room1", "peerB")
	if err != nil {
		t.Fatalf("Dial peerB: %s", err.Error())
	}
	defer b.Close()

	// give the server a moment to register both joins
	deadline := time.Now().Add(2 * time.Second)
	for server.RoomSize("room1") < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if server.RoomSize("room1") != 2 {
		t.Fatalf("RoomSize = %d, want 2", server.RoomSize("room1"))
	}

	if err := a.Send("peerB", "offer", "sdp-offer-data"); err != nil {
		t.Fatalf("Send: %s", err.Error())
	}

	env, err := b.Receive()
	if err != nil {
		t.Fatalf("Receive: %s", err.Error())
	}
	if env.From != "peerA" || env.Type != "offer" {
		t.Fatalf("envelope = %+v, want From=peerA Type=offer", env)
	}
}

func TestEnvelopeNotDeliveredToOtherRoom(t *testing.T) {
	server := NewServer()
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	a, err := Dial(ts.URL, "roomX", "peerA")
	if err != nil {
		t.Fatalf("Dial: %s", err.Error())
	}
	defer a.Close()

	b, err := Dial(ts.URL, "roomY", "peerB")
	if err != nil {
		t.Fatalf("Dial: %s", err.Error())
	}
	defer b.Close()

	if err := a.Send("", "ping", "x"); err != nil {
		t.Fatalf("Send: %s", err.Error())
	}

	done := make(chan struct{})
	go func() {
		b.Receive()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("peer in a different room should not have received the envelope")
	case <-time.After(200 * time.Millisecond):
	}
}
