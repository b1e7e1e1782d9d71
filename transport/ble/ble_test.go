package ble

import (
	"context"
	"testing"

	"github.com/sovereign-comms/mesh-core/transport"
)

// loopbackLink feeds every write straight back into the owning transport's
// OnFrame, as if a peer echoed it, simulating a two-way GATT link in tests.
type loopbackLink struct {
	peerTransport *Transport
	peerID        string
	mtu           int
}

func (l *loopbackLink) Write(frame []byte) error {
	l.peerTransport.OnFrame(l.peerID, frame)
	return nil
}

func (l *loopbackLink) MTU() int { return l.mtu }

func TestBLESendFragmentsAndReassembles(t *testing.T) {
	a := New("peerA")
	b := New("peerB")

	a.Start(transport.Events{})

	var received []byte
	done := make(chan struct{}, 1)
	b.Start(transport.Events{
		OnMessage: func(m transport.InboundMessage) {
			received = m.Payload
			done <- struct{}{}
		},
	})

	a.AttachLink("peerB", &loopbackLink{peerTransport: b, peerID: "peerA", mtu: 20})

	payload := make([]byte, 60) // larger than MTU-3, forces multiple fragments
	for i := range payload {
		payload[i] = byte(i)
	}

	if err := a.Send(context.Background(), "peerB", payload); err != nil {
		t.Fatalf("Send: %s", err.Error())
	}

	<-done
	if len(received) != len(payload) {
		t.Fatalf("received length = %d, want %d", len(received), len(payload))
	}
	for i := range payload {
		if received[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, received[i], payload[i])
		}
	}
}

func TestBLESendToUnknownPeerFails(t *testing.T) {
	a := New("peerA")
	a.Start(transport.Events{})

	if err := a.Send(context.Background(), "ghost", []byte("x")); err != transport.ErrUnknownPeer {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestBLEMaxPayloadSizeUsesDefaultMTU(t *testing.T) {
	a := New("peerA")
	if a.MaxPayloadSize() != DefaultMTU-3 {
		t.Fatalf("MaxPayloadSize() = %d, want %d", a.MaxPayloadSize(), DefaultMTU-3)
	}
}
