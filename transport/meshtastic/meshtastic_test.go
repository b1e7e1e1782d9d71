package meshtastic

import (
	"context"
	"testing"
	"time"

	"github.com/sovereign-comms/mesh-core/transport"
)

type loopbackRadio struct {
	receiver *Transport
	fromPeer string
}

func (r *loopbackRadio) Transmit(frame []byte) error {
	r.receiver.OnFrameReceived(r.fromPeer, frame)
	return nil
}

func TestBroadcastFragmentsAndReassembles(t *testing.T) {
	receiver := New("peerB", nil, LoRaParams{SpreadingFactor: 7, BandwidthHz: 125000, CodingRate: 5}, nil)
	radio := &loopbackRadio{receiver: receiver, fromPeer: "peerA"}
	sender := New("peerA", radio, LoRaParams{SpreadingFactor: 7, BandwidthHz: 125000, CodingRate: 5}, nil)

	sender.Start(transport.Events{})
	var received []byte
	done := make(chan struct{}, 1)
	receiver.Start(transport.Events{
		OnMessage: func(m transport.InboundMessage) {
			received = m.Payload
			done <- struct{}{}
		},
	})

	payload := make([]byte, 400) // larger than MaxPayloadSize, forces multiple frames
	for i := range payload {
		payload[i] = byte(i)
	}

	if err := sender.Broadcast(context.Background(), payload, nil); err != nil {
		t.Fatalf("Broadcast: %s", err.Error())
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reassembled message")
	}

	if len(received) != len(payload) {
		t.Fatalf("received length = %d, want %d", len(received), len(payload))
	}
}

func TestEstimateAirtimeIsPositiveAndGrowsWithPayload(t *testing.T) {
	params := LoRaParams{SpreadingFactor: 9, BandwidthHz: 125000, CodingRate: 5}
	small := EstimateAirtime(10, params)
	large := EstimateAirtime(200, params)

	if small <= 0 {
		t.Fatal("expected positive airtime estimate")
	}
	if large <= small {
		t.Fatalf("expected airtime to grow with payload size: small=%s large=%s", small, large)
	}
}

func TestDutyCycleGateRejectsOverBudget(t *testing.T) {
	gate := NewDutyCycleGate(RegionDutyCycle{Region: "EU868", MaxDutyCycle: 0.01})

	if !gate.Allow(30 * time.Second) {
		t.Fatal("expected the first transmission to be allowed")
	}
	if gate.Allow(10 * time.Minute) {
		t.Fatal("expected an over-budget transmission to be rejected")
	}
}

func TestDutyCycleGateUnrestrictedRegionAlwaysAllows(t *testing.T) {
	gate := NewDutyCycleGate(RegionDutyCycle{Region: "US915", MaxDutyCycle: 0})
	if !gate.Allow(time.Hour) {
		t.Fatal("expected an unregulated region to always allow transmission")
	}
}
