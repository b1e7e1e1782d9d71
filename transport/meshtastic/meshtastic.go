/*
File Name:  meshtastic.go

Meshtastic/LoRa bridge transport (§4.9, §4.6): bandwidth-constrained
broadcast framing with magic=0x5343, fragment index/count, a
message-id-prefix, and a CRC32 over the payload; duty-cycle gating by
region and airtime estimated from the LoRa spreading factor, bandwidth
and coding rate. The physical radio (serial/USB LoRa modem) is hardware-
and platform-specific and injected as a Radio, per the spec's note that
hardware I/O here is implementation-defined.
*/

package meshtastic

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"sync"
	"time"

	"github.com/sovereign-comms/mesh-core/fragment"
	"github.com/sovereign-comms/mesh-core/routing"
	"github.com/sovereign-comms/mesh-core/transport"
	"github.com/sovereign-comms/mesh-core/wire"
)

// FrameMagic identifies a Meshtastic/LoRa mesh frame (§4.9).
const FrameMagic uint16 = 0x5343

// FrameVersion is the only framing version this implementation understands.
const FrameVersion uint8 = 1

// MaxPayloadSize is the LoRa default fragmentation threshold (§4.6).
const MaxPayloadSize = 255

// MessageIDPrefixSize is the truncated message id carried on every frame
// (full 16-byte ids would not fit LoRa's tiny payload budget).
const MessageIDPrefixSize = 4

// frameHeaderSize: magic(2) + version(1) + fragIndex(2) + fragCount(2) + idPrefix(4) + crc32(4)
const frameHeaderSize = 2 + 1 + 2 + 2 + MessageIDPrefixSize + 4

// ErrBadMagic is returned when a received frame's magic does not match FrameMagic.
var ErrBadMagic = errors.New("meshtastic: bad frame magic")

// ErrShortFrame is returned when a frame is too small to contain its header.
var ErrShortFrame = errors.New("meshtastic: frame shorter than header")

// Radio is the narrow hardware contract: broadcast a single framed packet
// over the LoRa link. Actual modem I/O (serial, airtime blocking) is
// implementation-defined outside this package.
type Radio interface {
	Transmit(frame []byte) error
}

// RegionDutyCycle gives the maximum fraction of airtime permitted per hour
// for a regulatory region (e.g. EU868 = 0.01 for 1%, US915 has no limit).
type RegionDutyCycle struct {
	Region       string
	MaxDutyCycle float64 // e.g. 0.01 for 1%
}

// LoRaParams describes the radio parameters used to estimate airtime.
type LoRaParams struct {
	SpreadingFactor int     // 7-12
	BandwidthHz     float64 // e.g. 125000
	CodingRate      int     // 5-8 (4/CodingRate)
}

// EstimateAirtime computes an approximate symbol-time-based airtime for a
// payload of payloadBytes under params, per §4.6's "airtime computed from
// spreading factor/bandwidth/coding-rate" requirement. This follows the
// standard LoRa airtime formula (preamble + payload symbols at the
// configured spreading factor and bandwidth).
func EstimateAirtime(payloadBytes int, params LoRaParams) time.Duration {
	if params.BandwidthHz <= 0 || params.SpreadingFactor <= 0 {
		return 0
	}

	symbolDuration := float64(uint64(1)<<uint(params.SpreadingFactor)) / params.BandwidthHz

	preambleSymbols := 8.0 + 4.25
	codingRateDenominator := float64(params.CodingRate)
	if codingRateDenominator == 0 {
		codingRateDenominator = 5
	}

	payloadSymbols := 8.0 + maxFloat(
		0,
		float64(8*payloadBytes - 4*params.SpreadingFactor + 28) / (4 * float64(params.SpreadingFactor)) * codingRateDenominator,
	)

	totalSymbols := preambleSymbols + payloadSymbols
	return time.Duration(totalSymbols * symbolDuration * float64(time.Second))
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// DutyCycleGate tracks cumulative transmitted airtime in a fixed one-hour
// window, which restarts with its usage cleared on the first Allow call made
// an hour or more after it began, and rejects transmissions that would
// exceed the region's duty cycle.
type DutyCycleGate struct {
	mutex      sync.Mutex
	rule       RegionDutyCycle
	windowStart time.Time
	usedAirtime time.Duration
}

// NewDutyCycleGate creates a gate enforcing rule.
func NewDutyCycleGate(rule RegionDutyCycle) *DutyCycleGate {
	return &DutyCycleGate{rule: rule, windowStart: time.Now()}
}

// Allow reports whether transmitting for airtime would keep the current
// window's usage within the region's duty cycle, recording the usage if so.
func (g *DutyCycleGate) Allow(airtime time.Duration) bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if time.Since(g.windowStart) >= time.Hour {
		g.windowStart = time.Now()
		g.usedAirtime = 0
	}

	budget := time.Duration(float64(time.Hour) * g.rule.MaxDutyCycle)
	if g.rule.MaxDutyCycle <= 0 {
		return true // unregulated region (e.g. US915)
	}
	if g.usedAirtime+airtime > budget {
		return false
	}
	g.usedAirtime += airtime
	return true
}

type frame struct {
	fragIndex uint16
	fragCount uint16
	idPrefix  [MessageIDPrefixSize]byte
	crc32     uint32
	slice     []byte
}

func encodeFrame(f frame) []byte {
	buf := make([]byte, frameHeaderSize+len(f.slice))
	binary.BigEndian.PutUint16(buf[0:2], FrameMagic)
	buf[2] = FrameVersion
	binary.BigEndian.PutUint16(buf[3:5], f.fragIndex)
	binary.BigEndian.PutUint16(buf[5:7], f.fragCount)
	copy(buf[7:7+MessageIDPrefixSize], f.idPrefix[:])
	binary.BigEndian.PutUint32(buf[7+MessageIDPrefixSize:frameHeaderSize], f.crc32)
	copy(buf[frameHeaderSize:], f.slice)
	return buf
}

func decodeFrame(raw []byte) (f frame, err error) {
	if len(raw) < frameHeaderSize {
		return f, ErrShortFrame
	}
	if binary.BigEndian.Uint16(raw[0:2]) != FrameMagic {
		return f, ErrBadMagic
	}
	f.fragIndex = binary.BigEndian.Uint16(raw[3:5])
	f.fragCount = binary.BigEndian.Uint16(raw[5:7])
	copy(f.idPrefix[:], raw[7:7+MessageIDPrefixSize])
	f.crc32 = binary.BigEndian.Uint32(raw[7+MessageIDPrefixSize : frameHeaderSize])
	if len(raw) > frameHeaderSize {
		f.slice = append([]byte{}, raw[frameHeaderSize:]...)
	}
	return f, nil
}

// Transport implements transport.Transport over a LoRa Radio using the
// Meshtastic-style broadcast frame format. Meshtastic/LoRa has no notion of
// addressed unicast at the radio layer -- every send is a broadcast, and
// recipients self-select by inspecting the decoded application payload.
type Transport struct {
	localPeerID string
	radio       Radio
	params      LoRaParams
	dutyGate    *DutyCycleGate

	mutex       sync.Mutex
	events      transport.Events
	started     bool
	reassembler *fragment.Reassembler
	peers       map[string]routing.State
}

// New creates a Meshtastic/LoRa transport broadcasting over radio.
func New(localPeerID string, radio Radio, params LoRaParams, dutyGate *DutyCycleGate) *Transport {
	return &Transport{
		localPeerID: localPeerID,
		radio:       radio,
		params:      params,
		dutyGate:    dutyGate,
		reassembler: fragment.NewReassembler(0, 0),
		peers:       make(map[string]routing.State),
	}
}

func (t *Transport) Name() string        { return "meshtastic" }
func (t *Transport) LocalPeerID() string { return t.localPeerID }

func (t *Transport) Start(events transport.Events) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.events = events
	t.started = true
	return nil
}

func (t *Transport) Stop() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.started = false
	return nil
}

// Connect marks peerID reachable; LoRa broadcast has no per-peer handshake.
func (t *Transport) Connect(ctx context.Context, peerID string, signaling []byte) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.started {
		return transport.ErrNotStarted
	}
	t.peers[peerID] = routing.StateConnected
	return nil
}

func (t *Transport) Disconnect(peerID string) error {
	t.mutex.Lock()
	delete(t.peers, peerID)
	t.mutex.Unlock()
	return nil
}

// Send broadcasts payload, since LoRa has no addressed unicast; peerID is
// not used. It is gated by the region's duty cycle.
func (t *Transport) Send(ctx context.Context, peerID string, payload []byte) error {
	return t.Broadcast(ctx, payload, nil)
}

func (t *Transport) Broadcast(ctx context.Context, payload []byte, exclude []string) error {
	idPrefix := idPrefixOf(payload)

	fragments, err := splitForLoRa(idPrefix, payload)
	if err != nil {
		return err
	}

	for _, f := range fragments {
		encoded := encodeFrame(f)
		airtime := EstimateAirtime(len(encoded), t.params)
		if t.dutyGate != nil && !t.dutyGate.Allow(airtime) {
			return errors.New("meshtastic: duty cycle budget exceeded")
		}
		if err := t.radio.Transmit(encoded); err != nil {
			return err
		}
	}
	return nil
}

func idPrefixOf(payload []byte) [MessageIDPrefixSize]byte {
	var prefix [MessageIDPrefixSize]byte
	h := uint32(2166136261)
	for _, b := range payload {
		h ^= uint32(b)
		h *= 16777619
	}
	binary.BigEndian.PutUint32(prefix[:], h)
	return prefix
}

func splitForLoRa(idPrefix [MessageIDPrefixSize]byte, payload []byte) ([]frame, error) {
	maxSlice := MaxPayloadSize - frameHeaderSize
	if maxSlice <= 0 {
		return nil, errors.New("meshtastic: frame header exceeds MaxPayloadSize")
	}

	count := (len(payload) + maxSlice - 1) / maxSlice
	if count == 0 {
		count = 1
	}

	frames := make([]frame, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxSlice
		end := start + maxSlice
		if end > len(payload) {
			end = len(payload)
		}
		slice := payload[start:end]
		frames = append(frames, frame{
			fragIndex: uint16(i),
			fragCount: uint16(count),
			idPrefix:  idPrefix,
			crc32:     crc32.ChecksumIEEE(slice),
			slice:     append([]byte{}, slice...),
		})
	}
	return frames, nil
}

// OnFrameReceived is invoked by the radio driver for every decoded-from-air
// frame; it reassembles and raises OnMessage on completion.
func (t *Transport) OnFrameReceived(fromPeerID string, raw []byte) {
	f, err := decodeFrame(raw)
	if err != nil {
		t.mutex.Lock()
		events := t.events
		t.mutex.Unlock()
		events.errorf(fromPeerID, err)
		return
	}
	var messageID [16]byte
	copy(messageID[:], f.idPrefix[:])

	payload, complete, err := t.reassembler.Add(fromPeerID, &wire.FragmentPayload{
		MessageID:     messageID,
		FragmentIndex: f.fragIndex,
		FragmentCount: f.fragCount,
		CRC32:         f.crc32,
		Slice:         f.slice,
	})
	if err != nil {
		t.mutex.Lock()
		events := t.events
		t.mutex.Unlock()
		events.errorf(fromPeerID, err)
		return
	}
	if !complete {
		return
	}

	t.mutex.Lock()
	events := t.events
	t.mutex.Unlock()
	events.message(transport.InboundMessage{
		From:    fromPeerID,
		To:      t.localPeerID,
		Payload: payload,
		At:      time.Now(),
	})
}

func (t *Transport) GetConnectedPeers() []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	out := make([]string, 0, len(t.peers))
	for id, s := range t.peers {
		if s == routing.StateConnected {
			out = append(out, id)
		}
	}
	return out
}

func (t *Transport) GetPeerInfo(peerID string) (transport.PeerInfo, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	s, ok := t.peers[peerID]
	if !ok {
		return transport.PeerInfo{}, false
	}
	return transport.PeerInfo{PeerID: peerID, State: s}, true
}

func (t *Transport) GetConnectionState(peerID string) routing.State {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	s, ok := t.peers[peerID]
	if !ok {
		return routing.StateDisconnected
	}
	return s
}

func (t *Transport) MaxPayloadSize() int { return MaxPayloadSize }
