/*
File Name:  fragmenter.go

Fragmentation of oversize payloads into FRAGMENT messages (§4.6). Grounded
in the teacher's Merkle Tree.go fixed-size chunking loop, stripped of its
hash-tree bookkeeping (merkle proofs are a file-transfer concern and out of
scope here) and retargeted at the wire fragment payload format.
*/

package fragment

import (
	"errors"

	"github.com/sovereign-comms/mesh-core/wire"
)

// ErrInvalidFragmentSize is returned when the requested fragment size cannot
// fit the fixed fragment header or would overflow the fragment count field.
var ErrInvalidFragmentSize = errors.New("fragment: invalid fragment size")

// MaxFragmentCount is the largest value representable by the fragment count
// field (u16).
const MaxFragmentCount = 65535

// Split divides payload into a sequence of FragmentPayloads of at most
// maxSliceSize bytes each, all sharing messageID. fragmentCount is always
// at least 1, even for an empty payload.
func Split(messageID [16]byte, payload []byte, maxSliceSize int) (fragments []*wire.FragmentPayload, err error) {
	if maxSliceSize <= 0 {
		return nil, ErrInvalidFragmentSize
	}

	count := (len(payload) + maxSliceSize - 1) / maxSliceSize
	if count == 0 {
		count = 1
	}
	if count > MaxFragmentCount {
		return nil, ErrInvalidFragmentSize
	}

	fragments = make([]*wire.FragmentPayload, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxSliceSize
		end := start + maxSliceSize
		if end > len(payload) {
			end = len(payload)
		}
		slice := payload[start:end]

		fragments = append(fragments, &wire.FragmentPayload{
			MessageID:     messageID,
			FragmentIndex: uint16(i),
			FragmentCount: uint16(count),
			CRC32:         wire.ChecksumSlice(slice),
			Slice:         append([]byte{}, slice...),
		})
	}
	return fragments, nil
}

// TransportFragmentThreshold returns the declared max-payload size used as
// the fragmentation threshold for a given transport kind, per §4.6's
// defaults table. BLE's threshold depends on the negotiated MTU and is
// computed separately by BLEFragmentThreshold.
func TransportFragmentThreshold(transport string) int {
	switch transport {
	case "webrtc":
		return 16 * 1024
	case "meshtastic":
		return 200
	case "lora":
		return 255
	default:
		return 16 * 1024
	}
}

// BLEFragmentThreshold returns the usable payload size for a BLE link with
// the given negotiated MTU (MTU minus the 3-byte ATT header, per §4.6).
func BLEFragmentThreshold(mtu int) int {
	threshold := mtu - 3
	if threshold < 1 {
		threshold = 1
	}
	return threshold
}
