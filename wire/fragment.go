/*
File Name:  fragment.go

On-wire fragment payload layout for messages of TypeFragment (§3, §4.6):

Offset  Size  Info
0       16    Message ID
16      2     Fragment index (big-endian)
18      2     Fragment count (big-endian)
20      4     CRC32 of the fragment slice (big-endian, IEEE polynomial)
24      ?     Slice
*/

package wire

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// FragmentHeaderSize is the size of the fixed fragment payload prefix.
const FragmentHeaderSize = 16 + 2 + 2 + 4

// ErrShortFragment is returned when a payload is too small to contain a fragment header.
var ErrShortFragment = errors.New("wire: payload shorter than fragment header")

// FragmentPayload is the decoded form of a FRAGMENT message's payload.
type FragmentPayload struct {
	MessageID      [16]byte
	FragmentIndex  uint16
	FragmentCount  uint16
	CRC32          uint32
	Slice          []byte
}

// EncodeFragment serializes a fragment payload.
func EncodeFragment(f *FragmentPayload) []byte {
	buf := make([]byte, FragmentHeaderSize+len(f.Slice))
	copy(buf[0:16], f.MessageID[:])
	binary.BigEndian.PutUint16(buf[16:18], f.FragmentIndex)
	binary.BigEndian.PutUint16(buf[18:20], f.FragmentCount)
	binary.BigEndian.PutUint32(buf[20:24], f.CRC32)
	copy(buf[FragmentHeaderSize:], f.Slice)
	return buf
}

// DecodeFragment parses a fragment payload, but does not validate the CRC32;
// callers should compare against crc32.ChecksumIEEE(f.Slice) themselves.
func DecodeFragment(payload []byte) (f *FragmentPayload, err error) {
	if len(payload) < FragmentHeaderSize {
		return nil, ErrShortFragment
	}

	f = &FragmentPayload{
		FragmentIndex: binary.BigEndian.Uint16(payload[16:18]),
		FragmentCount: binary.BigEndian.Uint16(payload[18:20]),
		CRC32:         binary.BigEndian.Uint32(payload[20:24]),
	}
	copy(f.MessageID[:], payload[0:16])
	if len(payload) > FragmentHeaderSize {
		f.Slice = append([]byte{}, payload[FragmentHeaderSize:]...)
	}

	return f, nil
}

// ChecksumSlice computes the CRC32 (IEEE) checksum of a fragment slice.
func ChecksumSlice(slice []byte) uint32 {
	return crc32.ChecksumIEEE(slice)
}
