/*
File Name:  message.go

Binary wire protocol and cryptographic envelope (§3, §4.2, §6). The basic
packet structure of ALL messages:

Offset  Size  Info
0       1     Version = 1
1       1     Type
2       1     TTL
3       1     Reserved = 0
4       8     Timestamp-ms, big-endian unsigned
12      32    Sender ID (Ed25519 public key)
44      65    Signature (64-byte Ed25519 signature + 1 recovery byte = 0)
109     ?     Payload, up to 65,535 bytes

This mirrors the header-first, fixed-offset layout of the teacher's
protocol/Packet Encoding.go, generalized from the teacher's 12-byte/salsa20
scheme to the spec's 109-byte Ed25519 scheme.
*/

package wire

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"

	"github.com/sovereign-comms/mesh-core/crypto"
)

// HeaderSize is the fixed size of the message header in bytes.
const HeaderSize = 109

// Field offsets within the header.
const (
	offVersion   = 0
	offType      = 1
	offTTL       = 2
	offReserved  = 3
	offTimestamp = 4
	offSenderID  = 12
	offSignature = 44
)

// MaxPayloadSize is the largest payload a single encoded message may carry.
const MaxPayloadSize = 65535

// ProtocolVersion is the only version this implementation understands.
const ProtocolVersion = 1

// MaxTTL bounds the hop count of any message, per §3.
const MaxTTL = 16

// MessageType identifies the payload's purpose (§3).
type MessageType uint8

const (
	TypeText              MessageType = 0x01
	TypeFileMetadata       MessageType = 0x02
	TypeFileChunk          MessageType = 0x03
	TypeVoice              MessageType = 0x04
	TypeControlPing        MessageType = 0x10
	TypeControlPong        MessageType = 0x11
	TypeControlAck         MessageType = 0x12
	TypePeerDiscovery      MessageType = 0x20
	TypePeerIntroduction   MessageType = 0x21
	TypeKeyExchange        MessageType = 0x30
	TypeFragment           MessageType = 0x40
)

// Priority classes, derived from MessageType and never carried on the wire (§3).
type Priority int

const (
	PriorityFile Priority = iota
	PriorityText
	PriorityVoice
	PriorityControl
)

// NumPriorities is the count of distinct priority levels.
const NumPriorities = 4

// PriorityOf derives the relay priority class for a message type.
// CONTROL > VOICE > TEXT > FILE.
func PriorityOf(t MessageType) Priority {
	switch t {
	case TypeControlPing, TypeControlPong, TypeControlAck:
		return PriorityControl
	case TypeVoice:
		return PriorityVoice
	case TypeText, TypePeerDiscovery, TypePeerIntroduction, TypeKeyExchange:
		return PriorityText
	case TypeFileMetadata, TypeFileChunk, TypeFragment:
		return PriorityFile
	default:
		return PriorityText
	}
}

// Errors returned by the wire codec (§4.2).
var (
	ErrShortBuffer = errors.New("wire: buffer shorter than minimum header size")
	ErrBadVersion  = errors.New("wire: unsupported protocol version")
	ErrBadType     = errors.New("wire: unrecognized message type")
	ErrBadTTL      = errors.New("wire: ttl exceeds MaxTTL")
)

// Message is the decoded, structured form of a wire message.
type Message struct {
	Version     uint8
	Type        MessageType
	TTL         uint8
	TimestampMs uint64
	SenderID    ed25519.PublicKey // 32 bytes
	Signature   [65]byte          // 64-byte Ed25519 signature + 1 recovery byte (= 0)
	Payload     []byte
}

// NewMessage constructs a message with the current timestamp, ready for signing.
func NewMessage(t MessageType, ttl uint8, senderID ed25519.PublicKey, payload []byte) *Message {
	return &Message{
		Version:     ProtocolVersion,
		Type:        t,
		TTL:         ttl,
		TimestampMs: uint64(time.Now().UnixMilli()),
		SenderID:    append(ed25519.PublicKey{}, senderID...),
		Payload:     payload,
	}
}

// EncodeMessage serializes the header (big-endian) followed by the payload.
func EncodeMessage(m *Message) (encoded []byte, err error) {
	if len(m.SenderID) != crypto.PublicKeySize {
		return nil, crypto.ErrInvalidKey
	}
	if len(m.Payload) > MaxPayloadSize {
		return nil, errors.New("wire: payload exceeds MaxPayloadSize")
	}

	encoded = make([]byte, HeaderSize+len(m.Payload))
	encoded[offVersion] = m.Version
	encoded[offType] = uint8(m.Type)
	encoded[offTTL] = m.TTL
	encoded[offReserved] = 0
	binary.BigEndian.PutUint64(encoded[offTimestamp:offTimestamp+8], m.TimestampMs)
	copy(encoded[offSenderID:offSenderID+32], m.SenderID)
	copy(encoded[offSignature:offSignature+65], m.Signature[:])
	copy(encoded[HeaderSize:], m.Payload)

	return encoded, nil
}

// DecodeMessage validates the minimum length, version, type, ttl range and
// the zero reserved and recovery bytes, and returns a structured message. It
// does not verify the signature; call VerifySignature separately.
func DecodeMessage(raw []byte) (m *Message, err error) {
	if len(raw) < HeaderSize {
		return nil, ErrShortBuffer
	}
	if raw[offVersion] != ProtocolVersion {
		return nil, ErrBadVersion
	}

	t := MessageType(raw[offType])
	if !validType(t) {
		return nil, ErrBadType
	}

	ttl := raw[offTTL]
	if ttl > MaxTTL {
		return nil, ErrBadTTL
	}

	// Neither byte is kept in Message or covered by the signature hash, so a
	// nonzero value would otherwise pass unnoticed.
	if raw[offReserved] != 0 || raw[offSignature+64] != 0 {
		return nil, errors.New("wire: reserved or recovery byte is not zero")
	}

	m = &Message{
		Version:     raw[offVersion],
		Type:        t,
		TTL:         ttl,
		TimestampMs: binary.BigEndian.Uint64(raw[offTimestamp : offTimestamp+8]),
		SenderID:    append(ed25519.PublicKey{}, raw[offSenderID:offSenderID+32]...),
	}
	copy(m.Signature[:], raw[offSignature:offSignature+65])

	if len(raw) > HeaderSize {
		m.Payload = append([]byte{}, raw[HeaderSize:]...)
	}

	return m, nil
}

func validType(t MessageType) bool {
	switch t {
	case TypeText, TypeFileMetadata, TypeFileChunk, TypeVoice,
		TypeControlPing, TypeControlPong, TypeControlAck,
		TypePeerDiscovery, TypePeerIntroduction, TypeKeyExchange, TypeFragment:
		return true
	default:
		return false
	}
}

// HashMessage returns the SHA-256 hash over the encoded message with the
// signature field zero-filled, used both as the signing target and as the
// deduplication cache key.
func HashMessage(m *Message) (hash [32]byte, err error) {
	encoded, err := EncodeMessage(m)
	if err != nil {
		return hash, err
	}
	for i := offSignature; i < offSignature+65; i++ {
		encoded[i] = 0
	}
	return sha256.Sum256(encoded), nil
}

// Sign computes the signature over the message (with the signature field
// zeroed) and stores it in m.Signature. The recovery byte is always 0.
func Sign(m *Message, priv ed25519.PrivateKey) error {
	hash, err := HashMessage(m)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash[:], priv)
	if err != nil {
		return err
	}
	copy(m.Signature[:64], sig)
	m.Signature[64] = 0
	return nil
}

// VerifySignature validates m.Signature against the hash of the message with
// the signature field zeroed, using the sender's embedded public key.
func VerifySignature(m *Message) bool {
	hash, err := HashMessage(m)
	if err != nil {
		return false
	}
	return crypto.Verify(hash[:], m.Signature[:64], m.SenderID)
}

// WithinClockSkew reports whether m's timestamp is within tolerance of now.
func WithinClockSkew(m *Message, tolerance time.Duration, now time.Time) bool {
	ts := time.UnixMilli(int64(m.TimestampMs))
	diff := now.Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
