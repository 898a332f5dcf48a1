package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrEnvelopeTooShort  = errors.New("buffer too short for envelope")
	ErrEnvelopeIDLength  = errors.New("envelope id must be 1-255 bytes")
	ErrEnvelopeTruncated = errors.New("envelope payload truncated")
)

// Envelope types
const (
	EnvChat         uint8 = 0x01 // encrypted chat payload
	EnvPreKeyBundle uint8 = 0x02 // JSON prekey bundle
	EnvSessionInit  uint8 = 0x03 // request for the counterpart's prekey bundle
	EnvAck          uint8 = 0x04 // payload echoes the acknowledged envelope id
	EnvTyping       uint8 = 0x05 // one-byte typing indicator state
	EnvRead         uint8 = 0x06 // payload echoes the read envelope id
)

// Typing indicator states carried in an EnvTyping payload
const (
	TypingStopped uint8 = 0x00
	TypingActive  uint8 = 0x01
)

// Envelope is the smallest addressable unit exchanged between bridges.
//
// Wire format:
//
//	type (1) | idLen (1) | id (idLen) | timestamp (8, little-endian ms) |
//	payloadLen (4, little-endian) | payload
//
// The payload is opaque ciphertext for EnvChat, JSON for EnvPreKeyBundle,
// and a bare envelope-id echo for EnvAck/EnvRead.
type Envelope struct {
	Type      uint8
	ID        string
	Timestamp int64 // Unix milliseconds
	Payload   []byte
}

// NewEnvelope creates an envelope with a fresh id and current timestamp
func NewEnvelope(envType uint8, payload []byte) *Envelope {
	return &Envelope{
		Type:      envType,
		ID:        uuid.NewString(),
		Timestamp: NowUnixMilli(),
		Payload:   payload,
	}
}

// Encode encodes the envelope to bytes
func (e *Envelope) Encode() ([]byte, error) {
	id := []byte(e.ID)
	if len(id) == 0 || len(id) > 255 {
		return nil, ErrEnvelopeIDLength
	}

	size := 1 + 1 + len(id) + 8 + 4 + len(e.Payload)
	buf := make([]byte, size)
	offset := 0

	buf[offset] = e.Type
	offset++

	buf[offset] = uint8(len(id))
	offset++

	copy(buf[offset:], id)
	offset += len(id)

	binary.LittleEndian.PutUint64(buf[offset:], uint64(e.Timestamp))
	offset += 8

	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(e.Payload)))
	offset += 4

	copy(buf[offset:], e.Payload)

	return buf, nil
}

// DecodeEnvelope decodes an envelope from bytes
func DecodeEnvelope(buf []byte) (*Envelope, error) {
	if len(buf) < 2 {
		return nil, ErrEnvelopeTooShort
	}

	e := &Envelope{}
	offset := 0

	e.Type = buf[offset]
	offset++

	idLen := int(buf[offset])
	offset++

	if idLen == 0 {
		return nil, ErrEnvelopeIDLength
	}

	if len(buf) < offset+idLen+8+4 {
		return nil, ErrEnvelopeTooShort
	}

	e.ID = string(buf[offset : offset+idLen])
	offset += idLen

	e.Timestamp = int64(binary.LittleEndian.Uint64(buf[offset:]))
	offset += 8

	payloadLen := binary.LittleEndian.Uint32(buf[offset:])
	offset += 4

	if len(buf) < offset+int(payloadLen) {
		return nil, ErrEnvelopeTruncated
	}

	e.Payload = make([]byte, payloadLen)
	copy(e.Payload, buf[offset:offset+int(payloadLen)])

	return e, nil
}

// EnvelopeTypeName returns a human-readable name for an envelope type
func EnvelopeTypeName(envType uint8) string {
	switch envType {
	case EnvChat:
		return "CHAT"
	case EnvPreKeyBundle:
		return "PREKEY_BUNDLE"
	case EnvSessionInit:
		return "SESSION_INIT"
	case EnvAck:
		return "ACK"
	case EnvTyping:
		return "TYPING"
	case EnvRead:
		return "READ"
	default:
		return "UNKNOWN"
	}
}
