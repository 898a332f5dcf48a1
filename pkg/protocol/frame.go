package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

var (
	ErrInvalidFrame   = errors.New("invalid frame header")
	ErrFrameTooLarge  = errors.New("frame payload exceeds MTU")
	ErrUnknownFrame   = errors.New("unknown frame type")
	ErrLengthMismatch = errors.New("frame length mismatch")
)

// Frame header size in bytes
const FrameHeaderSize = 8

// Frame types
const (
	FrameOpen  uint8 = 0x01 // open a logical stream; payload is the protocol id
	FrameData  uint8 = 0x02 // one chunk of stream data
	FrameClose uint8 = 0x03 // orderly stream close
	FrameAbort uint8 = 0x04 // stream aborted with an error
)

// Frame flags
const (
	FrameFlagEnd uint16 = 0x0001 // last chunk of a message; triggers reassembly delivery
)

// FrameHeader is the 8-byte header prefixed to every chunk on a
// stream-multiplexed link (BLE, WebRTC data channel).
type FrameHeader struct {
	Type     uint8  // Frame type
	StreamID uint8  // Logical stream id (1-255, 0 is reserved)
	Sequence uint16 // Per-stream chunk counter
	Length   uint16 // Payload length of this chunk
	Flags    uint16 // Frame flags
}

// Encode encodes the frame header to bytes
func (h *FrameHeader) Encode() []byte {
	buf := make([]byte, FrameHeaderSize)

	buf[0] = h.Type
	buf[1] = h.StreamID
	binary.BigEndian.PutUint16(buf[2:4], h.Sequence)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)

	return buf
}

// Decode decodes the frame header from bytes
func (h *FrameHeader) Decode(buf []byte) error {
	if len(buf) < FrameHeaderSize {
		return ErrInvalidFrame
	}

	h.Type = buf[0]
	h.StreamID = buf[1]
	h.Sequence = binary.BigEndian.Uint16(buf[2:4])
	h.Length = binary.BigEndian.Uint16(buf[4:6])
	h.Flags = binary.BigEndian.Uint16(buf[6:8])

	return nil
}

// Validate validates the frame header
func (h *FrameHeader) Validate() error {
	switch h.Type {
	case FrameOpen, FrameData, FrameClose, FrameAbort:
	default:
		return ErrUnknownFrame
	}

	if h.StreamID == 0 {
		return ErrInvalidFrame
	}

	return nil
}

// HasFlag checks if a flag is set
func (h *FrameHeader) HasFlag(flag uint16) bool {
	return (h.Flags & flag) != 0
}

// ReadFrame reads one frame (header plus payload) from an io.Reader
func ReadFrame(r io.Reader) (*FrameHeader, []byte, error) {
	buf := make([]byte, FrameHeaderSize)

	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, err
	}

	header := &FrameHeader{}
	if err := header.Decode(buf); err != nil {
		return nil, nil, err
	}

	if err := header.Validate(); err != nil {
		return nil, nil, err
	}

	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil, err
		}
	}

	return header, payload, nil
}

// WriteFrame writes one frame (header plus payload) to an io.Writer. The
// header and payload go out in a single Write so a frame is never split
// across packet-oriented links.
func WriteFrame(w io.Writer, h *FrameHeader, payload []byte) error {
	if len(payload) > int(^uint16(0)) {
		return ErrFrameTooLarge
	}

	h.Length = uint16(len(payload))

	buf := make([]byte, FrameHeaderSize+len(payload))
	copy(buf, h.Encode())
	copy(buf[FrameHeaderSize:], payload)

	_, err := w.Write(buf)
	return err
}
