package protocol

import (
	"bytes"
	"testing"
)

func TestFrameHeaderEncodeDecode(t *testing.T) {
	tests := []struct {
		name   string
		header *FrameHeader
	}{
		{
			name: "data frame",
			header: &FrameHeader{
				Type:     FrameData,
				StreamID: 1,
				Sequence: 42,
				Length:   512,
				Flags:    0,
			},
		},
		{
			name: "final chunk",
			header: &FrameHeader{
				Type:     FrameData,
				StreamID: 255,
				Sequence: 65535,
				Length:   1,
				Flags:    FrameFlagEnd,
			},
		},
		{
			name: "open frame",
			header: &FrameHeader{
				Type:     FrameOpen,
				StreamID: 7,
				Sequence: 0,
				Length:   21,
				Flags:    FrameFlagEnd,
			},
		},
		{
			name: "close frame with zero length",
			header: &FrameHeader{
				Type:     FrameClose,
				StreamID: 3,
				Sequence: 9,
				Length:   0,
				Flags:    0,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.header.Encode()

			if len(encoded) != FrameHeaderSize {
				t.Errorf("Encode() length = %d, want %d", len(encoded), FrameHeaderSize)
			}

			decoded := &FrameHeader{}
			if err := decoded.Decode(encoded); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			if *decoded != *tt.header {
				t.Errorf("Decode() = %+v, want %+v", decoded, tt.header)
			}
		})
	}
}

func TestFrameHeaderDecodeShortBuffer(t *testing.T) {
	h := &FrameHeader{}
	if err := h.Decode(make([]byte, FrameHeaderSize-1)); err != ErrInvalidFrame {
		t.Errorf("Decode(short) error = %v, want %v", err, ErrInvalidFrame)
	}
}

func TestFrameHeaderValidate(t *testing.T) {
	tests := []struct {
		name    string
		header  *FrameHeader
		wantErr error
	}{
		{"valid data", &FrameHeader{Type: FrameData, StreamID: 1}, nil},
		{"valid abort", &FrameHeader{Type: FrameAbort, StreamID: 200}, nil},
		{"unknown type", &FrameHeader{Type: 0x7F, StreamID: 1}, ErrUnknownFrame},
		{"reserved stream id", &FrameHeader{Type: FrameData, StreamID: 0}, ErrInvalidFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.header.Validate(); err != tt.wantErr {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestReadWriteFrame(t *testing.T) {
	payload := []byte("hello over a multiplexed stream")

	header := &FrameHeader{
		Type:     FrameData,
		StreamID: 5,
		Sequence: 3,
		Flags:    FrameFlagEnd,
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, header, payload); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}

	// WriteFrame fills in the length from the payload
	if header.Length != uint16(len(payload)) {
		t.Errorf("WriteFrame() header.Length = %d, want %d", header.Length, len(payload))
	}

	gotHeader, gotPayload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}

	if *gotHeader != *header {
		t.Errorf("ReadFrame() header = %+v, want %+v", gotHeader, header)
	}

	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("ReadFrame() payload = %q, want %q", gotPayload, payload)
	}
}

func TestReadFrameRejectsUnknownType(t *testing.T) {
	bad := &FrameHeader{Type: 0xEE, StreamID: 1, Length: 0}

	var buf bytes.Buffer
	buf.Write(bad.Encode())

	if _, _, err := ReadFrame(&buf); err != ErrUnknownFrame {
		t.Errorf("ReadFrame() error = %v, want %v", err, ErrUnknownFrame)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	header := &FrameHeader{Type: FrameData, StreamID: 1, Length: 100}

	var buf bytes.Buffer
	buf.Write(header.Encode())
	buf.Write([]byte("only a few bytes"))

	if _, _, err := ReadFrame(&buf); err == nil {
		t.Error("ReadFrame() with truncated payload should fail")
	}
}
