package protocol

import (
	"encoding/base64"
	"errors"

	"github.com/google/uuid"
)

var ErrMissingField = errors.New("relay message missing required field")

// Relay message types. Every message on a relay socket is one JSON object
// with at least `type`, `id` and `timestamp`.
const (
	RelayTypeHello             = "HELLO"
	RelayTypeWelcome           = "WELCOME"
	RelayTypeAuthFail          = "AUTH_FAIL"
	RelayTypeHeartbeat         = "HEARTBEAT"
	RelayTypeHeartbeatAck      = "HEARTBEAT_ACK"
	RelayTypeMessage           = "MESSAGE"
	RelayTypeMessageAck        = "MESSAGE_ACK"
	RelayTypeFetchMessages     = "FETCH_MESSAGES"
	RelayTypePresenceUpdate    = "PRESENCE_UPDATE"
	RelayTypePresenceSubscribe = "PRESENCE_SUBSCRIBE"
	RelayTypePresence          = "PRESENCE"
	RelayTypeError             = "ERROR"
)

// Relay ERROR codes
const (
	RelayErrRateLimited    = "RATE_LIMITED"
	RelayErrUnknownPeer    = "UNKNOWN_PEER"
	RelayErrInvalidMessage = "INVALID_MESSAGE"
	RelayErrInternal       = "INTERNAL"
)

// Capabilities a client may announce in HELLO
const (
	CapMessaging = "messaging"
	CapPresence  = "presence"
	CapSignaling = "signaling"
)

// RelayMessage is one JSON-framed message on a relay socket. Fields beyond
// type/id/timestamp are populated per message type and omitted otherwise.
type RelayMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds

	// HELLO
	PeerID       string   `json:"peerId,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// WELCOME
	SessionID       string `json:"sessionId,omitempty"`
	PendingMessages int    `json:"pendingMessageCount,omitempty"`

	// MESSAGE
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Payload    string `json:"payload,omitempty"` // base64
	Protocol   string `json:"protocol,omitempty"`
	TTL        int64  `json:"ttl,omitempty"` // seconds; 0 means server default
	Encrypted  bool   `json:"encrypted,omitempty"`
	RequireAck bool   `json:"requireAck,omitempty"`

	// MESSAGE_ACK echoes the id of the acknowledged MESSAGE
	AckID string `json:"ackId,omitempty"`

	// PRESENCE / PRESENCE_UPDATE / PRESENCE_SUBSCRIBE
	Status   string   `json:"status,omitempty"`
	LastSeen int64    `json:"lastSeen,omitempty"`
	Peers    []string `json:"peers,omitempty"`

	// ERROR / AUTH_FAIL
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// NewRelayMessage creates a relay message of the given type with a fresh id
// and current timestamp
func NewRelayMessage(msgType string) *RelayMessage {
	return &RelayMessage{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: NowUnixMilli(),
	}
}

// Validate checks the fields every relay message must carry
func (m *RelayMessage) Validate() error {
	if m.Type == "" || m.ID == "" || m.Timestamp == 0 {
		return ErrMissingField
	}

	if m.Type == RelayTypeMessage {
		if m.From == "" || m.To == "" {
			return ErrMissingField
		}
	}

	return nil
}

// SetPayload base64-encodes raw bytes into the payload field
func (m *RelayMessage) SetPayload(data []byte) {
	m.Payload = base64.StdEncoding.EncodeToString(data)
}

// DecodePayload decodes the base64 payload field
func (m *RelayMessage) DecodePayload() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Payload)
}
