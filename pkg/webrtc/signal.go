package webrtc

import (
	"context"
	"encoding/json"
	"fmt"

	pion "github.com/pion/webrtc/v4"

	"github.com/peerwave/peerwave-node/pkg/transport"
)

// Signal message kinds
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
)

// Signal carries opaque signalling payloads between peers that have no
// direct link yet. The relay client satisfies this interface, but any
// out-of-band channel that can move a few kilobytes will do.
type Signal interface {
	SendSignal(ctx context.Context, to transport.PeerID, payload []byte) error
	OnSignal(fn func(from transport.PeerID, payload []byte))
}

// SignalMessage is the offer/answer envelope exchanged over the signal
// channel. CallID ties an answer back to the dial that sent the offer,
// since the channel itself gives no ordering between concurrent dials.
type SignalMessage struct {
	Kind   string                   `json:"kind"`
	CallID string                   `json:"callId"`
	SDP    *pion.SessionDescription `json:"sdp"`
}

func encodeSignal(msg SignalMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signal: %w", err)
	}
	return data, nil
}

func decodeSignal(payload []byte) (SignalMessage, error) {
	var msg SignalMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return SignalMessage{}, fmt.Errorf("failed to decode signal: %w", err)
	}
	if msg.Kind != SignalOffer && msg.Kind != SignalAnswer {
		return SignalMessage{}, fmt.Errorf("unknown signal kind %q", msg.Kind)
	}
	if msg.CallID == "" || msg.SDP == nil {
		return SignalMessage{}, fmt.Errorf("signal %s missing call id or sdp", msg.Kind)
	}
	return msg, nil
}
