package protocol

import "time"

// Stream protocol identifiers. The same ids are used as the `protocol` field
// of relay MESSAGE frames and as stream protocol ids on multiplexed
// transports, so a payload is routed the same way no matter which transport
// carried it.
const (
	ProtocolChat      = "/peerwave/chat/1.0.0"
	ProtocolSignal    = "/peerwave/signal/1.0.0"
	ProtocolRelayInfo = "/peerwave/relay-info/1.0.0"
)

// BLE service and characteristic UUIDs ("PeerWave" in the vendor prefix).
// Devices advertising a different service UUID are ignored during discovery.
const (
	BLEServiceUUID = "50656572-7761-7665-0100-000000000001"
	BLETxCharUUID  = "50656572-7761-7665-0100-000000000002"
	BLERxCharUUID  = "50656572-7761-7665-0100-000000000003"
)

// Default MTUs for chunked links. BLE assumes a 247-byte ATT payload minus
// the 3-byte ATT header; WebRTC data channels carry full SCTP messages.
const (
	BLEDefaultMTU    = 244
	WebRTCDefaultMTU = 16384
)

// NowUnixMilli returns current time in Unix milliseconds
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
