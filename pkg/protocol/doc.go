// Package protocol defines the PeerWave wire formats.
//
// The package holds pure data types and codecs only; connection state
// machines live in the transport packages.
//
// # Frame Header
//
// Stream-multiplexed links (BLE, WebRTC data channels) prefix every chunk
// with an 8-byte header:
//   - Type (1 byte): open / data / close / abort
//   - StreamID (1 byte): logical stream id, 1-255
//   - Sequence (2 bytes): per-stream chunk counter
//   - Length (2 bytes): chunk payload length
//   - Flags (2 bytes): FrameFlagEnd marks the last chunk of a message
//
// Frames use big-endian byte order.
//
// # Envelope
//
// The application-level envelope framing one bridge message:
//
//	type (1) | idLen (1) | id | timestamp (8 LE, ms) | payloadLen (4 LE) | payload
//
// Envelope types are CHAT, PREKEY_BUNDLE, SESSION_INIT, ACK, TYPING and
// READ. CHAT payloads are opaque ciphertext; the bridge never inspects them.
//
// # Relay Messages
//
// Relay servers speak JSON over a persistent websocket. Every message
// carries `type`, `id` and `timestamp`; MESSAGE additionally carries
// `from`, `to`, `payload` (base64), `protocol` and optional `ttl`,
// `encrypted`, `requireAck`. The `protocol` field routes payloads on the
// receiving side: chat payloads to the bridge, signaling payloads to the
// WebRTC transport.
package protocol
