package transport

import (
	"fmt"
	"sort"
	"strings"
)

// Protocol names a transport medium in a Multiaddr
type Protocol string

const (
	ProtoBLE       Protocol = "ble"
	ProtoWebRTC    Protocol = "webrtc"
	ProtoWebSocket Protocol = "websocket"
	ProtoTCP       Protocol = "tcp"
)

// Dial preference per protocol: proximity transports first, unknown
// protocols last. Lower sorts earlier.
var protocolPreference = map[Protocol]int{
	ProtoBLE:       0,
	ProtoWebRTC:    1,
	ProtoWebSocket: 2,
	ProtoTCP:       3,
}

const unknownProtocolPreference = 100

// Multiaddr describes how to reach a peer over one specific transport,
// e.g. /ble/f4:5c:89:aa:01:02 or /websocket/wss://relay.peerwave.io/ws.
// Addresses of the same peer across transports are unrelated values.
type Multiaddr struct {
	Protocol Protocol
	Address  string
	Options  map[string]string
}

// BLEAddr builds an address for a BLE device id
func BLEAddr(deviceID string) Multiaddr {
	return Multiaddr{Protocol: ProtoBLE, Address: deviceID}
}

// WebSocketAddr builds an address for a relay websocket URL
func WebSocketAddr(url string) Multiaddr {
	return Multiaddr{Protocol: ProtoWebSocket, Address: url}
}

// TCPAddr builds an address for a host:port endpoint
func TCPAddr(hostport string) Multiaddr {
	return Multiaddr{Protocol: ProtoTCP, Address: hostport}
}

// WebRTCAddr builds an address for a peer reachable via WebRTC signaling
func WebRTCAddr(peerID string) Multiaddr {
	return Multiaddr{Protocol: ProtoWebRTC, Address: peerID}
}

// CustomAddr builds an address for an out-of-tree transport protocol
func CustomAddr(protocol Protocol, address string, options map[string]string) Multiaddr {
	return Multiaddr{Protocol: protocol, Address: address, Options: options}
}

// ParseMultiaddr parses the string form produced by String. The address part
// may itself contain slashes (websocket URLs); options are the trailing
// ?k=v&k2=v2 suffix.
func ParseMultiaddr(s string) (Multiaddr, error) {
	trimmed := strings.TrimPrefix(s, "/")

	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Multiaddr{}, fmt.Errorf("multiaddr %q: %w", s, ErrAddrFormat)
	}

	addr := Multiaddr{Protocol: Protocol(parts[0]), Address: parts[1]}

	if idx := strings.LastIndex(addr.Address, "?"); idx >= 0 {
		query := addr.Address[idx+1:]
		opts := make(map[string]string)
		for _, pair := range strings.Split(query, "&") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 || kv[0] == "" {
				return Multiaddr{}, fmt.Errorf("multiaddr options %q: %w", query, ErrAddrFormat)
			}
			opts[kv[0]] = kv[1]
		}
		addr.Address = addr.Address[:idx]
		addr.Options = opts
	}

	return addr, nil
}

// String returns the canonical /protocol/address[?options] form. Option keys
// are sorted so the encoding is deterministic and round-trips with
// ParseMultiaddr.
func (a Multiaddr) String() string {
	var b strings.Builder
	b.WriteByte('/')
	b.WriteString(string(a.Protocol))
	b.WriteByte('/')
	b.WriteString(a.Address)

	if len(a.Options) > 0 {
		keys := make([]string, 0, len(a.Options))
		for k := range a.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('?')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(a.Options[k])
		}
	}

	return b.String()
}

// Equal reports whether two addresses are identical including options
func (a Multiaddr) Equal(other Multiaddr) bool {
	return a.String() == other.String()
}

// Preference returns the dial-order rank of the address protocol
func (a Multiaddr) Preference() int {
	if p, ok := protocolPreference[a.Protocol]; ok {
		return p
	}
	return unknownProtocolPreference
}

// SortByPreference returns a new slice ordered by the fixed protocol
// priority table (BLE before WebRTC before WebSocket before TCP before
// custom). The sort is stable so same-protocol addresses keep their
// discovery order.
func SortByPreference(addrs []Multiaddr) []Multiaddr {
	sorted := make([]Multiaddr, len(addrs))
	copy(sorted, addrs)

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Preference() < sorted[j].Preference()
	})

	return sorted
}
