package transport

import (
	"context"
	"fmt"
)

// DiscoveredPeer is one sighting of a peer by a transport
type DiscoveredPeer struct {
	Peer PeerID
	Addr Multiaddr
}

// Transport is the uniform contract every medium implements: dial by
// multiaddr, surface incoming connections, and report nearby peers.
type Transport interface {
	// Protocol returns the multiaddr protocol this transport serves
	Protocol() Protocol

	// Dial establishes a connection to addr. It must consult the
	// transport's connection limit before any I/O and reject with
	// ErrMaxConnections when full, and with ErrUnsupportedProtocol when
	// addr names a different medium.
	Dial(ctx context.Context, peer PeerID, addr Multiaddr) (Conn, error)

	// Connections returns the live connections owned by the transport
	Connections() []Conn

	// OnConnection registers an observer for incoming connections
	OnConnection(fn func(Conn))

	// OnPeerDiscovered fires the first time a peer is sighted, and again
	// after it was reported lost
	OnPeerDiscovered(fn func(DiscoveredPeer))

	// OnPeerLost fires when a previously discovered peer has not been
	// re-sighted within the transport's lost-peer timeout
	OnPeerLost(fn func(PeerID))

	Close() error
}

// CheckCapacity is the admission-control gate for dial and accept paths.
// max <= 0 means unlimited.
func CheckCapacity(live, max int) error {
	if max > 0 && live >= max {
		return fmt.Errorf("%d/%d connections: %w", live, max, ErrMaxConnections)
	}
	return nil
}
