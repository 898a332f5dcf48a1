package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager owns all registered transports and presents one connection model
// on top of them: resolve a peer to its best address, dial, route sends
// through the owning connection, and merge per-transport discovery into a
// single deduplicated event stream.
//
// A Manager is constructed explicitly and injected where needed; there is
// no package-level instance.
type Manager struct {
	logger *logrus.Entry

	mu         sync.Mutex
	transports map[Protocol]Transport
	conns      map[string]Conn
	addrBook   map[string][]Multiaddr
	seen       map[string]bool

	discoveredObs   []func(DiscoveredPeer)
	lostObs         []func(PeerID)
	connectedObs    []func(PeerID)
	disconnectedObs []func(PeerID)
	messageObs      []func(PeerID, string, []byte)
}

// NewManager creates an empty transport manager
func NewManager(logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	return &Manager{
		logger:     logger.WithField("component", "transport-manager"),
		transports: make(map[Protocol]Transport),
		conns:      make(map[string]Conn),
		addrBook:   make(map[string][]Multiaddr),
		seen:       make(map[string]bool),
	}
}

// Register adds a transport and merges its events into the manager's
// streams. Incoming connections are adopted the same way dialed ones are.
func (m *Manager) Register(t Transport) {
	m.mu.Lock()
	m.transports[t.Protocol()] = t
	m.mu.Unlock()

	t.OnPeerDiscovered(func(d DiscoveredPeer) {
		m.recordSighting(d)
	})

	t.OnPeerLost(func(peer PeerID) {
		m.recordLoss(peer)
	})

	t.OnConnection(func(conn Conn) {
		m.adopt(conn.RemotePeer(), conn)
	})

	m.logger.WithField("protocol", t.Protocol()).Info("✅ Transport registered")
}

// Connect resolves one live connection to the peer. An existing live
// connection is reused; otherwise candidate addresses (given, or known from
// discovery) are tried in preference order and the first success wins.
func (m *Manager) Connect(ctx context.Context, peer PeerID, addrs ...Multiaddr) (Conn, error) {
	if conn := m.liveConn(peer); conn != nil {
		return conn, nil
	}

	candidates := addrs
	if len(candidates) == 0 {
		candidates = m.KnownAddrs(peer)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no known addresses for %s: %w", peer, ErrNotConnected)
	}

	var lastErr error
	for _, addr := range SortByPreference(candidates) {
		t := m.transportFor(addr.Protocol)
		if t == nil {
			lastErr = fmt.Errorf("no transport for %q: %w", addr.Protocol, ErrUnsupportedProtocol)
			continue
		}

		conn, err := t.Dial(ctx, peer, addr)
		if err != nil {
			m.logger.WithError(err).WithField("addr", addr.String()).Debug("Dial candidate failed")
			lastErr = err
			continue
		}

		m.adopt(peer, conn)
		return conn, nil
	}

	return nil, fmt.Errorf("connect %s: %w", peer, lastErr)
}

// Send routes one message to the peer over its established connection,
// opening the per-protocol stream on demand.
func (m *Manager) Send(ctx context.Context, peer PeerID, protocolID string, payload []byte) error {
	conn := m.liveConn(peer)
	if conn == nil {
		return fmt.Errorf("send to %s: %w", peer, ErrNotConnected)
	}

	stream, err := m.streamFor(ctx, conn, protocolID)
	if err != nil {
		return err
	}

	return stream.Send(ctx, payload)
}

// Broadcast sends one message to every live connection. Returns the number
// of peers the message was handed to; individual failures are logged, not
// propagated.
func (m *Manager) Broadcast(ctx context.Context, protocolID string, payload []byte) int {
	m.mu.Lock()
	conns := make([]Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	delivered := 0
	for _, conn := range conns {
		if conn.State() != StateConnected {
			continue
		}

		stream, err := m.streamFor(ctx, conn, protocolID)
		if err == nil {
			err = stream.Send(ctx, payload)
		}
		if err != nil {
			m.logger.WithError(err).WithField("peer", conn.RemotePeer().String()).Warn("⚠️  Broadcast send failed")
			continue
		}
		delivered++
	}

	return delivered
}

// Connection returns the live connection for a peer, or nil
func (m *Manager) Connection(peer PeerID) Conn {
	return m.liveConn(peer)
}

// KnownAddrs returns the addresses discovery has recorded for a peer
func (m *Manager) KnownAddrs(peer PeerID) []Multiaddr {
	m.mu.Lock()
	defer m.mu.Unlock()

	addrs := make([]Multiaddr, len(m.addrBook[peer.String()]))
	copy(addrs, m.addrBook[peer.String()])
	return addrs
}

// AddKnownAddr records an address for a peer outside of discovery (static
// configuration, relay directory lookups)
func (m *Manager) AddKnownAddr(peer PeerID, addr Multiaddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addKnownAddrLocked(peer, addr)
}

// OnPeerDiscovered registers an observer for deduplicated discovery events
func (m *Manager) OnPeerDiscovered(fn func(DiscoveredPeer)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoveredObs = append(m.discoveredObs, fn)
}

// OnPeerLost registers an observer for peer-lost events
func (m *Manager) OnPeerLost(fn func(PeerID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lostObs = append(m.lostObs, fn)
}

// OnPeerConnected registers an observer fired once per established
// connection (dialed or incoming)
func (m *Manager) OnPeerConnected(fn func(PeerID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectedObs = append(m.connectedObs, fn)
}

// OnPeerDisconnected registers an observer fired when a peer's connection
// reaches a terminal state
func (m *Manager) OnPeerDisconnected(fn func(PeerID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectedObs = append(m.disconnectedObs, fn)
}

// OnMessage registers an observer for every complete inbound message on
// any connection, tagged with the peer and the stream protocol id
func (m *Manager) OnMessage(fn func(peer PeerID, protocolID string, payload []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageObs = append(m.messageObs, fn)
}

// Close shuts down every registered transport
func (m *Manager) Close() error {
	m.mu.Lock()
	transports := make([]Transport, 0, len(m.transports))
	for _, t := range m.transports {
		transports = append(transports, t)
	}
	m.mu.Unlock()

	var lastErr error
	for _, t := range transports {
		if err := t.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// ===== INTERNAL =====

func (m *Manager) transportFor(p Protocol) Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transports[p]
}

func (m *Manager) liveConn(peer PeerID) Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn := m.conns[peer.String()]
	if conn == nil || conn.State().Terminal() {
		return nil
	}
	return conn
}

func (m *Manager) streamFor(ctx context.Context, conn Conn, protocolID string) (Stream, error) {
	for _, s := range conn.Streams() {
		if s.Protocol() == protocolID && s.State() == StreamOpen {
			return s, nil
		}
	}
	return conn.OpenStream(ctx, protocolID)
}

// adopt takes ownership of a connection: newest wins when two connections
// to the same peer race each other.
func (m *Manager) adopt(peer PeerID, conn Conn) {
	m.mu.Lock()
	old := m.conns[peer.String()]
	m.conns[peer.String()] = conn
	m.mu.Unlock()

	if old != nil && old != conn && !old.State().Terminal() {
		m.logger.WithField("peer", peer.String()).Debug("Replacing existing connection")
		old.Close()
	}

	conn.OnStream(func(s Stream) {
		m.wireStream(peer, s)
	})
	for _, s := range conn.Streams() {
		m.wireStream(peer, s)
	}

	conn.OnStateChange(func(state ConnState) {
		if !state.Terminal() {
			return
		}
		m.mu.Lock()
		if m.conns[peer.String()] == conn {
			delete(m.conns, peer.String())
		}
		m.mu.Unlock()
		m.emitDisconnected(peer)
	})

	// The observer above never fires for a connection that died before it
	// was registered
	if conn.State().Terminal() {
		m.mu.Lock()
		if m.conns[peer.String()] == conn {
			delete(m.conns, peer.String())
		}
		m.mu.Unlock()
		return
	}

	m.logger.WithField("peer", peer.String()).Info("✅ Peer connected")
	m.emitConnected(peer)
}

func (m *Manager) wireStream(peer PeerID, s Stream) {
	s.OnData(func(data []byte) {
		m.mu.Lock()
		observers := make([]func(PeerID, string, []byte), len(m.messageObs))
		copy(observers, m.messageObs)
		m.mu.Unlock()

		for _, fn := range observers {
			fn(peer, s.Protocol(), data)
		}
	})
}

func (m *Manager) recordSighting(d DiscoveredPeer) {
	m.mu.Lock()
	m.addKnownAddrLocked(d.Peer, d.Addr)

	if m.seen[d.Peer.String()] {
		m.mu.Unlock()
		return
	}
	m.seen[d.Peer.String()] = true

	observers := make([]func(DiscoveredPeer), len(m.discoveredObs))
	copy(observers, m.discoveredObs)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"peer": d.Peer.String(),
		"addr": d.Addr.String(),
	}).Info("🔍 Peer discovered")

	for _, fn := range observers {
		fn(d)
	}
}

func (m *Manager) recordLoss(peer PeerID) {
	m.mu.Lock()
	if !m.seen[peer.String()] {
		m.mu.Unlock()
		return
	}
	delete(m.seen, peer.String())

	observers := make([]func(PeerID), len(m.lostObs))
	copy(observers, m.lostObs)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(peer)
	}
}

func (m *Manager) addKnownAddrLocked(peer PeerID, addr Multiaddr) {
	key := peer.String()
	for _, existing := range m.addrBook[key] {
		if existing.Equal(addr) {
			return
		}
	}
	m.addrBook[key] = append(m.addrBook[key], addr)
}

func (m *Manager) emitConnected(peer PeerID) {
	m.mu.Lock()
	observers := make([]func(PeerID), len(m.connectedObs))
	copy(observers, m.connectedObs)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(peer)
	}
}

func (m *Manager) emitDisconnected(peer PeerID) {
	m.mu.Lock()
	observers := make([]func(PeerID), len(m.disconnectedObs))
	copy(observers, m.disconnectedObs)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(peer)
	}
}
