package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave-node/pkg/protocol"
	"github.com/peerwave/peerwave-node/pkg/transport"
)

// TransportConfig tunes the relay transport adapter
type TransportConfig struct {
	// MaxConnections bounds virtual connections; 0 means unlimited
	MaxConnections int

	// RequireAck makes stream sends wait for the server's custody ack
	RequireAck bool
}

// DefaultTransportConfig waits for custody acks and does not bound
// connections
func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{RequireAck: true}
}

// Transport adapts the relay client to the uniform transport contract. A
// peer reachable through the relay gets one virtual connection whose
// streams map 1:1 onto the MESSAGE protocol field; presence pushes double
// as discovery events.
type Transport struct {
	cfg    *TransportConfig
	client *Client
	logger *logrus.Entry

	mu      sync.Mutex
	conns   map[string]*virtualConn
	seen    map[string]bool
	connObs []func(transport.Conn)
	discObs []func(transport.DiscoveredPeer)
	lostObs []func(transport.PeerID)
}

// NewTransport wraps a relay client. The transport takes ownership of the
// client and closes it on Close.
func NewTransport(client *Client, cfg *TransportConfig, logger *logrus.Entry) *Transport {
	if cfg == nil {
		cfg = DefaultTransportConfig()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	t := &Transport{
		cfg:    cfg,
		client: client,
		logger: logger.WithField("component", "relay-transport"),
		conns:  make(map[string]*virtualConn),
		seen:   make(map[string]bool),
	}

	client.OnChatMessage(func(from transport.PeerID, payload []byte) {
		t.deliver(from, protocol.ProtocolChat, payload)
	})
	client.OnSignal(func(from transport.PeerID, payload []byte) {
		t.deliver(from, protocol.ProtocolSignal, payload)
	})
	client.OnPresence(t.handlePresence)

	// When the last server session drops, relayed peers are unreachable:
	// their virtual connections terminate so observers see the
	// disconnect
	for _, sc := range client.Servers() {
		sc.OnStateChange(func(s ServerState) {
			if s != ServerConnected && !client.Connected() {
				t.dropAll()
			}
		})
	}

	return t
}

// Protocol returns the multiaddr protocol this transport serves
func (t *Transport) Protocol() transport.Protocol { return transport.ProtoWebSocket }

// Dial returns a virtual connection for a relayed peer. The relay carries
// no per-peer handshake; reachability is the relay session itself, so
// dialing fails only when no server is connected or capacity is reached.
func (t *Transport) Dial(ctx context.Context, peer transport.PeerID, addr transport.Multiaddr) (transport.Conn, error) {
	if addr.Protocol != transport.ProtoWebSocket {
		return nil, fmt.Errorf("dial %q: %w", addr.Protocol, transport.ErrUnsupportedProtocol)
	}
	if err := transport.CheckCapacity(t.liveCount(), t.cfg.MaxConnections); err != nil {
		return nil, err
	}
	if !t.client.Connected() {
		return nil, fmt.Errorf("no relay session: %w", transport.ErrNotConnected)
	}

	conn, _ := t.getOrCreateConn(peer)
	return conn, nil
}

// Connections returns the live virtual connections
func (t *Transport) Connections() []transport.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns := make([]transport.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	return conns
}

// OnConnection registers an observer for connections created by inbound
// relayed traffic
func (t *Transport) OnConnection(fn func(transport.Conn)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connObs = append(t.connObs, fn)
}

// OnPeerDiscovered registers an observer for presence-driven discovery
func (t *Transport) OnPeerDiscovered(fn func(transport.DiscoveredPeer)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discObs = append(t.discObs, fn)
}

// OnPeerLost registers an observer fired when presence reports a peer
// offline
func (t *Transport) OnPeerLost(fn func(transport.PeerID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lostObs = append(t.lostObs, fn)
}

// Close drops every virtual connection and shuts the relay client down
func (t *Transport) Close() error {
	t.dropAll()
	return t.client.Close()
}

// ===== INBOUND =====

// deliver routes one relayed payload into the virtual connection model,
// creating the connection and stream on first contact
func (t *Transport) deliver(from transport.PeerID, protocolID string, payload []byte) {
	conn, created := t.getOrCreateConn(from)
	if created {
		t.logger.WithField("peer", from.String()).Info("📬 Relayed peer connected")
	}

	stream := conn.stream(protocolID)
	conn.AddReceived(uint64(len(payload)), 1)
	stream.EmitData(payload)
}

func (t *Transport) handlePresence(info protocol.PresenceInfo) {
	peer, err := transport.ParsePeerID(info.PeerID)
	if err != nil {
		return
	}

	if info.Status == protocol.PresenceOffline {
		t.mu.Lock()
		known := t.seen[peer.String()]
		delete(t.seen, peer.String())
		observers := make([]func(transport.PeerID), len(t.lostObs))
		copy(observers, t.lostObs)
		t.mu.Unlock()

		if !known {
			return
		}
		for _, fn := range observers {
			fn(peer)
		}
		return
	}

	addr := transport.WebSocketAddr(t.relayURL())

	t.mu.Lock()
	known := t.seen[peer.String()]
	t.seen[peer.String()] = true
	observers := make([]func(transport.DiscoveredPeer), len(t.discObs))
	copy(observers, t.discObs)
	t.mu.Unlock()

	if known {
		return
	}
	for _, fn := range observers {
		fn(transport.DiscoveredPeer{Peer: peer, Addr: addr})
	}
}

// ===== INTERNAL =====

func (t *Transport) relayURL() string {
	if best := t.client.BestServer(); best != nil {
		return best.URL()
	}
	if len(t.client.Servers()) > 0 {
		return t.client.Servers()[0].URL()
	}
	return ""
}

func (t *Transport) liveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// getOrCreateConn returns the live virtual connection for a peer, creating
// and announcing it when missing
func (t *Transport) getOrCreateConn(peer transport.PeerID) (*virtualConn, bool) {
	key := peer.String()

	t.mu.Lock()
	if existing := t.conns[key]; existing != nil && !existing.State().Terminal() {
		t.mu.Unlock()
		return existing, false
	}

	conn := newVirtualConn(t, peer)
	t.conns[key] = conn
	observers := make([]func(transport.Conn), len(t.connObs))
	copy(observers, t.connObs)
	t.mu.Unlock()

	conn.OnStateChange(func(s transport.ConnState) {
		if s.Terminal() {
			t.mu.Lock()
			if t.conns[key] == conn {
				delete(t.conns, key)
			}
			t.mu.Unlock()
		}
	})

	for _, fn := range observers {
		fn(conn)
	}

	return conn, true
}

func (t *Transport) dropAll() {
	t.mu.Lock()
	conns := make([]*virtualConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// ===== VIRTUAL CONNECTION =====

// virtualConn is the reachability of one peer through the relay. It is
// born connected: the relay session, not a per-peer handshake, carries it.
type virtualConn struct {
	*transport.BaseConn
	t *Transport

	smu     sync.Mutex
	streams map[string]*virtualStream
}

func newVirtualConn(t *Transport, peer transport.PeerID) *virtualConn {
	c := &virtualConn{
		BaseConn: transport.NewBaseConn(peer, transport.WebSocketAddr(t.relayURL())),
		t:        t,
		streams:  make(map[string]*virtualStream),
	}
	c.SetState(transport.StateConnecting)
	c.SetState(transport.StateConnected)
	return c
}

// OpenStream returns the stream for a protocol id, one per protocol
func (c *virtualConn) OpenStream(ctx context.Context, protocolID string) (transport.Stream, error) {
	if c.State() != transport.StateConnected {
		return nil, transport.ErrNotConnected
	}
	return c.stream(protocolID), nil
}

// stream returns the per-protocol stream, creating and announcing it on
// first use
func (c *virtualConn) stream(protocolID string) *virtualStream {
	c.smu.Lock()
	if s := c.streams[protocolID]; s != nil && s.State() == transport.StreamOpen {
		c.smu.Unlock()
		return s
	}

	s := &virtualStream{
		BaseStream: transport.NewBaseStream(protocolID, protocolID),
		conn:       c,
	}
	c.streams[protocolID] = s
	c.smu.Unlock()

	c.TrackStream(s)
	c.EmitStream(s)
	return s
}

func (c *virtualConn) Close() error {
	c.SetState(transport.StateDisconnecting)
	c.CloseStreams()
	c.SetState(transport.StateClosed)
	return nil
}

// ===== VIRTUAL STREAM =====

// virtualStream sends through the relay client under its protocol id
type virtualStream struct {
	*transport.BaseStream
	conn *virtualConn
}

func (s *virtualStream) Send(ctx context.Context, data []byte) error {
	if s.State() != transport.StreamOpen {
		return transport.ErrStreamClosed
	}

	_, err := s.conn.t.client.SendData(ctx, Message{
		To:         s.conn.RemotePeer(),
		ProtocolID: s.Protocol(),
		Payload:    data,
		Encrypted:  s.Protocol() == protocol.ProtocolChat,
		RequireAck: s.conn.t.cfg.RequireAck,
	})
	if err != nil {
		return err
	}

	s.conn.AddSent(uint64(len(data)), 1)
	return nil
}

func (s *virtualStream) Close() error {
	s.conn.ForgetStream(s.ID())
	s.conn.smu.Lock()
	delete(s.conn.streams, s.Protocol())
	s.conn.smu.Unlock()
	s.EmitClosed()
	return nil
}

func (s *virtualStream) Abort(err error) {
	s.conn.ForgetStream(s.ID())
	s.conn.smu.Lock()
	delete(s.conn.streams, s.Protocol())
	s.conn.smu.Unlock()
	s.EmitError(err)
}
