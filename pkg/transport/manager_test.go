package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// ===== FAKES =====

type fakeStream struct {
	*BaseStream

	mu   sync.Mutex
	sent [][]byte
}

func newFakeStream(protocolID string) *fakeStream {
	return &fakeStream{BaseStream: NewBaseStream(uuid.NewString(), protocolID)}
}

func (s *fakeStream) Send(_ context.Context, data []byte) error {
	if s.State() != StreamOpen {
		return ErrStreamClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeStream) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeStream) Close() error {
	s.EmitClosed()
	return nil
}

func (s *fakeStream) Abort(err error) {
	s.EmitError(err)
}

type fakeConn struct {
	*BaseConn
}

func newFakeConn(peer PeerID, addr Multiaddr) *fakeConn {
	c := &fakeConn{BaseConn: NewBaseConn(peer, addr)}
	c.SetState(StateConnecting)
	c.SetState(StateConnected)
	return c
}

func (c *fakeConn) OpenStream(_ context.Context, protocolID string) (Stream, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}
	s := newFakeStream(protocolID)
	c.TrackStream(s)
	return s, nil
}

func (c *fakeConn) Close() error {
	c.SetState(StateDisconnecting)
	c.CloseStreams()
	c.SetState(StateClosed)
	return nil
}

type fakeTransport struct {
	protocol Protocol

	mu      sync.Mutex
	dials   []Multiaddr
	dialErr error

	connObs []func(Conn)
	discObs []func(DiscoveredPeer)
	lostObs []func(PeerID)
}

func newFakeTransport(p Protocol) *fakeTransport {
	return &fakeTransport{protocol: p}
}

func (t *fakeTransport) Protocol() Protocol { return t.protocol }

func (t *fakeTransport) Dial(_ context.Context, peer PeerID, addr Multiaddr) (Conn, error) {
	if addr.Protocol != t.protocol {
		return nil, ErrUnsupportedProtocol
	}

	t.mu.Lock()
	t.dials = append(t.dials, addr)
	err := t.dialErr
	t.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return newFakeConn(peer, addr), nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dials)
}

func (t *fakeTransport) Connections() []Conn { return nil }

func (t *fakeTransport) OnConnection(fn func(Conn)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connObs = append(t.connObs, fn)
}

func (t *fakeTransport) OnPeerDiscovered(fn func(DiscoveredPeer)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discObs = append(t.discObs, fn)
}

func (t *fakeTransport) OnPeerLost(fn func(PeerID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lostObs = append(t.lostObs, fn)
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) emitConnection(c Conn) {
	t.mu.Lock()
	observers := append([]func(Conn){}, t.connObs...)
	t.mu.Unlock()
	for _, fn := range observers {
		fn(c)
	}
}

func (t *fakeTransport) emitDiscovered(d DiscoveredPeer) {
	t.mu.Lock()
	observers := append([]func(DiscoveredPeer){}, t.discObs...)
	t.mu.Unlock()
	for _, fn := range observers {
		fn(d)
	}
}

func (t *fakeTransport) emitLost(peer PeerID) {
	t.mu.Lock()
	observers := append([]func(PeerID){}, t.lostObs...)
	t.mu.Unlock()
	for _, fn := range observers {
		fn(peer)
	}
}

// ===== TESTS =====

func TestCheckCapacity(t *testing.T) {
	tests := []struct {
		name    string
		live    int
		max     int
		wantErr bool
	}{
		{"under limit", 2, 3, false},
		{"at limit", 3, 3, true},
		{"over limit", 4, 3, true},
		{"unlimited", 1000, 0, false},
		{"negative max unlimited", 1000, -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCapacity(tt.live, tt.max)
			if tt.wantErr && !errors.Is(err, ErrMaxConnections) {
				t.Errorf("expected ErrMaxConnections, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestManagerConnectPrefersBLE(t *testing.T) {
	m := NewManager(quietLogger())
	ble := newFakeTransport(ProtoBLE)
	ws := newFakeTransport(ProtoWebSocket)
	m.Register(ble)
	m.Register(ws)

	peer := NewPeerID("eth", "0xabc")
	conn, err := m.Connect(context.Background(), peer,
		WebSocketAddr("wss://relay.peerwave.io/ws"),
		BLEAddr("dev-1"),
	)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if conn.RemoteAddr().Protocol != ProtoBLE {
		t.Errorf("expected BLE connection, got %s", conn.RemoteAddr().Protocol)
	}
	if ble.dialCount() != 1 || ws.dialCount() != 0 {
		t.Errorf("expected one BLE dial and no websocket dial, got %d/%d", ble.dialCount(), ws.dialCount())
	}
}

func TestManagerConnectFallsBack(t *testing.T) {
	m := NewManager(quietLogger())
	ble := newFakeTransport(ProtoBLE)
	ble.dialErr = errors.New("device out of range")
	ws := newFakeTransport(ProtoWebSocket)
	m.Register(ble)
	m.Register(ws)

	peer := NewPeerID("eth", "0xabc")
	conn, err := m.Connect(context.Background(), peer,
		BLEAddr("dev-1"),
		WebSocketAddr("wss://relay.peerwave.io/ws"),
	)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if conn.RemoteAddr().Protocol != ProtoWebSocket {
		t.Errorf("expected fallback to websocket, got %s", conn.RemoteAddr().Protocol)
	}
}

func TestManagerConnectSkipsUnregisteredProtocol(t *testing.T) {
	m := NewManager(quietLogger())
	ws := newFakeTransport(ProtoWebSocket)
	m.Register(ws)

	peer := NewPeerID("eth", "0xabc")
	conn, err := m.Connect(context.Background(), peer,
		BLEAddr("dev-1"),
		WebSocketAddr("wss://relay.peerwave.io/ws"),
	)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if conn.RemoteAddr().Protocol != ProtoWebSocket {
		t.Errorf("expected websocket, got %s", conn.RemoteAddr().Protocol)
	}
}

func TestManagerConnectNoCandidates(t *testing.T) {
	m := NewManager(quietLogger())

	_, err := m.Connect(context.Background(), NewPeerID("eth", "0xabc"))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestManagerConnectPropagatesCapacityError(t *testing.T) {
	m := NewManager(quietLogger())
	ble := newFakeTransport(ProtoBLE)
	ble.dialErr = CheckCapacity(5, 5)
	m.Register(ble)

	_, err := m.Connect(context.Background(), NewPeerID("eth", "0xabc"), BLEAddr("dev-1"))
	if !errors.Is(err, ErrMaxConnections) {
		t.Errorf("expected ErrMaxConnections, got %v", err)
	}
}

func TestManagerConnectReusesLiveConn(t *testing.T) {
	m := NewManager(quietLogger())
	ble := newFakeTransport(ProtoBLE)
	m.Register(ble)

	peer := NewPeerID("eth", "0xabc")
	first, err := m.Connect(context.Background(), peer, BLEAddr("dev-1"))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	second, err := m.Connect(context.Background(), peer, BLEAddr("dev-1"))
	if err != nil {
		t.Fatalf("second connect failed: %v", err)
	}

	if first != second {
		t.Error("second connect should reuse the live connection")
	}
	if ble.dialCount() != 1 {
		t.Errorf("expected exactly one dial, got %d", ble.dialCount())
	}
}

func TestManagerSendRequiresConnection(t *testing.T) {
	m := NewManager(quietLogger())

	err := m.Send(context.Background(), NewPeerID("eth", "0xabc"), "/peerwave/chat/1.0.0", []byte("hi"))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestManagerSendReusesStream(t *testing.T) {
	m := NewManager(quietLogger())
	ble := newFakeTransport(ProtoBLE)
	m.Register(ble)

	peer := NewPeerID("eth", "0xabc")
	conn, err := m.Connect(context.Background(), peer, BLEAddr("dev-1"))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := m.Send(context.Background(), peer, "/peerwave/chat/1.0.0", []byte("hi")); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}

	streams := conn.Streams()
	if len(streams) != 1 {
		t.Fatalf("expected one stream opened on demand, got %d", len(streams))
	}
	if fs, ok := streams[0].(*fakeStream); !ok || fs.sentCount() != 3 {
		t.Error("all sends should go through the one stream")
	}
}

func TestManagerIncomingConnectionAdopted(t *testing.T) {
	m := NewManager(quietLogger())
	ws := newFakeTransport(ProtoWebSocket)
	m.Register(ws)

	var connected []PeerID
	m.OnPeerConnected(func(p PeerID) { connected = append(connected, p) })

	peer := NewPeerID("eth", "0xabc")
	conn := newFakeConn(peer, WebSocketAddr("wss://relay.peerwave.io/ws"))
	ws.emitConnection(conn)

	if got := m.Connection(peer); got != Conn(conn) {
		t.Error("incoming connection should be adopted")
	}
	if len(connected) != 1 || !connected[0].Equal(peer) {
		t.Errorf("expected one peer-connected event, got %d", len(connected))
	}
}

func TestManagerPeerDisconnectedOnTerminal(t *testing.T) {
	m := NewManager(quietLogger())
	ble := newFakeTransport(ProtoBLE)
	m.Register(ble)

	var disconnected []PeerID
	m.OnPeerDisconnected(func(p PeerID) { disconnected = append(disconnected, p) })

	peer := NewPeerID("eth", "0xabc")
	conn, err := m.Connect(context.Background(), peer, BLEAddr("dev-1"))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	conn.Close()

	if m.Connection(peer) != nil {
		t.Error("terminal connection should be dropped from the registry")
	}
	if len(disconnected) != 1 || !disconnected[0].Equal(peer) {
		t.Errorf("expected one peer-disconnected event, got %d", len(disconnected))
	}
}

func TestManagerDiscoveryDedup(t *testing.T) {
	m := NewManager(quietLogger())
	ble := newFakeTransport(ProtoBLE)
	ws := newFakeTransport(ProtoWebSocket)
	m.Register(ble)
	m.Register(ws)

	var events []DiscoveredPeer
	m.OnPeerDiscovered(func(d DiscoveredPeer) { events = append(events, d) })
	var lost []PeerID
	m.OnPeerLost(func(p PeerID) { lost = append(lost, p) })

	peer := NewPeerID("eth", "0xabc")
	ble.emitDiscovered(DiscoveredPeer{Peer: peer, Addr: BLEAddr("dev-1")})
	ble.emitDiscovered(DiscoveredPeer{Peer: peer, Addr: BLEAddr("dev-1")})
	ws.emitDiscovered(DiscoveredPeer{Peer: peer, Addr: WebSocketAddr("wss://relay.peerwave.io/ws")})

	if len(events) != 1 {
		t.Fatalf("sightings must deduplicate by peer id, got %d events", len(events))
	}

	// Both addresses are still recorded
	if addrs := m.KnownAddrs(peer); len(addrs) != 2 {
		t.Errorf("expected both addresses recorded, got %d", len(addrs))
	}

	// A loss re-arms the announcement
	ble.emitLost(peer)
	if len(lost) != 1 {
		t.Fatalf("expected one lost event, got %d", len(lost))
	}
	ble.emitLost(peer)
	if len(lost) != 1 {
		t.Errorf("loss of an unseen peer must not emit, got %d", len(lost))
	}

	ble.emitDiscovered(DiscoveredPeer{Peer: peer, Addr: BLEAddr("dev-1")})
	if len(events) != 2 {
		t.Errorf("expected re-announcement after loss, got %d events", len(events))
	}
}

func TestManagerOnMessage(t *testing.T) {
	m := NewManager(quietLogger())
	ble := newFakeTransport(ProtoBLE)
	m.Register(ble)

	type received struct {
		peer     PeerID
		protocol string
		payload  []byte
	}
	var got []received
	m.OnMessage(func(peer PeerID, protocolID string, payload []byte) {
		got = append(got, received{peer, protocolID, payload})
	})

	peer := NewPeerID("eth", "0xabc")
	conn := newFakeConn(peer, BLEAddr("dev-1"))
	ble.emitConnection(conn)

	// Remote opens a stream and delivers a message
	s := newFakeStream("/peerwave/chat/1.0.0")
	conn.TrackStream(s)
	conn.EmitStream(s)
	s.EmitData([]byte("hello"))

	if len(got) != 1 {
		t.Fatalf("expected one message, got %d", len(got))
	}
	if !got[0].peer.Equal(peer) || got[0].protocol != "/peerwave/chat/1.0.0" || string(got[0].payload) != "hello" {
		t.Errorf("message metadata wrong: %+v", got[0])
	}
}

func TestManagerBroadcast(t *testing.T) {
	m := NewManager(quietLogger())
	ble := newFakeTransport(ProtoBLE)
	m.Register(ble)

	peerA := NewPeerID("eth", "0xaaa")
	peerB := NewPeerID("eth", "0xbbb")
	if _, err := m.Connect(context.Background(), peerA, BLEAddr("dev-a")); err != nil {
		t.Fatalf("connect a failed: %v", err)
	}
	if _, err := m.Connect(context.Background(), peerB, BLEAddr("dev-b")); err != nil {
		t.Fatalf("connect b failed: %v", err)
	}

	delivered := m.Broadcast(context.Background(), "/peerwave/chat/1.0.0", []byte("all"))
	if delivered != 2 {
		t.Errorf("expected broadcast to 2 peers, got %d", delivered)
	}
}
