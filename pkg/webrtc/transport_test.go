package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave-node/pkg/protocol"
	"github.com/peerwave/peerwave-node/pkg/transport"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// signalHub routes signal payloads between in-process endpoints, standing
// in for the relay. Delivery is asynchronous like the real channel.
type signalHub struct {
	mu       sync.Mutex
	handlers map[string][]func(transport.PeerID, []byte)
}

func newSignalHub() *signalHub {
	return &signalHub{handlers: make(map[string][]func(transport.PeerID, []byte))}
}

func (h *signalHub) endpoint(self transport.PeerID) *hubSignal {
	return &hubSignal{hub: h, self: self}
}

type hubSignal struct {
	hub  *signalHub
	self transport.PeerID
}

func (s *hubSignal) SendSignal(ctx context.Context, to transport.PeerID, payload []byte) error {
	s.hub.mu.Lock()
	handlers := append([]func(transport.PeerID, []byte){}, s.hub.handlers[to.String()]...)
	s.hub.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no route to %s", to.String())
	}
	for _, fn := range handlers {
		go fn(s.self, payload)
	}
	return nil
}

func (s *hubSignal) OnSignal(fn func(from transport.PeerID, payload []byte)) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.handlers[s.self.String()] = append(s.hub.handlers[s.self.String()], fn)
}

// newNode builds a started transport for peer on the hub. ICE is restricted
// to host candidates so tests stay on the loopback interface.
func newNode(t *testing.T, hub *signalHub, peer transport.PeerID, cfg *Config) *Transport {
	t.Helper()

	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ICEServers = nil
	cfg.IncludeLoopback = true
	cfg.DialTimeout = 10 * time.Second

	tr := New(hub.endpoint(peer), cfg, quietLogger())
	t.Cleanup(func() { tr.Close() })
	if err := tr.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	return tr
}

func TestDecodeSignalRejectsBadEnvelopes(t *testing.T) {
	sdp := `{"type":"offer","sdp":"v=0"}`

	cases := []struct {
		name    string
		payload string
	}{
		{"not json", "{nope"},
		{"unknown kind", `{"kind":"renegotiate","callId":"c1","sdp":` + sdp + `}`},
		{"missing call id", `{"kind":"offer","sdp":` + sdp + `}`},
		{"missing sdp", `{"kind":"answer","callId":"c1"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := decodeSignal([]byte(tc.payload)); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestTransportDialWrongProtocol(t *testing.T) {
	hub := newSignalHub()
	alice := transport.NewPeerID("eth", "0xA11CE")
	a := newNode(t, hub, alice, nil)

	_, err := a.Dial(context.Background(), transport.NewPeerID("eth", "0xB0B"), transport.BLEAddr("dev-1"))
	if !errors.Is(err, transport.ErrUnsupportedProtocol) {
		t.Fatalf("expected ErrUnsupportedProtocol, got %v", err)
	}
}

func TestTransportDialNoRoute(t *testing.T) {
	hub := newSignalHub()
	alice := transport.NewPeerID("eth", "0xA11CE")
	bob := transport.NewPeerID("eth", "0xB0B")
	a := newNode(t, hub, alice, nil)

	// bob never joined the hub, so the offer has nowhere to go
	_, err := a.Dial(context.Background(), bob, transport.WebRTCAddr(bob.String()))
	if err == nil {
		t.Fatal("expected dial to fail")
	}
}

func TestTransportMaxConnectionsCheckedBeforeDialing(t *testing.T) {
	hub := newSignalHub()
	alice := transport.NewPeerID("eth", "0xA11CE")
	bob := transport.NewPeerID("eth", "0xB0B")
	carol := transport.NewPeerID("eth", "0xCA201")

	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	a := newNode(t, hub, alice, cfg)
	newNode(t, hub, bob, nil)

	conn, err := a.Dial(context.Background(), bob, transport.WebRTCAddr(bob.String()))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if got := len(a.Connections()); got != 1 {
		t.Fatalf("expected 1 connection, got %d", got)
	}

	// carol is not even on the hub; capacity must reject before any I/O
	_, err = a.Dial(context.Background(), carol, transport.WebRTCAddr(carol.String()))
	if !errors.Is(err, transport.ErrMaxConnections) {
		t.Fatalf("expected ErrMaxConnections, got %v", err)
	}

	conn.Close()
}

func TestTransportDialAndExchange(t *testing.T) {
	hub := newSignalHub()
	alice := transport.NewPeerID("eth", "0xA11CE")
	bob := transport.NewPeerID("eth", "0xB0B")

	a := newNode(t, hub, alice, nil)
	b := newNode(t, hub, bob, nil)

	connCh := make(chan transport.Conn, 1)
	b.OnConnection(func(c transport.Conn) { connCh <- c })

	connA, err := a.Dial(context.Background(), bob, transport.WebRTCAddr(bob.String()))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if connA.State() != transport.StateConnected {
		t.Fatalf("expected connected, got %v", connA.State())
	}

	var connB transport.Conn
	select {
	case connB = <-connCh:
	case <-time.After(10 * time.Second):
		t.Fatal("no incoming connection on bob")
	}
	if !connB.RemotePeer().Equal(alice) {
		t.Fatalf("expected remote %s, got %s", alice.String(), connB.RemotePeer().String())
	}

	// Register bob's sink before alice opens the stream, so the OPEN
	// frame cannot outrun the observer
	type inbound struct {
		proto string
		data  []byte
	}
	recvB := make(chan inbound, 1)
	streamB := make(chan transport.Stream, 1)
	connB.OnStream(func(s transport.Stream) {
		s.OnData(func(data []byte) { recvB <- inbound{s.Protocol(), data} })
		streamB <- s
	})

	ctx := context.Background()
	sA, err := connA.OpenStream(ctx, protocol.ProtocolChat)
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}
	recvA := make(chan []byte, 1)
	sA.OnData(func(data []byte) { recvA <- data })

	if err := sA.Send(ctx, []byte("ping over webrtc")); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	var got inbound
	select {
	case got = <-recvB:
	case <-time.After(10 * time.Second):
		t.Fatal("bob never received the message")
	}
	if got.proto != protocol.ProtocolChat {
		t.Fatalf("expected protocol %s, got %s", protocol.ProtocolChat, got.proto)
	}
	if string(got.data) != "ping over webrtc" {
		t.Fatalf("unexpected payload %q", got.data)
	}

	// Reply on the same stream from bob's end
	sB := <-streamB
	if err := sB.Send(ctx, []byte("pong")); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	select {
	case data := <-recvA:
		if string(data) != "pong" {
			t.Fatalf("unexpected reply %q", data)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("alice never received the reply")
	}

	if connA.Stats().MessagesSent != 1 {
		t.Fatalf("expected 1 sent message, got %d", connA.Stats().MessagesSent)
	}
	if connB.Stats().MessagesReceived != 1 {
		t.Fatalf("expected 1 received message, got %d", connB.Stats().MessagesReceived)
	}
}

func TestTransportLargeMessageCrossesMTU(t *testing.T) {
	hub := newSignalHub()
	alice := transport.NewPeerID("eth", "0xA11CE")
	bob := transport.NewPeerID("eth", "0xB0B")

	a := newNode(t, hub, alice, nil)
	b := newNode(t, hub, bob, nil)

	connCh := make(chan transport.Conn, 1)
	b.OnConnection(func(c transport.Conn) { connCh <- c })

	connA, err := a.Dial(context.Background(), bob, transport.WebRTCAddr(bob.String()))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	var connB transport.Conn
	select {
	case connB = <-connCh:
	case <-time.After(10 * time.Second):
		t.Fatal("no incoming connection on bob")
	}

	recv := make(chan []byte, 1)
	connB.OnStream(func(s transport.Stream) {
		s.OnData(func(data []byte) { recv <- data })
	})

	// Three and a bit MTUs of payload, so reassembly spans four frames
	big := make([]byte, protocol.WebRTCDefaultMTU*3+100)
	for i := range big {
		big[i] = byte(i % 251)
	}

	ctx := context.Background()
	s, err := connA.OpenStream(ctx, protocol.ProtocolChat)
	if err != nil {
		t.Fatalf("open stream failed: %v", err)
	}
	if err := s.Send(ctx, big); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case data := <-recv:
		if len(data) != len(big) {
			t.Fatalf("expected %d bytes, got %d", len(big), len(data))
		}
		for i := range data {
			if data[i] != big[i] {
				t.Fatalf("payload corrupted at byte %d", i)
			}
		}
	case <-time.After(10 * time.Second):
		t.Fatal("bob never received the message")
	}
}

func TestTransportInboundOfferIsDiscovery(t *testing.T) {
	hub := newSignalHub()
	alice := transport.NewPeerID("eth", "0xA11CE")
	bob := transport.NewPeerID("eth", "0xB0B")

	a := newNode(t, hub, alice, nil)
	b := newNode(t, hub, bob, nil)

	discovered := make(chan transport.DiscoveredPeer, 1)
	lost := make(chan transport.PeerID, 1)
	b.OnPeerDiscovered(func(p transport.DiscoveredPeer) { discovered <- p })
	b.OnPeerLost(func(p transport.PeerID) { lost <- p })

	conn, err := a.Dial(context.Background(), bob, transport.WebRTCAddr(bob.String()))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	select {
	case p := <-discovered:
		if !p.Peer.Equal(alice) {
			t.Fatalf("expected alice discovered, got %s", p.Peer.String())
		}
		if p.Addr.Protocol != transport.ProtoWebRTC {
			t.Fatalf("expected webrtc addr, got %s", p.Addr.Protocol)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("bob never discovered alice")
	}

	conn.Close()

	select {
	case p := <-lost:
		if !p.Equal(alice) {
			t.Fatalf("expected alice lost, got %s", p.String())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("bob never reported alice lost")
	}
}

func TestTransportCloseTearsDownConnections(t *testing.T) {
	hub := newSignalHub()
	alice := transport.NewPeerID("eth", "0xA11CE")
	bob := transport.NewPeerID("eth", "0xB0B")

	a := newNode(t, hub, alice, nil)
	b := newNode(t, hub, bob, nil)

	connCh := make(chan transport.Conn, 1)
	b.OnConnection(func(c transport.Conn) { connCh <- c })

	connA, err := a.Dial(context.Background(), bob, transport.WebRTCAddr(bob.String()))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	var connB transport.Conn
	select {
	case connB = <-connCh:
	case <-time.After(10 * time.Second):
		t.Fatal("no incoming connection on bob")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if !connA.State().Terminal() {
		t.Fatalf("expected terminal state on alice, got %v", connA.State())
	}
	if got := len(a.Connections()); got != 0 {
		t.Fatalf("expected no connections, got %d", got)
	}

	// Bob's end notices through the dead link
	deadline := time.Now().Add(10 * time.Second)
	for !connB.State().Terminal() {
		if time.Now().After(deadline) {
			t.Fatalf("bob's connection never terminated, state %v", connB.State())
		}
		time.Sleep(20 * time.Millisecond)
	}
}
