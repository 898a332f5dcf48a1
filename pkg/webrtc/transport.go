package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/datachannel"
	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave-node/pkg/protocol"
	"github.com/peerwave/peerwave-node/pkg/transport"
)

const dataChannelLabel = "mux"

// Config holds WebRTC transport settings. The transport has no identity
// of its own: both ends are named by the signal channel that carries the
// offer.
type Config struct {
	// ICEServers are STUN/TURN urls handed to every peer connection
	ICEServers []string

	// MaxConnections bounds concurrent peer connections; 0 means unlimited
	MaxConnections int

	// DialTimeout bounds the whole offer/answer exchange plus channel open
	DialTimeout time.Duration

	// SendQueueLen bounds each connection's outbound FIFO
	SendQueueLen int

	// IncludeLoopback adds loopback interfaces to ICE gathering, which
	// lets two nodes on the same host connect with no network at all
	IncludeLoopback bool
}

// DefaultConfig returns settings suitable for internet peers
func DefaultConfig() *Config {
	return &Config{
		ICEServers:     []string{"stun:stun.l.google.com:19302"},
		MaxConnections: 16,
		DialTimeout:    30 * time.Second,
		SendQueueLen:   64,
	}
}

// Transport runs multiplexed connections over WebRTC data channels. Session
// descriptions travel over an out-of-band Signal; once ICE completes, the
// detached data channel carries the same frame traffic as a BLE link, just
// with a much larger MTU.
type Transport struct {
	cfg    *Config
	signal Signal
	api    *pion.API
	logger *logrus.Entry

	mu      sync.Mutex
	conns   map[string]*transport.MuxConn
	pcs     map[string]*pion.PeerConnection
	calls   map[string]chan *pion.SessionDescription
	seen    map[string]bool
	connObs []func(transport.Conn)
	discObs []func(transport.DiscoveredPeer)
	lostObs []func(transport.PeerID)

	closeOnce sync.Once
}

// New creates a WebRTC transport that signals over the given channel. Call
// Start after registering observers.
func New(signal Signal, cfg *Config, logger *logrus.Entry) *Transport {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	// Detached channels expose the raw io surface the mux needs instead
	// of pion's callback API
	se := pion.SettingEngine{}
	se.DetachDataChannels()
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return &Transport{
		cfg:    cfg,
		signal: signal,
		api:    pion.NewAPI(pion.WithSettingEngine(se)),
		logger: logger.WithField("component", "webrtc-transport"),
		conns:  make(map[string]*transport.MuxConn),
		pcs:    make(map[string]*pion.PeerConnection),
		calls:  make(map[string]chan *pion.SessionDescription),
		seen:   make(map[string]bool),
	}
}

// Protocol returns the multiaddr protocol this transport serves
func (t *Transport) Protocol() transport.Protocol { return transport.ProtoWebRTC }

// Start binds the transport to its signal channel and begins answering
// offers. Register observers first so no early offer is missed.
func (t *Transport) Start() error {
	t.signal.OnSignal(t.handleSignal)
	t.logger.Info("✅ WebRTC transport started")
	return nil
}

// Dial runs the offer/answer exchange with peer and establishes a
// multiplexed connection over the resulting data channel
func (t *Transport) Dial(ctx context.Context, peer transport.PeerID, addr transport.Multiaddr) (transport.Conn, error) {
	if addr.Protocol != transport.ProtoWebRTC {
		return nil, fmt.Errorf("dial %q: %w", addr.Protocol, transport.ErrUnsupportedProtocol)
	}
	if err := transport.CheckCapacity(t.liveCount(), t.cfg.MaxConnections); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	conn := transport.NewMuxConn(peer, addr, transport.MuxConfig{
		MTU:          protocol.WebRTCDefaultMTU,
		Initiator:    true,
		SendQueueLen: t.cfg.SendQueueLen,
	}, t.logger)
	conn.SetState(transport.StateConnecting)

	pc, err := t.newPeerConnection()
	if err != nil {
		conn.Fail(err)
		return nil, err
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		pc.Close()
		err = fmt.Errorf("failed to create data channel: %w", err)
		conn.Fail(err)
		return nil, err
	}

	linkCh := make(chan datachannel.ReadWriteCloser, 1)
	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			t.logger.WithError(err).Warn("⚠️  Data channel detach failed")
			pc.Close()
			return
		}
		linkCh <- raw
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		err = fmt.Errorf("failed to create offer: %w", err)
		conn.Fail(err)
		return nil, err
	}

	local, err := gatherLocalDescription(pc, offer)
	if err != nil {
		pc.Close()
		conn.Fail(err)
		return nil, err
	}

	callID := uuid.NewString()
	answerCh := make(chan *pion.SessionDescription, 1)
	t.mu.Lock()
	t.calls[callID] = answerCh
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.calls, callID)
		t.mu.Unlock()
	}()

	payload, err := encodeSignal(SignalMessage{Kind: SignalOffer, CallID: callID, SDP: local})
	if err != nil {
		pc.Close()
		conn.Fail(err)
		return nil, err
	}
	if err := t.signal.SendSignal(ctx, peer, payload); err != nil {
		pc.Close()
		err = fmt.Errorf("failed to send offer: %w", err)
		conn.Fail(err)
		return nil, err
	}

	var answer *pion.SessionDescription
	select {
	case answer = <-answerCh:
	case <-ctx.Done():
		pc.Close()
		err = fmt.Errorf("no answer from %s: %w", peer.String(), transport.ErrTimeout)
		conn.Fail(err)
		return nil, err
	}

	if err := pc.SetRemoteDescription(*answer); err != nil {
		pc.Close()
		err = fmt.Errorf("failed to apply answer: %w", err)
		conn.Fail(err)
		return nil, err
	}

	var link datachannel.ReadWriteCloser
	select {
	case link = <-linkCh:
	case <-ctx.Done():
		pc.Close()
		err = fmt.Errorf("data channel to %s never opened: %w", peer.String(), transport.ErrTimeout)
		conn.Fail(err)
		return nil, err
	}

	conn.Start(newMessageStream(link))
	t.track(conn, pc)

	t.logger.WithField("peer", peer.String()).Info("✅ WebRTC connection established")
	return conn, nil
}

// Connections returns the live connections owned by this transport
func (t *Transport) Connections() []transport.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns := make([]transport.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	return conns
}

// OnConnection registers an observer for incoming connections
func (t *Transport) OnConnection(fn func(transport.Conn)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connObs = append(t.connObs, fn)
}

// OnPeerDiscovered registers an observer for first sightings
func (t *Transport) OnPeerDiscovered(fn func(transport.DiscoveredPeer)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discObs = append(t.discObs, fn)
}

// OnPeerLost registers an observer for lost peers
func (t *Transport) OnPeerLost(fn func(transport.PeerID)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lostObs = append(t.lostObs, fn)
}

// Close tears down every peer connection
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		for _, c := range t.Connections() {
			c.Close()
		}
		t.logger.Info("WebRTC transport stopped")
	})
	return nil
}

// ===== SIGNALLING =====

func (t *Transport) handleSignal(from transport.PeerID, payload []byte) {
	msg, err := decodeSignal(payload)
	if err != nil {
		t.logger.WithError(err).WithField("peer", from.String()).Debug("Ignoring unusable signal")
		return
	}

	switch msg.Kind {
	case SignalOffer:
		go t.answerCall(from, msg)

	case SignalAnswer:
		t.mu.Lock()
		ch, ok := t.calls[msg.CallID]
		t.mu.Unlock()
		if !ok {
			t.logger.WithField("call", msg.CallID).Debug("Answer for unknown call")
			return
		}
		select {
		case ch <- msg.SDP:
		default:
		}
	}
}

// answerCall accepts one inbound offer: it builds the answering peer
// connection, returns the gathered answer over the signal channel, and
// waits for the data channel the dialer opens.
func (t *Transport) answerCall(from transport.PeerID, msg SignalMessage) {
	if err := transport.CheckCapacity(t.liveCount(), t.cfg.MaxConnections); err != nil {
		t.logger.WithField("peer", from.String()).Warn("⚠️  Rejecting WebRTC offer, at capacity")
		return
	}

	// An offer is also a sighting
	t.emitDiscovered(from)

	pc, err := t.newPeerConnection()
	if err != nil {
		t.logger.WithError(err).Warn("⚠️  Failed to create peer connection")
		return
	}

	linkCh := make(chan datachannel.ReadWriteCloser, 1)
	pc.OnDataChannel(func(dc *pion.DataChannel) {
		dc.OnOpen(func() {
			raw, err := dc.Detach()
			if err != nil {
				t.logger.WithError(err).Warn("⚠️  Data channel detach failed")
				pc.Close()
				return
			}
			linkCh <- raw
		})
	})

	if err := pc.SetRemoteDescription(*msg.SDP); err != nil {
		pc.Close()
		t.logger.WithError(err).WithField("peer", from.String()).Warn("⚠️  Rejecting unusable offer")
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		t.logger.WithError(err).Warn("⚠️  Failed to create answer")
		return
	}

	local, err := gatherLocalDescription(pc, answer)
	if err != nil {
		pc.Close()
		t.logger.WithError(err).Warn("⚠️  Failed to gather answer")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()

	payload, err := encodeSignal(SignalMessage{Kind: SignalAnswer, CallID: msg.CallID, SDP: local})
	if err != nil {
		pc.Close()
		return
	}
	if err := t.signal.SendSignal(ctx, from, payload); err != nil {
		pc.Close()
		t.logger.WithError(err).WithField("peer", from.String()).Warn("⚠️  Failed to send answer")
		return
	}

	var link datachannel.ReadWriteCloser
	select {
	case link = <-linkCh:
	case <-ctx.Done():
		pc.Close()
		t.logger.WithField("peer", from.String()).Warn("⚠️  WebRTC offer never completed")
		return
	}

	conn := transport.NewMuxConn(from, transport.WebRTCAddr(from.String()), transport.MuxConfig{
		MTU:          protocol.WebRTCDefaultMTU,
		SendQueueLen: t.cfg.SendQueueLen,
	}, t.logger)
	conn.Start(newMessageStream(link))
	t.track(conn, pc)

	t.logger.WithField("peer", from.String()).Info("📶 Incoming WebRTC connection")

	t.mu.Lock()
	observers := make([]func(transport.Conn), len(t.connObs))
	copy(observers, t.connObs)
	t.mu.Unlock()

	for _, fn := range observers {
		fn(conn)
	}
}

// ===== PEER CONNECTIONS =====

func (t *Transport) newPeerConnection() (*pion.PeerConnection, error) {
	cfg := pion.Configuration{}
	if len(t.cfg.ICEServers) > 0 {
		cfg.ICEServers = []pion.ICEServer{{URLs: t.cfg.ICEServers}}
	}

	pc, err := t.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	// A failed ICE connection closes the peer connection, which surfaces
	// to the mux as a link read error
	pc.OnICEConnectionStateChange(func(s pion.ICEConnectionState) {
		if s == pion.ICEConnectionStateFailed {
			pc.Close()
		}
	})

	return pc, nil
}

// gatherLocalDescription applies sdp and blocks until ICE gathering is
// done, so the returned description carries every candidate and no trickle
// signalling is needed
func gatherLocalDescription(pc *pion.PeerConnection, sdp pion.SessionDescription) (*pion.SessionDescription, error) {
	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(sdp); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gathered
	return pc.LocalDescription(), nil
}

func (t *Transport) track(conn *transport.MuxConn, pc *pion.PeerConnection) {
	t.mu.Lock()
	t.conns[conn.ID()] = conn
	t.pcs[conn.ID()] = pc
	t.mu.Unlock()

	conn.OnStateChange(func(s transport.ConnState) {
		if !s.Terminal() {
			return
		}
		t.mu.Lock()
		delete(t.conns, conn.ID())
		delete(t.pcs, conn.ID())
		t.mu.Unlock()
		pc.Close()
		t.peerGone(conn.RemotePeer())
	})
}

func (t *Transport) liveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Transport) emitDiscovered(peer transport.PeerID) {
	t.mu.Lock()
	if t.seen[peer.String()] {
		t.mu.Unlock()
		return
	}
	t.seen[peer.String()] = true
	observers := make([]func(transport.DiscoveredPeer), len(t.discObs))
	copy(observers, t.discObs)
	t.mu.Unlock()

	t.logger.WithField("peer", peer.String()).Info("🔍 WebRTC peer discovered")
	for _, fn := range observers {
		fn(transport.DiscoveredPeer{Peer: peer, Addr: transport.WebRTCAddr(peer.String())})
	}
}

// peerGone fires peer-lost once the last connection to a discovered peer
// is gone
func (t *Transport) peerGone(peer transport.PeerID) {
	t.mu.Lock()
	for _, c := range t.conns {
		if c.RemotePeer().Equal(peer) {
			t.mu.Unlock()
			return
		}
	}
	known := t.seen[peer.String()]
	delete(t.seen, peer.String())
	observers := make([]func(transport.PeerID), len(t.lostObs))
	copy(observers, t.lostObs)
	t.mu.Unlock()

	if !known {
		return
	}

	t.logger.WithField("peer", peer.String()).Info("WebRTC peer lost")
	for _, fn := range observers {
		fn(peer)
	}
}

// ===== LINK ADAPTER =====

// Detached data channels deliver one message per read and error when the
// buffer is smaller than the message, so the read buffer must hold the
// largest frame a remote might send.
const maxChannelMessage = 65536

// messageStream adapts a message-oriented data channel to the byte stream
// the mux reads frames from. Leftover bytes of a message are buffered
// between reads. Writes pass through: the mux writes one frame per call,
// which maps to one channel message.
type messageStream struct {
	ch      datachannel.ReadWriteCloser
	buf     []byte
	pending []byte
}

func newMessageStream(ch datachannel.ReadWriteCloser) *messageStream {
	return &messageStream{ch: ch, buf: make([]byte, maxChannelMessage)}
}

func (m *messageStream) Read(p []byte) (int, error) {
	if len(m.pending) == 0 {
		n, err := m.ch.Read(m.buf)
		if err != nil {
			return 0, err
		}
		m.pending = m.buf[:n]
	}

	n := copy(p, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

func (m *messageStream) Write(p []byte) (int, error) { return m.ch.Write(p) }

func (m *messageStream) Close() error { return m.ch.Close() }
