package ble

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave-node/pkg/protocol"
	"github.com/peerwave/peerwave-node/pkg/transport"
)

// Config holds BLE transport settings
type Config struct {
	// LocalPeer is advertised to scanners and sent in the link hello
	LocalPeer transport.PeerID

	// MaxConnections bounds concurrent links; 0 means unlimited
	MaxConnections int

	// LostPeerTimeout is how long a device may go unseen before a
	// peer-lost event fires
	LostPeerTimeout time.Duration

	// SweepInterval is how often the lost-peer check runs
	SweepInterval time.Duration

	// SendQueueLen bounds each connection's outbound FIFO
	SendQueueLen int
}

// DefaultConfig returns settings matching common BLE central limits
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:  7,
		LostPeerTimeout: 30 * time.Second,
		SweepInterval:   5 * time.Second,
		SendQueueLen:    64,
	}
}

type sighting struct {
	peer transport.PeerID
	addr transport.Multiaddr
	at   time.Time
}

// Transport is the BLE medium: it advertises the local peer, scans for
// others, and runs one multiplexed connection per linked device. Dial
// failures move the connection to the error state; there is no automatic
// reconnect at this layer.
type Transport struct {
	cfg    *Config
	radio  Radio
	logger *logrus.Entry

	mu        sync.Mutex
	conns     map[string]*transport.MuxConn
	sightings map[string]*sighting
	connObs   []func(transport.Conn)
	discObs   []func(transport.DiscoveredPeer)
	lostObs   []func(transport.PeerID)

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a BLE transport over the given radio. Call Start to begin
// advertising and scanning.
func New(radio Radio, cfg *Config, logger *logrus.Entry) *Transport {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	return &Transport{
		cfg:       cfg,
		radio:     radio,
		logger:    logger.WithField("component", "ble-transport"),
		conns:     make(map[string]*transport.MuxConn),
		sightings: make(map[string]*sighting),
	}
}

// Protocol returns the multiaddr protocol this transport serves
func (t *Transport) Protocol() transport.Protocol { return transport.ProtoBLE }

// Start begins advertising the local peer and scanning for others
func (t *Transport) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	err := t.radio.Advertise(Advertisement{
		ServiceUUID: protocol.BLEServiceUUID,
		PeerID:      t.cfg.LocalPeer.String(),
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start advertising: %w", err)
	}

	go t.scanLoop(ctx)
	go t.acceptLoop()
	go t.sweepLoop(ctx)

	t.logger.WithField("device", t.radio.DeviceID()).Info("✅ BLE transport started")
	return nil
}

// Dial links to a device and establishes a multiplexed connection over it
func (t *Transport) Dial(ctx context.Context, peer transport.PeerID, addr transport.Multiaddr) (transport.Conn, error) {
	if addr.Protocol != transport.ProtoBLE {
		return nil, fmt.Errorf("dial %q: %w", addr.Protocol, transport.ErrUnsupportedProtocol)
	}
	if err := transport.CheckCapacity(t.liveCount(), t.cfg.MaxConnections); err != nil {
		return nil, err
	}

	conn := transport.NewMuxConn(peer, addr, transport.MuxConfig{
		MTU:          t.radio.MTU(),
		Initiator:    true,
		SendQueueLen: t.cfg.SendQueueLen,
	}, t.logger)
	conn.SetState(transport.StateConnecting)

	link, err := t.radio.Dial(ctx, addr.Address)
	if err != nil {
		err = fmt.Errorf("failed to dial %s: %w", addr.Address, err)
		conn.Fail(err)
		return nil, err
	}

	if err := writeHello(link, t.cfg.LocalPeer); err != nil {
		link.Close()
		err = fmt.Errorf("link hello failed: %w", err)
		conn.Fail(err)
		return nil, err
	}

	conn.Start(link)
	t.track(conn)

	t.logger.WithFields(logrus.Fields{
		"peer":   peer.String(),
		"device": addr.Address,
	}).Info("✅ BLE connection established")

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

// Close stops scanning and advertising and closes every connection
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.radio.Close()

		for _, c := range t.Connections() {
			c.Close()
		}

		t.logger.Info("BLE transport stopped")
	})
	return nil
}

// ===== DISCOVERY =====

func (t *Transport) scanLoop(ctx context.Context) {
	if err := t.radio.Scan(ctx, t.handleSighting); err != nil {
		t.logger.WithError(err).Warn("⚠️  BLE scan stopped")
	}
}

func (t *Transport) handleSighting(ad Advertisement) {
	if ad.ServiceUUID != protocol.BLEServiceUUID {
		return
	}

	peer, err := transport.ParsePeerID(ad.PeerID)
	if err != nil {
		t.logger.WithField("device", ad.DeviceID).Debug("Advertisement without usable peer id")
		return
	}

	addr := transport.BLEAddr(ad.DeviceID)

	t.mu.Lock()
	_, known := t.sightings[peer.String()]
	t.sightings[peer.String()] = &sighting{peer: peer, addr: addr, at: time.Now()}
	observers := make([]func(transport.DiscoveredPeer), len(t.discObs))
	copy(observers, t.discObs)
	t.mu.Unlock()

	if known {
		return
	}

	t.logger.WithFields(logrus.Fields{
		"peer":   peer.String(),
		"device": ad.DeviceID,
		"rssi":   ad.RSSI,
	}).Info("🔍 BLE peer discovered")

	for _, fn := range observers {
		fn(transport.DiscoveredPeer{Peer: peer, Addr: addr})
	}
}

func (t *Transport) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweepLostPeers()
		}
	}
}

// sweepLostPeers drops every sighting older than the lost-peer timeout
func (t *Transport) sweepLostPeers() {
	cutoff := time.Now().Add(-t.cfg.LostPeerTimeout)

	t.mu.Lock()
	var lost []transport.PeerID
	for key, s := range t.sightings {
		if s.at.Before(cutoff) {
			delete(t.sightings, key)
			lost = append(lost, s.peer)
		}
	}
	observers := make([]func(transport.PeerID), len(t.lostObs))
	copy(observers, t.lostObs)
	t.mu.Unlock()

	for _, peer := range lost {
		t.logger.WithField("peer", peer.String()).Info("BLE peer lost")
		for _, fn := range observers {
			fn(peer)
		}
	}
}

// ===== INCOMING LINKS =====

func (t *Transport) acceptLoop() {
	for {
		link, device, err := t.radio.Accept()
		if err != nil {
			return
		}
		go t.handleIncoming(link, device)
	}
}

func (t *Transport) handleIncoming(link io.ReadWriteCloser, device string) {
	if err := transport.CheckCapacity(t.liveCount(), t.cfg.MaxConnections); err != nil {
		t.logger.WithField("device", device).Warn("⚠️  Rejecting BLE link, at capacity")
		link.Close()
		return
	}

	peer, err := readHello(link)
	if err != nil {
		t.logger.WithError(err).WithField("device", device).Warn("⚠️  Bad link hello")
		link.Close()
		return
	}

	conn := transport.NewMuxConn(peer, transport.BLEAddr(device), transport.MuxConfig{
		MTU:          t.radio.MTU(),
		SendQueueLen: t.cfg.SendQueueLen,
	}, t.logger)
	conn.Start(link)
	t.track(conn)

	t.logger.WithFields(logrus.Fields{
		"peer":   peer.String(),
		"device": device,
	}).Info("📶 Incoming BLE connection")

	t.mu.Lock()
	observers := make([]func(transport.Conn), len(t.connObs))
	copy(observers, t.connObs)
	t.mu.Unlock()

	for _, fn := range observers {
		fn(conn)
	}
}

func (t *Transport) track(conn *transport.MuxConn) {
	t.mu.Lock()
	t.conns[conn.ID()] = conn
	t.mu.Unlock()

	conn.OnStateChange(func(s transport.ConnState) {
		if s.Terminal() {
			t.mu.Lock()
			delete(t.conns, conn.ID())
			t.mu.Unlock()
		}
	})
}

func (t *Transport) liveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// ===== LINK HELLO =====

// The dialing side identifies itself with a single length-prefixed peer id
// before frame traffic starts; advertisements only carry the acceptor's
// identity.

const helloTimeout = 5 * time.Second

func writeHello(link io.Writer, peer transport.PeerID) error {
	id := []byte(peer.String())
	if len(id) == 0 || len(id) > 255 {
		return fmt.Errorf("peer id length %d out of range", len(id))
	}

	buf := make([]byte, 0, len(id)+1)
	buf = append(buf, byte(len(id)))
	buf = append(buf, id...)

	_, err := link.Write(buf)
	return err
}

func readHello(link io.ReadCloser) (transport.PeerID, error) {
	// The radio gives us no read deadlines, so a stalled hello is cut off
	// by closing the link
	timer := time.AfterFunc(helloTimeout, func() { link.Close() })
	defer timer.Stop()

	var lenBuf [1]byte
	if _, err := io.ReadFull(link, lenBuf[:]); err != nil {
		return transport.PeerID{}, fmt.Errorf("failed to read hello: %w", err)
	}

	idBuf := make([]byte, lenBuf[0])
	if _, err := io.ReadFull(link, idBuf); err != nil {
		return transport.PeerID{}, fmt.Errorf("failed to read hello: %w", err)
	}

	return transport.ParsePeerID(string(idBuf))
}
