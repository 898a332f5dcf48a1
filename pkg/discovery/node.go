// Package discovery maintains the DHT relay directory. Relay servers
// advertise themselves under a rendezvous namespace on a Kademlia DHT and
// answer the relay-info protocol with their connection details; peers walk
// the namespace to find relays without hardcoded URLs.
package discovery

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave-node/pkg/protocol"
)

// Config controls the discovery node.
type Config struct {
	// ListenAddrs are multiaddrs the libp2p host binds, e.g.
	// "/ip4/0.0.0.0/tcp/4002". A port of 0 picks a free one.
	ListenAddrs []string

	// BootstrapPeers are full multiaddrs (with /p2p/ suffix) dialed by
	// Bootstrap to join the DHT.
	BootstrapPeers []string

	// Rendezvous is the namespace relays advertise under.
	Rendezvous string

	// AdvertiseInterval is how often a relay re-announces itself.
	AdvertiseInterval time.Duration

	// QueryTimeout bounds DHT lookups and relay record fetches.
	QueryTimeout time.Duration

	// EnableNAT turns on UPnP port mapping and the AutoNAT service.
	EnableNAT bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddrs:       []string{"/ip4/0.0.0.0/tcp/0"},
		Rendezvous:        "peerwave/relays/1.0.0",
		AdvertiseInterval: 30 * time.Second,
		QueryTimeout:      20 * time.Second,
		EnableNAT:         true,
	}
}

// Node is one participant in the relay directory. Every node can look up
// relays; a node that calls SetRelayRecord also publishes itself as one.
type Node struct {
	cfg    Config
	host   host.Host
	dht    *dht.IpfsDHT
	disc   *drouting.RoutingDiscovery
	logger *logrus.Entry

	mu     sync.RWMutex
	record *RelayRecord

	announceOnce sync.Once
	closeOnce    sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
}

// New creates the libp2p host and DHT and registers the relay-info
// handler. The node generates a fresh Ed25519 identity on every start;
// directory entries are looked up by namespace, not by peer id, so a
// stable identity buys nothing here.
func New(cfg Config, logger *logrus.Entry) (*Node, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	logger = logger.WithField("component", "discovery")

	def := DefaultConfig()
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = def.ListenAddrs
	}
	if cfg.Rendezvous == "" {
		cfg.Rendezvous = def.Rendezvous
	}
	if cfg.AdvertiseInterval <= 0 {
		cfg.AdvertiseInterval = def.AdvertiseInterval
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if cfg.EnableNAT {
		opts = append(opts, libp2p.NATPortMap(), libp2p.EnableNATService())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// BootstrapPeers() with no arguments keeps the default IPFS
	// bootstrappers out; this DHT is a private directory.
	kdht, err := dht.New(ctx, h, dht.Mode(dht.ModeServer), dht.BootstrapPeers())
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("create dht: %w", err)
	}

	n := &Node{
		cfg:    cfg,
		host:   h,
		dht:    kdht,
		disc:   drouting.NewRoutingDiscovery(kdht),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	h.SetStreamHandler(protocol.ProtocolRelayInfo, n.handleRelayInfo)

	logger.WithFields(logrus.Fields{
		"id":    h.ID().String(),
		"addrs": len(h.Addrs()),
	}).Info("✅ Discovery node started")
	return n, nil
}

// Bootstrap dials the configured bootstrap peers and kicks off the DHT
// routing table refresh. It fails when bootstrap peers were configured
// but none could be reached.
func (n *Node) Bootstrap(ctx context.Context) error {
	connected := 0
	for _, raw := range n.cfg.BootstrapPeers {
		addr, err := multiaddr.NewMultiaddr(raw)
		if err != nil {
			n.logger.WithError(err).WithField("addr", raw).Warn("⚠️  Invalid bootstrap address")
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			n.logger.WithError(err).WithField("addr", raw).Warn("⚠️  Bootstrap address missing peer id")
			continue
		}
		if err := n.host.Connect(ctx, *info); err != nil {
			n.logger.WithError(err).WithField("peer", info.ID.String()).Warn("⚠️  Bootstrap connect failed")
			continue
		}
		n.logger.WithField("peer", info.ID.String()).Info("🌐 Connected to bootstrap peer")
		connected++
	}

	if len(n.cfg.BootstrapPeers) > 0 && connected == 0 {
		return fmt.Errorf("could not reach any bootstrap peer")
	}

	if err := n.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("dht bootstrap: %w", err)
	}
	return nil
}

// SetRelayRecord publishes rec as this node's directory entry and starts
// advertising under the rendezvous namespace. Calling it again refreshes
// the record in place.
func (n *Node) SetRelayRecord(rec RelayRecord) error {
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	n.mu.Lock()
	n.record = &rec
	n.mu.Unlock()

	n.announceOnce.Do(func() {
		go n.advertiseLoop()
	})

	n.logger.WithFields(logrus.Fields{
		"url":      rec.URL,
		"priority": rec.Priority,
	}).Info("✅ Relay record published")
	return nil
}

// Record returns the currently published relay record, or nil when this
// node is not acting as a relay.
func (n *Node) Record() *RelayRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.record == nil {
		return nil
	}
	rec := *n.record
	return &rec
}

// FindRelays walks the rendezvous namespace, fetches each advertiser's
// record, and returns the records ordered by priority (lowest first).
func (n *Node) FindRelays(ctx context.Context) ([]RelayRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.QueryTimeout)
	defer cancel()

	peerCh, err := n.disc.FindPeers(ctx, n.cfg.Rendezvous)
	if err != nil {
		return nil, fmt.Errorf("find peers: %w", err)
	}

	var records []RelayRecord
	seen := make(map[peer.ID]bool)
	for info := range peerCh {
		if info.ID == "" || info.ID == n.host.ID() || seen[info.ID] {
			continue
		}
		seen[info.ID] = true

		rec, err := n.RequestRelayInfo(ctx, info)
		if err != nil {
			n.logger.WithError(err).WithField("peer", info.ID.String()).Debug("Relay info query failed")
			continue
		}
		records = append(records, *rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].URL < records[j].URL
	})

	n.logger.WithField("count", len(records)).Info("🔍 Relay lookup finished")
	return records, nil
}

// RequestRelayInfo asks a single peer for its relay record. Non-relay
// peers reset the stream, which surfaces here as a decode error.
func (n *Node) RequestRelayInfo(ctx context.Context, info peer.AddrInfo) (*RelayRecord, error) {
	if len(info.Addrs) > 0 {
		_ = n.host.Connect(ctx, info)
	}

	s, err := n.host.NewStream(ctx, info.ID, protocol.ProtocolRelayInfo)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer s.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}

	var rec RelayRecord
	if err := json.NewDecoder(s).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode relay record: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ID returns the host's peer id.
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Addresses returns the host's listen addresses with the /p2p/ suffix,
// ready to hand to another node's BootstrapPeers.
func (n *Node) Addresses() []string {
	var out []string
	for _, a := range n.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return out
}

// PeerCount returns the number of connected libp2p peers.
func (n *Node) PeerCount() int {
	return len(n.host.Network().Peers())
}

// Stats returns a snapshot for status endpoints.
func (n *Node) Stats() map[string]interface{} {
	return map[string]interface{}{
		"peer_id":     n.host.ID().String(),
		"peers":       n.PeerCount(),
		"rendezvous":  n.cfg.Rendezvous,
		"advertising": n.Record() != nil,
	}
}

// Close stops advertising and shuts down the DHT and host.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()
		if err := n.dht.Close(); err != nil {
			n.logger.WithError(err).Warn("⚠️  Error closing DHT")
		}
		if err := n.host.Close(); err != nil {
			n.logger.WithError(err).Warn("⚠️  Error closing host")
		}
		n.logger.Info("🛑 Discovery node stopped")
	})
	return nil
}

// ===== RELAY-INFO PROTOCOL =====

func (n *Node) handleRelayInfo(s network.Stream) {
	defer s.Close()

	rec := n.Record()
	if rec == nil {
		// Not a relay; tell the asker to look elsewhere.
		_ = s.Reset()
		return
	}
	if err := json.NewEncoder(s).Encode(rec); err != nil {
		n.logger.WithError(err).Debug("Failed to serve relay record")
		return
	}
	n.logger.WithField("peer", s.Conn().RemotePeer().String()).Debug("📤 Served relay record")
}

func (n *Node) advertiseLoop() {
	n.advertise()

	t := time.NewTicker(n.cfg.AdvertiseInterval)
	defer t.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.C:
			n.advertise()
		}
	}
}

func (n *Node) advertise() {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.QueryTimeout)
	defer cancel()

	if _, err := n.disc.Advertise(ctx, n.cfg.Rendezvous); err != nil {
		// Expected while the routing table is still empty; the ticker
		// retries.
		n.logger.WithError(err).Debug("Advertise failed")
	}
}
