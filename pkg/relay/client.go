package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave-node/pkg/protocol"
	"github.com/peerwave/peerwave-node/pkg/transport"
)

// ClientConfig configures the multi-server relay client
type ClientConfig struct {
	// LocalPeer identifies this node in HELLO handshakes and MESSAGE
	// `from` fields
	LocalPeer transport.PeerID

	// Capabilities announced to every server
	Capabilities []string

	// Servers to maintain, tried in ascending priority
	Servers []ServerConfig
}

// DefaultClientConfig announces all capabilities
func DefaultClientConfig(local transport.PeerID, servers ...ServerConfig) *ClientConfig {
	return &ClientConfig{
		LocalPeer:    local,
		Capabilities: []string{protocol.CapMessaging, protocol.CapPresence, protocol.CapSignaling},
		Servers:      servers,
	}
}

// Message is one outbound payload handed to the relay client
type Message struct {
	To         transport.PeerID
	ProtocolID string
	Payload    []byte

	// TTL bounds server-side custody; zero lets the server pick
	TTL time.Duration

	// Encrypted marks the payload as ciphertext for the server's books
	Encrypted bool

	// RequireAck waits for the server's custody ack
	RequireAck bool
}

// Client maintains connections to every configured relay server and routes
// traffic through the best one: the first server in priority order that is
// currently connected. Sends fail hard when no server is connected.
type Client struct {
	cfg    *ClientConfig
	logger *logrus.Entry

	servers []*ServerConn

	mu          sync.Mutex
	presence    map[string]protocol.PresenceInfo
	chatObs     []func(from transport.PeerID, payload []byte)
	signalObs   []func(from transport.PeerID, payload []byte)
	presenceObs []func(protocol.PresenceInfo)
}

// NewClient creates a relay client for the configured servers
func NewClient(cfg *ClientConfig, logger *logrus.Entry) *Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	logger = logger.WithField("component", "relay-client")

	c := &Client{
		cfg:      cfg,
		logger:   logger,
		presence: make(map[string]protocol.PresenceInfo),
	}

	sorted := make([]ServerConfig, len(cfg.Servers))
	copy(sorted, cfg.Servers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	for _, serverCfg := range sorted {
		sc := NewServerConn(serverCfg, cfg.LocalPeer, cfg.Capabilities, logger)
		sc.OnMessage(c.handleServerMessage)
		c.servers = append(c.servers, sc)
	}

	return c
}

// Connect dials every configured server concurrently. Succeeds when at
// least one session comes up; the others keep their own reconnect cycles.
func (c *Client) Connect(ctx context.Context) error {
	if len(c.servers) == 0 {
		return fmt.Errorf("no relay servers configured")
	}

	errs := make(chan error, len(c.servers))
	for _, sc := range c.servers {
		go func(sc *ServerConn) {
			errs <- sc.Connect(ctx)
		}(sc)
	}

	var lastErr error
	failed := 0
	for range c.servers {
		if err := <-errs; err != nil {
			failed++
			lastErr = err
		}
	}

	if failed == len(c.servers) {
		return fmt.Errorf("all relay servers unreachable: %w", lastErr)
	}

	return nil
}

// BestServer returns the first connected server in priority order, or nil
func (c *Client) BestServer() *ServerConn {
	for _, sc := range c.servers {
		if sc.State() == ServerConnected {
			return sc
		}
	}
	return nil
}

// Servers returns all managed server connections in priority order
func (c *Client) Servers() []*ServerConn {
	return c.servers
}

// Connected reports whether any server session is up
func (c *Client) Connected() bool {
	return c.BestServer() != nil
}

// SendData routes one message through the best connected server and
// returns the message id. With RequireAck set it blocks until the server
// takes custody or the ack timeout fires.
func (c *Client) SendData(ctx context.Context, m Message) (string, error) {
	best := c.BestServer()
	if best == nil {
		return "", fmt.Errorf("no relay server available: %w", transport.ErrNotConnected)
	}

	msg := protocol.NewRelayMessage(protocol.RelayTypeMessage)
	msg.From = c.cfg.LocalPeer.String()
	msg.To = m.To.String()
	msg.Protocol = m.ProtocolID
	msg.Encrypted = m.Encrypted
	msg.RequireAck = m.RequireAck
	msg.SetPayload(m.Payload)
	if m.TTL > 0 {
		msg.TTL = int64(m.TTL.Seconds())
	}

	if m.RequireAck {
		if err := best.SendWithAck(ctx, msg); err != nil {
			return "", err
		}
		return msg.ID, nil
	}

	if err := best.Send(msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// SendSignal pushes a signaling payload (WebRTC offers/answers) to a peer
func (c *Client) SendSignal(ctx context.Context, to transport.PeerID, payload []byte) error {
	_, err := c.SendData(ctx, Message{
		To:         to,
		ProtocolID: protocol.ProtocolSignal,
		Payload:    payload,
	})
	return err
}

// UpdatePresence pushes this node's presence status, fire-and-forget
func (c *Client) UpdatePresence(status string) error {
	if !protocol.ValidPresenceStatus(status) {
		return fmt.Errorf("invalid presence status %q", status)
	}

	best := c.BestServer()
	if best == nil {
		return transport.ErrNotConnected
	}

	msg := protocol.NewRelayMessage(protocol.RelayTypePresenceUpdate)
	msg.PeerID = c.cfg.LocalPeer.String()
	msg.Status = status
	return best.Send(msg)
}

// SubscribePresence asks for presence pushes about the given peers.
// Updates arrive asynchronously; presence is always last-known, never
// guaranteed current.
func (c *Client) SubscribePresence(peers ...transport.PeerID) error {
	best := c.BestServer()
	if best == nil {
		return transport.ErrNotConnected
	}

	msg := protocol.NewRelayMessage(protocol.RelayTypePresenceSubscribe)
	for _, p := range peers {
		msg.Peers = append(msg.Peers, p.String())
	}
	return best.Send(msg)
}

// PresenceOf returns the last known presence of a peer
func (c *Client) PresenceOf(peer transport.PeerID) (protocol.PresenceInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.presence[peer.String()]
	return info, ok
}

// OnChatMessage registers an observer for inbound chat-protocol payloads
func (c *Client) OnChatMessage(fn func(from transport.PeerID, payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chatObs = append(c.chatObs, fn)
}

// OnSignal registers an observer for inbound signaling payloads
func (c *Client) OnSignal(fn func(from transport.PeerID, payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signalObs = append(c.signalObs, fn)
}

// OnPresence registers an observer for presence pushes
func (c *Client) OnPresence(fn func(protocol.PresenceInfo)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenceObs = append(c.presenceObs, fn)
}

// Close shuts down every server connection
func (c *Client) Close() error {
	for _, sc := range c.servers {
		sc.Close()
	}
	return nil
}

// ===== INBOUND ROUTING =====

// handleServerMessage fans inbound pushes out by type and protocol field
func (c *Client) handleServerMessage(msg *protocol.RelayMessage) {
	switch msg.Type {
	case protocol.RelayTypeMessage:
		c.routeMessage(msg)

	case protocol.RelayTypePresence:
		c.handlePresence(msg)

	default:
		c.logger.WithField("type", msg.Type).Debug("Unhandled relay push")
	}
}

// routeMessage dispatches a relayed payload on its protocol field: chat to
// the bridge, signaling to the WebRTC layer
func (c *Client) routeMessage(msg *protocol.RelayMessage) {
	from, err := transport.ParsePeerID(msg.From)
	if err != nil {
		c.logger.WithError(err).Warn("⚠️  Relayed message with bad sender id")
		return
	}

	payload, err := msg.DecodePayload()
	if err != nil {
		c.logger.WithError(err).Warn("⚠️  Relayed message with undecodable payload")
		return
	}

	var observers []func(transport.PeerID, []byte)
	c.mu.Lock()
	switch msg.Protocol {
	case protocol.ProtocolChat, "":
		observers = append(observers, c.chatObs...)
	case protocol.ProtocolSignal:
		observers = append(observers, c.signalObs...)
	}
	c.mu.Unlock()

	if observers == nil {
		c.logger.WithField("protocol", msg.Protocol).Debug("Relayed message for unknown protocol")
		return
	}

	c.logger.WithFields(logrus.Fields{
		"from":     from.String(),
		"protocol": msg.Protocol,
		"bytes":    len(payload),
	}).Debug("📬 Relayed message received")

	for _, fn := range observers {
		fn(from, payload)
	}
}

func (c *Client) handlePresence(msg *protocol.RelayMessage) {
	info := protocol.PresenceInfo{
		PeerID:   msg.PeerID,
		Status:   msg.Status,
		LastSeen: msg.LastSeen,
	}

	c.mu.Lock()
	c.presence[info.PeerID] = info
	observers := make([]func(protocol.PresenceInfo), len(c.presenceObs))
	copy(observers, c.presenceObs)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(info)
	}
}
