// Package relay implements store-and-forward messaging through websocket
// relay servers: the client side (per-server connections with failover and
// reconnection), the server side (sessions, custody acks, presence), and
// the adapter that presents relayed peers as ordinary transport
// connections.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave-node/pkg/protocol"
	"github.com/peerwave/peerwave-node/pkg/transport"
)

// ServerState is the lifecycle state of one relay server connection
type ServerState int

const (
	ServerDisconnected ServerState = iota
	ServerConnecting
	ServerAuthenticating
	ServerConnected
	ServerReconnecting
	ServerError
)

// String returns the state name
func (s ServerState) String() string {
	switch s {
	case ServerDisconnected:
		return "disconnected"
	case ServerConnecting:
		return "connecting"
	case ServerAuthenticating:
		return "authenticating"
	case ServerConnected:
		return "connected"
	case ServerReconnecting:
		return "reconnecting"
	case ServerError:
		return "error"
	default:
		return "unknown"
	}
}

// ServerConfig describes one relay server and its timing knobs
type ServerConfig struct {
	// URL is the websocket endpoint, e.g. wss://relay.peerwave.io/ws
	URL string

	// Priority orders failover; lower is tried first
	Priority int

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MaxReconnects     int
}

// DefaultServerConfig returns the standard timing for a relay endpoint
func DefaultServerConfig(url string, priority int) ServerConfig {
	return ServerConfig{
		URL:               url,
		Priority:          priority,
		ConnectTimeout:    10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		AckTimeout:        10 * time.Second,
		ReconnectBase:     time.Second,
		ReconnectMax:      30 * time.Second,
		MaxReconnects:     10,
	}
}

// ServerConn is the client side of one relay server connection. It drives
// the handshake, keeps the session alive with heartbeats, tracks pending
// custody acks, and reconnects with bounded exponential backoff after a
// drop — but only when the session had fully reached connected.
type ServerConn struct {
	cfg    ServerConfig
	local  transport.PeerID
	caps   []string
	logger *logrus.Entry

	mu          sync.Mutex
	ws          *websocket.Conn
	state       ServerState
	sessionID   string
	pendingAcks map[string]chan error
	msgObs      []func(*protocol.RelayMessage)
	stateObs    []func(ServerState)

	// gorilla allows one concurrent writer per connection
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// NewServerConn creates an unconnected server connection
func NewServerConn(cfg ServerConfig, local transport.PeerID, capabilities []string, logger *logrus.Entry) *ServerConn {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	return &ServerConn{
		cfg:         cfg,
		local:       local,
		caps:        capabilities,
		logger:      logger.WithField("relay", cfg.URL),
		state:       ServerDisconnected,
		pendingAcks: make(map[string]chan error),
		done:        make(chan struct{}),
	}
}

// URL returns the server endpoint
func (sc *ServerConn) URL() string { return sc.cfg.URL }

// Priority returns the failover rank
func (sc *ServerConn) Priority() int { return sc.cfg.Priority }

// State returns the current connection state
func (sc *ServerConn) State() ServerState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// SessionID returns the id the server assigned in its WELCOME
func (sc *ServerConn) SessionID() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sessionID
}

// OnMessage registers an observer for inbound server pushes (MESSAGE,
// PRESENCE and the rest of the non-handshake traffic)
func (sc *ServerConn) OnMessage(fn func(*protocol.RelayMessage)) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.msgObs = append(sc.msgObs, fn)
}

// OnStateChange registers a state observer
func (sc *ServerConn) OnStateChange(fn func(ServerState)) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stateObs = append(sc.stateObs, fn)
}

// Connect dials the server and performs the HELLO/WELCOME handshake. On
// success the heartbeat and read loops are running and pending offline
// messages have been requested.
func (sc *ServerConn) Connect(ctx context.Context) error {
	sc.mu.Lock()
	switch sc.state {
	case ServerConnecting, ServerAuthenticating, ServerConnected:
		sc.mu.Unlock()
		return nil
	}
	sc.mu.Unlock()

	sc.setState(ServerConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: sc.cfg.ConnectTimeout}
	ws, _, err := dialer.DialContext(ctx, sc.cfg.URL, nil)
	if err != nil {
		sc.setState(ServerError)
		return fmt.Errorf("failed to dial relay: %w", err)
	}

	sc.mu.Lock()
	sc.ws = ws
	sc.mu.Unlock()

	welcome, err := sc.handshake(ws)
	if err != nil {
		ws.Close()
		sc.setState(ServerError)
		return err
	}

	sc.mu.Lock()
	sc.sessionID = welcome.SessionID
	sc.mu.Unlock()
	sc.setState(ServerConnected)

	sc.logger.WithFields(logrus.Fields{
		"session": welcome.SessionID,
		"pending": welcome.PendingMessages,
	}).Info("✅ Relay session established")

	sessionDone := make(chan struct{})
	go sc.readLoop(ws, sessionDone)
	go sc.heartbeatLoop(sessionDone)

	if welcome.PendingMessages > 0 {
		fetch := protocol.NewRelayMessage(protocol.RelayTypeFetchMessages)
		if err := sc.Send(fetch); err != nil {
			sc.logger.WithError(err).Warn("⚠️  Failed to request pending messages")
		}
	}

	return nil
}

// handshake sends HELLO and waits for WELCOME or AUTH_FAIL under the
// connect timeout
func (sc *ServerConn) handshake(ws *websocket.Conn) (*protocol.RelayMessage, error) {
	sc.setState(ServerAuthenticating)

	hello := protocol.NewRelayMessage(protocol.RelayTypeHello)
	hello.PeerID = sc.local.String()
	hello.Capabilities = sc.caps

	if err := sc.writeJSON(ws, hello); err != nil {
		return nil, fmt.Errorf("failed to send HELLO: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(sc.cfg.ConnectTimeout))
	defer ws.SetReadDeadline(time.Time{})

	for {
		var msg protocol.RelayMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return nil, fmt.Errorf("handshake read: %w", err)
		}

		switch msg.Type {
		case protocol.RelayTypeWelcome:
			return &msg, nil
		case protocol.RelayTypeAuthFail:
			return nil, fmt.Errorf("%s: %w", msg.Reason, transport.ErrAuthFailed)
		default:
			// Not part of the handshake; servers should not send these
			// yet, skip them
		}
	}
}

// Send writes one message to the server. Fails hard when the session is
// not connected; nothing is queued at this layer.
func (sc *ServerConn) Send(msg *protocol.RelayMessage) error {
	sc.mu.Lock()
	ws := sc.ws
	state := sc.state
	sc.mu.Unlock()

	if state != ServerConnected || ws == nil {
		return transport.ErrNotConnected
	}

	return sc.writeJSON(ws, msg)
}

// SendWithAck sends a message that requires a custody ack and waits for
// MESSAGE_ACK. Fails with the timeout error after exactly AckTimeout; no
// retry happens here.
func (sc *ServerConn) SendWithAck(ctx context.Context, msg *protocol.RelayMessage) error {
	waiter := make(chan error, 1)
	sc.mu.Lock()
	sc.pendingAcks[msg.ID] = waiter
	sc.mu.Unlock()

	if err := sc.Send(msg); err != nil {
		sc.removeAck(msg.ID)
		return err
	}

	timer := time.NewTimer(sc.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case err := <-waiter:
		return err
	case <-timer.C:
		sc.removeAck(msg.ID)
		return fmt.Errorf("ack for %s: %w", msg.ID, transport.ErrTimeout)
	case <-ctx.Done():
		sc.removeAck(msg.ID)
		return ctx.Err()
	}
}

// Close tears the connection down for good; no reconnection follows
func (sc *ServerConn) Close() error {
	sc.closeOnce.Do(func() {
		close(sc.done)

		sc.mu.Lock()
		ws := sc.ws
		sc.mu.Unlock()
		if ws != nil {
			ws.Close()
		}

		sc.failAllAcks(transport.ErrConnClosed)
		sc.setState(ServerDisconnected)
	})
	return nil
}

// ===== LOOPS =====

// readLoop owns the inbound side of one websocket session. The read
// deadline rides on the heartbeat cadence, so a dead link surfaces as a
// read timeout.
func (sc *ServerConn) readLoop(ws *websocket.Conn, sessionDone chan struct{}) {
	defer close(sessionDone)

	for {
		ws.SetReadDeadline(time.Now().Add(2 * sc.cfg.HeartbeatInterval))

		var msg protocol.RelayMessage
		if err := ws.ReadJSON(&msg); err != nil {
			sc.handleDrop(err)
			return
		}

		sc.handleMessage(&msg)
	}
}

func (sc *ServerConn) handleMessage(msg *protocol.RelayMessage) {
	switch msg.Type {
	case protocol.RelayTypeHeartbeatAck:
		sc.logger.Debug("💓 Heartbeat acknowledged")

	case protocol.RelayTypeMessageAck:
		sc.resolveAck(msg.AckID, nil)

	case protocol.RelayTypeError:
		if msg.Code == protocol.RelayErrRateLimited {
			sc.logger.Warn("⚠️  Rate limited by relay, failing pending acks")
			sc.failAllAcks(transport.ErrRateLimited)
			return
		}
		sc.logger.WithFields(logrus.Fields{
			"code":   msg.Code,
			"reason": msg.Reason,
		}).Warn("⚠️  Relay error")

	default:
		sc.mu.Lock()
		observers := make([]func(*protocol.RelayMessage), len(sc.msgObs))
		copy(observers, sc.msgObs)
		sc.mu.Unlock()

		for _, fn := range observers {
			fn(msg)
		}
	}
}

func (sc *ServerConn) heartbeatLoop(sessionDone chan struct{}) {
	ticker := time.NewTicker(sc.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hb := protocol.NewRelayMessage(protocol.RelayTypeHeartbeat)
			if err := sc.Send(hb); err != nil {
				return
			}
			sc.logger.Debug("💓 Heartbeat sent")

		case <-sessionDone:
			return
		case <-sc.done:
			return
		}
	}
}

// handleDrop runs when a session's read loop dies. A session that had
// reached connected starts the reconnect loop; an explicit Close does not.
func (sc *ServerConn) handleDrop(err error) {
	sc.failAllAcks(transport.ErrConnClosed)

	select {
	case <-sc.done:
		sc.setState(ServerDisconnected)
		return
	default:
	}

	sc.logger.WithError(err).Warn("⚠️  Relay connection lost")
	go sc.reconnectLoop()
}

// reconnectLoop retries the connection with base*2^attempt backoff, capped
// at ReconnectMax and bounded by MaxReconnects. The attempt counter starts
// fresh because each successful WELCOME resets it.
func (sc *ServerConn) reconnectLoop() {
	sc.setState(ServerReconnecting)

	for attempt := 0; attempt < sc.cfg.MaxReconnects; attempt++ {
		delay := sc.cfg.ReconnectBase * time.Duration(1<<uint(attempt))
		if delay > sc.cfg.ReconnectMax {
			delay = sc.cfg.ReconnectMax
		}

		sc.logger.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"delay":   delay.String(),
		}).Info("🔄 Reconnecting to relay")

		select {
		case <-time.After(delay):
		case <-sc.done:
			sc.setState(ServerDisconnected)
			return
		}

		// Reset so Connect's in-progress guard lets the attempt through
		sc.setState(ServerReconnecting)

		ctx, cancel := context.WithTimeout(context.Background(), sc.cfg.ConnectTimeout)
		err := sc.Connect(ctx)
		cancel()

		if err == nil {
			sc.logger.Info("✅ Reconnected to relay")
			return
		}
		if errors.Is(err, transport.ErrAuthFailed) {
			sc.logger.WithError(err).Error("❌ Relay rejected authentication, giving up")
			sc.setState(ServerError)
			return
		}

		sc.logger.WithError(err).Warn("⚠️  Reconnect attempt failed")
	}

	sc.logger.Error("❌ Reconnect attempts exhausted")
	sc.setState(ServerError)
}

// ===== INTERNAL =====

func (sc *ServerConn) writeJSON(ws *websocket.Conn, msg *protocol.RelayMessage) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return ws.WriteJSON(msg)
}

func (sc *ServerConn) setState(s ServerState) {
	sc.mu.Lock()
	if sc.state == s {
		sc.mu.Unlock()
		return
	}
	sc.state = s

	observers := make([]func(ServerState), len(sc.stateObs))
	copy(observers, sc.stateObs)
	sc.mu.Unlock()

	for _, fn := range observers {
		fn(s)
	}
}

func (sc *ServerConn) resolveAck(id string, result error) {
	sc.mu.Lock()
	waiter := sc.pendingAcks[id]
	delete(sc.pendingAcks, id)
	sc.mu.Unlock()

	if waiter != nil {
		waiter <- result
	}
}

func (sc *ServerConn) removeAck(id string) {
	sc.mu.Lock()
	delete(sc.pendingAcks, id)
	sc.mu.Unlock()
}

func (sc *ServerConn) failAllAcks(err error) {
	sc.mu.Lock()
	waiters := sc.pendingAcks
	sc.pendingAcks = make(map[string]chan error)
	sc.mu.Unlock()

	for _, waiter := range waiters {
		waiter <- err
	}
}
