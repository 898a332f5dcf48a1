package relay

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave-node/pkg/protocol"
	"github.com/peerwave/peerwave-node/pkg/storage"
	"github.com/peerwave/peerwave-node/pkg/transport"
)

// ServerOptions tunes the relay server
type ServerOptions struct {
	// HandshakeTimeout bounds the wait for the client HELLO
	HandshakeTimeout time.Duration

	// SessionTimeout is the maximum inbound silence before a session
	// counts as dead. Client heartbeats run well inside this.
	SessionTimeout time.Duration

	// SweepInterval is how often dead sessions are collected
	SweepInterval time.Duration

	// RateLimit bounds relayed messages per peer per RateWindow
	RateLimit  int
	RateWindow time.Duration
}

// DefaultServerOptions returns the standard server timing
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		HandshakeTimeout: 10 * time.Second,
		SessionTimeout:   90 * time.Second,
		SweepInterval:    30 * time.Second,
		RateLimit:        120,
		RateWindow:       time.Minute,
	}
}

// Server accepts websocket sessions from peers, forwards messages between
// live sessions and hands messages for offline recipients to the queue.
// The server acks a message once it is delivered or durably queued.
type Server struct {
	opts   *ServerOptions
	queue  *storage.MessageQueue
	logger *logrus.Entry

	sessions *SessionRegistry
	limiter  *RateLimiter
	upgrader websocket.Upgrader

	presenceMu sync.Mutex
	presence   map[string]protocol.PresenceInfo

	statsMu         sync.Mutex
	messagesRelayed uint64
	messagesQueued  uint64

	startTime time.Time
	listener  net.Listener
	httpSrv   *http.Server
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a relay server on top of a message queue. The caller
// keeps ownership of the queue.
func NewServer(queue *storage.MessageQueue, opts *ServerOptions, logger *logrus.Entry) *Server {
	if opts == nil {
		opts = DefaultServerOptions()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	s := &Server{
		opts:     opts,
		queue:    queue,
		logger:   logger.WithField("component", "relay-server"),
		sessions: NewSessionRegistry(),
		limiter:  NewRateLimiter(opts.RateLimit, opts.RateWindow),
		upgrader: websocket.Upgrader{
			// Peers are native nodes, not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		presence:  make(map[string]protocol.PresenceInfo),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	go s.sweepLoop()

	return s
}

// Handler returns the websocket endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start listens on addr and serves websocket sessions
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.httpSrv = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("❌ Relay server stopped")
		}
	}()

	s.logger.WithField("addr", ln.Addr().String()).Info("✅ Relay server listening")

	return nil
}

// Addr returns the bound listen address after Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleWS upgrades the connection and runs the session until it drops
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("⚠️  Websocket upgrade failed")
		return
	}

	s.serveSession(ws)
}

func (s *Server) serveSession(ws *websocket.Conn) {
	defer ws.Close()

	// The first message must be a valid HELLO
	ws.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))

	var hello protocol.RelayMessage
	if err := ws.ReadJSON(&hello); err != nil {
		s.logger.WithError(err).Debug("Handshake read failed")
		return
	}

	sess, err := s.acceptHello(&hello, ws)
	if err != nil {
		s.logger.WithError(err).Warn("⚠️  Rejected session")
		fail := protocol.NewRelayMessage(protocol.RelayTypeAuthFail)
		fail.Reason = err.Error()
		ws.WriteJSON(fail)
		return
	}

	// Newest session wins; the replaced one unwinds without an
	// offline broadcast because it is no longer current.
	if replaced := s.sessions.Register(sess); replaced != nil {
		s.logger.WithField("peer", sess.Peer).Info("🔄 Session replaced by newer connection")
		replaced.Close()
	}

	pending, err := s.queue.CountFor(sess.Peer.String())
	if err != nil {
		s.logger.WithError(err).Warn("⚠️  Failed to count pending messages")
	}

	welcome := protocol.NewRelayMessage(protocol.RelayTypeWelcome)
	welcome.SessionID = sess.ID
	welcome.PendingMessages = pending

	if err := sess.Send(welcome); err != nil {
		s.sessions.Unregister(sess)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"peer":    sess.Peer,
		"session": sess.ID,
		"pending": pending,
	}).Info("✅ Session established")

	s.setPresence(sess.Peer.String(), protocol.PresenceOnline)

	defer func() {
		if s.sessions.Unregister(sess) {
			s.setPresence(sess.Peer.String(), protocol.PresenceOffline)
			s.logger.WithField("peer", sess.Peer).Info("Peer session closed")
		}
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(s.opts.SessionTimeout))

		var msg protocol.RelayMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}

		sess.Touch()
		s.handleSessionMessage(sess, &msg)
	}
}

// acceptHello validates the handshake and builds the session
func (s *Server) acceptHello(hello *protocol.RelayMessage, ws *websocket.Conn) (*Session, error) {
	if hello.Type != protocol.RelayTypeHello {
		return nil, fmt.Errorf("expected %s, got %s", protocol.RelayTypeHello, hello.Type)
	}
	if err := hello.Validate(); err != nil {
		return nil, err
	}

	peer, err := transport.ParsePeerID(hello.PeerID)
	if err != nil {
		return nil, fmt.Errorf("invalid peer id: %w", err)
	}

	return NewSession(peer, hello.Capabilities, ws), nil
}

func (s *Server) handleSessionMessage(sess *Session, msg *protocol.RelayMessage) {
	switch msg.Type {
	case protocol.RelayTypeHeartbeat:
		ack := protocol.NewRelayMessage(protocol.RelayTypeHeartbeatAck)
		ack.AckID = msg.ID
		if err := sess.Send(ack); err != nil {
			s.logger.WithError(err).Debug("Heartbeat ack failed")
		}

	case protocol.RelayTypeMessage:
		s.relayMessage(sess, msg)

	case protocol.RelayTypeFetchMessages:
		s.drainQueue(sess)

	case protocol.RelayTypePresenceUpdate:
		if !protocol.ValidPresenceStatus(msg.Status) {
			s.sendError(sess, protocol.RelayErrInvalidMessage, fmt.Sprintf("invalid presence status %q", msg.Status))
			return
		}
		s.setPresence(sess.Peer.String(), msg.Status)

	case protocol.RelayTypePresenceSubscribe:
		sess.Subscribe(msg.Peers...)
		// Push the current state of every watched peer right away
		for _, p := range msg.Peers {
			if info, ok := s.presenceOf(p); ok {
				sess.Send(presenceMessage(info))
			}
		}

	default:
		s.logger.WithField("type", msg.Type).Debug("Unhandled message type")
	}
}

// relayMessage establishes custody of one message: deliver to the live
// session if there is one, queue otherwise, and ack only on success
func (s *Server) relayMessage(sess *Session, msg *protocol.RelayMessage) {
	if !s.limiter.Allow(sess.Peer.String()) {
		s.logger.WithField("peer", sess.Peer).Warn("⚠️  Peer over message rate limit")
		s.sendError(sess, protocol.RelayErrRateLimited, "message rate exceeded")
		return
	}

	if err := msg.Validate(); err != nil {
		s.sendError(sess, protocol.RelayErrInvalidMessage, err.Error())
		return
	}

	// The sender field must match the authenticated peer
	from, err := transport.ParsePeerID(msg.From)
	if err != nil || !from.Equal(sess.Peer) {
		s.sendError(sess, protocol.RelayErrInvalidMessage, "sender does not match session")
		return
	}

	to, err := transport.ParsePeerID(msg.To)
	if err != nil {
		s.sendError(sess, protocol.RelayErrUnknownPeer, "invalid recipient")
		return
	}

	inCustody := false

	if target := s.sessions.Get(to.String()); target != nil {
		if err := target.Send(msg); err == nil {
			inCustody = true
			s.bumpRelayed()
			s.logger.WithFields(logrus.Fields{
				"from": msg.From,
				"to":   msg.To,
			}).Debug("Message relayed")
		} else {
			s.logger.WithError(err).Warn("⚠️  Delivery to live session failed")
		}
	}

	if !inCustody {
		if err := s.queue.Enqueue(msg); err != nil {
			s.logger.WithError(err).Error("❌ Failed to queue message")
			s.sendError(sess, protocol.RelayErrInternal, "message not accepted")
			return
		}
		s.bumpQueued()
	}

	if msg.RequireAck {
		ack := protocol.NewRelayMessage(protocol.RelayTypeMessageAck)
		ack.AckID = msg.ID
		if err := sess.Send(ack); err != nil {
			s.logger.WithError(err).Debug("Custody ack failed")
		}
	}
}

// drainQueue delivers stored messages oldest first, deleting each one
// only after a successful write
func (s *Server) drainQueue(sess *Session) {
	msgs, err := s.queue.PendingFor(sess.Peer.String())
	if err != nil {
		s.logger.WithError(err).Error("❌ Failed to read queued messages")
		s.sendError(sess, protocol.RelayErrInternal, "queue unavailable")
		return
	}
	if len(msgs) == 0 {
		return
	}

	delivered := 0
	for _, qm := range msgs {
		if err := sess.Send(qm.RelayMessage()); err != nil {
			s.queue.IncrementAttempts(qm.MessageID)
			break
		}
		if err := s.queue.Delete(qm.MessageID); err != nil {
			s.logger.WithError(err).Warn("⚠️  Failed to delete delivered message")
		}
		delivered++
	}

	s.logger.WithFields(logrus.Fields{
		"peer":  sess.Peer,
		"count": delivered,
	}).Info("📬 Delivered queued messages")
}

func (s *Server) sendError(sess *Session, code, reason string) {
	msg := protocol.NewRelayMessage(protocol.RelayTypeError)
	msg.Code = code
	msg.Reason = reason
	if err := sess.Send(msg); err != nil {
		s.logger.WithError(err).Debug("Error send failed")
	}
}

// setPresence records the state and pushes it to subscribers
func (s *Server) setPresence(peer, status string) {
	info := protocol.PresenceInfo{
		PeerID:   peer,
		Status:   status,
		LastSeen: protocol.NowUnixMilli(),
	}

	s.presenceMu.Lock()
	s.presence[peer] = info
	s.presenceMu.Unlock()

	for _, sub := range s.sessions.Subscribers(peer) {
		if err := sub.Send(presenceMessage(info)); err != nil {
			s.logger.WithError(err).Debug("Presence push failed")
		}
	}
}

func (s *Server) presenceOf(peer string) (protocol.PresenceInfo, bool) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	info, ok := s.presence[peer]
	return info, ok
}

func presenceMessage(info protocol.PresenceInfo) *protocol.RelayMessage {
	msg := protocol.NewRelayMessage(protocol.RelayTypePresence)
	msg.PeerID = info.PeerID
	msg.Status = info.Status
	msg.LastSeen = info.LastSeen
	return msg
}

func (s *Server) bumpRelayed() {
	s.statsMu.Lock()
	s.messagesRelayed++
	s.statsMu.Unlock()
}

func (s *Server) bumpQueued() {
	s.statsMu.Lock()
	s.messagesQueued++
	s.statsMu.Unlock()
}

// sweepLoop closes sessions that went silent. The read deadline catches
// most of them; the sweep is the janitor for anything wedged in a write.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for _, sess := range s.sessions.Stale(s.opts.SessionTimeout) {
				s.logger.WithField("peer", sess.Peer).Info("🧹 Closing dead session")
				sess.Close()
			}
		}
	}
}

// SessionInfo is a read-only session snapshot for the status API
type SessionInfo struct {
	SessionID    string    `json:"sessionId"`
	PeerID       string    `json:"peerId"`
	Capabilities []string  `json:"capabilities"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastSeen     time.Time `json:"lastSeen"`
}

// SessionInfos snapshots all live sessions
func (s *Server) SessionInfos() []SessionInfo {
	sessions := s.sessions.All()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, SessionInfo{
			SessionID:    sess.ID,
			PeerID:       sess.Peer.String(),
			Capabilities: sess.Caps,
			ConnectedAt:  sess.Started,
			LastSeen:     sess.LastSeen(),
		})
	}
	return infos
}

// Queue exposes the attached message queue for the status API
func (s *Server) Queue() *storage.MessageQueue {
	return s.queue
}

// Stats returns server statistics
func (s *Server) Stats() map[string]interface{} {
	s.statsMu.Lock()
	relayed := s.messagesRelayed
	queued := s.messagesQueued
	s.statsMu.Unlock()

	stats := map[string]interface{}{
		"uptime_seconds":   int64(time.Since(s.startTime).Seconds()),
		"active_sessions":  s.sessions.Count(),
		"messages_relayed": relayed,
		"messages_queued":  queued,
	}

	if size, err := s.queue.TotalSize(); err == nil {
		stats["queue_size"] = size
	}

	return stats
}

// Close stops the server and drops all sessions. The message queue stays
// open; its owner closes it.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.limiter.Stop()

		for _, sess := range s.sessions.All() {
			sess.Close()
		}

		if s.httpSrv != nil {
			s.httpSrv.Close()
		}
	})
	return nil
}
