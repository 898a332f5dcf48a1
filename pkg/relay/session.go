package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peerwave/peerwave-node/pkg/protocol"
	"github.com/peerwave/peerwave-node/pkg/transport"
)

// Session is one authenticated client on the relay server
type Session struct {
	ID      string
	Peer    transport.PeerID
	Caps    []string
	Started time.Time

	ws *websocket.Conn

	// gorilla allows one concurrent writer per connection
	writeMu sync.Mutex

	mu       sync.Mutex
	lastSeen time.Time
	subs     map[string]bool
}

// NewSession wraps an upgraded websocket after a valid HELLO
func NewSession(peer transport.PeerID, caps []string, ws *websocket.Conn) *Session {
	return &Session{
		ID:       uuid.NewString(),
		Peer:     peer,
		Caps:     caps,
		Started:  time.Now(),
		ws:       ws,
		lastSeen: time.Now(),
		subs:     make(map[string]bool),
	}
}

// Send writes one message to the client
func (s *Session) Send(msg *protocol.RelayMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteJSON(msg)
}

// Touch records client activity for the dead-session sweep
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the time of the last inbound message
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Subscribe adds peers whose presence this session wants pushed
func (s *Session) Subscribe(peers ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range peers {
		s.subs[p] = true
	}
}

// SubscribedTo reports whether this session watches a peer's presence
func (s *Session) SubscribedTo(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[peer]
}

// Close tears the underlying websocket down
func (s *Session) Close() error {
	return s.ws.Close()
}

// SessionRegistry tracks the one live session per peer id. A fresh HELLO
// from a peer with an existing session wins; the old session is closed.
type SessionRegistry struct {
	mu     sync.Mutex
	byPeer map[string]*Session
}

// NewSessionRegistry creates an empty registry
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{byPeer: make(map[string]*Session)}
}

// Register stores the session as the live one for its peer and returns
// the session it replaced, if any
func (r *SessionRegistry) Register(s *Session) *Session {
	key := s.Peer.String()

	r.mu.Lock()
	old := r.byPeer[key]
	r.byPeer[key] = s
	r.mu.Unlock()

	if old == s {
		return nil
	}
	return old
}

// Unregister removes the session if it is still the live one for its peer.
// Returns whether it was.
func (r *SessionRegistry) Unregister(s *Session) bool {
	key := s.Peer.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byPeer[key] != s {
		return false
	}
	delete(r.byPeer, key)
	return true
}

// Get returns the live session for a peer id, or nil
func (r *SessionRegistry) Get(peer string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byPeer[peer]
}

// All returns every live session
func (r *SessionRegistry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*Session, 0, len(r.byPeer))
	for _, s := range r.byPeer {
		sessions = append(sessions, s)
	}
	return sessions
}

// Count returns the number of live sessions
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPeer)
}

// Stale returns sessions with no inbound traffic for maxIdle
func (r *SessionRegistry) Stale(maxIdle time.Duration) []*Session {
	cutoff := time.Now().Add(-maxIdle)

	var stale []*Session
	for _, s := range r.All() {
		if s.LastSeen().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	return stale
}

// Subscribers returns the sessions watching a peer's presence
func (r *SessionRegistry) Subscribers(peer string) []*Session {
	var subs []*Session
	for _, s := range r.All() {
		if s.SubscribedTo(peer) {
			subs = append(subs, s)
		}
	}
	return subs
}
