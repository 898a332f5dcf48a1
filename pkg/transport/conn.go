package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnState is the lifecycle state of a Connection. Transitions are
// unidirectional; Closed and Error are terminal. A closed connection is
// never reused: a new dial creates a new Connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateClosed
	StateError
)

// String returns the state name
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are allowed from s
func (s ConnState) Terminal() bool {
	return s == StateClosed || s == StateError
}

// ConnStats are cumulative counters for one connection
type ConnStats struct {
	BytesSent        uint64
	BytesReceived    uint64
	MessagesSent     uint64
	MessagesReceived uint64
	ConnectedAt      time.Time
}

// Conn is one established channel to a remote peer. A Conn is owned by
// exactly one transport instance; its streams are owned by the Conn and
// destroyed when it closes.
type Conn interface {
	ID() string
	RemotePeer() PeerID
	RemoteAddr() Multiaddr
	State() ConnState
	Stats() ConnStats

	// OpenStream opens a logical sub-channel for the given protocol id
	OpenStream(ctx context.Context, protocolID string) (Stream, error)

	// Streams returns the currently open streams
	Streams() []Stream

	// OnStateChange registers an observer for state transitions. Observers
	// never fire twice for the same state and never after a terminal
	// transition has been emitted.
	OnStateChange(fn func(ConnState))

	// OnStream registers an observer for streams opened by the remote side
	OnStream(fn func(Stream))

	Close() error
}

// BaseConn carries the lifecycle, stats and observer plumbing shared by all
// connection implementations. State transitions and emissions go through
// SetState so the no-duplicate and no-emission-after-terminal rules are
// enforced in one place.
type BaseConn struct {
	id   string
	peer PeerID
	addr Multiaddr

	mu              sync.Mutex
	state           ConnState
	stats           ConnStats
	streams         map[string]Stream
	stateObservers  []func(ConnState)
	streamObservers []func(Stream)
}

// NewBaseConn creates the shared connection base in the disconnected state
func NewBaseConn(peer PeerID, addr Multiaddr) *BaseConn {
	return &BaseConn{
		id:      uuid.NewString(),
		peer:    peer,
		addr:    addr,
		state:   StateDisconnected,
		streams: make(map[string]Stream),
	}
}

// ID returns the connection id
func (c *BaseConn) ID() string { return c.id }

// RemotePeer returns the peer this connection reaches
func (c *BaseConn) RemotePeer() PeerID { return c.peer }

// RemoteAddr returns the address this connection was dialed to
func (c *BaseConn) RemoteAddr() Multiaddr { return c.addr }

// State returns the current lifecycle state
func (c *BaseConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the cumulative counters
func (c *BaseConn) Stats() ConnStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// SetState transitions the connection state and notifies observers. Setting
// the current state again is a no-op, as is any transition out of a
// terminal state. Returns whether the transition happened.
func (c *BaseConn) SetState(state ConnState) bool {
	c.mu.Lock()
	if c.state == state || c.state.Terminal() {
		c.mu.Unlock()
		return false
	}

	c.state = state
	if state == StateConnected {
		c.stats.ConnectedAt = time.Now()
	}

	observers := make([]func(ConnState), len(c.stateObservers))
	copy(observers, c.stateObservers)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(state)
	}

	return true
}

// OnStateChange registers a state observer
func (c *BaseConn) OnStateChange(fn func(ConnState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateObservers = append(c.stateObservers, fn)
}

// OnStream registers an incoming-stream observer
func (c *BaseConn) OnStream(fn func(Stream)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamObservers = append(c.streamObservers, fn)
}

// EmitStream notifies observers of a remotely opened stream. Nothing fires
// once the connection is terminal.
func (c *BaseConn) EmitStream(s Stream) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	observers := make([]func(Stream), len(c.streamObservers))
	copy(observers, c.streamObservers)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(s)
	}
}

// TrackStream records a stream as owned by this connection
func (c *BaseConn) TrackStream(s Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams[s.ID()] = s
}

// ForgetStream removes a stream from the owned set
func (c *BaseConn) ForgetStream(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, id)
}

// Streams returns the currently owned streams
func (c *BaseConn) Streams() []Stream {
	c.mu.Lock()
	defer c.mu.Unlock()

	streams := make([]Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	return streams
}

// CloseStreams force-closes every owned stream. Called by implementations
// when the connection terminates; a stream never outlives its connection.
func (c *BaseConn) CloseStreams() {
	for _, s := range c.Streams() {
		s.Close()
		c.ForgetStream(s.ID())
	}
}

// AddSent adds to the sent byte/message counters
func (c *BaseConn) AddSent(bytes, messages uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.BytesSent += bytes
	c.stats.MessagesSent += messages
}

// AddReceived adds to the received byte/message counters
func (c *BaseConn) AddReceived(bytes, messages uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.BytesReceived += bytes
	c.stats.MessagesReceived += messages
}
