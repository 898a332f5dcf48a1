package transport

import (
	"context"
	"sync"
)

// StreamState is the lifecycle state of a Stream. Closed is reached through
// an orderly close, Error through Abort; both are terminal.
type StreamState int

const (
	StreamOpen StreamState = iota
	StreamClosing
	StreamClosed
	StreamError
)

// String returns the state name
func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "open"
	case StreamClosing:
		return "closing"
	case StreamClosed:
		return "closed"
	case StreamError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are allowed from s
func (s StreamState) Terminal() bool {
	return s == StreamClosed || s == StreamError
}

// Stream is a logical per-protocol sub-channel multiplexed over one
// connection. Send delivers one whole message; chunking and reassembly are
// the connection's concern.
type Stream interface {
	ID() string
	Protocol() string
	State() StreamState

	Send(ctx context.Context, data []byte) error

	// OnData registers an observer for complete inbound messages. Never
	// fires after the stream leaves the open state.
	OnData(fn func([]byte))

	// OnClose fires at most once, on the transition to closed
	OnClose(fn func())

	// OnError fires at most once, on the transition to error
	OnError(fn func(error))

	Close() error

	// Abort moves the stream to the error state from any non-terminal state
	Abort(err error)
}

// BaseStream carries the state machine and observer plumbing shared by all
// stream implementations.
type BaseStream struct {
	id         string
	protocolID string

	mu             sync.Mutex
	state          StreamState
	dataObservers  []func([]byte)
	closeObservers []func()
	errorObservers []func(error)
}

// NewBaseStream creates the shared stream base in the open state
func NewBaseStream(id, protocolID string) *BaseStream {
	return &BaseStream{
		id:         id,
		protocolID: protocolID,
		state:      StreamOpen,
	}
}

// ID returns the stream id
func (s *BaseStream) ID() string { return s.id }

// Protocol returns the protocol id this stream carries
func (s *BaseStream) Protocol() string { return s.protocolID }

// State returns the current lifecycle state
func (s *BaseStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the stream state. Same rules as connections: no
// duplicate transitions, nothing leaves a terminal state. Returns whether
// the transition happened.
func (s *BaseStream) SetState(state StreamState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == state || s.state.Terminal() {
		return false
	}

	s.state = state
	return true
}

// OnData registers a data observer
func (s *BaseStream) OnData(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataObservers = append(s.dataObservers, fn)
}

// OnClose registers a close observer
func (s *BaseStream) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeObservers = append(s.closeObservers, fn)
}

// OnError registers an error observer
func (s *BaseStream) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorObservers = append(s.errorObservers, fn)
}

// EmitData delivers one complete message to data observers. Dropped
// silently unless the stream is open.
func (s *BaseStream) EmitData(data []byte) {
	s.mu.Lock()
	if s.state != StreamOpen {
		s.mu.Unlock()
		return
	}
	observers := make([]func([]byte), len(s.dataObservers))
	copy(observers, s.dataObservers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(data)
	}
}

// EmitClosed transitions to closed and fires close observers. A no-op when
// the stream is already terminal, so observers fire at most once.
func (s *BaseStream) EmitClosed() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StreamClosed

	observers := make([]func(), len(s.closeObservers))
	copy(observers, s.closeObservers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
}

// EmitError transitions to error and fires error observers. A no-op when
// the stream is already terminal.
func (s *BaseStream) EmitError(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StreamError

	observers := make([]func(error), len(s.errorObservers))
	copy(observers, s.errorObservers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(err)
	}
}
