package transport

import "errors"

// Sentinel errors shared by every transport. Callers match them with
// errors.Is; transports wrap them with operation context via %w.
var (
	// ErrMaxConnections is returned by dial/accept paths when the
	// transport's connection limit is reached. The attempt is rejected
	// before any I/O, never queued.
	ErrMaxConnections = errors.New("max connections reached")

	// ErrTimeout is returned when an ack wait, ICE gathering or connect
	// exceeds its configured deadline. Only the pending operation fails;
	// unrelated in-flight operations are untouched.
	ErrTimeout = errors.New("operation timed out")

	// ErrAuthFailed is returned when a relay rejects the HELLO handshake.
	// Fatal for that server: no reconnect loop is started.
	ErrAuthFailed = errors.New("relay authentication failed")

	// ErrRateLimited is returned when a relay reports RATE_LIMITED. All
	// pending acks on that server fail immediately so callers can back off.
	ErrRateLimited = errors.New("rate limited by relay")

	// ErrUnsupportedProtocol is returned synchronously when dialing an
	// address whose protocol the transport does not implement.
	ErrUnsupportedProtocol = errors.New("unsupported address protocol")

	ErrNotConnected = errors.New("not connected")
	ErrConnClosed   = errors.New("connection closed")
	ErrStreamClosed = errors.New("stream closed")
	ErrAddrFormat   = errors.New("invalid multiaddr format")
)
