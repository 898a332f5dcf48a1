package transport

import (
	"fmt"
	"strings"
)

// PeerID identifies a remote party. It is derived deterministically from a
// chain address and chain type ("evm:0xabc...") or from a device identity
// for proximity transports ("ble:f4:5c:..."). Addresses are lowercased at
// construction so identity comparisons are case-insensitive regardless of a
// chain's display convention.
type PeerID struct {
	id string
}

// NewPeerID derives a peer id from a chain type and address
func NewPeerID(chainType, address string) PeerID {
	return PeerID{id: strings.ToLower(chainType) + ":" + strings.ToLower(address)}
}

// ParsePeerID parses the canonical "<chainType>:<address>" form
func ParsePeerID(s string) (PeerID, error) {
	idx := strings.Index(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return PeerID{}, fmt.Errorf("peer id %q: %w", s, ErrAddrFormat)
	}
	return NewPeerID(s[:idx], s[idx+1:]), nil
}

// String returns the canonical peer id
func (p PeerID) String() string {
	return p.id
}

// ChainType returns the chain type component
func (p PeerID) ChainType() string {
	idx := strings.Index(p.id, ":")
	if idx < 0 {
		return ""
	}
	return p.id[:idx]
}

// Address returns the address component
func (p PeerID) Address() string {
	idx := strings.Index(p.id, ":")
	if idx < 0 {
		return p.id
	}
	return p.id[idx+1:]
}

// Equal reports whether two peer ids identify the same party
func (p PeerID) Equal(other PeerID) bool {
	return p.id == other.id
}

// IsZero reports whether the peer id is uninitialized
func (p PeerID) IsZero() bool {
	return p.id == ""
}
