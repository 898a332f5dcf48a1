package discovery

import (
	"fmt"
	"strings"
)

// RelayRecord describes one relay server in the directory. Records travel
// as JSON over the relay-info protocol.
type RelayRecord struct {
	// URL is the WebSocket endpoint peers should dial (ws:// or wss://).
	URL string `json:"url"`
	// Priority ranks relays; lower is preferred, matching transport
	// preference ordering.
	Priority int `json:"priority"`
	// Region optionally names where the relay runs, e.g. "eu-west".
	Region string `json:"region,omitempty"`
	// Timestamp is when the record was published, in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Validate reports whether the record is usable by a peer.
func (r *RelayRecord) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("relay record missing url")
	}
	if !strings.HasPrefix(r.URL, "ws://") && !strings.HasPrefix(r.URL, "wss://") {
		return fmt.Errorf("relay url %q is not a websocket endpoint", r.URL)
	}
	if r.Priority < 0 {
		return fmt.Errorf("relay priority must not be negative")
	}
	return nil
}
