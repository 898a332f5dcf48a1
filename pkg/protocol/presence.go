package protocol

// Presence status values carried in PRESENCE relay messages
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
	PresenceAway    = "away"
	PresenceBusy    = "busy"
)

// PresenceInfo is the last-known presence of a remote peer. It is advisory
// only: relays push updates when they see them, so the state may be stale.
type PresenceInfo struct {
	PeerID   string `json:"peerId"`
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"` // Unix milliseconds
}

// ValidPresenceStatus reports whether s is a known presence status
func ValidPresenceStatus(s string) bool {
	switch s {
	case PresenceOnline, PresenceOffline, PresenceAway, PresenceBusy:
		return true
	}
	return false
}
