package relay

import (
	"sync"
	"time"
)

// RateLimiter enforces a per-peer sliding window on relayed messages
type RateLimiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	limit  int
	window time.Duration
	done   chan struct{}
}

// NewRateLimiter creates a limiter allowing limit events per window per peer
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		events: make(map[string][]time.Time),
		limit:  limit,
		window: window,
		done:   make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Allow records an event for the peer and reports whether it fits the window
func (rl *RateLimiter) Allow(peer string) bool {
	now := time.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	events := rl.events[peer]

	// Drop events that slid out of the window
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= rl.limit {
		rl.events[peer] = kept
		return false
	}

	rl.events[peer] = append(kept, now)
	return true
}

// cleanup drops peers with no recent events
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-rl.window)

			rl.mu.Lock()
			for peer, events := range rl.events {
				idle := true
				for _, t := range events {
					if t.After(cutoff) {
						idle = false
						break
					}
				}
				if idle {
					delete(rl.events, peer)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop ends the cleanup goroutine
func (rl *RateLimiter) Stop() {
	close(rl.done)
}
