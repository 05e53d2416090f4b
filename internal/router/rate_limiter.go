package router

import (
	"sync"
	"time"
)

// RateLimiter throttles inbound envelopes per connection, guarding against a
// runaway or misbehaving client flooding the router.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
}

type clientWindow struct {
	count       int
	windowStart time.Time
}

// messagesPerMinute bounds each connection to a flat rate; comfortably
// covers a teacher's transcription/audio-chunk cadence and a student's
// question traffic without needing per-envelope-type budgets.
const messagesPerMinute = 100

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{clients: make(map[string]*clientWindow)}
}

// Allow reports whether connectionID may send another message this window,
// starting a fresh fixed window once a minute has elapsed since the
// current window began.
func (rl *RateLimiter) Allow(connectionID string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.clients[connectionID]
	if !ok {
		rl.clients[connectionID] = &clientWindow{count: 1, windowStart: now}
		return true
	}
	if now.Sub(w.windowStart) >= time.Minute {
		w.count = 1
		w.windowStart = now
		return true
	}
	if w.count >= messagesPerMinute {
		return false
	}
	w.count++
	return true
}

// Forget drops a connection's rate-limit state, called once the connection
// closes so the map does not grow unboundedly over a long process lifetime.
func (rl *RateLimiter) Forget(connectionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, connectionID)
}
