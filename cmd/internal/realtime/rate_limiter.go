package realtime

import (
	"sync"
	"time"
)

// FloodGuard is a per-connection sliding-window limiter on inbound frames.
// It sits in front of the per-kind throttles and only exists to cut off
// clients that spam the socket.
type FloodGuard struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// NewFloodGuard falls back to the default limits when inputs are invalid.
func NewFloodGuard(limit int, window time.Duration) *FloodGuard {
	d := DefaultConfig()
	if limit <= 0 {
		limit = d.FloodEvents
	}
	if window <= 0 {
		window = d.FloodWindow
	}
	return &FloodGuard{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether a frame at now is within budget and records it.
func (f *FloodGuard) Allow(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	cut := now.Add(-f.window)
	i := 0
	for i < len(f.events) && !f.events[i].After(cut) {
		i++
	}
	if i > 0 {
		f.events = append(f.events[:0], f.events[i:]...)
	}

	if len(f.events) >= f.limit {
		return false
	}
	f.events = append(f.events, now)
	return true
}
