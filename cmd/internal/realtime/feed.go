package realtime

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"

	"plaza/cmd/internal/metrics"
	v1 "plaza/contracts/realtime/v1"
)

// Feed is the set of admin observers. Observers are never sessions: they
// are not in the Registry, get no presence frames and are not counted online.
//
// Attach sends the snapshot while holding the feed lock, so an observer sees
// the snapshot before any event published after it joined.
// Lock order: Feed.mu before Registry.mu.
type Feed struct {
	reg   *Registry
	clock clock.Clock
	m     *metrics.Metrics

	mu        sync.Mutex
	observers map[string]Transport
}

func NewFeed(reg *Registry, clk clock.Clock, m *metrics.Metrics) *Feed {
	if clk == nil {
		clk = clock.New()
	}
	return &Feed{
		reg:       reg,
		clock:     clk,
		m:         m,
		observers: make(map[string]Transport),
	}
}

// Attach adds an observer and sends it the current snapshot.
func (f *Feed) Attach(id string, t Transport) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sessions := f.reg.Authenticated()
	players := make([]v1.AdminPlayer, 0, len(sessions))
	for _, s := range sessions {
		players = append(players, s.AdminView())
	}
	t.Send(v1.NewFeedSnapshot(players, len(players), f.clock.Now().UTC()))

	f.observers[id] = t
	f.m.SetObservers(len(f.observers))
}

// Detach removes an observer (idempotent).
func (f *Feed) Detach(id string) {
	f.mu.Lock()
	delete(f.observers, id)
	f.m.SetObservers(len(f.observers))
	f.mu.Unlock()
}

// Count is the number of attached observers.
func (f *Feed) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

// CloseAll closes every observer transport and empties the set.
func (f *Feed) CloseAll(code websocket.StatusCode, reason string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.observers)
	for id, t := range f.observers {
		t.Close(code, reason)
		delete(f.observers, id)
	}
	f.m.SetObservers(0)
	return n
}

// Publish mirrors an event to every observer. Slow observers drop events.
func (f *Feed) Publish(event string, data any) {
	frame := v1.NewFeedEvent(event, f.clock.Now().UTC(), data)

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.observers {
		t.Send(frame)
	}
}
