package realtime

import (
	"plaza/cmd/internal/metrics"
	v1 "plaza/contracts/realtime/v1"
)

// Broadcaster fans frames out to authenticated sessions.
//
// Concurrency guarantees:
// - Each call works on a registry snapshot taken when it starts.
// - Never blocks: a full or closing transport drops the frame.
type Broadcaster struct {
	reg *Registry
	m   *metrics.Metrics
}

func NewBroadcaster(reg *Registry, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{reg: reg, m: m}
}

// ToAll sends frame to every authenticated session and returns how many
// accepted it.
func (b *Broadcaster) ToAll(frame v1.Outbound) int {
	return b.fanout("", frame)
}

// ToAllExcept skips the session with connection id connID.
func (b *Broadcaster) ToAllExcept(connID string, frame v1.Outbound) int {
	return b.fanout(connID, frame)
}

func (b *Broadcaster) fanout(skip string, frame v1.Outbound) int {
	b.m.Broadcast()

	n := 0
	for _, s := range b.reg.Authenticated() {
		if s.ID == skip {
			continue
		}
		if s.Send(frame) {
			n++
		}
	}
	return n
}

// OnlineCount is the number of authenticated sessions.
func (b *Broadcaster) OnlineCount() int {
	return b.reg.CountAuthenticated()
}

// BroadcastOnlineCount recomputes and broadcasts the online count.
func (b *Broadcaster) BroadcastOnlineCount() int {
	n := b.OnlineCount()
	b.m.SetSessions(n)
	b.ToAll(v1.NewOnlineUsersCount(n))
	return n
}
