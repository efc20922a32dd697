package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"

	"plaza/cmd/identity"
	"plaza/cmd/internal/bans"
	"plaza/cmd/internal/metrics"
	"plaza/cmd/internal/store"
	v1 "plaza/contracts/realtime/v1"
)

// BanDirectory is the subset of bans.Directory the relay needs.
type BanDirectory interface {
	Check(ctx context.Context, q bans.Query) (bans.Verdict, error)
	Lookup(ctx context.Context, q bans.Query) (bans.Verdict, error)
	Ban(ctx context.Context, in bans.BanInput) (store.BanRule, error)
	Unban(ctx context.Context, kind, value string) (int, error)
	ExpireDue(ctx context.Context) (int, error)
}

// Auditor receives fire-and-forget audit records. *audit.Sink implements it.
type Auditor interface {
	SessionJoined(ev store.SessionEvent)
	SessionLeft(ev store.SessionEvent)
	ChatPosted(rec store.ChatRecord)
	IPSeen(ip, userID, email string, at time.Time)
	PlayerMoved(p store.ActivePlayer)
	PlayerGone(userID string)
}

type nopAuditor struct{}

func (nopAuditor) SessionJoined(store.SessionEvent)         {}
func (nopAuditor) SessionLeft(store.SessionEvent)           {}
func (nopAuditor) ChatPosted(store.ChatRecord)              {}
func (nopAuditor) IPSeen(string, string, string, time.Time) {}
func (nopAuditor) PlayerMoved(store.ActivePlayer)           {}
func (nopAuditor) PlayerGone(string)                        {}

// ErrNoBanDirectory is returned by moderation calls when no ban store is wired.
var ErrNoBanDirectory = errors.New("realtime: ban directory not configured")

// Deps wires a Relay. Log, Clock, Audit and Metrics are optional.
type Deps struct {
	Log      *slog.Logger
	Clock    clock.Clock
	Config   Config
	Registry *Registry
	Identity identity.Validator
	Bans     BanDirectory
	Audit    Auditor
	Metrics  *metrics.Metrics
}

// Relay owns the protocol handlers. One Relay serves the whole process; the
// registry, broadcaster and admin feed hang off it.
type Relay struct {
	log      *slog.Logger
	clock    clock.Clock
	cfg      Config
	reg      *Registry
	cast     *Broadcaster
	feed     *Feed
	identity identity.Validator
	bans     BanDirectory
	audit    Auditor
	m        *metrics.Metrics
}

func NewRelay(d Deps) *Relay {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Registry == nil {
		d.Registry = NewRegistry()
	}
	if d.Audit == nil {
		d.Audit = nopAuditor{}
	}

	return &Relay{
		log:      d.Log,
		clock:    d.Clock,
		cfg:      d.Config.withDefaults(),
		reg:      d.Registry,
		cast:     NewBroadcaster(d.Registry, d.Metrics),
		feed:     NewFeed(d.Registry, d.Clock, d.Metrics),
		identity: d.Identity,
		bans:     d.Bans,
		audit:    d.Audit,
		m:        d.Metrics,
	}
}

func (r *Relay) Registry() *Registry       { return r.reg }
func (r *Relay) Broadcaster() *Broadcaster { return r.cast }
func (r *Relay) Feed() *Feed               { return r.feed }
func (r *Relay) Config() Config            { return r.cfg }
func (r *Relay) Clock() clock.Clock        { return r.clock }

// Open registers a freshly accepted connection.
func (r *Relay) Open(conn Transport, ip string) *Session {
	s := r.reg.Create(conn, ip, r.clock.Now().UTC())
	r.m.ConnOpened()
	r.log.Debug("relay.open", "conn_id", s.ID, "ip", ip)
	return s
}

// HandleFrame decodes one inbound frame and dispatches it. Protocol errors
// are logged and dropped; the connection stays open.
func (r *Relay) HandleFrame(ctx context.Context, s *Session, data []byte) {
	msg, err := v1.DecodeInbound(data)
	if err != nil {
		r.m.Frame("invalid")
		r.log.Info("relay.frame.invalid", "conn_id", s.ID, "err", err)
		return
	}

	now := r.clock.Now().UTC()
	s.touch(now)
	r.m.Frame(msg.InboundType())

	switch m := msg.(type) {
	case v1.Authenticate:
		r.Authenticate(ctx, s, m)
	case v1.Update:
		r.HandlePosition(s, m)
	case v1.Chat:
		r.HandleChat(s, m)
	case v1.Ping:
		r.HandlePing(s)
	}
}

// Disconnect is the single departure path for a connection that went away
// on its own. Only the first caller for a session does anything.
func (r *Relay) Disconnect(s *Session, reason string) bool {
	return r.remove(s, reason, v1.EventPlayerLeft)
}

// Evict removes a session on the server's initiative: the notice frame (if
// any) is queued, then the transport is closed with code. A session that is
// already gone is left alone and Evict returns false.
func (r *Relay) Evict(s *Session, code websocket.StatusCode, notice v1.Outbound, reason string) bool {
	if _, ok := r.reg.Remove(s.ID); !ok {
		return false
	}

	t := s.Transport()
	if notice != nil && !t.Closed() {
		t.Send(notice)
	}
	t.Close(code, reason)

	r.m.Evicted(reason)
	r.log.Info("relay.evict", "conn_id", s.ID, "user_id", s.UserID(), "reason", reason, "code", int(code))
	r.departed(s, reason, v1.EventPlayerEvicted, true)
	return true
}

func (r *Relay) remove(s *Session, reason, event string) bool {
	if _, ok := r.reg.Remove(s.ID); !ok {
		return false
	}
	r.departed(s, reason, event, true)
	return true
}

// departed records the side effects of a removal that already happened.
// Unauthenticated sessions leave no trace beyond the connection gauge.
func (r *Relay) departed(s *Session, reason, event string, announce bool) {
	r.m.ConnClosed()

	if !s.Authenticated() {
		return
	}
	view := s.AdminView()

	if announce {
		r.cast.ToAll(v1.NewPlayerDisconnect(view.ID, view.Username))
		r.cast.BroadcastOnlineCount()
	} else {
		r.m.SetSessions(r.reg.CountAuthenticated())
	}
	r.identityLeft(s.ID, view, reason, event)
}

// identityLeft writes the audit and feed records for view no longer being
// present on connID. Roster broadcasts are up to the caller.
func (r *Relay) identityLeft(connID string, view v1.AdminPlayer, reason, event string) {
	r.audit.SessionLeft(store.SessionEvent{
		ConnID:      connID,
		UserID:      view.ID,
		DisplayName: view.Username,
		Email:       view.Email,
		IP:          view.IP,
		Reason:      reason,
		At:          r.clock.Now().UTC(),
	})
	r.audit.PlayerGone(view.ID)
	r.feed.Publish(event, v1.LeftEvent{Player: view, Reason: reason})

	r.log.Info("relay.leave", "conn_id", connID, "user_id", view.ID, "reason", reason)
}

// Shutdown evicts every session and closes every admin observer with
// StatusGoingAway. It returns the number of sessions evicted.
func (r *Relay) Shutdown() int {
	n := 0
	for _, s := range r.reg.ForEach(nil) {
		if r.Evict(s, websocket.StatusGoingAway, nil, ReasonShutdown) {
			n++
		}
	}
	observers := r.feed.CloseAll(websocket.StatusGoingAway, shutdownReason)
	r.log.Info("relay.shutdown", "sessions", n, "observers", observers)
	return n
}

// Stats is a point-in-time view of relay load.
func (r *Relay) Stats() v1.StatsEvent {
	return v1.StatsEvent{
		Online:      r.reg.CountAuthenticated(),
		Connections: r.reg.Len(),
		Observers:   r.feed.Count(),
	}
}
