package realtime

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"plaza/cmd/identity"
	"plaza/cmd/internal/bans"
	"plaza/cmd/internal/store"
	v1 "plaza/contracts/realtime/v1"
)

const maxSkinRunes = 64

// Authenticate binds a session to the identity behind msg.Token.
//
// Order: debounce, token validation, ban check, promotion. A banned
// identity is refused with a banned frame and closed before any roster or
// join side effect happens.
func (r *Relay) Authenticate(ctx context.Context, s *Session, msg v1.Authenticate) {
	now := r.clock.Now().UTC()

	token := strings.TrimSpace(msg.Token)
	if token == "" {
		r.m.AuthResult("invalid")
		s.Send(v1.NewError(v1.ErrKindAuthenticationFailed, "missing token"))
		return
	}
	if !r.reg.MarkPending(s.ID, token, now, r.cfg.AuthDebounce) {
		r.m.AuthResult("debounced")
		r.log.Debug("relay.auth.debounced", "conn_id", s.ID)
		return
	}
	if r.identity == nil {
		r.m.AuthResult("unavailable")
		r.log.Error("relay.auth.fail", "conn_id", s.ID, "err", "no identity validator")
		s.Send(v1.NewError(v1.ErrKindAuthenticationFailed, "authentication unavailable"))
		return
	}

	vctx, cancel := context.WithTimeout(ctx, r.cfg.IdentityTimeout)
	id, err := r.identity.Validate(vctx, token)
	cancel()
	if err != nil {
		result := "invalid"
		if !errors.Is(err, identity.ErrInvalidToken) {
			result = "unavailable"
		}
		r.m.AuthResult(result)
		r.log.Info("relay.auth.fail", "conn_id", s.ID, "ip", s.IP, "result", result, "err", err)
		s.Send(v1.NewError(v1.ErrKindAuthenticationFailed, "invalid token"))
		return
	}

	if r.refuseBanned(ctx, s, id) {
		return
	}

	// The connection may have closed while the identity call was in flight.
	if r.reg.Get(s.ID) == nil {
		r.log.Debug("relay.auth.gone", "conn_id", s.ID)
		return
	}

	// Only this connection's actor authenticates it, so the binding read
	// here is still current when Promote runs.
	wasAuthenticated, prev := s.Authenticated(), s.AdminView()

	name := resolveDisplayName(msg.DisplayName, id.DisplayName, r.cfg.MaxNameRunes)
	replaced, err := r.reg.Promote(s.ID, Promotion{
		UserID:      id.UserID,
		DisplayName: name,
		Email:       id.Email,
		Skin:        truncateRunes(strings.TrimSpace(msg.Skin), maxSkinRunes),
		Now:         now,
	})
	if err != nil {
		r.log.Debug("relay.auth.gone", "conn_id", s.ID, "err", err)
		return
	}
	for _, old := range replaced {
		r.log.Info("relay.auth.replaced", "conn_id", old.ID, "by", s.ID, "user_id", id.UserID)
		r.departed(old, ReasonReplaced, v1.EventPlayerReplaced, false)
	}

	rebound := wasAuthenticated && prev.ID != id.UserID
	if rebound {
		r.cast.ToAllExcept(s.ID, v1.NewPlayerDisconnect(prev.ID, prev.Username))
		r.identityLeft(s.ID, prev, ReasonReauth, v1.EventPlayerLeft)
	}

	self := s.Public()
	s.Send(v1.NewConnect(self.ID))

	others := make([]v1.Player, 0, r.reg.CountAuthenticated())
	for _, o := range r.reg.Authenticated() {
		if o.ID != s.ID {
			others = append(others, o.Public())
		}
	}
	s.Send(v1.NewPlayers(others))

	view := s.AdminView()
	r.audit.PlayerMoved(activePlayer(view, now))

	if wasAuthenticated && !rebound {
		// Same user again: refresh the roster entry, nobody joined.
		r.cast.ToAllExcept(s.ID, v1.NewPlayerUpdate(self))
		r.feed.Publish(v1.EventPlayerUpdated, view)
		r.m.AuthResult("ok")
		r.log.Info("relay.auth.refresh", "conn_id", s.ID, "user_id", view.ID)
		return
	}

	r.cast.ToAllExcept(s.ID, v1.NewPlayerJoined(self))
	r.cast.BroadcastOnlineCount()

	r.audit.SessionJoined(store.SessionEvent{
		ConnID:      s.ID,
		UserID:      view.ID,
		DisplayName: view.Username,
		Email:       view.Email,
		IP:          view.IP,
		At:          now,
	})
	if s.IP != "" {
		r.audit.IPSeen(s.IP, view.ID, view.Email, now)
	}
	r.feed.Publish(v1.EventPlayerJoined, view)

	r.m.AuthResult("ok")
	r.log.Info("relay.auth.ok", "conn_id", s.ID, "user_id", view.ID, "ip", s.IP, "replaced", len(replaced))
}

// refuseBanned reports whether the identity is banned, in which case the
// session has already been told and closed. A failing ban store fails open.
// A session that was already playing under another identity departs through
// Evict like any other removal.
func (r *Relay) refuseBanned(ctx context.Context, s *Session, id identity.Identity) bool {
	if r.bans == nil {
		return false
	}

	bctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	verdict, err := r.bans.Check(bctx, bans.Query{Email: id.Email, IP: s.IP, Identity: id.UserID})
	cancel()
	if err != nil {
		r.log.Warn("relay.auth.bancheck.fail", "conn_id", s.ID, "user_id", id.UserID, "err", err)
		return false
	}
	if !verdict.Banned {
		return false
	}

	rule := verdict.Rule
	r.m.AuthResult("banned")
	r.log.Info("relay.auth.banned", "conn_id", s.ID, "user_id", id.UserID, "ip", s.IP, "kind", rule.Kind)

	r.feed.Publish(v1.EventPlayerRejected, v1.RejectedEvent{
		ConnID:  s.ID,
		UserID:  id.UserID,
		Email:   id.Email,
		IP:      s.IP,
		Reason:  rule.Reason,
		BanType: rule.Kind,
		Expires: rule.ExpiresAt,
	})

	r.Evict(s, CloseBannedAtConnect, v1.NewBanned(rule.Reason, rule.Kind, rule.ExpiresAt), ReasonBanned)
	return true
}

func resolveDisplayName(requested, fromIdentity string, maxRunes int) string {
	if name := cleanName(requested, maxRunes); name != "" {
		return name
	}
	if name := cleanName(fromIdentity, maxRunes); name != "" {
		return name
	}
	return defaultDisplayName
}

func cleanName(s string, maxRunes int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return truncateRunes(strings.TrimSpace(s), maxRunes)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func activePlayer(v v1.AdminPlayer, at time.Time) store.ActivePlayer {
	return store.ActivePlayer{
		UserID:      v.ID,
		ConnID:      v.ConnID,
		DisplayName: v.Username,
		Email:       v.Email,
		IP:          v.IP,
		X:           v.X,
		Y:           v.Y,
		Animation:   v.Animation,
		Skin:        v.Skin,
		UpdatedAt:   at,
	}
}
