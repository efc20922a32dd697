package realtime

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"plaza/cmd/internal/store"
	v1 "plaza/contracts/realtime/v1"
)

// HandlePosition applies a position update under the per-session throttle.
//
// Inside the throttle window the update replaces the pending slot and a
// flush is scheduled for when the window reopens; only the latest value is
// ever broadcast. Outside the window the update is applied directly and any
// older pending value is discarded.
func (r *Relay) HandlePosition(s *Session, msg v1.Update) {
	now := r.clock.Now().UTC()

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	if !s.authenticated {
		s.mu.Unlock()
		s.Send(v1.NewError(v1.ErrKindNotAuthenticated, "authenticate first"))
		return
	}

	if since := now.Sub(s.lastPositionUpdate); since < r.cfg.PositionInterval {
		u := msg
		s.pending = &u
		arm := !s.flushArmed
		s.flushArmed = true
		s.mu.Unlock()

		if arm {
			r.clock.AfterFunc(r.cfg.PositionInterval-since, func() { r.flushPending(s) })
		}
		return
	}

	s.pending = nil
	s.lastPositionUpdate = now
	view, moved := r.applyPositionLocked(s, msg, now)
	s.mu.Unlock()

	if moved {
		r.publishMove(s.ID, view, now)
	}
}

// flushPending broadcasts the coalesced update once the window reopens. A
// direct update that landed in the meantime has already consumed the slot.
func (r *Relay) flushPending(s *Session) {
	now := r.clock.Now().UTC()

	s.mu.Lock()
	s.flushArmed = false
	if s.removed || !s.authenticated || s.pending == nil {
		s.pending = nil
		s.mu.Unlock()
		return
	}
	if wait := r.cfg.PositionInterval - now.Sub(s.lastPositionUpdate); wait > 0 {
		s.flushArmed = true
		s.mu.Unlock()
		r.clock.AfterFunc(wait, func() { r.flushPending(s) })
		return
	}

	u := *s.pending
	s.pending = nil
	s.lastPositionUpdate = now
	view, moved := r.applyPositionLocked(s, u, now)
	s.mu.Unlock()

	if moved {
		r.publishMove(s.ID, view, now)
	}
}

// applyPositionLocked stores u if it is a significant change. Caller holds s.mu.
func (r *Relay) applyPositionLocked(s *Session, u v1.Update, now time.Time) (v1.AdminPlayer, bool) {
	animChanged := u.Animation != nil && *u.Animation != s.animation
	if !animChanged &&
		math.Abs(u.X-s.x) <= r.cfg.MoveThreshold &&
		math.Abs(u.Y-s.y) <= r.cfg.MoveThreshold {
		return v1.AdminPlayer{}, false
	}

	s.x, s.y = u.X, u.Y
	if u.Animation != nil {
		s.animation = *u.Animation
	}
	if u.Skin != nil {
		if skin := truncateRunes(strings.TrimSpace(*u.Skin), maxSkinRunes); skin != "" {
			s.skin = skin
		}
	}
	s.lastMovement = now
	return s.adminLocked(), true
}

func (r *Relay) publishMove(connID string, view v1.AdminPlayer, now time.Time) {
	r.cast.ToAllExcept(connID, v1.NewPlayerUpdate(view.Player))
	r.audit.PlayerMoved(activePlayer(view, now))
	r.feed.Publish(v1.EventPlayerUpdated, view)
}

// HandleChat accepts at most one message per ChatInterval per session. The
// sender gets its ack before the broadcast echo.
func (r *Relay) HandleChat(s *Session, msg v1.Chat) {
	now := r.clock.Now().UTC()
	text := strings.TrimSpace(msg.Message)

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	if !s.authenticated {
		s.mu.Unlock()
		s.Send(v1.NewError(v1.ErrKindNotAuthenticated, "authenticate first"))
		return
	}
	if text == "" {
		s.mu.Unlock()
		return
	}
	if !s.lastChat.IsZero() && now.Sub(s.lastChat) < r.cfg.ChatInterval {
		s.mu.Unlock()
		r.log.Debug("relay.chat.limited", "conn_id", s.ID)
		s.Send(v1.NewError(v1.ErrKindRateLimited, "slow down"))
		return
	}
	s.lastChat = now
	view := s.adminLocked()
	s.mu.Unlock()

	text = truncateRunes(text, r.cfg.MaxChatRunes)
	id := uuid.NewString()

	s.Send(v1.NewChatAck(id, text))
	r.cast.ToAll(v1.NewChat(id, view.ID, view.Username, text, view.Skin, now))

	r.audit.ChatPosted(store.ChatRecord{
		MessageID:   id,
		ConnID:      s.ID,
		UserID:      view.ID,
		DisplayName: view.Username,
		Message:     text,
		At:          now,
	})
	r.feed.Publish(v1.EventChatMessage, v1.ChatEvent{
		ID:       id,
		SenderID: view.ID,
		Username: view.Username,
		Email:    view.Email,
		IP:       view.IP,
		Message:  text,
	})
}

// HandlePing answers a client keepalive. No authentication needed.
func (r *Relay) HandlePing(s *Session) {
	s.touchPing(r.clock.Now().UTC())
	s.Send(v1.NewPong())
}
