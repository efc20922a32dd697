package realtime

import (
	"context"
	"errors"
	"strings"

	"plaza/cmd/internal/bans"
	"plaza/cmd/internal/store"
	v1 "plaza/contracts/realtime/v1"
)

// Admin actions reported on the feed.
const (
	ActionKick     = "kick"
	ActionBan      = "ban"
	ActionUnban    = "unban"
	ActionAnnounce = "announce"
)

const defaultKickReason = "Removed by an administrator"

// ErrEmptyAnnouncement is returned by Announce for a blank message.
var ErrEmptyAnnouncement = errors.New("realtime: empty announcement")

// ErrNoTarget is returned by Kick when neither a user id nor an email is given.
var ErrNoTarget = errors.New("realtime: kick needs a user id or email")

// Kick force-closes every authenticated session matching userID or email
// and returns how many were removed.
func (r *Relay) Kick(userID, email, reason string) (int, error) {
	userID = strings.TrimSpace(userID)
	email = strings.TrimSpace(email)
	if userID == "" && email == "" {
		return 0, ErrNoTarget
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultKickReason
	}

	targets := r.reg.ForEach(func(s *Session) bool {
		if !s.Authenticated() {
			return false
		}
		return (userID != "" && s.UserID() == userID) ||
			(email != "" && strings.EqualFold(s.Email(), email))
	})

	n := 0
	for _, s := range targets {
		if r.Evict(s, CloseForceKick, v1.NewForceKick(reason), ReasonKicked) {
			n++
		}
	}

	target := userID
	if target == "" {
		target = email
	}
	r.adminAction(ActionKick, target, n)
	return n, nil
}

// Ban records a rule and immediately evicts every live session it matches.
// If the rule cannot be stored nobody is evicted.
func (r *Relay) Ban(ctx context.Context, in bans.BanInput) (store.BanRule, int, error) {
	if r.bans == nil {
		return store.BanRule{}, 0, ErrNoBanDirectory
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	rule, err := r.bans.Ban(sctx, in)
	cancel()
	if err != nil {
		return store.BanRule{}, 0, err
	}

	n := r.evictMatching(rule, ReasonBanned)
	r.log.Info("relay.admin.ban", "kind", rule.Kind, "value", rule.Value, "evicted", n)
	r.adminAction(ActionBan, rule.Kind+":"+rule.Value, n)
	return rule, n, nil
}

// Unban deactivates every active rule for (kind, value).
func (r *Relay) Unban(ctx context.Context, kind, value string) (int, error) {
	if r.bans == nil {
		return 0, ErrNoBanDirectory
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	n, err := r.bans.Unban(sctx, kind, value)
	cancel()
	if err != nil {
		return 0, err
	}

	r.log.Info("relay.admin.unban", "kind", kind, "value", value, "deactivated", n)
	r.adminAction(ActionUnban, strings.TrimSpace(kind)+":"+strings.TrimSpace(value), n)
	return n, nil
}

// Announce broadcasts a server message to every authenticated session.
func (r *Relay) Announce(message string) (int, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return 0, ErrEmptyAnnouncement
	}
	message = truncateRunes(message, r.cfg.MaxChatRunes)
	now := r.clock.Now().UTC()

	n := r.cast.ToAll(v1.NewAnnouncement(message, now))
	r.feed.Publish(v1.EventAnnouncement, v1.NewAnnouncement(message, now))
	r.adminAction(ActionAnnounce, "all", n)
	return n, nil
}

// evictMatching closes every authenticated session the rule targets.
func (r *Relay) evictMatching(rule store.BanRule, reason string) int {
	targets := r.reg.ForEach(func(s *Session) bool {
		return s.Authenticated() && bans.Matches(rule, banQuery(s))
	})

	n := 0
	for _, s := range targets {
		if r.Evict(s, CloseBanned, v1.NewBanned(rule.Reason, rule.Kind, rule.ExpiresAt), reason) {
			n++
		}
	}
	return n
}

func (r *Relay) adminAction(action, target string, affected int) {
	r.feed.Publish(v1.EventAdminAction, v1.AdminActionEvent{
		Action:   action,
		Target:   target,
		Affected: affected,
	})
}
