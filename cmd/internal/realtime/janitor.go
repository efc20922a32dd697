package realtime

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"plaza/cmd/internal/bans"
	v1 "plaza/contracts/realtime/v1"
)

// Janitor runs the relay's periodic housekeeping. Every task is a plain
// method so tests can drive it with a mock clock instead of waiting on Run.
type Janitor struct {
	relay *Relay
	log   *slog.Logger
}

func NewJanitor(r *Relay, log *slog.Logger) *Janitor {
	if log == nil {
		log = r.log
	}
	return &Janitor{relay: r, log: log.With("component", "janitor")}
}

// SweepIdle evicts authenticated sessions that stopped moving (AFK) or
// stopped sending anything at all (inactive). AFK is checked first.
func (j *Janitor) SweepIdle(now time.Time) int {
	r := j.relay
	cfg := r.cfg

	n := 0
	for _, s := range r.reg.Authenticated() {
		reason := s.idleReason(now, cfg.AFKAfter, cfg.InactiveAfter)
		if reason == "" {
			continue
		}
		msg := afkKickMessage
		if reason == ReasonInactive {
			msg = inactiveKickMessage
		}
		if r.Evict(s, CloseIdle, v1.NewAFKKick(msg), reason) {
			j.log.Info("janitor.evict", "conn_id", s.ID, "user_id", s.UserID(), "reason", reason)
			n++
		}
	}
	return n
}

// SweepZombies removes registered sessions whose transport already closed.
func (j *Janitor) SweepZombies() int {
	r := j.relay

	n := 0
	for _, s := range r.reg.ForEach(func(s *Session) bool { return s.Transport().Closed() }) {
		if r.remove(s, ReasonZombie, v1.EventPlayerLeft) {
			n++
		}
	}
	if n > 0 {
		r.m.Evicted(ReasonZombie)
		j.log.Info("janitor.zombies", "removed", n)
	}
	return n
}

// ExpirePendingAuth drops debounce markers older than PendingAuthTTL.
func (j *Janitor) ExpirePendingAuth(now time.Time) int {
	n := j.relay.reg.ExpirePending(now, j.relay.cfg.PendingAuthTTL)
	if n > 0 {
		j.log.Debug("janitor.pending.expired", "count", n)
	}
	return n
}

// Keepalive pings authenticated sessions that have been quiet for a full
// keepalive interval.
func (j *Janitor) Keepalive(now time.Time) int {
	r := j.relay

	n := 0
	for _, s := range r.reg.Authenticated() {
		if s.quietSince(now, r.cfg.KeepaliveEvery) && s.Send(v1.NewPing()) {
			n++
		}
	}
	return n
}

// SweepBans re-checks every authenticated session against the ban directory
// and evicts the ones that are now banned. Overdue rules are expired once per
// sweep. Store failures skip the session.
func (j *Janitor) SweepBans(ctx context.Context) int {
	r := j.relay
	if r.bans == nil {
		return 0
	}

	ectx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	if _, err := r.bans.ExpireDue(ectx); err != nil {
		j.log.Warn("janitor.bans.expire.fail", "err", err)
	}
	cancel()

	n := 0
	for _, s := range r.reg.Authenticated() {
		if ctx.Err() != nil {
			break
		}

		cctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
		verdict, err := r.bans.Lookup(cctx, banQuery(s))
		cancel()
		if err != nil {
			j.log.Warn("janitor.bans.check.fail", "conn_id", s.ID, "err", err)
			continue
		}
		if !verdict.Banned {
			continue
		}

		rule := verdict.Rule
		if r.Evict(s, CloseBanned, v1.NewBanned(rule.Reason, rule.Kind, rule.ExpiresAt), ReasonBanned) {
			j.log.Info("janitor.bans.evict", "conn_id", s.ID, "user_id", s.UserID(), "kind", rule.Kind)
			n++
		}
	}
	return n
}

// PublishStats pushes a load summary to admin observers.
func (j *Janitor) PublishStats() {
	r := j.relay
	r.feed.Publish(v1.EventStats, r.Stats())
}

// Run starts every task on its own ticker and blocks until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	cfg := j.relay.cfg
	clk := j.relay.clock

	g, ctx := errgroup.WithContext(ctx)
	every := func(name string, d time.Duration, fn func(now time.Time)) {
		g.Go(func() error {
			t := clk.Ticker(d)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					fn(clk.Now().UTC())
				}
			}
		})
		j.log.Debug("janitor.task.start", "task", name, "every", d.String())
	}

	every("idle", cfg.EvictionEvery, func(now time.Time) { j.SweepIdle(now) })
	every("zombies", cfg.ZombieEvery, func(time.Time) { j.SweepZombies() })
	every("pending", cfg.PendingEvery, func(now time.Time) { j.ExpirePendingAuth(now) })
	every("keepalive", cfg.KeepaliveEvery, func(now time.Time) { j.Keepalive(now) })
	every("bans", cfg.BanSweepEvery, func(time.Time) { j.SweepBans(ctx) })
	every("stats", cfg.StatsEvery, func(time.Time) { j.PublishStats() })

	return g.Wait()
}

func banQuery(s *Session) bans.Query {
	return bans.Query{Email: s.Email(), IP: s.IP, Identity: s.UserID()}
}
