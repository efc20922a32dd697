// Package audit writes relay activity to the document store without ever
// blocking the caller.
//
// Writes are queued on a bounded channel and applied in FIFO order by a
// single worker. A full queue drops the write; a failed write is logged.
// Neither is surfaced to the caller.
package audit

import (
	"context"
	"log/slog"
	"time"

	"plaza/cmd/internal/metrics"
	"plaza/cmd/internal/store"
)

const (
	defaultQueueSize    = 4096
	defaultWriteTimeout = 3 * time.Second
	drainTimeout        = 5 * time.Second
)

// Options tune the sink. Zero values select defaults.
type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
	Metrics      *metrics.Metrics
}

type job struct {
	op string
	fn func(ctx context.Context, st store.Store) error
}

// Sink is a fire-and-forget writer in front of a store.Store.
type Sink struct {
	st      store.Store
	log     *slog.Logger
	m       *metrics.Metrics
	timeout time.Duration
	queue   chan job
}

// New constructs a Sink. Call Run to start the worker.
func New(st store.Store, log *slog.Logger, opts Options) *Sink {
	if log == nil {
		log = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Sink{
		st:      st,
		log:     log,
		m:       opts.Metrics,
		timeout: opts.WriteTimeout,
		queue:   make(chan job, opts.QueueSize),
	}
}

// Run applies queued writes until ctx is canceled, then drains what is left
// within a short grace period.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			s.Drain(drainCtx)
			cancel()
			return nil
		case j := <-s.queue:
			s.apply(ctx, j)
		}
	}
}

// Drain applies every currently queued write, stopping early if ctx ends.
func (s *Sink) Drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.apply(ctx, j)
		default:
			return
		}
	}
}

// Pending reports the number of queued writes.
func (s *Sink) Pending() int { return len(s.queue) }

func (s *Sink) apply(ctx context.Context, j job) {
	if s.st == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := j.fn(wctx, s.st); err != nil {
		s.m.AuditFailed(j.op)
		s.log.Warn("audit.write.fail", "op", j.op, "err", err)
	}
}

func (s *Sink) enqueue(op string, fn func(ctx context.Context, st store.Store) error) {
	if s == nil {
		return
	}
	select {
	case s.queue <- job{op: op, fn: fn}:
	default:
		s.m.AuditDrop()
		s.log.Warn("audit.queue.full", "op", op)
	}
}

func (s *Sink) SessionJoined(ev store.SessionEvent) {
	ev.Event = store.SessionEventJoin
	s.enqueue("session_join", func(ctx context.Context, st store.Store) error {
		return st.AppendSessionEvent(ctx, ev)
	})
}

func (s *Sink) SessionLeft(ev store.SessionEvent) {
	ev.Event = store.SessionEventLeave
	s.enqueue("session_leave", func(ctx context.Context, st store.Store) error {
		return st.AppendSessionEvent(ctx, ev)
	})
}

func (s *Sink) ChatPosted(rec store.ChatRecord) {
	s.enqueue("chat", func(ctx context.Context, st store.Store) error {
		return st.AppendChat(ctx, rec)
	})
}

func (s *Sink) IPSeen(ip, userID, email string, at time.Time) {
	s.enqueue("ip", func(ctx context.Context, st store.Store) error {
		return st.TouchIP(ctx, ip, userID, email, at)
	})
}

func (s *Sink) PlayerMoved(p store.ActivePlayer) {
	s.enqueue("player_upsert", func(ctx context.Context, st store.Store) error {
		return st.UpsertActivePlayer(ctx, p)
	})
}

func (s *Sink) PlayerGone(userID string) {
	s.enqueue("player_delete", func(ctx context.Context, st store.Store) error {
		return st.DeleteActivePlayer(ctx, userID)
	})
}
