// Package app wires the plaza server runtime: config, logging, the document
// store, the relay, its HTTP surfaces and the background workers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"plaza/cmd/identity"
	"plaza/cmd/internal/admin"
	"plaza/cmd/internal/audit"
	"plaza/cmd/internal/bans"
	"plaza/cmd/internal/metrics"
	"plaza/cmd/internal/realtime"
	"plaza/cmd/internal/store"
)

// App is the plaza server runtime: it owns the store, the relay and the
// HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	store  store.Store
	dbPool *pgxpool.Pool

	promReg *prometheus.Registry
	relay   *realtime.Relay
	janitor *realtime.Janitor
	sink    *audit.Sink
	ws      *realtime.WSGateway
	admin   *admin.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	clk := clock.New()

	validator, err := newValidator(cfg, clk)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	st, pool, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	sink := audit.New(st, log.With("component", "audit"), audit.Options{
		QueueSize:    cfg.AuditQueueSize,
		WriteTimeout: cfg.AuditWriteTimeout,
		Metrics:      m,
	})
	directory := bans.New(st, clk)

	relay := realtime.NewRelay(realtime.Deps{
		Log:      log.With("component", "relay"),
		Clock:    clk,
		Config:   cfg.Relay,
		Identity: validator,
		Bans:     directory,
		Audit:    sink,
		Metrics:  m,
	})

	gate := identity.NewAdminGate(validator, cfg.AdminEmail)
	if !gate.Enabled() {
		log.Warn("admin.disabled", "reason", "PLAZA_ADMIN_EMAIL not set")
	}
	adm := admin.NewHandler(log.With("component", "admin"), gate, relay, directory, st,
		admin.WithQueryTimeout(cfg.Relay.StoreTimeout))

	return &App{
		cfg:     cfg,
		log:     log,
		store:   st,
		dbPool:  pool,
		promReg: promReg,
		relay:   relay,
		janitor: realtime.NewJanitor(relay, nil),
		sink:    sink,
		ws:      realtime.NewWSGateway(log.With("component", "ws"), relay, gate),
		admin:   adm,
	}, nil
}

// newValidator picks the identity source. The first configured one wins.
func newValidator(cfg Config, clk clock.Clock) (identity.Validator, error) {
	switch {
	case cfg.IdentityURL != "":
		return identity.NewHTTPValidator(cfg.IdentityURL, cfg.Relay.IdentityTimeout)
	case cfg.IdentityPasetoPublicKey != "":
		return identity.NewPasetoValidator(cfg.IdentityPasetoPublicKey, cfg.IdentityPasetoIssuer, cfg.IdentityClockSkew, clk)
	case cfg.IdentityDevTokens != "":
		return identity.ParseStaticTokens(cfg.IdentityDevTokens)
	}
	return nil, errors.New("app: no identity source configured")
}

// Handler returns the full HTTP handler with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.promReg, a.ws, a.admin)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server, the janitor and the audit sink, and blocks
// until ctx is canceled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	base := runtimeBaseURL(ln.Addr().String())
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
	)

	// The sink stops only after relay shutdown has queued the last departures.
	sinkCtx, stopSink := context.WithCancel(context.Background())
	defer stopSink()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sink.Run(sinkCtx) })
	g.Go(func() error { return a.janitor.Run(gctx) })
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		a.relay.Shutdown()
		stopSink()
		return err
	})

	err = g.Wait()
	if cerr := a.Close(); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	if err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// Close releases the store and the database pool.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = multierr.Append(err, a.store.Close())
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	return err
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a dialable http URL; wildcard
// binds resolve to loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
