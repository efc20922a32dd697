package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/coder/websocket"

	"plaza/cmd/identity"
	v1 "plaza/contracts/realtime/v1"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// WSGateway is the WebSocket entrypoint for players and admin observers.
//
// It enforces origin policy, read limits, the flood guard and heartbeats,
// and hands decoded frames to the Relay. Every connection, whatever ends
// it, leaves through Relay.Disconnect.
type WSGateway struct {
	log   *slog.Logger
	relay *Relay
	admin *identity.AdminGate
	cfg   Config

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway builds a gateway over relay. A nil admin gate disables /admin/ws.
func NewWSGateway(log *slog.Logger, relay *Relay, admin *identity.AdminGate) *WSGateway {
	if log == nil {
		log = relay.log
	}
	cfg := relay.Config()
	return &WSGateway{
		log:            log,
		relay:          relay,
		admin:          admin,
		cfg:            cfg,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades a player connection and runs it until it ends.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := g.accept(w, r)
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := NewClient("", g.cfg.SendQueueSize, g.relay.m.Drop)
	s := g.relay.Open(client, ClientIP(r, g.cfg.TrustProxy))
	client.ID = s.ID
	log := g.log.With("conn_id", s.ID)

	writerDone := make(chan struct{})
	go g.writeLoop(ctx, cancel, conn, client, log, writerDone)

	heartbeatDone := make(chan struct{})
	go g.heartbeat(ctx, conn, client, log, heartbeatDone)

	guard := NewFloodGuard(g.cfg.FloodEvents, g.cfg.FloodWindow)
	clk := g.relay.Clock()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			logReadEnd(log, err)
			break
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		if !guard.Allow(clk.Now()) {
			log.Info("ws.flood", "ip", s.IP)
			g.relay.Evict(s, websocket.StatusPolicyViolation, v1.NewError(v1.ErrKindRateLimited, "too many frames"), ReasonFlood)
			break
		}
		g.relay.HandleFrame(ctx, s, data)
	}

	client.Close(websocket.StatusNormalClosure, "bye")
	g.relay.Disconnect(s, ReasonClosed)
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// HandleAdminWS upgrades an administrator observer. The token is checked
// before the upgrade so rejected callers get a plain HTTP status.
func (g *WSGateway) HandleAdminWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.admin.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	who, err := g.admin.AuthorizeRequest(r)
	if err != nil {
		status := identity.HTTPStatus(err)
		g.log.Info("ws.admin.reject", "status", status, "remote", r.RemoteAddr, "err", err)
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := g.accept(w, r)
	if err != nil {
		g.log.Error("ws.admin.accept.fail", "err", err)
		return
	}
	conn.SetReadLimit(4 << 10)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	clk := g.relay.Clock()
	client := NewClient(NewConnID(clk.Now()), g.cfg.SendQueueSize, g.relay.m.Drop)
	log := g.log.With("observer_id", client.ID, "admin", who.Email)

	writerDone := make(chan struct{})
	go g.writeLoop(ctx, cancel, conn, client, log, writerDone)

	heartbeatDone := make(chan struct{})
	go g.heartbeat(ctx, conn, client, log, heartbeatDone)

	feed := g.relay.Feed()
	feed.Attach(client.ID, client)
	log.Info("ws.admin.attach")

	// Observers only listen; anything they send is discarded.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			logReadEnd(log, err)
			break
		}
	}

	feed.Detach(client.ID)
	client.Close(websocket.StatusNormalClosure, "bye")
	<-writerDone
	log.Info("ws.admin.detach")

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		// Offered, not required: clients that send no subprotocol are accepted.
		Subprotocols: []string{v1.Subprotocol},

		// Authorize allowed origin hosts for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
}

// writeLoop owns all writes to conn. When the client is closed it flushes
// whatever is still queued (so a kick notice lands before the close frame)
// and closes the socket with the recorded status.
func (g *WSGateway) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, client *Client, log *slog.Logger, done chan<- struct{}) {
	defer close(done)
	defer cancel()

	for {
		select {
		case f := <-client.send:
			if err := writeFrame(ctx, conn, f, g.cfg.WriteTimeout); err != nil {
				log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				client.Close(websocket.StatusAbnormalClosure, "write failed")
				_ = conn.CloseNow()
				return
			}
		case <-client.Done():
			for _, f := range client.drain() {
				if err := writeFrame(context.Background(), conn, f, g.cfg.WriteTimeout); err != nil {
					break
				}
			}
			code, reason := client.CloseStatus()
			_ = conn.Close(code, reason)
			return
		case <-ctx.Done():
			client.Close(websocket.StatusGoingAway, "server shutting down")
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}

func (g *WSGateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, log *slog.Logger, done chan<- struct{}) {
	defer close(done)

	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					client.Close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func writeFrame(parent context.Context, conn *websocket.Conn, f v1.Outbound, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", f.FrameType(), err)
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrTooBig
)

func classifyReadErr(err error) readErrKind {
	switch websocket.CloseStatus(err) {
	case -1:
	case websocket.StatusMessageTooBig:
		return readErrTooBig
	default:
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

func logReadEnd(log *slog.Logger, err error) {
	switch classifyReadErr(err) {
	case readErrClose, readErrCtxDone, readErrConnClosed:
		log.Debug("ws.read.end", "close_status", websocket.CloseStatus(err))
	case readErrTooBig:
		log.Info("ws.read.too_big", "err", err)
	default:
		log.Info("ws.read.fail", "err", err)
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match ignores port and scheme.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins keeps websocket.Accept's own origin
// check in agreement with enforceOrigin. A "*" entry allows any host.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		if h := originHostOnly(a); h != "" {
			seen[h] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
