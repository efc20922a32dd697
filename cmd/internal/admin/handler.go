// Package admin serves the token-gated moderation and history endpoints.
// Actions go through the live relay; listings read the document store.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"plaza/cmd/identity"
	"plaza/cmd/internal/bans"
	"plaza/cmd/internal/realtime"
	"plaza/cmd/internal/store"
	v1 "plaza/contracts/realtime/v1"
)

const (
	defaultMaxBody      = 16 << 10
	defaultQueryTimeout = 5 * time.Second
	summaryScanLimit    = 1000
)

// Moderator is the slice of the relay the admin surface drives.
type Moderator interface {
	Kick(userID, email, reason string) (int, error)
	Ban(ctx context.Context, in bans.BanInput) (store.BanRule, int, error)
	Unban(ctx context.Context, kind, value string) (int, error)
	Announce(message string) (int, error)
	Stats() v1.StatsEvent
}

// BanChecker answers check-ban queries.
type BanChecker interface {
	Check(ctx context.Context, q bans.Query) (bans.Verdict, error)
}

// Handler wires admin HTTP endpoints to the relay and the document store.
type Handler struct {
	log   *slog.Logger
	gate  *identity.AdminGate
	relay Moderator
	bans  BanChecker
	store store.Store
	clock clock.Clock

	maxBody      int64
	queryTimeout time.Duration
}

// HandlerOption configures optional handler settings.
type HandlerOption func(*Handler)

// WithClock overrides the wall clock used for summary timestamps.
func WithClock(clk clock.Clock) HandlerOption {
	return func(h *Handler) {
		if clk != nil {
			h.clock = clk
		}
	}
}

// WithQueryTimeout bounds each store read.
func WithQueryTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.queryTimeout = d
		}
	}
}

// NewHandler constructs a Handler. A nil store makes listing endpoints
// return 503; a disabled gate makes every endpoint return 503.
func NewHandler(log *slog.Logger, gate *identity.AdminGate, relay Moderator, checker BanChecker, st store.Store, opts ...HandlerOption) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:          log,
		gate:         gate,
		relay:        relay,
		bans:         checker,
		store:        st,
		clock:        clock.New(),
		maxBody:      defaultMaxBody,
		queryTimeout: defaultQueryTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register wires admin routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/admin/kick", h.post(h.handleKick))
	mux.HandleFunc("/admin/ban", h.post(h.handleBan))
	mux.HandleFunc("/admin/unban", h.post(h.handleUnban))
	mux.HandleFunc("/admin/announce", h.post(h.handleAnnounce))
	mux.HandleFunc("/admin/bans/check", h.get(h.handleCheckBan))
	mux.HandleFunc("/admin/bans", h.get(h.handleListBans))
	mux.HandleFunc("/admin/chat", h.get(h.handleChat))
	mux.HandleFunc("/admin/sessions", h.get(h.handleSessions))
	mux.HandleFunc("/admin/ips", h.get(h.handleIPs))
	mux.HandleFunc("/admin/players", h.get(h.handlePlayers))
	mux.HandleFunc("/admin/summary", h.get(h.handleSummary))
}

type adminHandler func(w http.ResponseWriter, r *http.Request, who identity.Identity)

func (h *Handler) post(next adminHandler) http.HandlerFunc {
	return h.guard(http.MethodPost, next)
}

func (h *Handler) get(next adminHandler) http.HandlerFunc {
	return h.guard(http.MethodGet, next)
}

// guard enforces the method and the admin token before calling next.
func (h *Handler) guard(method string, next adminHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		who, err := h.gate.AuthorizeRequest(r)
		if err != nil {
			status := identity.HTTPStatus(err)
			h.log.Warn("admin.auth.denied", "path", r.URL.Path, "status", status, "err", err)
			switch status {
			case http.StatusUnauthorized:
				writeError(w, status, "unauthorized", "admin token required")
			case http.StatusForbidden:
				writeError(w, status, "forbidden", "not an administrator")
			default:
				writeError(w, status, "identity_unavailable", "admin access unavailable")
			}
			return
		}
		next(w, r, who)
	}
}

// ---- actions ----

func (h *Handler) handleKick(w http.ResponseWriter, r *http.Request, who identity.Identity) {
	var req kickRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	n, err := h.relay.Kick(req.UserID, req.Email, req.Reason)
	if err != nil {
		if errors.Is(err, realtime.ErrNoTarget) {
			writeError(w, http.StatusBadRequest, "invalid_request", "userId or email is required")
			return
		}
		h.log.Error("admin.kick.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "kick failed")
		return
	}

	target := strings.TrimSpace(req.UserID)
	if target == "" {
		target = strings.TrimSpace(req.Email)
	}
	h.log.Info("admin.kick", "by", who.Email, "target", target, "affected", n)
	writeJSON(w, http.StatusOK, actionResponse{Action: realtime.ActionKick, Target: target, Affected: n})
}

func (h *Handler) handleBan(w http.ResponseWriter, r *http.Request, who identity.Identity) {
	var req banRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(h.clock.Now()) {
		writeError(w, http.StatusBadRequest, "invalid_request", "expiresAt must be in the future")
		return
	}

	rule, n, err := h.relay.Ban(r.Context(), bans.BanInput{
		Kind:      req.Kind,
		Value:     req.Value,
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
		CreatedBy: who.Email,
	})
	if err != nil {
		h.writeModerationError(w, "ban", err)
		return
	}
	h.log.Info("admin.ban", "by", who.Email, "kind", rule.Kind, "value", rule.Value, "evicted", n)
	writeJSON(w, http.StatusOK, banResponse{Rule: rule, Evicted: n})
}

func (h *Handler) handleUnban(w http.ResponseWriter, r *http.Request, who identity.Identity) {
	var req unbanRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	n, err := h.relay.Unban(r.Context(), req.Kind, req.Value)
	if err != nil {
		h.writeModerationError(w, "unban", err)
		return
	}
	h.log.Info("admin.unban", "by", who.Email, "kind", req.Kind, "value", req.Value, "deactivated", n)
	writeJSON(w, http.StatusOK, actionResponse{
		Action:   realtime.ActionUnban,
		Target:   strings.TrimSpace(req.Kind) + ":" + strings.TrimSpace(req.Value),
		Affected: n,
	})
}

func (h *Handler) handleAnnounce(w http.ResponseWriter, r *http.Request, who identity.Identity) {
	var req announceRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	n, err := h.relay.Announce(req.Message)
	if err != nil {
		if errors.Is(err, realtime.ErrEmptyAnnouncement) {
			writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
			return
		}
		h.log.Error("admin.announce.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "announce failed")
		return
	}
	h.log.Info("admin.announce", "by", who.Email, "delivered", n)
	writeJSON(w, http.StatusOK, actionResponse{Action: realtime.ActionAnnounce, Target: "all", Affected: n})
}

func (h *Handler) writeModerationError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, bans.ErrInvalidKind):
		writeError(w, http.StatusBadRequest, "invalid_kind", "kind must be email, identity or ip")
	case errors.Is(err, bans.ErrInvalidValue):
		writeError(w, http.StatusBadRequest, "invalid_value", "value is empty or malformed")
	default:
		h.log.Error("admin."+op+".fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "ban store unavailable")
	}
}

// ---- queries ----

func (h *Handler) handleCheckBan(w http.ResponseWriter, r *http.Request, _ identity.Identity) {
	if h.bans == nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "ban store not configured")
		return
	}
	q := r.URL.Query()
	query := bans.Query{
		Email:    q.Get("email"),
		IP:       q.Get("ip"),
		Identity: q.Get("identity"),
	}
	if strings.TrimSpace(query.Email+query.IP+query.Identity) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "one of email, ip or identity is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()
	v, err := h.bans.Check(ctx, query)
	if err != nil {
		h.log.Error("admin.bans.check.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "ban store unavailable")
		return
	}

	resp := checkResponse{Banned: v.Banned}
	if v.Banned {
		rule := v.Rule
		resp.Rule = &rule
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListBans(w http.ResponseWriter, r *http.Request, _ identity.Identity) {
	serveList(h, w, r, "bans", func(ctx context.Context) ([]store.BanRule, error) {
		return h.store.ListBans(ctx, queryBool(r, "active", false), queryLimit(r))
	})
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request, _ identity.Identity) {
	serveList(h, w, r, "chat", func(ctx context.Context) ([]store.ChatRecord, error) {
		return h.store.ListChat(ctx, queryLimit(r))
	})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request, _ identity.Identity) {
	serveList(h, w, r, "sessions", func(ctx context.Context) ([]store.SessionEvent, error) {
		return h.store.ListSessionEvents(ctx, store.SessionQuery{
			UserID: strings.TrimSpace(r.URL.Query().Get("userId")),
			Limit:  queryLimit(r),
		})
	})
}

func (h *Handler) handleIPs(w http.ResponseWriter, r *http.Request, _ identity.Identity) {
	serveList(h, w, r, "ips", func(ctx context.Context) ([]store.IPRecord, error) {
		return h.store.ListIPs(ctx, store.IPQuery{
			IP:     strings.TrimSpace(r.URL.Query().Get("ip")),
			UserID: strings.TrimSpace(r.URL.Query().Get("userId")),
			Limit:  queryLimit(r),
		})
	})
}

func (h *Handler) handlePlayers(w http.ResponseWriter, r *http.Request, _ identity.Identity) {
	serveList(h, w, r, "players", func(ctx context.Context) ([]store.ActivePlayer, error) {
		return h.store.ListActivePlayers(ctx)
	})
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request, _ identity.Identity) {
	resp := summaryResponse{Live: h.relay.Stats(), At: h.clock.Now().UTC()}
	if h.store == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()

	active, err := h.store.ListBans(ctx, true, summaryScanLimit)
	if err != nil {
		h.log.Error("admin.summary.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "document store unavailable")
		return
	}
	players, err := h.store.ListActivePlayers(ctx)
	if err != nil {
		h.log.Error("admin.summary.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "document store unavailable")
		return
	}
	resp.ActiveBans = len(active)
	resp.ActivePlayers = len(players)
	writeJSON(w, http.StatusOK, resp)
}

// serveList runs one bounded store read and writes {"items": [...]}.
func serveList[T any](h *Handler, w http.ResponseWriter, r *http.Request, name string, fetch func(ctx context.Context) ([]T, error)) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "document store not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.queryTimeout)
	defer cancel()

	items, err := fetch(ctx)
	if err != nil {
		h.log.Error("admin.list.fail", "list", name, "err", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "document store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, listOf(items))
}
