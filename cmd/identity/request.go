package identity

import (
	"errors"
	"net/http"
	"strings"
)

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequestToken prefers the bearer header and falls back to the "token"
// query parameter, which browsers must use for WebSocket upgrades.
func RequestToken(r *http.Request) string {
	if t := BearerToken(r); t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// HTTPStatus maps an authorization error to a response status.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotAdmin):
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

// AuthorizeRequest runs Authorize on the request's token.
func (g *AdminGate) AuthorizeRequest(r *http.Request) (Identity, error) {
	if !g.Enabled() {
		return Identity{}, OpError{Op: "identity.AdminGate.AuthorizeRequest", Kind: ErrUnavailable, Msg: "admin access disabled"}
	}
	return g.Authorize(r.Context(), RequestToken(r))
}
