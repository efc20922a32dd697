package identity

import (
	"context"
	"strings"
)

// AdminGate authorizes administrator tokens: the token must validate and
// resolve to the configured administrator email.
type AdminGate struct {
	validator  Validator
	adminEmail string
}

// NewAdminGate returns a gate. An empty adminEmail rejects every token.
func NewAdminGate(v Validator, adminEmail string) *AdminGate {
	return &AdminGate{validator: v, adminEmail: NormalizeEmail(adminEmail)}
}

// Enabled reports whether an administrator is configured.
func (g *AdminGate) Enabled() bool {
	return g != nil && g.validator != nil && g.adminEmail != ""
}

// Authorize validates token and checks the resolved email.
func (g *AdminGate) Authorize(ctx context.Context, token string) (Identity, error) {
	const op = "identity.AdminGate.Authorize"

	if !g.Enabled() {
		return Identity{}, OpError{Op: op, Kind: ErrNotAdmin, Msg: "no administrator configured"}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, OpError{Op: op, Kind: ErrInvalidToken, Msg: "empty token"}
	}

	id, err := g.validator.Validate(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	if id.Email == "" || NormalizeEmail(id.Email) != g.adminEmail {
		return Identity{}, OpError{Op: op, Kind: ErrNotAdmin}
	}
	return id, nil
}
