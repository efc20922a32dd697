package identity

import (
	"context"
	"strings"
)

// StaticValidator is a development-only token table.
type StaticValidator struct {
	tokens map[string]Identity
}

// ParseStaticTokens parses "token=userId:displayName:email" entries separated
// by commas. displayName and email may be empty.
func ParseStaticTokens(list string) (*StaticValidator, error) {
	const op = "identity.ParseStaticTokens"

	out := &StaticValidator{tokens: make(map[string]Identity)}
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		tok, rest, ok := strings.Cut(entry, "=")
		tok = strings.TrimSpace(tok)
		if !ok || tok == "" {
			return nil, OpError{Op: op, Kind: ErrConfig, Msg: "entry must be token=userId[:name[:email]]"}
		}
		parts := strings.SplitN(rest, ":", 3)
		id := Identity{UserID: strings.TrimSpace(parts[0])}
		if id.UserID == "" {
			return nil, OpError{Op: op, Kind: ErrConfig, Msg: "empty user id"}
		}
		if len(parts) > 1 {
			id.DisplayName = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			id.Email = NormalizeEmail(parts[2])
		}
		out.tokens[tok] = id
	}
	if len(out.tokens) == 0 {
		return nil, OpError{Op: op, Kind: ErrConfig, Msg: "no tokens"}
	}
	return out, nil
}

// NewStaticValidator builds a table directly.
func NewStaticValidator(tokens map[string]Identity) *StaticValidator {
	m := make(map[string]Identity, len(tokens))
	for k, v := range tokens {
		m[k] = v
	}
	return &StaticValidator{tokens: m}
}

func (v *StaticValidator) Validate(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	id, ok := v.tokens[strings.TrimSpace(token)]
	if !ok {
		return Identity{}, OpError{Op: "identity.StaticValidator.Validate", Kind: ErrInvalidToken}
	}
	return id, nil
}
