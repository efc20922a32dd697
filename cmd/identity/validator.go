package identity

import "context"

// Identity is what a valid token resolves to.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// Validator resolves a bearer token. Implementations return ErrInvalidToken
// for rejected tokens and ErrUnavailable when the answer is unknown.
type Validator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, token string) (Identity, error)

func (f ValidatorFunc) Validate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}
