package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken is returned when a token is missing, malformed, expired
	// or rejected by the identity service.
	ErrInvalidToken = errors.New("invalid token")

	// ErrUnavailable is returned when the identity service cannot be reached
	// or answers with a server error.
	ErrUnavailable = errors.New("identity service unavailable")

	// ErrNotAdmin is returned by AdminGate for a valid token that does not
	// resolve to the configured administrator.
	ErrNotAdmin = errors.New("not an administrator")

	// ErrConfig is returned for invalid validator configuration.
	ErrConfig = errors.New("invalid identity config")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinels above; Msg never includes the token.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// IsInvalidToken reports whether err represents ErrInvalidToken.
func IsInvalidToken(err error) bool { return errors.Is(err, ErrInvalidToken) }

// IsUnavailable reports whether err represents ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }
