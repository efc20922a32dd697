package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxValidateBody = 64 << 10

// HTTPValidator calls the external identity service once per token.
//
// Contract: GET {URL} with "Authorization: Bearer <token>". A 200 answer
// carries {"valid", "userId", "displayName", "email"}; 401/403/404 mean the
// token is rejected; anything else is treated as an outage.
type HTTPValidator struct {
	URL    string
	Client *http.Client
}

// NewHTTPValidator validates the URL and applies a request timeout.
func NewHTTPValidator(rawURL string, timeout time.Duration) (*HTTPValidator, error) {
	rawURL = strings.TrimSpace(rawURL)
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, OpError{Op: "identity.NewHTTPValidator", Kind: ErrConfig, Msg: "url must be http(s)"}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPValidator{
		URL:    rawURL,
		Client: &http.Client{Timeout: timeout},
	}, nil
}

type validateResponse struct {
	Valid       bool   `json:"valid"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

func (v *HTTPValidator) Validate(ctx context.Context, token string) (Identity, error) {
	const op = "identity.HTTPValidator.Validate"

	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, OpError{Op: op, Kind: ErrInvalidToken, Msg: "empty token"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.URL, nil)
	if err != nil {
		return Identity{}, OpError{Op: op, Kind: ErrUnavailable, Msg: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	client := v.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Identity{}, err
		}
		return Identity{}, OpError{Op: op, Kind: ErrUnavailable, Msg: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		return Identity{}, OpError{Op: op, Kind: ErrInvalidToken, Msg: resp.Status}
	default:
		return Identity{}, OpError{Op: op, Kind: ErrUnavailable, Msg: resp.Status}
	}

	var body validateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxValidateBody)).Decode(&body); err != nil {
		return Identity{}, OpError{Op: op, Kind: ErrUnavailable, Msg: fmt.Sprintf("decode: %v", err)}
	}
	if !body.Valid || strings.TrimSpace(body.UserID) == "" {
		return Identity{}, OpError{Op: op, Kind: ErrInvalidToken}
	}

	return Identity{
		UserID:      strings.TrimSpace(body.UserID),
		DisplayName: strings.TrimSpace(body.DisplayName),
		Email:       NormalizeEmail(body.Email),
	}, nil
}
