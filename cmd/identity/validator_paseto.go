package identity

import (
	"context"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/benbjohnson/clock"
)

// PasetoValidator verifies PASETO v4.public tokens signed by a trusted
// identity service, without a network round trip.
//
// Required claims: "uid". Optional: "name", "email".
// Issuer is enforced when configured. Clock skew is applied via ValidAt.
type PasetoValidator struct {
	public    paseto.V4AsymmetricPublicKey
	issuer    string
	clockSkew time.Duration
	clock     clock.Clock
}

// NewPasetoValidator parses a hex-encoded Ed25519 public key.
func NewPasetoValidator(publicKeyHex, issuer string, clockSkew time.Duration, clk clock.Clock) (*PasetoValidator, error) {
	pub, err := paseto.NewV4AsymmetricPublicKeyFromHex(strings.TrimSpace(publicKeyHex))
	if err != nil {
		return nil, OpError{Op: "identity.NewPasetoValidator", Kind: ErrConfig, Msg: "bad public key"}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &PasetoValidator{
		public:    pub,
		issuer:    strings.TrimSpace(issuer),
		clockSkew: clockSkew,
		clock:     clk,
	}, nil
}

func (v *PasetoValidator) Validate(ctx context.Context, token string) (Identity, error) {
	const op = "identity.PasetoValidator.Validate"

	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	// Validate slightly in the future to tolerate "nbf" drift between hosts.
	validNow := v.clock.Now().Add(v.clockSkew)

	// Fresh parser per call so rules never accumulate.
	p := paseto.NewParserWithoutExpiryCheck()
	if v.issuer != "" {
		p.AddRule(paseto.IssuedBy(v.issuer))
	}
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(v.public, strings.TrimSpace(token), nil)
	if err != nil {
		return Identity{}, OpError{Op: op, Kind: ErrInvalidToken}
	}

	uid, err := parsed.GetString("uid")
	if err != nil || strings.TrimSpace(uid) == "" {
		return Identity{}, OpError{Op: op, Kind: ErrInvalidToken, Msg: "missing uid"}
	}
	name, _ := parsed.GetString("name")
	email, _ := parsed.GetString("email")

	return Identity{
		UserID:      strings.TrimSpace(uid),
		DisplayName: strings.TrimSpace(name),
		Email:       NormalizeEmail(email),
	}, nil
}

// PasetoIssuer signs tokens the PasetoValidator accepts. The relay itself
// never issues tokens; this backs the smoke tool and tests.
type PasetoIssuer struct {
	secret paseto.V4AsymmetricSecretKey
	issuer string
	ttl    time.Duration
}

// NewPasetoIssuer parses a hex-encoded Ed25519 secret key.
func NewPasetoIssuer(secretKeyHex, issuer string, ttl time.Duration) (*PasetoIssuer, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(secretKeyHex))
	if err != nil {
		return nil, OpError{Op: "identity.NewPasetoIssuer", Kind: ErrConfig, Msg: "bad secret key"}
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &PasetoIssuer{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// GeneratePasetoKeyHex returns a fresh (secret, public) hex keypair.
func GeneratePasetoKeyHex() (secretHex, publicHex string) {
	secret := paseto.NewV4AsymmetricSecretKey()
	return secret.ExportHex(), secret.Public().ExportHex()
}

// PublicKeyHex returns the verifying key for this issuer.
func (i *PasetoIssuer) PublicKeyHex() string {
	return i.secret.Public().ExportHex()
}

// Issue signs a token for id valid from now until now+ttl.
func (i *PasetoIssuer) Issue(id Identity, now time.Time) string {
	tok := paseto.NewToken()
	if i.issuer != "" {
		tok.SetIssuer(i.issuer)
	}
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(now.Add(i.ttl))

	_ = tok.Set("uid", id.UserID)
	if id.DisplayName != "" {
		_ = tok.Set("name", id.DisplayName)
	}
	if id.Email != "" {
		_ = tok.Set("email", id.Email)
	}
	return tok.V4Sign(i.secret, nil)
}
