// Package bans answers "is this identity currently banned" and records
// administrative ban decisions.
package bans

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"plaza/cmd/internal/store"
)

var (
	// ErrInvalidKind is returned for a kind other than email, identity or ip.
	ErrInvalidKind = errors.New("bans: invalid kind")
	// ErrInvalidValue is returned for an empty or unparsable value.
	ErrInvalidValue = errors.New("bans: invalid value")
)

// Query carries the identifiers to check. Empty fields are ignored.
type Query struct {
	Email    string
	IP       string
	Identity string
}

func (q Query) match() store.BanMatch {
	return store.BanMatch{
		Email:    normalizeEmail(q.Email),
		IP:       normalizeIP(q.IP),
		Identity: strings.TrimSpace(q.Identity),
	}
}

func (q Query) empty() bool { return q.match().Empty() }

// Verdict is the outcome of a check. Rule is set only when Banned is true.
type Verdict struct {
	Banned bool
	Rule   store.BanRule
}

// BanInput describes a new rule.
type BanInput struct {
	Kind      string
	Value     string
	Reason    string
	ExpiresAt *time.Time
	CreatedBy string
}

// Directory wraps a BanStore with expiry handling and normalization.
type Directory struct {
	st    store.BanStore
	clock clock.Clock
}

// New constructs a Directory. A nil clock selects the wall clock.
func New(st store.BanStore, clk clock.Clock) *Directory {
	if clk == nil {
		clk = clock.New()
	}
	return &Directory{st: st, clock: clk}
}

// Check lazily expires overdue rules, then reports whether any active rule
// matches one of the query's identifiers.
func (d *Directory) Check(ctx context.Context, q Query) (Verdict, error) {
	if d == nil || d.st == nil {
		return Verdict{}, store.ErrNilStore
	}
	if q.empty() {
		return Verdict{}, nil
	}
	if _, err := d.st.ExpireBans(ctx, d.clock.Now().UTC()); err != nil {
		return Verdict{}, fmt.Errorf("expire bans: %w", err)
	}
	return d.Lookup(ctx, q)
}

// Lookup is Check without the expiry write. Rules past their expiry never
// match, whether or not they have been deactivated yet.
func (d *Directory) Lookup(ctx context.Context, q Query) (Verdict, error) {
	if d == nil || d.st == nil {
		return Verdict{}, store.ErrNilStore
	}
	m := q.match()
	if m.Empty() {
		return Verdict{}, nil
	}

	now := d.clock.Now().UTC()
	rules, err := d.st.FindActiveBans(ctx, m)
	if err != nil {
		return Verdict{}, fmt.Errorf("find bans: %w", err)
	}
	for _, r := range rules {
		if live(r, now) {
			return Verdict{Banned: true, Rule: r}, nil
		}
	}
	return Verdict{}, nil
}

// Ban deactivates any active rule for the same (kind, value) and inserts a
// fresh one, so earlier decisions stay in the history.
func (d *Directory) Ban(ctx context.Context, in BanInput) (store.BanRule, error) {
	if d == nil || d.st == nil {
		return store.BanRule{}, store.ErrNilStore
	}
	kind, err := ParseKind(in.Kind)
	if err != nil {
		return store.BanRule{}, err
	}
	value, err := NormalizeValue(kind, in.Value)
	if err != nil {
		return store.BanRule{}, err
	}

	now := d.clock.Now().UTC()
	if _, err := d.st.DeactivateBans(ctx, kind, value, now); err != nil {
		return store.BanRule{}, fmt.Errorf("deactivate bans: %w", err)
	}
	return d.st.InsertBan(ctx, store.BanRule{
		Kind:      kind,
		Value:     value,
		Reason:    strings.TrimSpace(in.Reason),
		ExpiresAt: in.ExpiresAt,
		CreatedBy: in.CreatedBy,
		CreatedAt: now,
	})
}

// Unban deactivates every active rule for (kind, value) and returns how many
// were affected.
func (d *Directory) Unban(ctx context.Context, kind, value string) (int, error) {
	if d == nil || d.st == nil {
		return 0, store.ErrNilStore
	}
	kind, err := ParseKind(kind)
	if err != nil {
		return 0, err
	}
	value, err = NormalizeValue(kind, value)
	if err != nil {
		return 0, err
	}
	return d.st.DeactivateBans(ctx, kind, value, d.clock.Now().UTC())
}

// ExpireDue deactivates rules whose expiry has passed.
func (d *Directory) ExpireDue(ctx context.Context) (int, error) {
	if d == nil || d.st == nil {
		return 0, store.ErrNilStore
	}
	return d.st.ExpireBans(ctx, d.clock.Now().UTC())
}

// List returns rules newest first.
func (d *Directory) List(ctx context.Context, activeOnly bool, limit int) ([]store.BanRule, error) {
	if d == nil || d.st == nil {
		return nil, store.ErrNilStore
	}
	return d.st.ListBans(ctx, activeOnly, limit)
}

// Matches reports whether a rule targets the given identifiers. Used by the
// live-session scan after an administrative ban.
func Matches(r store.BanRule, q Query) bool {
	switch r.Kind {
	case store.BanKindEmail:
		return q.Email != "" && strings.EqualFold(r.Value, strings.TrimSpace(q.Email))
	case store.BanKindIP:
		return q.IP != "" && r.Value == normalizeIP(q.IP)
	case store.BanKindIdentity:
		return q.Identity != "" && r.Value == strings.TrimSpace(q.Identity)
	}
	return false
}

// ParseKind accepts the canonical kind names plus a few aliases.
func ParseKind(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case store.BanKindEmail:
		return store.BanKindEmail, nil
	case store.BanKindIdentity, "user", "userid", "account":
		return store.BanKindIdentity, nil
	case store.BanKindIP:
		return store.BanKindIP, nil
	}
	return "", ErrInvalidKind
}

// NormalizeValue canonicalizes a rule value for its kind.
func NormalizeValue(kind, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", ErrInvalidValue
	}
	switch kind {
	case store.BanKindEmail:
		if !strings.Contains(value, "@") {
			return "", ErrInvalidValue
		}
		return normalizeEmail(value), nil
	case store.BanKindIP:
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return "", ErrInvalidValue
		}
		return addr.Unmap().String(), nil
	case store.BanKindIdentity:
		return value, nil
	}
	return "", ErrInvalidKind
}

func live(r store.BanRule, now time.Time) bool {
	return r.Active && (r.ExpiresAt == nil || r.ExpiresAt.After(now))
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String()
	}
	return s
}
