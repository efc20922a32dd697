package bans

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plaza/cmd/internal/store"
)

func newDirectory(t *testing.T) (*Directory, *clock.Mock, *store.Memory) {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	mem := store.NewMemory()
	return New(mem, clk), clk, mem
}

func TestCheck_EmailBanIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	d, _, _ := newDirectory(t)
	ctx := context.Background()

	_, err := d.Ban(ctx, BanInput{Kind: "email", Value: "Griefer@Example.com", Reason: "griefing"})
	require.NoError(t, err)

	v, err := d.Check(ctx, Query{Email: "griefer@example.COM"})
	require.NoError(t, err)
	require.True(t, v.Banned)
	assert.Equal(t, "griefing", v.Rule.Reason)
	assert.Equal(t, "griefer@example.com", v.Rule.Value)
}

func TestCheck_OrAcrossIdentifiers(t *testing.T) {
	t.Parallel()

	d, _, _ := newDirectory(t)
	ctx := context.Background()

	_, err := d.Ban(ctx, BanInput{Kind: "ip", Value: "203.0.113.7"})
	require.NoError(t, err)

	v, err := d.Check(ctx, Query{Email: "clean@example.com", IP: "::ffff:203.0.113.7"})
	require.NoError(t, err)
	assert.True(t, v.Banned)
	assert.Equal(t, store.BanKindIP, v.Rule.Kind)

	v, err = d.Check(ctx, Query{Email: "clean@example.com", IP: "203.0.113.8"})
	require.NoError(t, err)
	assert.False(t, v.Banned)
}

func TestCheck_ExpiredRuleIsDeactivated(t *testing.T) {
	t.Parallel()

	d, clk, mem := newDirectory(t)
	ctx := context.Background()

	exp := clk.Now().Add(time.Minute)
	_, err := d.Ban(ctx, BanInput{Kind: "identity", Value: "u-1", ExpiresAt: &exp})
	require.NoError(t, err)

	v, err := d.Check(ctx, Query{Identity: "u-1"})
	require.NoError(t, err)
	assert.True(t, v.Banned)

	clk.Add(time.Minute)

	v, err = d.Check(ctx, Query{Identity: "u-1"})
	require.NoError(t, err)
	assert.False(t, v.Banned)

	active, err := mem.ListBans(ctx, true, 0)
	require.NoError(t, err)
	assert.Empty(t, active, "expired rule must be soft-deactivated")

	all, err := mem.ListBans(ctx, false, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1, "rules are never deleted")
}

func TestLookup_IgnoresExpiredWithoutDeactivating(t *testing.T) {
	t.Parallel()

	d, clk, mem := newDirectory(t)
	ctx := context.Background()

	exp := clk.Now().Add(time.Minute)
	_, err := d.Ban(ctx, BanInput{Kind: "identity", Value: "u-1", ExpiresAt: &exp})
	require.NoError(t, err)
	_, err = d.Ban(ctx, BanInput{Kind: "identity", Value: "u-2"})
	require.NoError(t, err)

	clk.Add(2 * time.Minute)

	v, err := d.Lookup(ctx, Query{Identity: "u-1"})
	require.NoError(t, err)
	assert.False(t, v.Banned)

	v, err = d.Lookup(ctx, Query{Identity: "u-2"})
	require.NoError(t, err)
	assert.True(t, v.Banned)

	active, err := mem.ListBans(ctx, true, 0)
	require.NoError(t, err)
	assert.Len(t, active, 2, "lookup leaves expiry to Check and ExpireDue")

	n, err := d.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBan_ReplacesActiveRuleKeepingHistory(t *testing.T) {
	t.Parallel()

	d, _, mem := newDirectory(t)
	ctx := context.Background()

	first, err := d.Ban(ctx, BanInput{Kind: "email", Value: "x@example.com", Reason: "one"})
	require.NoError(t, err)
	second, err := d.Ban(ctx, BanInput{Kind: "email", Value: "x@example.com", Reason: "two"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	active, err := mem.ListBans(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "two", active[0].Reason)
}

func TestUnban(t *testing.T) {
	t.Parallel()

	d, _, _ := newDirectory(t)
	ctx := context.Background()

	_, err := d.Ban(ctx, BanInput{Kind: "email", Value: "x@example.com"})
	require.NoError(t, err)

	n, err := d.Unban(ctx, "email", "X@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err := d.Check(ctx, Query{Email: "x@example.com"})
	require.NoError(t, err)
	assert.False(t, v.Banned)
}

func TestBan_RejectsBadInput(t *testing.T) {
	t.Parallel()

	d, _, _ := newDirectory(t)
	ctx := context.Background()

	_, err := d.Ban(ctx, BanInput{Kind: "device", Value: "x"})
	assert.ErrorIs(t, err, ErrInvalidKind)

	_, err = d.Ban(ctx, BanInput{Kind: "ip", Value: "not-an-ip"})
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = d.Ban(ctx, BanInput{Kind: "email", Value: "  "})
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestCheck_EmptyQuery(t *testing.T) {
	t.Parallel()

	d, _, _ := newDirectory(t)
	v, err := d.Check(context.Background(), Query{})
	require.NoError(t, err)
	assert.False(t, v.Banned)
}

func TestMatches(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		rule store.BanRule
		q    Query
		want bool
	}{
		{"email", store.BanRule{Kind: store.BanKindEmail, Value: "a@b.c"}, Query{Email: "A@B.C"}, true},
		{"email miss", store.BanRule{Kind: store.BanKindEmail, Value: "a@b.c"}, Query{IP: "a@b.c"}, false},
		{"ip", store.BanRule{Kind: store.BanKindIP, Value: "10.0.0.1"}, Query{IP: "::ffff:10.0.0.1"}, true},
		{"identity", store.BanRule{Kind: store.BanKindIdentity, Value: "u1"}, Query{Identity: "u1"}, true},
		{"empty query", store.BanRule{Kind: store.BanKindIdentity, Value: "u1"}, Query{}, false},
	}
	for _, tc := range cases {
		if got := Matches(tc.rule, tc.q); got != tc.want {
			t.Fatalf("%s: Matches=%v want=%v", tc.name, got, tc.want)
		}
	}
}
