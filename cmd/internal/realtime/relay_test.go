package realtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plaza/cmd/internal/bans"
	"plaza/cmd/internal/store"
	v1 "plaza/contracts/realtime/v1"
)

func TestAuthenticate_JoinSequence(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, aliceConn := h.join("tok-alice", "198.51.100.1")
	aliceConn.Reset()

	bob, bobConn := h.open("198.51.100.2")
	h.frame(bob, map[string]any{"type": "authenticate", "token": "tok-bob", "displayName": "  Bobby  "})

	require.Equal(t, []string{v1.TypeConnect, v1.TypePlayers, v1.TypeOnlineUsersCount}, bobConn.Types())
	connect := framesOf[v1.ConnectFrame](bobConn)[0]
	assert.Equal(t, "u-bob", connect.ID)

	players := framesOf[v1.PlayersFrame](bobConn)[0]
	require.Len(t, players.List, 1)
	assert.Equal(t, "u-alice", players.List[0].ID)

	require.Equal(t, []string{v1.TypePlayerJoined, v1.TypeOnlineUsersCount}, aliceConn.Types())
	joined := framesOf[v1.PlayerJoinedFrame](aliceConn)[0]
	assert.Equal(t, "Bobby", joined.Player.Username)
	assert.Equal(t, 2, framesOf[v1.OnlineUsersCountFrame](aliceConn)[0].Count)

	assert.Equal(t, 2, h.relay.Registry().CountAuthenticated())
	assert.Len(t, h.audit.joins, 2)
	assert.Equal(t, []string{"198.51.100.1", "198.51.100.2"}, h.audit.ips)
}

func TestAuthenticate_InvalidTokenKeepsConnectionOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, conn := h.open("198.51.100.1")
	h.frame(s, map[string]any{"type": "authenticate", "token": "nope"})

	errs := framesOf[v1.ErrorFrame](conn)
	require.Len(t, errs, 1)
	assert.Equal(t, v1.ErrKindAuthenticationFailed, errs[0].Kind)
	assert.False(t, s.Authenticated())
	assert.False(t, conn.Closed())
	assert.NotNil(t, h.relay.Registry().Get(s.ID))
}

func TestAuthenticate_DebounceSameToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, conn := h.join("tok-alice", "198.51.100.1")

	h.clk.Add(500 * time.Millisecond)
	h.frame(s, map[string]any{"type": "authenticate", "token": "tok-alice"})
	assert.Len(t, framesOf[v1.ConnectFrame](conn), 1, "repeat inside the window is ignored")

	h.clk.Add(2 * time.Second)
	h.frame(s, map[string]any{"type": "authenticate", "token": "tok-alice"})
	assert.Len(t, framesOf[v1.ConnectFrame](conn), 2)
	assert.Equal(t, 1, h.relay.Registry().CountAuthenticated())
}

func TestAuthenticate_DuplicateLoginReplacesOlderSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, bobConn := h.join("tok-bob", "198.51.100.2")
	first, firstConn := h.join("tok-alice", "198.51.100.1")
	bobConn.Reset()

	second, _ := h.join("tok-alice", "198.51.100.9")

	assert.True(t, firstConn.Closed())
	assert.Equal(t, CloseReplaced, firstConn.CloseCode())
	assert.True(t, first.Removed())

	reg := h.relay.Registry()
	assert.Same(t, second, reg.CurrentForUser("u-alice"))
	assert.Len(t, reg.SessionsForUser("u-alice"), 1)
	assert.Equal(t, 2, reg.CountAuthenticated())

	assert.Empty(t, framesOf[v1.PlayerDisconnectFrame](bobConn), "takeover is not a departure")

	leaves := h.audit.Leaves()
	require.Len(t, leaves, 1)
	assert.Equal(t, ReasonReplaced, leaves[0].Reason)
	assert.Equal(t, first.ID, leaves[0].ConnID)

	// The replaced connection going away later is a no-op.
	assert.False(t, h.relay.Disconnect(first, ReasonClosed))
	assert.Len(t, h.audit.Leaves(), 1)
}

func TestAuthenticate_BannedAtConnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, bobConn := h.join("tok-bob", "198.51.100.2")
	bobConn.Reset()

	_, err := h.bans.Ban(h.ctx, bans.BanInput{Kind: "email", Value: "ALICE@example.com", Reason: "griefing"})
	require.NoError(t, err)

	s, conn := h.open("198.51.100.1")
	h.frame(s, map[string]any{"type": "authenticate", "token": "tok-alice"})

	banned := framesOf[v1.BannedFrame](conn)
	require.Len(t, banned, 1)
	assert.Equal(t, "griefing", banned[0].Reason)
	assert.Equal(t, store.BanKindEmail, banned[0].BanType)
	assert.True(t, conn.Closed())
	assert.Equal(t, CloseBannedAtConnect, conn.CloseCode())

	assert.Nil(t, h.relay.Registry().Get(s.ID))
	assert.Nil(t, h.relay.Registry().CurrentForUser("u-alice"))
	assert.Empty(t, bobConn.Frames(), "a refused player is never announced")
	assert.Empty(t, h.audit.Leaves())
}

func TestAuthenticate_AsAnotherUserDepartsOldIdentity(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, _ := h.join("tok-alice", "198.51.100.1")
	_, bobConn := h.join("tok-bob", "198.51.100.2")
	bobConn.Reset()

	h.frame(s, map[string]any{"type": "authenticate", "token": "tok-carol"})

	require.Equal(t,
		[]string{v1.TypePlayerDisconnect, v1.TypePlayerJoined, v1.TypeOnlineUsersCount},
		bobConn.Types())
	gone := framesOf[v1.PlayerDisconnectFrame](bobConn)[0]
	assert.Equal(t, "u-alice", gone.ID)
	assert.Equal(t, "Alice", gone.Username)
	assert.Equal(t, "u-carol", framesOf[v1.PlayerJoinedFrame](bobConn)[0].Player.ID)
	assert.Equal(t, 2, framesOf[v1.OnlineUsersCountFrame](bobConn)[0].Count)

	reg := h.relay.Registry()
	assert.Nil(t, reg.CurrentForUser("u-alice"))
	assert.Empty(t, reg.SessionsForUser("u-alice"))
	assert.Same(t, s, reg.CurrentForUser("u-carol"))

	leaves := h.audit.Leaves()
	require.Len(t, leaves, 1)
	assert.Equal(t, "u-alice", leaves[0].UserID)
	assert.Equal(t, ReasonReauth, leaves[0].Reason)
	assert.Equal(t, []string{"u-alice"}, h.audit.gone)
	assert.Len(t, h.audit.joins, 3)
}

func TestAuthenticate_AsBannedUserEvictsThroughDeparturePath(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, aliceConn := h.join("tok-alice", "198.51.100.1")
	_, bobConn := h.join("tok-bob", "198.51.100.2")
	bobConn.Reset()

	_, err := h.bans.Ban(h.ctx, bans.BanInput{Kind: "email", Value: "carol@example.com", Reason: "alt account"})
	require.NoError(t, err)

	h.frame(s, map[string]any{"type": "authenticate", "token": "tok-carol"})

	assert.True(t, aliceConn.Closed())
	assert.Equal(t, CloseBannedAtConnect, aliceConn.CloseCode())
	assert.Len(t, framesOf[v1.BannedFrame](aliceConn), 1)
	assert.Nil(t, h.relay.Registry().Get(s.ID))

	require.Equal(t, []string{v1.TypePlayerDisconnect, v1.TypeOnlineUsersCount}, bobConn.Types())
	assert.Equal(t, "u-alice", framesOf[v1.PlayerDisconnectFrame](bobConn)[0].ID)
	assert.Equal(t, 1, framesOf[v1.OnlineUsersCountFrame](bobConn)[0].Count)

	leaves := h.audit.Leaves()
	require.Len(t, leaves, 1)
	assert.Equal(t, "u-alice", leaves[0].UserID)
	assert.Equal(t, ReasonBanned, leaves[0].Reason)
	assert.Equal(t, []string{"u-alice"}, h.audit.gone)
}

func TestAuthenticate_SameUserAgainIsNotAJoin(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, aliceConn := h.join("tok-alice", "198.51.100.1")
	_, bobConn := h.join("tok-bob", "198.51.100.2")
	bobConn.Reset()

	h.clk.Add(3 * time.Second)
	h.frame(s, map[string]any{"type": "authenticate", "token": "tok-alice", "displayName": "Ally"})

	assert.Len(t, framesOf[v1.ConnectFrame](aliceConn), 2)
	require.Equal(t, []string{v1.TypePlayerUpdate}, bobConn.Types())
	assert.Equal(t, "Ally", framesOf[v1.PlayerUpdateFrame](bobConn)[0].Player.Username)

	assert.Len(t, h.audit.joins, 2)
	assert.Empty(t, h.audit.Leaves())
	assert.Equal(t, 2, h.relay.Registry().CountAuthenticated())
}

func TestAuthenticate_BanStoreDownFailsOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.relay.bans = failingBans{err: errors.New("connection refused")}

	s, conn := h.join("tok-alice", "198.51.100.1")
	assert.True(t, s.Authenticated())
	assert.Len(t, framesOf[v1.ConnectFrame](conn), 1)
}

func TestHandleFrame_MalformedIsDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, conn := h.open("198.51.100.1")

	for _, raw := range []string{`{`, `{"type":"teleport"}`, `{"x":1}`, `{"type":"update","x":1}`} {
		h.relay.HandleFrame(h.ctx, s, []byte(raw))
	}
	assert.Empty(t, conn.Frames())
	assert.False(t, conn.Closed())
}

func TestHandlePosition_RequiresAuth(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, conn := h.open("198.51.100.1")
	h.move(s, 10, 10, "")

	errs := framesOf[v1.ErrorFrame](conn)
	require.Len(t, errs, 1)
	assert.Equal(t, v1.ErrKindNotAuthenticated, errs[0].Kind)
}

func TestHandlePosition_CoalescesInsideWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	alice, _ := h.join("tok-alice", "198.51.100.1")
	_, bobConn := h.join("tok-bob", "198.51.100.2")
	bobConn.Reset()

	h.clk.Add(50 * time.Millisecond)
	h.move(alice, 10, 0, "walk")
	h.clk.Add(50 * time.Millisecond)
	h.move(alice, 20, 5, "run")
	assert.Empty(t, framesOf[v1.PlayerUpdateFrame](bobConn))

	h.clk.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		return len(framesOf[v1.PlayerUpdateFrame](bobConn)) == 1
	}, time.Second, 5*time.Millisecond)

	got := framesOf[v1.PlayerUpdateFrame](bobConn)[0].Player
	assert.Equal(t, "u-alice", got.ID)
	assert.Equal(t, 20.0, got.X)
	assert.Equal(t, 5.0, got.Y)
	assert.Equal(t, "run", got.Animation)

	h.clk.Add(time.Second)
	assert.Len(t, framesOf[v1.PlayerUpdateFrame](bobConn), 1)
}

func TestHandlePosition_InsignificantChangeIsDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	alice, _ := h.join("tok-alice", "198.51.100.1")
	_, bobConn := h.join("tok-bob", "198.51.100.2")
	bobConn.Reset()

	h.clk.Add(time.Second)
	h.move(alice, 2, -2, "")
	assert.Empty(t, framesOf[v1.PlayerUpdateFrame](bobConn))
	assert.Equal(t, 0.0, alice.Public().X)

	h.clk.Add(time.Second)
	h.move(alice, 1, 1, "wave")
	assert.Len(t, framesOf[v1.PlayerUpdateFrame](bobConn), 1, "animation change alone is significant")

	h.clk.Add(time.Second)
	h.move(alice, 3.5, 1, "wave")
	updates := framesOf[v1.PlayerUpdateFrame](bobConn)
	require.Len(t, updates, 2)
	assert.Equal(t, 3.5, updates[1].Player.X)
}

func TestHandlePosition_StampsMovementAndAudits(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	alice, _ := h.join("tok-alice", "198.51.100.1")

	h.clk.Add(time.Minute)
	h.move(alice, 50, 50, "")

	view := alice.AdminView()
	assert.Equal(t, h.clk.Now().UTC(), view.LastMovement)

	h.audit.mu.Lock()
	last := h.audit.moves[len(h.audit.moves)-1]
	h.audit.mu.Unlock()
	assert.Equal(t, "u-alice", last.UserID)
	assert.Equal(t, 50.0, last.X)
}

func TestHandleChat_AckThenBroadcastIncludingSender(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	alice, aliceConn := h.join("tok-alice", "198.51.100.1")
	_, bobConn := h.join("tok-bob", "198.51.100.2")
	aliceConn.Reset()
	bobConn.Reset()

	h.frame(alice, map[string]any{"type": "chat", "message": "  hello plaza  "})

	require.Equal(t, []string{v1.TypeChatAck, v1.TypeChat}, aliceConn.Types())
	ack := framesOf[v1.ChatAckFrame](aliceConn)[0]
	echo := framesOf[v1.ChatFrame](aliceConn)[0]
	assert.Equal(t, ack.ID, echo.ID)
	assert.Equal(t, "hello plaza", echo.Message)
	assert.Equal(t, "u-alice", echo.SenderID)

	chats := framesOf[v1.ChatFrame](bobConn)
	require.Len(t, chats, 1)
	assert.Equal(t, ack.ID, chats[0].ID)

	recs := h.audit.Chats()
	require.Len(t, recs, 1)
	assert.Equal(t, ack.ID, recs[0].MessageID)
}

func TestHandleChat_TruncatesTo500Characters(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	alice, aliceConn := h.join("tok-alice", "198.51.100.1")

	h.frame(alice, map[string]any{"type": "chat", "message": strings.Repeat("é", 600)})

	echo := framesOf[v1.ChatFrame](aliceConn)
	require.Len(t, echo, 1)
	assert.Equal(t, 500, len([]rune(echo[0].Message)))
	assert.Equal(t, 500, len([]rune(h.audit.Chats()[0].Message)))
}

func TestHandleChat_RateLimited(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	alice, aliceConn := h.join("tok-alice", "198.51.100.1")
	_, bobConn := h.join("tok-bob", "198.51.100.2")

	h.frame(alice, map[string]any{"type": "chat", "message": "one"})
	h.clk.Add(100 * time.Millisecond)
	h.frame(alice, map[string]any{"type": "chat", "message": "two"})

	errs := framesOf[v1.ErrorFrame](aliceConn)
	require.Len(t, errs, 1)
	assert.Equal(t, v1.ErrKindRateLimited, errs[0].Kind)
	require.Len(t, framesOf[v1.ChatFrame](bobConn), 1)
	assert.Equal(t, "one", framesOf[v1.ChatFrame](bobConn)[0].Message)

	h.clk.Add(500 * time.Millisecond)
	h.frame(alice, map[string]any{"type": "chat", "message": "three"})
	assert.Len(t, framesOf[v1.ChatFrame](bobConn), 2)
}

func TestHandleChat_BlankAndUnauthenticated(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	alice, aliceConn := h.join("tok-alice", "198.51.100.1")
	aliceConn.Reset()

	h.frame(alice, map[string]any{"type": "chat", "message": " \t\n "})
	assert.Empty(t, aliceConn.Frames())

	anon, anonConn := h.open("198.51.100.3")
	h.frame(anon, map[string]any{"type": "chat", "message": "hi"})
	errs := framesOf[v1.ErrorFrame](anonConn)
	require.Len(t, errs, 1)
	assert.Equal(t, v1.ErrKindNotAuthenticated, errs[0].Kind)
}

func TestHandlePing_WorksBeforeAuth(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, conn := h.open("198.51.100.1")
	h.frame(s, map[string]any{"type": "ping"})

	assert.Equal(t, []string{v1.TypePong}, conn.Types())
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	alice, _ := h.join("tok-alice", "198.51.100.1")
	_, bobConn := h.join("tok-bob", "198.51.100.2")
	bobConn.Reset()

	assert.True(t, h.relay.Disconnect(alice, ReasonClosed))
	assert.False(t, h.relay.Disconnect(alice, ReasonClosed))
	assert.False(t, h.relay.Evict(alice, CloseForceKick, nil, ReasonKicked))

	gone := framesOf[v1.PlayerDisconnectFrame](bobConn)
	require.Len(t, gone, 1)
	assert.Equal(t, "u-alice", gone[0].ID)
	assert.Equal(t, "Alice", gone[0].Username)
	assert.Equal(t, 1, framesOf[v1.OnlineUsersCountFrame](bobConn)[0].Count)
	assert.Len(t, h.audit.Leaves(), 1)
	assert.Equal(t, []string{"u-alice"}, h.audit.gone)

	reg := h.relay.Registry()
	assert.Nil(t, reg.Get(alice.ID))
	assert.Nil(t, reg.CurrentForUser("u-alice"))
	assert.Empty(t, reg.SessionsForUser("u-alice"))
}

func TestDisconnect_UnauthenticatedLeavesNoTrace(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, bobConn := h.join("tok-bob", "198.51.100.2")
	bobConn.Reset()

	s, _ := h.open("198.51.100.1")
	assert.True(t, h.relay.Disconnect(s, ReasonClosed))
	assert.Empty(t, bobConn.Frames())
	assert.Empty(t, h.audit.Leaves())
}

func TestRemovedSessionIgnoresFrames(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	alice, _ := h.join("tok-alice", "198.51.100.1")
	_, bobConn := h.join("tok-bob", "198.51.100.2")
	require.True(t, h.relay.Disconnect(alice, ReasonClosed))
	bobConn.Reset()

	h.clk.Add(time.Second)
	h.frame(alice, map[string]any{"type": "chat", "message": "ghost"})
	h.move(alice, 100, 100, "")
	assert.Empty(t, bobConn.Frames())
}

func TestStats(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.join("tok-alice", "198.51.100.1")
	h.open("198.51.100.2")
	h.relay.Feed().Attach("obs", &fakeConn{})

	assert.Equal(t, v1.StatsEvent{Online: 1, Connections: 2, Observers: 1}, h.relay.Stats())
}

func TestNewRelay_Defaults(t *testing.T) {
	t.Parallel()

	r := NewRelay(Deps{})
	require.NotNil(t, r.Registry())
	require.NotNil(t, r.Clock())
	assert.Equal(t, DefaultConfig().PositionInterval, r.Config().PositionInterval)

	s := r.Open(&fakeConn{}, "")
	r.HandleFrame(context.Background(), s, []byte(`{"type":"authenticate","token":"x"}`))
	assert.False(t, s.Authenticated(), "no validator means nobody gets in")
}

func TestShutdown_ClosesSessionsAndObservers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, aliceConn := h.join("tok-alice", "198.51.100.1")
	_, anonConn := h.open("198.51.100.9")
	obs := &fakeConn{}
	h.relay.Feed().Attach("obs-1", obs)

	assert.Equal(t, 2, h.relay.Shutdown())

	assert.Equal(t, websocket.StatusGoingAway, aliceConn.CloseCode())
	assert.Equal(t, websocket.StatusGoingAway, anonConn.CloseCode())
	assert.Equal(t, websocket.StatusGoingAway, obs.CloseCode())
	assert.Zero(t, h.relay.Registry().Len())
	assert.Zero(t, h.relay.Feed().Count())

	leaves := h.audit.Leaves()
	require.Len(t, leaves, 1)
	assert.Equal(t, ReasonShutdown, leaves[0].Reason)
}
