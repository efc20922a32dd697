package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plaza/cmd/internal/bans"
	v1 "plaza/contracts/realtime/v1"
)

func TestFeed_SnapshotThenEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.join("tok-alice", "198.51.100.1")
	h.open("198.51.100.9")

	obs := &fakeConn{}
	h.relay.Feed().Attach("obs-1", obs)

	snaps := framesOf[v1.FeedSnapshotFrame](obs)
	require.Len(t, snaps, 1)
	assert.Equal(t, 1, snaps[0].OnlineCount)
	require.Len(t, snaps[0].Players, 1)
	assert.Equal(t, "alice@example.com", snaps[0].Players[0].Email)
	assert.Equal(t, "198.51.100.1", snaps[0].Players[0].IP)
	assert.Equal(t, testEpoch, snaps[0].At)

	bob, _ := h.join("tok-bob", "198.51.100.2")
	h.frame(bob, map[string]any{"type": "chat", "message": "hi"})
	h.relay.Disconnect(bob, ReasonClosed)

	var names []string
	for _, ev := range framesOf[v1.FeedEventFrame](obs) {
		names = append(names, ev.Event)
	}
	assert.Equal(t, []string{v1.EventPlayerJoined, v1.EventChatMessage, v1.EventPlayerLeft}, names)

	events := framesOf[v1.FeedEventFrame](obs)
	chat := events[1].Data.(v1.ChatEvent)
	assert.Equal(t, "bob@example.com", chat.Email)
	assert.Equal(t, "198.51.100.2", chat.IP)

	left := events[2].Data.(v1.LeftEvent)
	assert.Equal(t, ReasonClosed, left.Reason)
	assert.Equal(t, "u-bob", left.Player.ID)
}

func TestFeed_ObserversAreNotPlayers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, aliceConn := h.join("tok-alice", "198.51.100.1")
	aliceConn.Reset()

	obs := &fakeConn{}
	h.relay.Feed().Attach("obs-1", obs)

	assert.Equal(t, 1, h.relay.Broadcaster().OnlineCount())
	assert.Equal(t, 1, h.relay.Registry().Len())
	assert.Empty(t, aliceConn.Frames(), "attaching an observer is invisible to players")

	h.relay.Broadcaster().BroadcastOnlineCount()
	assert.Empty(t, framesOf[v1.OnlineUsersCountFrame](obs))
}

func TestFeed_DetachStopsEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	feed := h.relay.Feed()
	obs := &fakeConn{}
	feed.Attach("obs-1", obs)
	require.Equal(t, 1, feed.Count())

	feed.Detach("obs-1")
	feed.Detach("obs-1")
	assert.Zero(t, feed.Count())

	obs.Reset()
	h.join("tok-alice", "198.51.100.1")
	assert.Empty(t, obs.Frames())
}

func TestFeed_RejectedPlayerIsReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, _, err := h.relay.Ban(h.ctx, bans.BanInput{Kind: "identity", Value: "u-alice", Reason: "alt account"})
	require.NoError(t, err)

	obs := &fakeConn{}
	h.relay.Feed().Attach("obs-1", obs)

	s, _ := h.open("198.51.100.1")
	h.frame(s, map[string]any{"type": "authenticate", "token": "tok-alice"})

	events := framesOf[v1.FeedEventFrame](obs)
	require.Len(t, events, 1)
	assert.Equal(t, v1.EventPlayerRejected, events[0].Event)
	rej := events[0].Data.(v1.RejectedEvent)
	assert.Equal(t, "u-alice", rej.UserID)
	assert.Equal(t, "alt account", rej.Reason)
	assert.Equal(t, s.ID, rej.ConnID)
}
