package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"plaza/cmd/identity"
	"plaza/cmd/internal/bans"
	"plaza/cmd/internal/store"
	v1 "plaza/contracts/realtime/v1"
)

var testEpoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeConn records frames instead of writing them.
type fakeConn struct {
	mu     sync.Mutex
	frames []v1.Outbound
	closed bool
	code   websocket.StatusCode
	reason string
}

func (f *fakeConn) Send(frame v1.Outbound) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed, f.code, f.reason = true, code, reason
	}
}

func (f *fakeConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) CloseCode() websocket.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code
}

func (f *fakeConn) Frames() []v1.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]v1.Outbound(nil), f.frames...)
}

func (f *fakeConn) Types() []string {
	var out []string
	for _, fr := range f.Frames() {
		out = append(out, fr.FrameType())
	}
	return out
}

func (f *fakeConn) Reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

// framesOf returns the recorded frames of one concrete type.
func framesOf[T v1.Outbound](f *fakeConn) []T {
	var out []T
	for _, fr := range f.Frames() {
		if v, ok := fr.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// recordingAuditor keeps every audit call in memory.
type recordingAuditor struct {
	mu     sync.Mutex
	joins  []store.SessionEvent
	leaves []store.SessionEvent
	chats  []store.ChatRecord
	ips    []string
	moves  []store.ActivePlayer
	gone   []string
}

func (a *recordingAuditor) SessionJoined(ev store.SessionEvent) {
	a.mu.Lock()
	a.joins = append(a.joins, ev)
	a.mu.Unlock()
}

func (a *recordingAuditor) SessionLeft(ev store.SessionEvent) {
	a.mu.Lock()
	a.leaves = append(a.leaves, ev)
	a.mu.Unlock()
}

func (a *recordingAuditor) ChatPosted(rec store.ChatRecord) {
	a.mu.Lock()
	a.chats = append(a.chats, rec)
	a.mu.Unlock()
}

func (a *recordingAuditor) IPSeen(ip, _, _ string, _ time.Time) {
	a.mu.Lock()
	a.ips = append(a.ips, ip)
	a.mu.Unlock()
}

func (a *recordingAuditor) PlayerMoved(p store.ActivePlayer) {
	a.mu.Lock()
	a.moves = append(a.moves, p)
	a.mu.Unlock()
}

func (a *recordingAuditor) PlayerGone(userID string) {
	a.mu.Lock()
	a.gone = append(a.gone, userID)
	a.mu.Unlock()
}

func (a *recordingAuditor) Leaves() []store.SessionEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]store.SessionEvent(nil), a.leaves...)
}

func (a *recordingAuditor) Chats() []store.ChatRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]store.ChatRecord(nil), a.chats...)
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	clk   *clock.Mock
	mem   *store.Memory
	bans  *bans.Directory
	audit *recordingAuditor
	relay *Relay
}

var testIdentities = map[string]identity.Identity{
	"tok-alice": {UserID: "u-alice", DisplayName: "Alice", Email: "alice@example.com"},
	"tok-bob":   {UserID: "u-bob", DisplayName: "Bob", Email: "bob@example.com"},
	"tok-carol": {UserID: "u-carol", DisplayName: "Carol", Email: "carol@example.com"},
	"tok-admin": {UserID: "u-admin", DisplayName: "Admin", Email: "admin@example.com"},
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	clk := clock.NewMock()
	clk.Set(testEpoch)
	mem := store.NewMemory()

	cfg := DefaultConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}

	h := &harness{
		t:     t,
		ctx:   context.Background(),
		clk:   clk,
		mem:   mem,
		bans:  bans.New(mem, clk),
		audit: &recordingAuditor{},
	}
	h.relay = NewRelay(Deps{
		Clock:    clk,
		Config:   cfg,
		Identity: identity.NewStaticValidator(testIdentities),
		Bans:     h.bans,
		Audit:    h.audit,
	})
	return h
}

// open registers an unauthenticated connection.
func (h *harness) open(ip string) (*Session, *fakeConn) {
	conn := &fakeConn{}
	return h.relay.Open(conn, ip), conn
}

// join opens a connection and authenticates it with token.
func (h *harness) join(token, ip string) (*Session, *fakeConn) {
	h.t.Helper()

	s, conn := h.open(ip)
	h.frame(s, map[string]any{"type": "authenticate", "token": token, "displayName": ""})
	require.True(h.t, s.Authenticated(), "authenticate %s", token)
	return s, conn
}

func (h *harness) frame(s *Session, v any) {
	h.t.Helper()

	b, err := json.Marshal(v)
	require.NoError(h.t, err)
	h.relay.HandleFrame(h.ctx, s, b)
}

func (h *harness) move(s *Session, x, y float64, animation string) {
	h.t.Helper()

	m := map[string]any{"type": "update", "x": x, "y": y}
	if animation != "" {
		m["animation"] = animation
	}
	h.frame(s, m)
}

// failingBans is a BanDirectory whose store is down.
type failingBans struct{ err error }

func (f failingBans) Check(context.Context, bans.Query) (bans.Verdict, error) {
	return bans.Verdict{}, f.err
}

func (f failingBans) Lookup(context.Context, bans.Query) (bans.Verdict, error) {
	return bans.Verdict{}, f.err
}

func (f failingBans) Ban(context.Context, bans.BanInput) (store.BanRule, error) {
	return store.BanRule{}, f.err
}

func (f failingBans) Unban(context.Context, string, string) (int, error) { return 0, f.err }
func (f failingBans) ExpireDue(context.Context) (int, error)             { return 0, f.err }

// countingBans counts the directory calls a sweep makes.
type countingBans struct {
	*bans.Directory

	mu      sync.Mutex
	checks  int
	lookups int
	expires int
}

func (c *countingBans) Check(ctx context.Context, q bans.Query) (bans.Verdict, error) {
	c.mu.Lock()
	c.checks++
	c.mu.Unlock()
	return c.Directory.Check(ctx, q)
}

func (c *countingBans) Lookup(ctx context.Context, q bans.Query) (bans.Verdict, error) {
	c.mu.Lock()
	c.lookups++
	c.mu.Unlock()
	return c.Directory.Lookup(ctx, q)
}

func (c *countingBans) ExpireDue(ctx context.Context) (int, error) {
	c.mu.Lock()
	c.expires++
	c.mu.Unlock()
	return c.Directory.ExpireDue(ctx)
}
