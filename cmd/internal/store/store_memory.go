package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	memMaxSessionEvents = 10_000
	memMaxChatRecords   = 10_000
)

// Memory is a dev-only Store used when no database is configured.
// Logs are bounded; the oldest entries are dropped first.
type Memory struct {
	mu sync.Mutex

	banSeq  int64
	bans    []BanRule
	events  []SessionEvent
	chat    []ChatRecord
	ips     map[ipKey]*IPRecord
	players map[string]ActivePlayer
}

type ipKey struct {
	ip     string
	userID string
}

// NewMemory constructs an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		ips:     make(map[ipKey]*IPRecord),
		players: make(map[string]ActivePlayer),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func (m *Memory) InsertBan(ctx context.Context, rule BanRule) (BanRule, error) {
	if rule.Kind == "" || rule.Value == "" {
		return BanRule{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return BanRule{}, err
	}

	now := rule.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.banSeq++
	rule.ID = m.banSeq
	rule.Active = true
	rule.CreatedAt = now
	rule.UpdatedAt = now
	m.bans = append(m.bans, rule)
	return rule, nil
}

func (m *Memory) DeactivateBans(ctx context.Context, kind, value string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for i := range m.bans {
		b := &m.bans[i]
		if b.Active && b.Kind == kind && b.Value == value {
			b.Active = false
			b.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) ExpireBans(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for i := range m.bans {
		b := &m.bans[i]
		if b.Active && b.ExpiresAt != nil && !b.ExpiresAt.After(now) {
			b.Active = false
			b.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) FindActiveBans(ctx context.Context, q BanMatch) ([]BanRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.Empty() {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []BanRule
	for _, b := range m.bans {
		if !b.Active {
			continue
		}
		switch {
		case b.Kind == BanKindEmail && q.Email != "" && strings.EqualFold(b.Value, q.Email),
			b.Kind == BanKindIP && q.IP != "" && b.Value == q.IP,
			b.Kind == BanKindIdentity && q.Identity != "" && b.Value == q.Identity:
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *Memory) ListBans(ctx context.Context, activeOnly bool, limit int) ([]BanRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BanRule, 0, len(m.bans))
	for i := len(m.bans) - 1; i >= 0 && len(out) < limit; i-- {
		if activeOnly && !m.bans[i].Active {
			continue
		}
		out = append(out, m.bans[i])
	}
	return out, nil
}

func (m *Memory) AppendSessionEvent(ctx context.Context, ev SessionEvent) error {
	if ev.ConnID == "" || ev.Event == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, ev)
	if len(m.events) > memMaxSessionEvents {
		m.events = m.events[len(m.events)-memMaxSessionEvents:]
	}
	return nil
}

// ListSessionEvents returns newest first.
func (m *Memory) ListSessionEvents(ctx context.Context, q SessionQuery) ([]SessionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := clampLimit(q.Limit)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SessionEvent, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if q.UserID != "" && m.events[i].UserID != q.UserID {
			continue
		}
		out = append(out, m.events[i])
	}
	return out, nil
}

func (m *Memory) AppendChat(ctx context.Context, rec ChatRecord) error {
	if rec.MessageID == "" || rec.UserID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.chat = append(m.chat, rec)
	if len(m.chat) > memMaxChatRecords {
		m.chat = m.chat[len(m.chat)-memMaxChatRecords:]
	}
	return nil
}

// ListChat returns newest first.
func (m *Memory) ListChat(ctx context.Context, limit int) ([]ChatRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ChatRecord, 0, limit)
	for i := len(m.chat) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.chat[i])
	}
	return out, nil
}

func (m *Memory) TouchIP(ctx context.Context, ip, userID, email string, at time.Time) error {
	if ip == "" || userID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := ipKey{ip: ip, userID: userID}
	rec := m.ips[k]
	if rec == nil {
		m.ips[k] = &IPRecord{IP: ip, UserID: userID, Email: email, FirstSeen: at, LastSeen: at, Count: 1}
		return nil
	}
	rec.LastSeen = at
	rec.Count++
	if email != "" {
		rec.Email = email
	}
	return nil
}

// ListIPs returns records ordered by last sighting, newest first.
func (m *Memory) ListIPs(ctx context.Context, q IPQuery) ([]IPRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := clampLimit(q.Limit)

	m.mu.Lock()
	out := make([]IPRecord, 0, len(m.ips))
	for _, rec := range m.ips {
		if q.IP != "" && rec.IP != q.IP {
			continue
		}
		if q.UserID != "" && rec.UserID != q.UserID {
			continue
		}
		out = append(out, *rec)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpsertActivePlayer(ctx context.Context, p ActivePlayer) error {
	if p.UserID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.players[p.UserID] = p
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteActivePlayer(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.players, userID)
	m.mu.Unlock()
	return nil
}

// ListActivePlayers returns players ordered by user id.
func (m *Memory) ListActivePlayers(ctx context.Context) ([]ActivePlayer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	out := make([]ActivePlayer, 0, len(m.players))
	for _, p := range m.players {
		out = append(out, p)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
