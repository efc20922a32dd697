// Package store is the relay's document store: ban rules, the session
// join/leave log, the chat transcript, IP history and the active-player
// snapshot.
//
// The relay treats every write as fire-and-forget (see package audit); only
// ban lookups are read back synchronously to gate a user-visible decision.
package store

import (
	"context"
	"errors"
	"time"
)

// Ban kinds.
const (
	BanKindEmail    = "email"
	BanKindIdentity = "identity"
	BanKindIP       = "ip"
)

// Session log events.
const (
	SessionEventJoin  = "join"
	SessionEventLeave = "leave"
)

var (
	// ErrInvalidInput is returned for records missing required fields.
	ErrInvalidInput = errors.New("store: invalid input")
	// ErrNilStore is returned when a method is called on an unconfigured store.
	ErrNilStore = errors.New("store: nil store")
)

// BanRule is a soft-deactivated directory entry; rows are never deleted.
type BanRule struct {
	ID        int64      `json:"id"`
	Kind      string     `json:"kind"`
	Value     string     `json:"value"`
	Active    bool       `json:"active"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedBy string     `json:"createdBy,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// BanMatch selects active rules matching any non-empty identifier.
type BanMatch struct {
	Email    string
	IP       string
	Identity string
}

// Empty reports whether no identifier is set.
func (m BanMatch) Empty() bool {
	return m.Email == "" && m.IP == "" && m.Identity == ""
}

// SessionEvent is one row of the join/leave log.
type SessionEvent struct {
	ConnID      string    `json:"connId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	IP          string    `json:"ip"`
	Event       string    `json:"event"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// SessionQuery filters the session log. Zero values mean "any".
type SessionQuery struct {
	UserID string
	Limit  int
}

// ChatRecord is one accepted chat message.
type ChatRecord struct {
	MessageID   string    `json:"messageId"`
	ConnID      string    `json:"connId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Message     string    `json:"message"`
	At          time.Time `json:"at"`
}

// IPRecord tracks first/last sighting of an (ip, user) pair.
type IPRecord struct {
	IP        string    `json:"ip"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	Count     int64     `json:"count"`
}

// IPQuery filters the IP log. Zero values mean "any".
type IPQuery struct {
	IP     string
	UserID string
	Limit  int
}

// ActivePlayer is the latest known state of an online player, keyed by user id.
type ActivePlayer struct {
	UserID      string    `json:"userId"`
	ConnID      string    `json:"connId"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	IP          string    `json:"ip"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Animation   string    `json:"animation"`
	Skin        string    `json:"skin"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// BanStore persists ban rules.
type BanStore interface {
	InsertBan(ctx context.Context, rule BanRule) (BanRule, error)
	// DeactivateBans deactivates every active rule for (kind, value).
	DeactivateBans(ctx context.Context, kind, value string, now time.Time) (int, error)
	// ExpireBans deactivates every active rule whose expiry is at or before now.
	ExpireBans(ctx context.Context, now time.Time) (int, error)
	FindActiveBans(ctx context.Context, m BanMatch) ([]BanRule, error)
	ListBans(ctx context.Context, activeOnly bool, limit int) ([]BanRule, error)
}

// SessionLog persists join/leave events.
type SessionLog interface {
	AppendSessionEvent(ctx context.Context, ev SessionEvent) error
	ListSessionEvents(ctx context.Context, q SessionQuery) ([]SessionEvent, error)
}

// ChatLog persists the chat transcript.
type ChatLog interface {
	AppendChat(ctx context.Context, rec ChatRecord) error
	ListChat(ctx context.Context, limit int) ([]ChatRecord, error)
}

// IPLog persists IP sightings.
type IPLog interface {
	TouchIP(ctx context.Context, ip, userID, email string, at time.Time) error
	ListIPs(ctx context.Context, q IPQuery) ([]IPRecord, error)
}

// ActivePlayers persists the active-player snapshot.
type ActivePlayers interface {
	UpsertActivePlayer(ctx context.Context, p ActivePlayer) error
	DeleteActivePlayer(ctx context.Context, userID string) error
	ListActivePlayers(ctx context.Context) ([]ActivePlayer, error)
}

// Store bundles the five collections.
type Store interface {
	BanStore
	SessionLog
	ChatLog
	IPLog
	ActivePlayers

	Ping(ctx context.Context) error
	Close() error
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
