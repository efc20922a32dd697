package v1

import "time"

// Admin feed frame types.
const (
	TypeFeedSnapshot = "snapshot"
	TypeFeedEvent    = "event"
)

// Admin feed event names.
const (
	EventPlayerJoined   = "player.joined"
	EventPlayerUpdated  = "player.updated"
	EventPlayerLeft     = "player.left"
	EventPlayerReplaced = "player.replaced"
	EventPlayerRejected = "player.rejected"
	EventPlayerEvicted  = "player.evicted"
	EventChatMessage    = "chat.message"
	EventAnnouncement   = "announcement"
	EventAdminAction    = "admin.action"
	EventStats          = "stats"
)

// AdminPlayer extends Player with operational fields that are never sent
// to regular clients.
type AdminPlayer struct {
	Player
	ConnID       string    `json:"connId"`
	Email        string    `json:"email"`
	IP           string    `json:"ip"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	LastMovement time.Time `json:"lastMovement"`
}

type FeedSnapshotFrame struct {
	Type        string        `json:"type"`
	Players     []AdminPlayer `json:"players"`
	OnlineCount int           `json:"onlineCount"`
	At          time.Time     `json:"at"`
}

type FeedEventFrame struct {
	Type  string    `json:"type"`
	Event string    `json:"event"`
	At    time.Time `json:"at"`
	Data  any       `json:"data,omitempty"`
}

func (f FeedSnapshotFrame) FrameType() string { return f.Type }
func (f FeedEventFrame) FrameType() string    { return f.Type }

func NewFeedSnapshot(players []AdminPlayer, online int, at time.Time) FeedSnapshotFrame {
	if players == nil {
		players = []AdminPlayer{}
	}
	return FeedSnapshotFrame{Type: TypeFeedSnapshot, Players: players, OnlineCount: online, At: at}
}

func NewFeedEvent(event string, at time.Time, data any) FeedEventFrame {
	return FeedEventFrame{Type: TypeFeedEvent, Event: event, At: at, Data: data}
}

// Event payloads.

type LeftEvent struct {
	Player AdminPlayer `json:"player"`
	Reason string      `json:"reason"`
}

type RejectedEvent struct {
	ConnID  string     `json:"connId"`
	UserID  string     `json:"userId"`
	Email   string     `json:"email"`
	IP      string     `json:"ip"`
	Reason  string     `json:"reason"`
	BanType string     `json:"banType,omitempty"`
	Expires *time.Time `json:"expiresAt,omitempty"`
}

type ChatEvent struct {
	ID       string `json:"id"`
	SenderID string `json:"senderId"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IP       string `json:"ip"`
	Message  string `json:"message"`
}

type AdminActionEvent struct {
	Action   string `json:"action"`
	Target   string `json:"target"`
	Affected int    `json:"affected"`
}

type StatsEvent struct {
	Online      int `json:"online"`
	Connections int `json:"connections"`
	Observers   int `json:"observers"`
}
