// Package v1 defines the plaza relay wire protocol, version 1.
//
// Every frame is a flat JSON object carrying a "type" discriminant.
// Inbound frames decode into a closed set of variants; anything else is
// rejected at the boundary before it reaches handler logic.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Subprotocol is offered during the WebSocket handshake.
const Subprotocol = "plaza.relay.v1"

// Inbound frame types (client -> server).
const (
	TypeAuthenticate = "authenticate"
	TypeUpdate       = "update"
	TypeChat         = "chat"
	TypePing         = "ping"
)

// Outbound frame types (server -> client).
const (
	TypeConnect          = "connect"
	TypePlayers          = "players"
	TypePlayerJoined     = "playerJoined"
	TypePlayerUpdate     = "playerUpdate"
	TypeChatAck          = "chatAck"
	TypePlayerDisconnect = "playerDisconnect"
	TypeOnlineUsersCount = "onlineUsersCount"
	TypeError            = "error"
	TypeBanned           = "banned"
	TypeAFKKick          = "afkKick"
	TypeForceKick        = "forceKick"
	TypeAnnouncement     = "announcement"
	TypePong             = "pong"
)

// Error kinds carried by error frames.
const (
	ErrKindNotAuthenticated     = "not_authenticated"
	ErrKindAuthenticationFailed = "authentication_failed"
	ErrKindRateLimited          = "rate_limited"
)

var (
	// ErrMissingType is returned for frames without a type discriminant.
	ErrMissingType = errors.New("missing frame type")
	// ErrUnknownType is returned for frames whose type is not an inbound variant.
	ErrUnknownType = errors.New("unknown frame type")
	// ErrMalformed is returned when the payload does not match its variant.
	ErrMalformed = errors.New("malformed frame")
)

// Inbound is the closed set of client frames.
type Inbound interface {
	InboundType() string
}

// Authenticate binds the connection to an identity.
type Authenticate struct {
	Token       string `json:"token"`
	DisplayName string `json:"displayName"`
	Skin        string `json:"skin,omitempty"`
}

// Update reports the player's position.
type Update struct {
	X         float64
	Y         float64
	Animation *string
	Skin      *string
}

// Chat posts a chat message.
type Chat struct {
	Message string `json:"message"`
}

// Ping is a client keepalive.
type Ping struct{}

func (Authenticate) InboundType() string { return TypeAuthenticate }
func (Update) InboundType() string       { return TypeUpdate }
func (Chat) InboundType() string         { return TypeChat }
func (Ping) InboundType() string         { return TypePing }

type updateWire struct {
	X         *float64 `json:"x"`
	Y         *float64 `json:"y"`
	Animation *string  `json:"animation,omitempty"`
	Skin      *string  `json:"skin,omitempty"`
}

// DecodeInbound parses one client frame into its variant.
func DecodeInbound(data []byte) (Inbound, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch strings.TrimSpace(head.Type) {
	case "":
		return nil, ErrMissingType
	case TypeAuthenticate:
		var f Authenticate
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return f, nil
	case TypeUpdate:
		var w updateWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if w.X == nil || w.Y == nil {
			return nil, fmt.Errorf("%w: update requires x and y", ErrMalformed)
		}
		return Update{X: *w.X, Y: *w.Y, Animation: w.Animation, Skin: w.Skin}, nil
	case TypeChat:
		var f Chat
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return f, nil
	case TypePing:
		return Ping{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

// Outbound is any frame the server writes to a transport.
type Outbound interface {
	FrameType() string
}

// Player is the public view of an authenticated session.
type Player struct {
	ID        string  `json:"id"`
	Username  string  `json:"username"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Animation string  `json:"animation"`
	Skin      string  `json:"skin"`
}

type ConnectFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type PlayersFrame struct {
	Type string   `json:"type"`
	List []Player `json:"list"`
}

type PlayerJoinedFrame struct {
	Type   string `json:"type"`
	Player Player `json:"player"`
}

type PlayerUpdateFrame struct {
	Type   string `json:"type"`
	Player Player `json:"player"`
}

type ChatAckFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

type ChatFrame struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Skin      string    `json:"skin"`
	Timestamp time.Time `json:"timestamp"`
}

type PlayerDisconnectFrame struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Username string `json:"username"`
}

type OnlineUsersCountFrame struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type BannedFrame struct {
	Type      string     `json:"type"`
	Reason    string     `json:"reason"`
	BanType   string     `json:"banType,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type KickFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type AnnouncementFrame struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PongFrame answers a client ping; PingFrame is the server keepalive.
type PongFrame struct {
	Type string `json:"type"`
}

type PingFrame struct {
	Type string `json:"type"`
}

func (f ConnectFrame) FrameType() string          { return f.Type }
func (f PlayersFrame) FrameType() string          { return f.Type }
func (f PlayerJoinedFrame) FrameType() string     { return f.Type }
func (f PlayerUpdateFrame) FrameType() string     { return f.Type }
func (f ChatAckFrame) FrameType() string          { return f.Type }
func (f ChatFrame) FrameType() string             { return f.Type }
func (f PlayerDisconnectFrame) FrameType() string { return f.Type }
func (f OnlineUsersCountFrame) FrameType() string { return f.Type }
func (f ErrorFrame) FrameType() string            { return f.Type }
func (f BannedFrame) FrameType() string           { return f.Type }
func (f KickFrame) FrameType() string             { return f.Type }
func (f AnnouncementFrame) FrameType() string     { return f.Type }
func (f PongFrame) FrameType() string             { return f.Type }
func (f PingFrame) FrameType() string             { return f.Type }

func NewConnect(id string) ConnectFrame { return ConnectFrame{Type: TypeConnect, ID: id} }

func NewPlayers(list []Player) PlayersFrame {
	if list == nil {
		list = []Player{}
	}
	return PlayersFrame{Type: TypePlayers, List: list}
}

func NewPlayerJoined(p Player) PlayerJoinedFrame {
	return PlayerJoinedFrame{Type: TypePlayerJoined, Player: p}
}

func NewPlayerUpdate(p Player) PlayerUpdateFrame {
	return PlayerUpdateFrame{Type: TypePlayerUpdate, Player: p}
}

func NewChatAck(id, message string) ChatAckFrame {
	return ChatAckFrame{Type: TypeChatAck, ID: id, Message: message}
}

func NewChat(id, senderID, username, message, skin string, ts time.Time) ChatFrame {
	return ChatFrame{
		Type:      TypeChat,
		ID:        id,
		SenderID:  senderID,
		Username:  username,
		Message:   message,
		Skin:      skin,
		Timestamp: ts,
	}
}

func NewPlayerDisconnect(id, username string) PlayerDisconnectFrame {
	return PlayerDisconnectFrame{Type: TypePlayerDisconnect, ID: id, Username: username}
}

func NewOnlineUsersCount(n int) OnlineUsersCountFrame {
	return OnlineUsersCountFrame{Type: TypeOnlineUsersCount, Count: n}
}

func NewError(kind, message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Kind: kind, Message: message}
}

func NewBanned(reason, banType string, expiresAt *time.Time) BannedFrame {
	return BannedFrame{Type: TypeBanned, Reason: reason, BanType: banType, ExpiresAt: expiresAt}
}

func NewAFKKick(reason string) KickFrame   { return KickFrame{Type: TypeAFKKick, Reason: reason} }
func NewForceKick(reason string) KickFrame { return KickFrame{Type: TypeForceKick, Reason: reason} }

func NewAnnouncement(message string, ts time.Time) AnnouncementFrame {
	return AnnouncementFrame{Type: TypeAnnouncement, Message: message, Timestamp: ts}
}

func NewPong() PongFrame { return PongFrame{Type: TypePong} }
func NewPing() PingFrame { return PingFrame{Type: TypePing} }
