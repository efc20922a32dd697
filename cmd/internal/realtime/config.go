package realtime

import (
	"time"

	"github.com/coder/websocket"
)

// Close status codes sent to players.
const (
	CloseReplaced        = websocket.StatusNormalClosure
	CloseIdle            = websocket.StatusCode(4000)
	CloseForceKick       = websocket.StatusCode(4001)
	CloseBanned          = websocket.StatusCode(4002)
	CloseBannedAtConnect = websocket.StatusCode(4003)
)

// Departure reasons, recorded in the session log and the admin feed.
const (
	ReasonClosed   = "closed"
	ReasonReplaced = "replaced"
	ReasonAFK      = "afk"
	ReasonInactive = "inactive"
	ReasonKicked   = "kicked"
	ReasonBanned   = "banned"
	ReasonZombie   = "zombie"
	ReasonFlood    = "flood"
	ReasonShutdown = "shutdown"
	ReasonReauth   = "reauth"
)

const (
	replacedCloseReason = "replaced by newer connection"
	afkKickMessage      = "Disconnected for being away too long"
	inactiveKickMessage = "Disconnected for inactivity"
	defaultDisplayName  = "Player"
	shutdownReason      = "server shutting down"
)

// Config holds the relay tunables. Zero fields fall back to DefaultConfig.
type Config struct {
	// Throttling.
	PositionInterval time.Duration `yaml:"position_interval"`
	MoveThreshold    float64       `yaml:"move_threshold"`
	ChatInterval     time.Duration `yaml:"chat_interval"`
	MaxChatRunes     int           `yaml:"max_chat_runes"`
	MaxNameRunes     int           `yaml:"max_name_runes"`

	// Authentication.
	AuthDebounce    time.Duration `yaml:"auth_debounce"`
	PendingAuthTTL  time.Duration `yaml:"pending_auth_ttl"`
	IdentityTimeout time.Duration `yaml:"identity_timeout"`
	StoreTimeout    time.Duration `yaml:"store_timeout"`

	// Janitor.
	AFKAfter       time.Duration `yaml:"afk_after"`
	InactiveAfter  time.Duration `yaml:"inactive_after"`
	EvictionEvery  time.Duration `yaml:"eviction_every"`
	ZombieEvery    time.Duration `yaml:"zombie_every"`
	PendingEvery   time.Duration `yaml:"pending_every"`
	KeepaliveEvery time.Duration `yaml:"keepalive_every"`
	BanSweepEvery  time.Duration `yaml:"ban_sweep_every"`
	StatsEvery     time.Duration `yaml:"stats_every"`

	// Transport.
	SendQueueSize     int           `yaml:"send_queue_size"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxFrameBytes     int64         `yaml:"max_frame_bytes"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	FloodEvents       int           `yaml:"flood_events"`
	FloodWindow       time.Duration `yaml:"flood_window"`

	// Origin policy.
	OriginRequired bool     `yaml:"origin_required"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	DevInsecure    bool     `yaml:"dev_insecure"`
	TrustProxy     bool     `yaml:"trust_proxy"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PositionInterval: 200 * time.Millisecond,
		MoveThreshold:    2,
		ChatInterval:     500 * time.Millisecond,
		MaxChatRunes:     500,
		MaxNameRunes:     32,

		AuthDebounce:    2 * time.Second,
		PendingAuthTTL:  10 * time.Second,
		IdentityTimeout: 5 * time.Second,
		StoreTimeout:    3 * time.Second,

		AFKAfter:       5 * time.Minute,
		InactiveAfter:  10 * time.Minute,
		EvictionEvery:  30 * time.Second,
		ZombieEvery:    30 * time.Second,
		PendingEvery:   10 * time.Second,
		KeepaliveEvery: 45 * time.Second,
		BanSweepEvery:  60 * time.Second,
		StatsEvery:     5 * time.Second,

		SendQueueSize:     256,
		WriteTimeout:      5 * time.Second,
		MaxFrameBytes:     64 << 10,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		FloodEvents:       120,
		FloodWindow:       10 * time.Second,

		OriginRequired: true,
		AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
	}
}

const minSendQueueSize = 32

// withDefaults fills zero fields from DefaultConfig. Booleans and the origin
// allowlist are taken as given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	setDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}

	setDur(&c.PositionInterval, d.PositionInterval)
	if c.MoveThreshold <= 0 {
		c.MoveThreshold = d.MoveThreshold
	}
	setDur(&c.ChatInterval, d.ChatInterval)
	setInt(&c.MaxChatRunes, d.MaxChatRunes)
	setInt(&c.MaxNameRunes, d.MaxNameRunes)

	setDur(&c.AuthDebounce, d.AuthDebounce)
	setDur(&c.PendingAuthTTL, d.PendingAuthTTL)
	setDur(&c.IdentityTimeout, d.IdentityTimeout)
	setDur(&c.StoreTimeout, d.StoreTimeout)

	setDur(&c.AFKAfter, d.AFKAfter)
	setDur(&c.InactiveAfter, d.InactiveAfter)
	setDur(&c.EvictionEvery, d.EvictionEvery)
	setDur(&c.ZombieEvery, d.ZombieEvery)
	setDur(&c.PendingEvery, d.PendingEvery)
	setDur(&c.KeepaliveEvery, d.KeepaliveEvery)
	setDur(&c.BanSweepEvery, d.BanSweepEvery)
	setDur(&c.StatsEvery, d.StatsEvery)

	setInt(&c.SendQueueSize, d.SendQueueSize)
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	setDur(&c.WriteTimeout, d.WriteTimeout)
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	setDur(&c.HeartbeatInterval, d.HeartbeatInterval)
	setDur(&c.HeartbeatTimeout, d.HeartbeatTimeout)
	setInt(&c.FloodEvents, d.FloodEvents)
	setDur(&c.FloodWindow, d.FloodWindow)
	return c
}
