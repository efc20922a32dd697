package realtime

import (
	"sync"
	"time"

	v1 "plaza/contracts/realtime/v1"
)

// Session is the server-side record of one live player connection.
//
// ID, IP, ConnectedAt and the transport are fixed at accept time. Every
// other field is guarded by mu and only written by the Registry (promotion,
// removal) or the Relay handlers.
type Session struct {
	ID          string
	IP          string
	ConnectedAt time.Time

	conn Transport

	mu            sync.Mutex
	authenticated bool
	removed       bool
	userID        string
	displayName   string
	email         string

	x, y      float64
	animation string
	skin      string

	lastActivity       time.Time
	lastPing           time.Time
	lastChat           time.Time
	lastPositionUpdate time.Time
	lastMovement       time.Time

	pending    *v1.Update
	flushArmed bool
}

func newSession(id, ip string, conn Transport, now time.Time) *Session {
	return &Session{
		ID:           id,
		IP:           ip,
		ConnectedAt:  now,
		conn:         conn,
		lastActivity: now,
	}
}

// Send enqueues a frame on the session's transport.
func (s *Session) Send(frame v1.Outbound) bool {
	if s == nil || s.conn == nil {
		return false
	}
	return s.conn.Send(frame)
}

// Transport returns the underlying transport.
func (s *Session) Transport() Transport { return s.conn }

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) Email() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.email
}

func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayName
}

// Removed reports whether the Registry has dropped this session.
func (s *Session) Removed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

// Public is the view regular clients see. The player id is the user id.
func (s *Session) Public() v1.Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicLocked()
}

func (s *Session) publicLocked() v1.Player {
	return v1.Player{
		ID:        s.userID,
		Username:  s.displayName,
		X:         s.x,
		Y:         s.y,
		Animation: s.animation,
		Skin:      s.skin,
	}
}

// AdminView adds operational fields for the admin feed.
func (s *Session) AdminView() v1.AdminPlayer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminLocked()
}

func (s *Session) adminLocked() v1.AdminPlayer {
	return v1.AdminPlayer{
		Player:       s.publicLocked(),
		ConnID:       s.ID,
		Email:        s.email,
		IP:           s.IP,
		ConnectedAt:  s.ConnectedAt,
		LastActivity: s.lastActivity,
		LastMovement: s.lastMovement,
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) touchPing(now time.Time) {
	s.mu.Lock()
	s.lastPing = now
	s.lastActivity = now
	s.mu.Unlock()
}

// idleReason classifies an authenticated session for the eviction sweep.
// No movement wins over general inactivity.
func (s *Session) idleReason(now time.Time, afkAfter, inactiveAfter time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.authenticated {
		return ""
	}
	if now.Sub(s.lastMovement) >= afkAfter {
		return ReasonAFK
	}
	if now.Sub(s.lastActivity) >= inactiveAfter {
		return ReasonInactive
	}
	return ""
}

func (s *Session) quietSince(now time.Time, d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated && now.Sub(s.lastActivity) >= d
}
