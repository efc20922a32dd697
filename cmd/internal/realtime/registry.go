package realtime

import (
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ErrUnknownSession is returned by Promote when the connection is already gone.
var ErrUnknownSession = errors.New("realtime: unknown session")

// Registry is the authoritative table of live sessions.
//
// Indices:
// - sessions: connection id -> session (every live connection)
// - current:  user id -> the one authenticated session for that user
// - byUser:   user id -> all sessions ever bound to that user and not yet removed
// - pending:  (connection id, token digest) -> last processed authenticate
//
// Lock order: Registry.mu before Session.mu.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	current  map[string]*Session
	byUser   map[string]map[string]*Session
	pending  map[pendingKey]time.Time
}

type pendingKey struct {
	connID string
	digest string
}

// Promotion carries the identity bound to a session on authenticate.
type Promotion struct {
	UserID      string
	DisplayName string
	Email       string
	Skin        string
	Now         time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		current:  make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		pending:  make(map[pendingKey]time.Time),
	}
}

// Create registers a new unauthenticated session.
func (r *Registry) Create(conn Transport, ip string, now time.Time) *Session {
	s := newSession(NewConnID(now), ip, conn, now)

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

func (r *Registry) Get(connID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[connID]
}

// CurrentForUser returns the authenticated session holding userID, if any.
func (r *Registry) CurrentForUser(userID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current[userID]
}

// SessionsForUser returns every registered session bound to userID.
func (r *Registry) SessionsForUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// Promote binds a session to a user. Any other session holding the same
// user is closed with the replaced code and removed before the new mapping
// is installed; those sessions are returned so the caller can record their
// departure. Re-authenticating as a different user releases the old binding.
func (r *Registry) Promote(connID string, p Promotion) ([]*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[connID]
	if s == nil {
		return nil, ErrUnknownSession
	}

	var replaced []*Session
	for id, other := range r.byUser[p.UserID] {
		if id == connID {
			continue
		}
		r.removeLocked(other)
		other.conn.Close(CloseReplaced, replacedCloseReason)
		replaced = append(replaced, other)
	}

	s.mu.Lock()
	prev := s.userID
	if s.authenticated && prev != "" && prev != p.UserID {
		r.unbindLocked(prev, s)
	}
	s.authenticated = true
	s.userID = p.UserID
	s.displayName = p.DisplayName
	s.email = p.Email
	if p.Skin != "" {
		s.skin = p.Skin
	}
	s.lastActivity = p.Now
	s.lastPositionUpdate = p.Now
	s.lastMovement = p.Now
	s.mu.Unlock()

	r.current[p.UserID] = s
	set := r.byUser[p.UserID]
	if set == nil {
		set = make(map[string]*Session)
		r.byUser[p.UserID] = set
	}
	set[connID] = s

	return replaced, nil
}

// Remove drops a session from every index. It is idempotent: only the first
// call for a connection id returns true.
func (r *Registry) Remove(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[connID]
	if s == nil {
		return nil, false
	}
	r.removeLocked(s)
	return s, true
}

func (r *Registry) removeLocked(s *Session) {
	delete(r.sessions, s.ID)

	s.mu.Lock()
	uid := s.userID
	s.removed = true
	s.pending = nil
	s.mu.Unlock()

	if uid != "" {
		r.unbindLocked(uid, s)
	}
	for k := range r.pending {
		if k.connID == s.ID {
			delete(r.pending, k)
		}
	}
}

func (r *Registry) unbindLocked(userID string, s *Session) {
	if set := r.byUser[userID]; set != nil {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(r.byUser, userID)
		}
	}
	if r.current[userID] == s {
		delete(r.current, userID)
	}
}

// ForEach returns a snapshot of the sessions matching pred, in accept order.
// A nil pred matches everything.
func (r *Registry) ForEach(pred func(*Session) bool) []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if pred == nil || pred(s) {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	sortSessions(out)
	return out
}

// Authenticated returns a snapshot of the authenticated sessions in accept order.
func (r *Registry) Authenticated() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.current))
	for _, s := range r.current {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sortSessions(out)
	return out
}

// CountAuthenticated is the online count.
func (r *Registry) CountAuthenticated() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.current)
}

// Len is the number of registered connections, authenticated or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// MarkPending records an authenticate attempt for (connID, token). It
// returns false when the same pair was recorded less than window ago; a
// suppressed attempt does not refresh the marker.
func (r *Registry) MarkPending(connID, token string, now time.Time, window time.Duration) bool {
	k := pendingKey{connID: connID, digest: tokenDigest(token)}

	r.mu.Lock()
	defer r.mu.Unlock()

	if at, ok := r.pending[k]; ok && now.Sub(at) < window {
		return false
	}
	r.pending[k] = now
	return true
}

// ExpirePending drops markers older than ttl and returns how many went.
func (r *Registry) ExpirePending(now time.Time, ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for k, at := range r.pending {
		if now.Sub(at) >= ttl {
			delete(r.pending, k)
			n++
		}
	}
	return n
}

// PendingLen is the number of live debounce markers.
func (r *Registry) PendingLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// tokenDigest keeps raw bearer tokens out of long-lived maps.
func tokenDigest(token string) string {
	sum := blake2b.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

func sortSessions(ss []*Session) {
	sort.Slice(ss, func(i, j int) bool {
		if !ss[i].ConnectedAt.Equal(ss[j].ConnectedAt) {
			return ss[i].ConnectedAt.Before(ss[j].ConnectedAt)
		}
		return ss[i].ID < ss[j].ID
	})
}
