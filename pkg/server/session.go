package server

import (
	"errors"
	"sync"
	"unicode/utf8"

	"github.com/lanchat/lanchat/pkg/protocol"
)

var (
	// ErrInvalidNickname rejects nicknames outside the 1-32 character range.
	ErrInvalidNickname = errors.New("nickname must be 1-32 characters")

	// ErrNicknameTaken rejects a hello for an already admitted nickname.
	ErrNicknameTaken = errors.New("nickname already in use")
)

// Session represents an admitted client connection, keyed by its nickname.
type Session struct {
	Nickname   string
	Conn       *SafeConn
	RemoteAddr string

	mu    sync.Mutex
	rooms map[string]struct{} // names of rooms this session is a member of
}

// NewSession wraps an accepted connection. The session is not visible to
// other clients until the registry admits it.
func NewSession(nickname string, conn *SafeConn) *Session {
	return &Session{
		Nickname:   nickname,
		Conn:       conn,
		RemoteAddr: conn.RemoteAddr().String(),
		rooms:      make(map[string]struct{}),
	}
}

func (s *Session) addRoom(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[name] = struct{}{}
}

func (s *Session) removeRoom(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, name)
}

// JoinedRooms returns a snapshot of the room names this session belongs to.
func (s *Session) JoinedRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		names = append(names, name)
	}
	return names
}

// SessionRegistry is the concurrency-safe table of admitted clients, keyed by
// nickname. It owns the join/leave broadcasts.
//
// Lock ordering: the registry lock is always acquired before any individual
// connection's write lock, never the reverse. Packets are therefore fanned
// out while holding the registry lock, which also makes each join/leave
// broadcast atomic with respect to registry mutation.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string // admission order, for deterministic broadcast fan-out
	metrics  *Metrics
}

// NewSessionRegistry creates an empty session registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// SetMetrics attaches metrics to the registry.
func (r *SessionRegistry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Admit validates the session's nickname and registers it. On success every
// other admitted session receives a ClientJoin broadcast and the full current
// nickname list (new client included) is returned for the hello reply.
func (r *SessionRegistry) Admit(sess *Session) ([]string, error) {
	// Length limits are in characters, not bytes; multibyte nicknames
	// count each rune once.
	runes := utf8.RuneCountInString(sess.Nickname)
	if runes < protocol.MinNicknameLength || runes > protocol.MaxNicknameLength {
		return nil, ErrInvalidNickname
	}

	r.mu.Lock()
	if _, exists := r.sessions[sess.Nickname]; exists {
		r.mu.Unlock()
		return nil, ErrNicknameTaken
	}

	join := protocol.New(protocol.TypeClientJoin)
	join.WriteString(sess.Nickname)
	join.Lock()
	r.broadcastLocked(join, sess.Nickname)

	r.sessions[sess.Nickname] = sess
	r.order = append(r.order, sess.Nickname)

	nicknames := make([]string, len(r.order))
	copy(nicknames, r.order)
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
	}

	return nicknames, nil
}

// Remove unregisters a session and broadcasts ClientLeave to every remaining
// session. Removal and broadcast happen under one lock acquisition so a
// concurrent broadcast can never target a half-removed session. Returns false
// if the nickname was not registered (already removed).
func (r *SessionRegistry) Remove(nickname string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[nickname]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, nickname)
	for i, name := range r.order {
		if name == nickname {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	leave := protocol.New(protocol.TypeClientLeave)
	leave.WriteString(nickname)
	leave.Lock()
	r.broadcastLocked(leave, "")

	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
	}

	sess.Conn.Close()
	return true
}

// Get returns the session admitted under a nickname.
func (r *SessionRegistry) Get(nickname string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[nickname]
	return sess, ok
}

// All returns all admitted sessions in admission order.
func (r *SessionRegistry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, name := range r.order {
		sessions = append(sessions, r.sessions[name])
	}
	return sessions
}

// Count returns the number of admitted sessions.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Broadcast sends a packet to every admitted session except the named one
// (empty string = everyone). The packet must already be locked.
func (r *SessionRegistry) Broadcast(p *protocol.Packet, except string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(p, except)
}

// broadcastLocked fans a packet out in admission order. Caller holds the
// registry lock; each send still serializes on the recipient's write lock.
// Send failures are left to that session's own read loop to detect and clean
// up.
func (r *SessionRegistry) broadcastLocked(p *protocol.Packet, except string) {
	for _, name := range r.order {
		if name == except {
			continue
		}
		sess := r.sessions[name]
		if err := sess.Conn.WritePacket(p); err != nil {
			debugLog.Printf("broadcast to %s failed: %v", name, err)
			continue
		}
		if r.metrics != nil {
			r.metrics.RecordPacketSent(protocol.TypeName(p.Type()))
		}
	}
	if r.metrics != nil {
		r.metrics.RecordBroadcast()
	}
}

// CloseAll closes every session without broadcasting (shutdown path).
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.sessions {
		sess.Conn.Close()
	}
	r.sessions = make(map[string]*Session)
	r.order = nil
}
