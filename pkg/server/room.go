package server

import (
	"errors"
	"sync"

	"github.com/lanchat/lanchat/pkg/protocol"
)

var (
	ErrRoomNameInvalid = errors.New("room name must not be empty")
	ErrRoomNameTaken   = errors.New("room name already in use")
	ErrRoomNotFound    = errors.New("room not found")
	ErrNotRoomOwner    = errors.New("requester does not own the room")
	ErrNotRoomMember   = errors.New("requester is not a room member")
)

// HistoryEntry is one message in a room's append-only history. For encrypted
// rooms Text holds ciphertext and IV the initialization vector it was
// encrypted under; the server never sees the plaintext.
type HistoryEntry struct {
	Kind   int32
	Author string
	Text   string
	IV     string
}

// Room is a named group conversation: an owner, a member set and an ordered
// message history. For encrypted rooms the server holds no key - only the
// encrypted flag; the key lives with clients that derived it from the room
// password.
type Room struct {
	Name      string
	Topic     string
	Encrypted bool
	Owner     *Session

	members map[string]*Session
	order   []string // join order; broadcast fan-out and ownership succession
	history []HistoryEntry
}

func (room *Room) memberList() []string {
	names := make([]string, len(room.order))
	copy(names, room.order)
	return names
}

// RoomRegistry is the concurrency-safe table of rooms keyed by name. It owns
// room membership, history, and every room-related broadcast.
//
// Lock ordering: room registry lock → session registry lock → per-connection
// write lock. Never the reverse.
type RoomRegistry struct {
	mu           sync.Mutex
	rooms        map[string]*Room
	sessions     *SessionRegistry
	historyLimit int
	metrics      *Metrics
}

// NewRoomRegistry creates an empty room registry. Broadcasts that target all
// connected clients (room created/deleted) fan out through the session
// registry.
func NewRoomRegistry(sessions *SessionRegistry, historyLimit int) *RoomRegistry {
	return &RoomRegistry{
		rooms:        make(map[string]*Room),
		sessions:     sessions,
		historyLimit: historyLimit,
	}
}

// SetMetrics attaches metrics to the registry.
func (r *RoomRegistry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Info returns a room's topic and encrypted flag.
func (r *RoomRegistry) Info(name string) (topic string, encrypted bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[name]
	if !ok {
		return "", false, false
	}
	return room.Topic, room.Encrypted, true
}

// Count returns the number of rooms.
func (r *RoomRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Snapshot returns (name, topic, encrypted) for every room, for the RoomList
// reply.
func (r *RoomRegistry) Snapshot() []Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, Room{Name: room.Name, Topic: room.Topic, Encrypted: room.Encrypted})
	}
	return rooms
}

// Create creates a room owned by the requester (empty member set) and
// broadcasts RoomCreated to every connected client. Name collisions and empty
// names are reported back as errors with no state change.
func (r *RoomRegistry) Create(sess *Session, name, topic string, encrypted bool) error {
	if name == "" {
		return ErrRoomNameInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[name]; exists {
		return ErrRoomNameTaken
	}

	r.rooms[name] = &Room{
		Name:      name,
		Topic:     topic,
		Encrypted: encrypted,
		Owner:     sess,
		members:   make(map[string]*Session),
	}

	created := protocol.New(protocol.TypeRoomCreated)
	created.WriteString(name)
	created.WriteString(topic)
	created.WriteBool(encrypted)
	created.Lock()
	r.sessions.Broadcast(created, "")

	if r.metrics != nil {
		r.metrics.RecordActiveRooms(len(r.rooms))
	}
	return nil
}

// Delete removes a room at its owner's request, evicts all members and
// broadcasts RoomDeleted to every connected client.
func (r *RoomRegistry) Delete(sess *Session, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if room.Owner != sess {
		return ErrNotRoomOwner
	}

	r.deleteLocked(room)
	return nil
}

// deleteLocked removes the room and broadcasts RoomDeleted. Caller holds the
// registry lock.
func (r *RoomRegistry) deleteLocked(room *Room) {
	for _, member := range room.members {
		member.removeRoom(room.Name)
	}
	delete(r.rooms, room.Name)

	deleted := protocol.New(protocol.TypeRoomDeleted)
	deleted.WriteString(room.Name)
	deleted.Lock()
	r.sessions.Broadcast(deleted, "")

	if r.metrics != nil {
		r.metrics.RecordActiveRooms(len(r.rooms))
	}
}

// Join adds the requester to an unencrypted room, broadcasts ClientRoomJoin
// to the existing members and replies to the requester with the member list
// and history. Joining a room twice is a no-op that re-sends the snapshot.
func (r *RoomRegistry) Join(sess *Session, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}

	if _, already := room.members[sess.Nickname]; !already {
		r.addMemberLocked(room, sess)
	}

	r.sendRoomSnapshotLocked(room, sess)
	return nil
}

// addMemberLocked broadcasts ClientRoomJoin to the current members, then adds
// the session. Caller holds the registry lock.
func (r *RoomRegistry) addMemberLocked(room *Room, sess *Session) {
	joined := protocol.New(protocol.TypeClientRoomJoin)
	joined.WriteString(room.Name)
	joined.WriteString(sess.Nickname)
	joined.Lock()
	r.broadcastToMembersLocked(room, joined)

	room.members[sess.Nickname] = sess
	room.order = append(room.order, sess.Nickname)
	sess.addRoom(room.Name)
}

// RelayEncryptedJoin forwards a join request for an encrypted room verbatim
// to the room owner. The server never decrypts the challenge; membership is
// granted only when the owner sends its verdict. An unreachable owner is not
// an error - the joiner times out.
func (r *RoomRegistry) RelayEncryptedJoin(sess *Session, name, salt, iv, cipherText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}

	request := protocol.New(protocol.TypeClientJoinEncryptedRoomRequest)
	request.WriteString(room.Name)
	request.WriteString(sess.Nickname)
	request.WriteString(salt)
	request.WriteString(iv)
	request.WriteString(cipherText)
	request.Lock()

	if err := room.Owner.Conn.WritePacket(request); err != nil {
		debugLog.Printf("room %s: relay of encrypted join from %s to owner %s failed: %v",
			room.Name, sess.Nickname, room.Owner.Nickname, err)
		return nil
	}
	if r.metrics != nil {
		r.metrics.RecordPacketSent(protocol.TypeName(request.Type()))
	}
	return nil
}

// Authorise completes an encrypted join after the room owner vouched for the
// joiner: membership is added, the joiner receives the verdict plus the
// member list and history, and existing members see ClientRoomJoin. Only the
// current owner may authorize.
func (r *RoomRegistry) Authorise(owner *Session, name, nickname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if room.Owner != owner {
		return ErrNotRoomOwner
	}

	joiner, ok := r.sessions.Get(nickname)
	if !ok {
		// Joiner disconnected while the owner was deciding
		return nil
	}

	verdict := protocol.New(protocol.TypeClientEncryptedRoomAuthorise)
	verdict.WriteString(room.Name)
	verdict.Lock()
	if err := joiner.Conn.WritePacket(verdict); err != nil {
		return nil
	}

	if _, already := room.members[nickname]; !already {
		r.addMemberLocked(room, joiner)
	}

	r.sendRoomSnapshotLocked(room, joiner)
	return nil
}

// AuthoriseFail relays the owner's negative verdict to the joining client.
// No membership change occurs.
func (r *RoomRegistry) AuthoriseFail(owner *Session, name, nickname string, errorCode int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if room.Owner != owner {
		return ErrNotRoomOwner
	}

	joiner, ok := r.sessions.Get(nickname)
	if !ok {
		return nil
	}

	verdict := protocol.New(protocol.TypeClientEncryptedRoomAuthoriseFail)
	verdict.WriteString(room.Name)
	verdict.WriteInt32(errorCode)
	verdict.Lock()
	joiner.Conn.WritePacket(verdict)
	return nil
}

// Leave removes the requester from a room and broadcasts ClientRoomLeave to
// the remaining members. If the owner leaves, ownership passes to the
// longest-standing remaining member; an emptied room is deleted.
func (r *RoomRegistry) Leave(sess *Session, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if _, member := room.members[sess.Nickname]; !member {
		return ErrNotRoomMember
	}

	r.removeMemberLocked(room, sess)
	return nil
}

// Message appends a message to the room history and broadcasts
// RoomMessageReceived to every current member, sender included, in join
// order. Non-members are rejected without a reply.
func (r *RoomRegistry) Message(sess *Session, name, text, iv string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[name]
	if !ok {
		return ErrRoomNotFound
	}
	if _, member := room.members[sess.Nickname]; !member {
		return ErrNotRoomMember
	}

	entry := HistoryEntry{
		Kind:   protocol.MessageKindUser,
		Author: sess.Nickname,
		Text:   text,
		IV:     iv,
	}
	room.history = append(room.history, entry)
	if r.historyLimit > 0 && len(room.history) > r.historyLimit {
		room.history = room.history[len(room.history)-r.historyLimit:]
	}

	received := protocol.New(protocol.TypeRoomMessageReceived)
	received.WriteString(room.Name)
	received.WriteInt32(entry.Kind)
	received.WriteString(entry.Author)
	received.WriteString(entry.Text)
	if room.Encrypted {
		received.WriteString(entry.IV)
	}
	received.Lock()
	r.broadcastToMembersLocked(room, received)

	return nil
}

// History returns a copy of a room's message history.
func (r *RoomRegistry) History(name string) ([]HistoryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[name]
	if !ok {
		return nil, false
	}
	return append([]HistoryEntry(nil), room.history...), true
}

// Members returns a room's current member list in join order.
func (r *RoomRegistry) Members(name string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[name]
	if !ok {
		return nil, false
	}
	return room.memberList(), true
}

// Owner returns the nickname of a room's current owner.
func (r *RoomRegistry) Owner(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[name]
	if !ok {
		return "", false
	}
	return room.Owner.Nickname, true
}

// DropSession evicts a disconnecting session from every room it belongs to,
// with the same succession rules as an explicit leave.
func (r *RoomRegistry) DropSession(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range sess.JoinedRooms() {
		if room, ok := r.rooms[name]; ok {
			if _, member := room.members[sess.Nickname]; member {
				r.removeMemberLocked(room, sess)
			}
		}
	}

	// Rooms owned but not joined: creation gives ownership without
	// membership, so the membership loop above never sees them. Pass
	// ownership to the longest-standing member, or delete the room when
	// nobody is left.
	for _, room := range r.rooms {
		if room.Owner != sess {
			continue
		}
		if len(room.order) == 0 {
			r.deleteLocked(room)
			continue
		}
		room.Owner = room.members[room.order[0]]
		debugLog.Printf("room %s: ownership passed to %s", room.Name, room.Owner.Nickname)
	}
}

// removeMemberLocked removes a member, broadcasts ClientRoomLeave to the
// remaining members, and handles ownership succession. Caller holds the
// registry lock.
func (r *RoomRegistry) removeMemberLocked(room *Room, sess *Session) {
	delete(room.members, sess.Nickname)
	for i, name := range room.order {
		if name == sess.Nickname {
			room.order = append(room.order[:i], room.order[i+1:]...)
			break
		}
	}
	sess.removeRoom(room.Name)

	if room.Owner == sess {
		if len(room.order) == 0 {
			r.deleteLocked(room)
			return
		}
		room.Owner = room.members[room.order[0]]
		debugLog.Printf("room %s: ownership passed to %s", room.Name, room.Owner.Nickname)
	}

	left := protocol.New(protocol.TypeClientRoomLeave)
	left.WriteString(room.Name)
	left.WriteString(sess.Nickname)
	left.Lock()
	r.broadcastToMembersLocked(room, left)
}

// broadcastToMembersLocked fans a locked packet out to the member set
// captured at send time, in join order. Caller holds the registry lock; each
// send serializes on the recipient's write lock.
func (r *RoomRegistry) broadcastToMembersLocked(room *Room, p *protocol.Packet) {
	for _, name := range room.order {
		member := room.members[name]
		if err := member.Conn.WritePacket(p); err != nil {
			debugLog.Printf("room %s: broadcast to %s failed: %v", room.Name, name, err)
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

// sendRoomSnapshotLocked sends the member list and message history of a room
// to one session (the reply to a completed join). Caller holds the registry
// lock.
func (r *RoomRegistry) sendRoomSnapshotLocked(room *Room, sess *Session) {
	members := protocol.New(protocol.TypeClientRoomMembers)
	members.WriteString(room.Name)
	members.WriteInt32(int32(len(room.order)))
	for _, name := range room.order {
		members.WriteString(name)
	}
	members.Lock()
	sess.Conn.WritePacket(members)

	history := protocol.New(protocol.TypeClientRoomMessages)
	history.WriteString(room.Name)
	history.WriteInt32(int32(len(room.history)))
	for _, entry := range room.history {
		history.WriteInt32(entry.Kind)
		history.WriteString(entry.Author)
		history.WriteString(entry.Text)
		if room.Encrypted {
			history.WriteString(entry.IV)
		}
	}
	history.Lock()
	sess.Conn.WritePacket(history)
}
