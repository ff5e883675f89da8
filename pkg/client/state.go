package client

import (
	"encoding/base64"
	"fmt"
	"sort"
	"sync"

	"github.com/lanchat/lanchat/pkg/protocol"
	"github.com/lanchat/lanchat/pkg/roomcrypto"
)

// decryptFailedPlaceholder replaces message text the local key cannot
// decrypt. The garbled entry stays visible so the user knows a message
// existed.
const decryptFailedPlaceholder = "[message could not be decrypted]"

// ChannelKind distinguishes a private conversation from a room.
type ChannelKind int

const (
	ChannelDirect ChannelKind = iota
	ChannelRoom
)

// Message is one displayed message in a channel.
type Message struct {
	Kind   int32
	Author string
	Text   string
}

// Channel is one conversation the client is part of: a direct exchange with a
// peer or a joined room. Direct channels are created lazily on the first
// message in either direction and are never removed, only marked offline when
// the peer disconnects.
type Channel struct {
	Kind      ChannelKind
	Name      string
	Topic     string
	Encrypted bool
	Offline   bool
	Members   []string
	Messages  []Message
	Unread    int
}

// RoomInfo is a directory entry for a room on the server, joined or not.
type RoomInfo struct {
	Name      string
	Topic     string
	Encrypted bool
}

// ServerError is an error reply received from the server.
type ServerError struct {
	Code    uint32
	Message string
}

func (e ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Notifier receives every message the client gets. The return value reports
// whether the user is currently viewing that channel; messages arriving on a
// viewed channel don't count as unread.
type Notifier interface {
	Notify(channel string, msg Message) (viewed bool)
}

// State mirrors the server-side session: the roster, the room directory, and
// every conversation the user takes part in. All methods are safe for
// concurrent use; Run pumps the connection and must be running for the mirror
// to stay current.
type State struct {
	mu       sync.Mutex
	nickname string
	conn     *Connection
	notifier Notifier

	welcomed  bool
	clients   map[string]struct{}
	rooms     map[string]RoomInfo
	directs   map[string]*Channel
	roomChans map[string]*Channel
	owned     map[string]struct{}
	keys      *roomcrypto.Keychain
	join      *joinHandshake
	errs      []ServerError

	handlers map[uint32]func(*protocol.Packet) error
}

// NewState creates the session mirror for a connection. The notifier may be
// nil, in which case every incoming message counts as unread.
func NewState(nickname string, conn *Connection, notifier Notifier) *State {
	s := &State{
		nickname:  nickname,
		conn:      conn,
		notifier:  notifier,
		clients:   make(map[string]struct{}),
		rooms:     make(map[string]RoomInfo),
		directs:   make(map[string]*Channel),
		roomChans: make(map[string]*Channel),
		owned:     make(map[string]struct{}),
		keys:      roomcrypto.NewKeychain(),
	}
	s.handlers = map[uint32]func(*protocol.Packet) error{
		protocol.TypeWelcome:                          s.onWelcome,
		protocol.TypeError:                            s.onError,
		protocol.TypeClientList:                       s.onClientList,
		protocol.TypeRoomList:                         s.onRoomList,
		protocol.TypeClientJoin:                       s.onClientJoin,
		protocol.TypeClientLeave:                      s.onClientLeave,
		protocol.TypeDirectMessageReceived:            s.onDirectMessage,
		protocol.TypeRoomCreated:                      s.onRoomCreated,
		protocol.TypeRoomDeleted:                      s.onRoomDeleted,
		protocol.TypeRoomCreateError:                  s.onRoomOpError,
		protocol.TypeRoomDeleteError:                  s.onRoomOpError,
		protocol.TypeClientRoomJoin:                   s.onRoomJoin,
		protocol.TypeClientRoomLeave:                  s.onRoomLeave,
		protocol.TypeClientRoomMembers:                s.onRoomMembers,
		protocol.TypeClientRoomMessages:               s.onRoomMessages,
		protocol.TypeRoomMessageReceived:              s.onRoomMessage,
		protocol.TypeClientJoinEncryptedRoomRequest:   s.onEncryptedJoinRequest,
		protocol.TypeClientEncryptedRoomAuthorise:     s.onJoinAuthorised,
		protocol.TypeClientEncryptedRoomAuthoriseFail: s.onJoinRejected,
	}
	return s
}

// Login announces the client's nickname. The server replies with Welcome, the
// roster and the room directory, which Run folds into the mirror.
func (s *State) Login() error {
	hello := protocol.New(protocol.TypeHello)
	hello.WriteString(s.nickname)
	return s.conn.Send(hello)
}

// Run dispatches incoming packets until the connection dies. It returns the
// connection's fatal error, or nil on a clean shutdown.
func (s *State) Run() error {
	for p := range s.conn.Incoming() {
		if handler, ok := s.handlers[p.Type()]; ok {
			if err := handler(p); err != nil {
				return fmt.Errorf("failed handling %s: %w", protocol.TypeName(p.Type()), err)
			}
		}
	}
	select {
	case err := <-s.conn.Errors():
		return err
	default:
		return nil
	}
}

// Nickname returns the nickname this session logged in with.
func (s *State) Nickname() string {
	return s.nickname
}

// Welcomed reports whether the server accepted the login.
func (s *State) Welcomed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.welcomed
}

// Clients returns the online roster, sorted.
func (s *State) Clients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rooms returns the room directory, sorted by name.
func (s *State) Rooms() []RoomInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]RoomInfo, 0, len(s.rooms))
	for _, info := range s.rooms {
		rooms = append(rooms, info)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms
}

// Channel returns a copy of one conversation's current state.
func (s *State) Channel(kind ChannelKind, name string) (Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.lookupChannel(kind, name)
	if !ok {
		return Channel{}, false
	}
	snapshot := *ch
	snapshot.Members = append([]string(nil), ch.Members...)
	snapshot.Messages = append([]Message(nil), ch.Messages...)
	return snapshot, true
}

// MarkRead clears a channel's unread counter.
func (s *State) MarkRead(kind ChannelKind, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.lookupChannel(kind, name); ok {
		ch.Unread = 0
	}
}

// OwnedRooms returns the names of rooms this client created, sorted.
func (s *State) OwnedRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.owned))
	for name := range s.owned {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServerErrors returns the error replies received so far.
func (s *State) ServerErrors() []ServerError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ServerError(nil), s.errs...)
}

// SendDirect sends a private message. The server does not echo directs, so
// the message is appended to the local conversation immediately.
func (s *State) SendDirect(recipient, text string) error {
	p := protocol.New(protocol.TypeDirectMessage)
	p.WriteString(recipient)
	p.WriteString(text)
	if err := s.conn.Send(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.ensureDirectLocked(recipient)
	ch.Messages = append(ch.Messages, Message{
		Kind:   protocol.MessageKindUser,
		Author: s.nickname,
		Text:   text,
	})
	return nil
}

// CreateRoom asks the server to create a room owned by this client. A
// non-empty password makes the room encrypted; the derived key is remembered
// locally and the password never leaves this machine.
func (s *State) CreateRoom(name, topic, password string) error {
	encrypted := password != ""

	p := protocol.New(protocol.TypeRoomCreate)
	p.WriteString(name)
	p.WriteString(topic)
	p.WriteBool(encrypted)
	if err := s.conn.Send(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.owned[name] = struct{}{}
	if encrypted {
		s.keys.Remember(name, roomcrypto.DeriveKey(password))
	}
	return nil
}

// DeleteRoom asks the server to delete a room this client owns.
func (s *State) DeleteRoom(name string) error {
	p := protocol.New(protocol.TypeRoomDelete)
	p.WriteString(name)
	return s.conn.Send(p)
}

// JoinRoom joins an unencrypted room. For encrypted rooms use
// JoinEncryptedRoom.
func (s *State) JoinRoom(name string) error {
	p := protocol.New(protocol.TypeRoomJoin)
	p.WriteString(name)
	return s.conn.Send(p)
}

// LeaveRoom leaves a room. The server notifies the remaining members only,
// so the local channel is dropped immediately.
func (s *State) LeaveRoom(name string) error {
	p := protocol.New(protocol.TypeRoomLeave)
	p.WriteString(name)
	if err := s.conn.Send(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roomChans, name)
	return nil
}

// SendRoomMessage sends a message to a joined room. For encrypted rooms the
// text is encrypted with the room key before it leaves this machine; the
// server echoes room messages back to the sender, so nothing is appended
// locally.
func (s *State) SendRoomMessage(name, text string) error {
	s.mu.Lock()
	ch, ok := s.roomChans[name]
	encrypted := ok && ch.Encrypted
	var key []byte
	if encrypted {
		key, _ = s.keys.Lookup(name)
	}
	s.mu.Unlock()

	p := protocol.New(protocol.TypeRoomMessage)
	p.WriteString(name)
	if encrypted {
		if key == nil {
			return fmt.Errorf("no key for encrypted room %s", name)
		}
		iv, ciphertext, err := roomcrypto.Encrypt(key, []byte(text))
		if err != nil {
			return err
		}
		p.WriteString(base64.StdEncoding.EncodeToString(ciphertext))
		p.WriteString(base64.StdEncoding.EncodeToString(iv))
	} else {
		p.WriteString(text)
	}
	return s.conn.Send(p)
}

func (s *State) onWelcome(_ *protocol.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.welcomed = true
	return nil
}

func (s *State) onError(p *protocol.Packet) error {
	code, err := p.ReadUint32()
	if err != nil {
		return err
	}
	message, err := p.ReadString()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, ServerError{Code: code, Message: message})
	return nil
}

// onRoomOpError folds RoomCreateError and RoomDeleteError into the same
// error list; they carry the same code+message body.
func (s *State) onRoomOpError(p *protocol.Packet) error {
	return s.onError(p)
}

func (s *State) onClientList(p *protocol.Packet) error {
	count, err := p.ReadInt32()
	if err != nil {
		return err
	}
	roster := make(map[string]struct{}, count)
	for i := int32(0); i < count; i++ {
		name, err := p.ReadString()
		if err != nil {
			return err
		}
		roster[name] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = roster
	// Every nickname ever seen on the roster gets a direct channel
	for peer := range roster {
		if peer != s.nickname {
			s.ensureDirectLocked(peer)
		}
	}
	for peer, ch := range s.directs {
		_, online := roster[peer]
		ch.Offline = !online
	}
	return nil
}

func (s *State) onRoomList(p *protocol.Packet) error {
	count, err := p.ReadInt32()
	if err != nil {
		return err
	}
	rooms := make(map[string]RoomInfo, count)
	for i := int32(0); i < count; i++ {
		var info RoomInfo
		if info.Name, err = p.ReadString(); err != nil {
			return err
		}
		if info.Topic, err = p.ReadString(); err != nil {
			return err
		}
		if info.Encrypted, err = p.ReadBool(); err != nil {
			return err
		}
		rooms[info.Name] = info
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = rooms
	return nil
}

func (s *State) onClientJoin(p *protocol.Packet) error {
	name, err := p.ReadString()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[name] = struct{}{}
	if name != s.nickname {
		known := s.directs[name] != nil
		ch := s.ensureDirectLocked(name)
		ch.Offline = false
		if known {
			s.appendLocked(ch, Message{Kind: protocol.MessageKindSystem, Text: name + " is back online"})
		}
	}
	return nil
}

func (s *State) onClientLeave(p *protocol.Packet) error {
	name, err := p.ReadString()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, name)
	// The conversation survives the peer; it just goes quiet
	if ch, ok := s.directs[name]; ok {
		ch.Offline = true
		s.appendLocked(ch, Message{Kind: protocol.MessageKindSystem, Text: name + " went offline"})
	}
	return nil
}

func (s *State) onDirectMessage(p *protocol.Packet) error {
	sender, err := p.ReadString()
	if err != nil {
		return err
	}
	recipient, err := p.ReadString()
	if err != nil {
		return err
	}
	text, err := p.ReadString()
	if err != nil {
		return err
	}

	peer := sender
	if peer == s.nickname {
		peer = recipient
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.ensureDirectLocked(peer)
	s.appendLocked(ch, Message{Kind: protocol.MessageKindUser, Author: sender, Text: text})
	return nil
}

func (s *State) onRoomCreated(p *protocol.Packet) error {
	var info RoomInfo
	var err error
	if info.Name, err = p.ReadString(); err != nil {
		return err
	}
	if info.Topic, err = p.ReadString(); err != nil {
		return err
	}
	if info.Encrypted, err = p.ReadBool(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[info.Name] = info
	return nil
}

func (s *State) onRoomDeleted(p *protocol.Packet) error {
	name, err := p.ReadString()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, name)
	delete(s.roomChans, name)
	delete(s.owned, name)
	s.keys.Forget(name)
	return nil
}

func (s *State) onRoomJoin(p *protocol.Packet) error {
	room, err := p.ReadString()
	if err != nil {
		return err
	}
	name, err := p.ReadString()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.roomChans[room]; ok {
		ch.Members = append(ch.Members, name)
		s.appendLocked(ch, Message{Kind: protocol.MessageKindSystem, Text: name + " joined"})
	}
	return nil
}

func (s *State) onRoomLeave(p *protocol.Packet) error {
	room, err := p.ReadString()
	if err != nil {
		return err
	}
	name, err := p.ReadString()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.roomChans[room]; ok {
		for i, member := range ch.Members {
			if member == name {
				ch.Members = append(ch.Members[:i], ch.Members[i+1:]...)
				break
			}
		}
		s.appendLocked(ch, Message{Kind: protocol.MessageKindSystem, Text: name + " left"})
	}
	return nil
}

// onRoomMembers is the first half of the join reply: it materializes the
// local channel for a room we just joined.
func (s *State) onRoomMembers(p *protocol.Packet) error {
	room, err := p.ReadString()
	if err != nil {
		return err
	}
	count, err := p.ReadInt32()
	if err != nil {
		return err
	}
	members := make([]string, 0, count)
	for i := int32(0); i < count; i++ {
		name, err := p.ReadString()
		if err != nil {
			return err
		}
		members = append(members, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.rooms[room]
	s.roomChans[room] = &Channel{
		Kind:      ChannelRoom,
		Name:      room,
		Topic:     info.Topic,
		Encrypted: info.Encrypted,
		Members:   members,
	}
	return nil
}

// onRoomMessages is the second half of the join reply: the room's history.
func (s *State) onRoomMessages(p *protocol.Packet) error {
	room, err := p.ReadString()
	if err != nil {
		return err
	}
	count, err := p.ReadInt32()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.roomChans[room]
	if !ok {
		return nil
	}

	var key []byte
	if ch.Encrypted {
		key, _ = s.keys.Lookup(room)
	}

	messages := make([]Message, 0, count)
	for i := int32(0); i < count; i++ {
		var msg Message
		if msg.Kind, err = p.ReadInt32(); err != nil {
			return err
		}
		if msg.Author, err = p.ReadString(); err != nil {
			return err
		}
		if msg.Text, err = p.ReadString(); err != nil {
			return err
		}
		if ch.Encrypted {
			iv, err := p.ReadString()
			if err != nil {
				return err
			}
			msg.Text = decryptText(key, msg.Text, iv)
		}
		messages = append(messages, msg)
	}
	ch.Messages = messages
	return nil
}

func (s *State) onRoomMessage(p *protocol.Packet) error {
	room, err := p.ReadString()
	if err != nil {
		return err
	}
	var msg Message
	if msg.Kind, err = p.ReadInt32(); err != nil {
		return err
	}
	if msg.Author, err = p.ReadString(); err != nil {
		return err
	}
	if msg.Text, err = p.ReadString(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.roomChans[room]
	if !ok {
		return nil
	}
	if ch.Encrypted {
		iv, err := p.ReadString()
		if err != nil {
			return err
		}
		key, _ := s.keys.Lookup(room)
		msg.Text = decryptText(key, msg.Text, iv)
	}
	s.appendLocked(ch, msg)
	return nil
}

// ensureDirectLocked returns the direct channel for a peer, creating it on
// first use. Caller holds s.mu.
func (s *State) ensureDirectLocked(peer string) *Channel {
	if ch, ok := s.directs[peer]; ok {
		return ch
	}
	_, online := s.clients[peer]
	ch := &Channel{
		Kind:    ChannelDirect,
		Name:    peer,
		Offline: !online,
	}
	s.directs[peer] = ch
	return ch
}

func (s *State) lookupChannel(kind ChannelKind, name string) (*Channel, bool) {
	if kind == ChannelDirect {
		ch, ok := s.directs[name]
		return ch, ok
	}
	ch, ok := s.roomChans[name]
	return ch, ok
}

// appendLocked appends an incoming message and updates the unread counter
// through the notifier. Caller holds s.mu.
func (s *State) appendLocked(ch *Channel, msg Message) {
	ch.Messages = append(ch.Messages, msg)
	viewed := false
	if s.notifier != nil {
		viewed = s.notifier.Notify(ch.Name, msg)
	}
	if !viewed {
		ch.Unread++
	}
}

// decryptText decodes and decrypts one encrypted-room message. Undecryptable
// messages (wrong key, corrupt payload) become a placeholder rather than an
// error.
func decryptText(key []byte, cipherB64, ivB64 string) string {
	if key == nil {
		return decryptFailedPlaceholder
	}
	ciphertext, err := base64.StdEncoding.DecodeString(cipherB64)
	if err != nil {
		return decryptFailedPlaceholder
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return decryptFailedPlaceholder
	}
	plaintext, err := roomcrypto.Decrypt(key, iv, ciphertext)
	if err != nil {
		return decryptFailedPlaceholder
	}
	return string(plaintext)
}
