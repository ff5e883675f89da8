package server

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanchat/lanchat/pkg/protocol"
)

// testClient drives one side of a net.Pipe against Server.ServeConn, standing
// in for a real TLS client.
type testClient struct {
	t       *testing.T
	conn    net.Conn
	packets chan *protocol.Packet
	closed  chan struct{}
}

func newTestServer() *Server {
	config := DefaultConfig()
	config.DataDir = ""
	return NewServer(config)
}

// connect opens a pipe to the server and starts the read pump. It does not
// send a hello.
func connect(t *testing.T, srv *Server) *testClient {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	go srv.ServeConn(serverSide)

	tc := &testClient{
		t:       t,
		conn:    clientSide,
		packets: make(chan *protocol.Packet, 64),
		closed:  make(chan struct{}),
	}
	go func() {
		defer close(tc.closed)
		for {
			p, err := protocol.ReadPacket(clientSide)
			if err != nil {
				return
			}
			tc.packets <- p
		}
	}()
	t.Cleanup(func() { clientSide.Close() })
	return tc
}

// login connects and completes the hello exchange, consuming the welcome,
// client list and room list replies.
func login(t *testing.T, srv *Server, nickname string) *testClient {
	t.Helper()
	tc := connect(t, srv)
	hello := protocol.New(protocol.TypeHello)
	hello.WriteString(nickname)
	tc.send(hello)
	tc.expect(protocol.TypeWelcome)
	tc.expect(protocol.TypeClientList)
	tc.expect(protocol.TypeRoomList)
	return tc
}

func (tc *testClient) send(p *protocol.Packet) {
	tc.t.Helper()
	require.NoError(tc.t, protocol.WritePacket(tc.conn, p))
}

// expect waits for the next packet and asserts its type.
func (tc *testClient) expect(msgType uint32) *protocol.Packet {
	tc.t.Helper()
	select {
	case p := <-tc.packets:
		require.Equal(tc.t, protocol.TypeName(msgType), protocol.TypeName(p.Type()))
		return p
	case <-time.After(2 * time.Second):
		tc.t.Fatalf("timed out waiting for %s", protocol.TypeName(msgType))
		return nil
	}
}

// expectNone asserts no packet arrives within a short window.
func (tc *testClient) expectNone() {
	tc.t.Helper()
	select {
	case p := <-tc.packets:
		tc.t.Fatalf("unexpected %s packet", protocol.TypeName(p.Type()))
	case <-time.After(100 * time.Millisecond):
	}
}

// expectClosed asserts the server closed the connection.
func (tc *testClient) expectClosed() {
	tc.t.Helper()
	select {
	case <-tc.closed:
	case <-time.After(2 * time.Second):
		tc.t.Fatal("connection was not closed")
	}
}

func readString(t *testing.T, p *protocol.Packet) string {
	t.Helper()
	s, err := p.ReadString()
	require.NoError(t, err)
	return s
}

func readUint32(t *testing.T, p *protocol.Packet) uint32 {
	t.Helper()
	v, err := p.ReadUint32()
	require.NoError(t, err)
	return v
}

func readInt32(t *testing.T, p *protocol.Packet) int32 {
	t.Helper()
	v, err := p.ReadInt32()
	require.NoError(t, err)
	return v
}

func TestHelloAdmitsAndAnnounces(t *testing.T) {
	srv := newTestServer()

	alice := connect(t, srv)
	hello := protocol.New(protocol.TypeHello)
	hello.WriteString("alice")
	alice.send(hello)

	alice.expect(protocol.TypeWelcome)
	roster := alice.expect(protocol.TypeClientList)
	require.EqualValues(t, 1, readInt32(t, roster))
	assert.Equal(t, "alice", readString(t, roster))
	rooms := alice.expect(protocol.TypeRoomList)
	require.EqualValues(t, 0, readInt32(t, rooms))

	bob := login(t, srv, "bob")
	_ = bob

	joined := alice.expect(protocol.TypeClientJoin)
	assert.Equal(t, "bob", readString(t, joined))
	assert.Equal(t, 2, srv.Sessions().Count())
}

func TestHelloRejectsBadNicknames(t *testing.T) {
	tests := []struct {
		name     string
		nickname string
		code     uint32
	}{
		{"empty", "", protocol.ErrCodeInvalidNickname},
		{"too long", string(make([]byte, 33)), protocol.ErrCodeInvalidNickname},
		{"too many runes", strings.Repeat("字", 33), protocol.ErrCodeInvalidNickname},
		{"taken", "alice", protocol.ErrCodeNicknameTaken},
	}

	srv := newTestServer()
	login(t, srv, "alice")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := connect(t, srv)
			hello := protocol.New(protocol.TypeHello)
			hello.WriteString(tt.nickname)
			tc.send(hello)

			errReply := tc.expect(protocol.TypeError)
			assert.Equal(t, tt.code, readUint32(t, errReply))
			tc.expectClosed()
		})
	}

	// The original session survives a failed nickname claim
	assert.Equal(t, 1, srv.Sessions().Count())
}

func TestHelloAcceptsMultibyteNickname(t *testing.T) {
	srv := newTestServer()

	// 20 runes is within the limit even at 60 bytes of UTF-8
	nickname := strings.Repeat("字", 20)
	tc := connect(t, srv)
	hello := protocol.New(protocol.TypeHello)
	hello.WriteString(nickname)
	tc.send(hello)

	tc.expect(protocol.TypeWelcome)
	tc.expect(protocol.TypeClientList)
	tc.expect(protocol.TypeRoomList)
	_, ok := srv.Sessions().Get(nickname)
	assert.True(t, ok)
}

func TestFirstPacketMustBeHello(t *testing.T) {
	srv := newTestServer()
	tc := connect(t, srv)

	dm := protocol.New(protocol.TypeDirectMessage)
	dm.WriteString("alice")
	dm.WriteString("hi")
	tc.send(dm)

	errReply := tc.expect(protocol.TypeError)
	assert.EqualValues(t, protocol.ErrCodeInvalidPacket, readUint32(t, errReply))
	tc.expectClosed()
	assert.Equal(t, 0, srv.Sessions().Count())
}

func TestDirectMessage(t *testing.T) {
	srv := newTestServer()
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	alice.expect(protocol.TypeClientJoin)

	dm := protocol.New(protocol.TypeDirectMessage)
	dm.WriteString("bob")
	dm.WriteString("hello bob")
	alice.send(dm)

	received := bob.expect(protocol.TypeDirectMessageReceived)
	assert.Equal(t, "alice", readString(t, received))
	assert.Equal(t, "bob", readString(t, received))
	assert.Equal(t, "hello bob", readString(t, received))

	// Nothing is echoed back to the sender
	alice.expectNone()
}

func TestDirectMessageUnknownRecipient(t *testing.T) {
	srv := newTestServer()
	alice := login(t, srv, "alice")

	dm := protocol.New(protocol.TypeDirectMessage)
	dm.WriteString("ghost")
	dm.WriteString("anyone there?")
	alice.send(dm)

	errReply := alice.expect(protocol.TypeError)
	assert.EqualValues(t, protocol.ErrCodeRecipientNotFound, readUint32(t, errReply))
}

func TestRoomCreateBroadcastsToEveryone(t *testing.T) {
	srv := newTestServer()
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	alice.expect(protocol.TypeClientJoin)

	create := protocol.New(protocol.TypeRoomCreate)
	create.WriteString("general")
	create.WriteString("chit-chat")
	create.WriteBool(false)
	alice.send(create)

	for _, tc := range []*testClient{alice, bob} {
		created := tc.expect(protocol.TypeRoomCreated)
		assert.Equal(t, "general", readString(t, created))
		assert.Equal(t, "chit-chat", readString(t, created))
	}

	owner, ok := srv.Rooms().Owner("general")
	require.True(t, ok)
	assert.Equal(t, "alice", owner)

	// The owner starts outside the member set
	members, ok := srv.Rooms().Members("general")
	require.True(t, ok)
	assert.Empty(t, members)
}

func TestRoomCreateDuplicateName(t *testing.T) {
	srv := newTestServer()
	alice := login(t, srv, "alice")

	for i := 0; i < 2; i++ {
		create := protocol.New(protocol.TypeRoomCreate)
		create.WriteString("general")
		create.WriteString("")
		create.WriteBool(false)
		alice.send(create)
	}

	alice.expect(protocol.TypeRoomCreated)
	failure := alice.expect(protocol.TypeRoomCreateError)
	assert.EqualValues(t, protocol.ErrCodeRoomNameTaken, readUint32(t, failure))
	assert.Equal(t, 1, srv.Rooms().Count())
}

func TestRoomJoinAndMessage(t *testing.T) {
	srv := newTestServer()
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	alice.expect(protocol.TypeClientJoin)

	create := protocol.New(protocol.TypeRoomCreate)
	create.WriteString("general")
	create.WriteString("")
	create.WriteBool(false)
	alice.send(create)
	alice.expect(protocol.TypeRoomCreated)
	bob.expect(protocol.TypeRoomCreated)

	for _, tc := range []*testClient{alice, bob} {
		join := protocol.New(protocol.TypeRoomJoin)
		join.WriteString("general")
		tc.send(join)
		members := tc.expect(protocol.TypeClientRoomMembers)
		readString(t, members) // room name
		tc.expect(protocol.TypeClientRoomMessages)
	}
	// alice, already a member, sees bob arrive
	arrival := alice.expect(protocol.TypeClientRoomJoin)
	assert.Equal(t, "general", readString(t, arrival))
	assert.Equal(t, "bob", readString(t, arrival))

	msg := protocol.New(protocol.TypeRoomMessage)
	msg.WriteString("general")
	msg.WriteString("hello room")
	bob.send(msg)

	// Fan-out includes the sender
	for _, tc := range []*testClient{alice, bob} {
		received := tc.expect(protocol.TypeRoomMessageReceived)
		assert.Equal(t, "general", readString(t, received))
		assert.EqualValues(t, protocol.MessageKindUser, readInt32(t, received))
		assert.Equal(t, "bob", readString(t, received))
		assert.Equal(t, "hello room", readString(t, received))
	}

	history, ok := srv.Rooms().History("general")
	require.True(t, ok)
	require.Len(t, history, 1)
	assert.Equal(t, "bob", history[0].Author)
}

func TestRoomMessageFromNonMemberIsDropped(t *testing.T) {
	srv := newTestServer()
	alice := login(t, srv, "alice")

	create := protocol.New(protocol.TypeRoomCreate)
	create.WriteString("general")
	create.WriteString("")
	create.WriteBool(false)
	alice.send(create)
	alice.expect(protocol.TypeRoomCreated)

	msg := protocol.New(protocol.TypeRoomMessage)
	msg.WriteString("general")
	msg.WriteString("I never joined")
	alice.send(msg)

	// No reply of any kind, and no history entry
	alice.expectNone()
	history, ok := srv.Rooms().History("general")
	require.True(t, ok)
	assert.Empty(t, history)
}

func TestRoomDeleteOwnerOnly(t *testing.T) {
	srv := newTestServer()
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	alice.expect(protocol.TypeClientJoin)

	create := protocol.New(protocol.TypeRoomCreate)
	create.WriteString("general")
	create.WriteString("")
	create.WriteBool(false)
	alice.send(create)
	alice.expect(protocol.TypeRoomCreated)
	bob.expect(protocol.TypeRoomCreated)

	del := protocol.New(protocol.TypeRoomDelete)
	del.WriteString("general")
	bob.send(del)
	failure := bob.expect(protocol.TypeRoomDeleteError)
	assert.EqualValues(t, protocol.ErrCodeNotRoomOwner, readUint32(t, failure))

	alice.send(del)
	for _, tc := range []*testClient{alice, bob} {
		deleted := tc.expect(protocol.TypeRoomDeleted)
		assert.Equal(t, "general", readString(t, deleted))
	}
	assert.Equal(t, 0, srv.Rooms().Count())
}

func TestDisconnectCleansUpRoomsAndRoster(t *testing.T) {
	srv := newTestServer()
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	alice.expect(protocol.TypeClientJoin)

	create := protocol.New(protocol.TypeRoomCreate)
	create.WriteString("general")
	create.WriteString("")
	create.WriteBool(false)
	alice.send(create)
	alice.expect(protocol.TypeRoomCreated)
	bob.expect(protocol.TypeRoomCreated)

	for _, tc := range []*testClient{alice, bob} {
		join := protocol.New(protocol.TypeRoomJoin)
		join.WriteString("general")
		tc.send(join)
		tc.expect(protocol.TypeClientRoomMembers)
		tc.expect(protocol.TypeClientRoomMessages)
	}
	alice.expect(protocol.TypeClientRoomJoin)

	bob.send(protocol.New(protocol.TypeDisconnect))
	bob.expectClosed()

	// Exactly one room leave, then exactly one roster leave
	left := alice.expect(protocol.TypeClientRoomLeave)
	assert.Equal(t, "general", readString(t, left))
	assert.Equal(t, "bob", readString(t, left))
	gone := alice.expect(protocol.TypeClientLeave)
	assert.Equal(t, "bob", readString(t, gone))
	alice.expectNone()

	assert.Equal(t, 1, srv.Sessions().Count())
	members, ok := srv.Rooms().Members("general")
	require.True(t, ok)
	assert.Equal(t, []string{"alice"}, members)
}

func TestOwnershipSuccessionOnLeave(t *testing.T) {
	srv := newTestServer()
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	alice.expect(protocol.TypeClientJoin)

	create := protocol.New(protocol.TypeRoomCreate)
	create.WriteString("general")
	create.WriteString("")
	create.WriteBool(false)
	alice.send(create)
	alice.expect(protocol.TypeRoomCreated)
	bob.expect(protocol.TypeRoomCreated)

	for _, tc := range []*testClient{alice, bob} {
		join := protocol.New(protocol.TypeRoomJoin)
		join.WriteString("general")
		tc.send(join)
		tc.expect(protocol.TypeClientRoomMembers)
		tc.expect(protocol.TypeClientRoomMessages)
	}
	alice.expect(protocol.TypeClientRoomJoin)

	leave := protocol.New(protocol.TypeRoomLeave)
	leave.WriteString("general")
	alice.send(leave)
	bob.expect(protocol.TypeClientRoomLeave)

	owner, ok := srv.Rooms().Owner("general")
	require.True(t, ok)
	assert.Equal(t, "bob", owner)

	// Last member out deletes the room
	bob.send(leave)
	alice.expect(protocol.TypeRoomDeleted)
	bob.expect(protocol.TypeRoomDeleted)
	assert.Equal(t, 0, srv.Rooms().Count())
}

func TestOwnershipSuccessionWhenAbsentOwnerDisconnects(t *testing.T) {
	srv := newTestServer()
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	alice.expect(protocol.TypeClientJoin)

	// Creating grants ownership without membership; only bob joins
	create := protocol.New(protocol.TypeRoomCreate)
	create.WriteString("general")
	create.WriteString("")
	create.WriteBool(false)
	alice.send(create)
	alice.expect(protocol.TypeRoomCreated)
	bob.expect(protocol.TypeRoomCreated)

	join := protocol.New(protocol.TypeRoomJoin)
	join.WriteString("general")
	bob.send(join)
	bob.expect(protocol.TypeClientRoomMembers)
	bob.expect(protocol.TypeClientRoomMessages)

	alice.send(protocol.New(protocol.TypeDisconnect))
	alice.expectClosed()
	gone := bob.expect(protocol.TypeClientLeave)
	assert.Equal(t, "alice", readString(t, gone))

	owner, ok := srv.Rooms().Owner("general")
	require.True(t, ok)
	assert.Equal(t, "bob", owner)

	// The new owner can delete the room
	del := protocol.New(protocol.TypeRoomDelete)
	del.WriteString("general")
	bob.send(del)
	bob.expect(protocol.TypeRoomDeleted)
	assert.Equal(t, 0, srv.Rooms().Count())
}

func TestMemberlessRoomDeletedWhenOwnerDisconnects(t *testing.T) {
	srv := newTestServer()
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	alice.expect(protocol.TypeClientJoin)

	create := protocol.New(protocol.TypeRoomCreate)
	create.WriteString("lounge")
	create.WriteString("")
	create.WriteBool(false)
	alice.send(create)
	alice.expect(protocol.TypeRoomCreated)
	bob.expect(protocol.TypeRoomCreated)

	alice.send(protocol.New(protocol.TypeDisconnect))
	alice.expectClosed()

	deleted := bob.expect(protocol.TypeRoomDeleted)
	assert.Equal(t, "lounge", readString(t, deleted))
	bob.expect(protocol.TypeClientLeave)
	assert.Equal(t, 0, srv.Rooms().Count())
}

func TestOverlongMessagesRejected(t *testing.T) {
	config := DefaultConfig()
	config.DataDir = ""
	config.MaxMessageLength = 16
	srv := NewServer(config)
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	alice.expect(protocol.TypeClientJoin)

	dm := protocol.New(protocol.TypeDirectMessage)
	dm.WriteString("bob")
	dm.WriteString(strings.Repeat("x", 17))
	alice.send(dm)
	errReply := alice.expect(protocol.TypeError)
	assert.EqualValues(t, protocol.ErrCodeInvalidPacket, readUint32(t, errReply))
	bob.expectNone()

	create := protocol.New(protocol.TypeRoomCreate)
	create.WriteString("general")
	create.WriteString("")
	create.WriteBool(false)
	alice.send(create)
	alice.expect(protocol.TypeRoomCreated)
	bob.expect(protocol.TypeRoomCreated)

	join := protocol.New(protocol.TypeRoomJoin)
	join.WriteString("general")
	alice.send(join)
	alice.expect(protocol.TypeClientRoomMembers)
	alice.expect(protocol.TypeClientRoomMessages)

	msg := protocol.New(protocol.TypeRoomMessage)
	msg.WriteString("general")
	msg.WriteString(strings.Repeat("x", 17))
	alice.send(msg)
	errReply = alice.expect(protocol.TypeError)
	assert.EqualValues(t, protocol.ErrCodeInvalidPacket, readUint32(t, errReply))
	alice.expectNone()
}

func TestEncryptedRoomJoinHandshake(t *testing.T) {
	srv := newTestServer()
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	alice.expect(protocol.TypeClientJoin)

	create := protocol.New(protocol.TypeRoomCreate)
	create.WriteString("secret")
	create.WriteString("")
	create.WriteBool(true)
	alice.send(create)
	alice.expect(protocol.TypeRoomCreated)
	bob.expect(protocol.TypeRoomCreated)

	join := protocol.New(protocol.TypeRoomJoin)
	join.WriteString("secret")
	join.WriteString("c2FsdA==")
	join.WriteString("aXYtaXYtaXYtaXYh")
	join.WriteString("Y2lwaGVydGV4dA==")
	bob.send(join)

	// The challenge reaches the owner verbatim; the server adds no member
	request := alice.expect(protocol.TypeClientJoinEncryptedRoomRequest)
	assert.Equal(t, "secret", readString(t, request))
	assert.Equal(t, "bob", readString(t, request))
	assert.Equal(t, "c2FsdA==", readString(t, request))
	assert.Equal(t, "aXYtaXYtaXYtaXYh", readString(t, request))
	assert.Equal(t, "Y2lwaGVydGV4dA==", readString(t, request))
	members, _ := srv.Rooms().Members("secret")
	assert.Empty(t, members)

	authorise := protocol.New(protocol.TypeEncryptedRoomAuthorise)
	authorise.WriteString("secret")
	authorise.WriteString("bob")
	alice.send(authorise)

	verdict := bob.expect(protocol.TypeClientEncryptedRoomAuthorise)
	assert.Equal(t, "secret", readString(t, verdict))
	bob.expect(protocol.TypeClientRoomMembers)
	bob.expect(protocol.TypeClientRoomMessages)

	members, _ = srv.Rooms().Members("secret")
	assert.Equal(t, []string{"bob"}, members)
}

func TestEncryptedRoomJoinRejected(t *testing.T) {
	srv := newTestServer()
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	alice.expect(protocol.TypeClientJoin)

	create := protocol.New(protocol.TypeRoomCreate)
	create.WriteString("secret")
	create.WriteString("")
	create.WriteBool(true)
	alice.send(create)
	alice.expect(protocol.TypeRoomCreated)
	bob.expect(protocol.TypeRoomCreated)

	join := protocol.New(protocol.TypeRoomJoin)
	join.WriteString("secret")
	join.WriteString("c2FsdA==")
	join.WriteString("aXYtaXYtaXYtaXYh")
	join.WriteString("d3JvbmctcGFzc3dvcmQ=")
	bob.send(join)
	alice.expect(protocol.TypeClientJoinEncryptedRoomRequest)

	fail := protocol.New(protocol.TypeEncryptedRoomAuthoriseFail)
	fail.WriteString("secret")
	fail.WriteString("bob")
	fail.WriteInt32(1)
	alice.send(fail)

	verdict := bob.expect(protocol.TypeClientEncryptedRoomAuthoriseFail)
	assert.Equal(t, "secret", readString(t, verdict))
	assert.EqualValues(t, 1, readInt32(t, verdict))

	members, _ := srv.Rooms().Members("secret")
	assert.Empty(t, members)
}

func TestAuthoriseFromNonOwnerIsDropped(t *testing.T) {
	srv := newTestServer()
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	mallory := login(t, srv, "mallory")
	alice.expect(protocol.TypeClientJoin)
	alice.expect(protocol.TypeClientJoin)
	bob.expect(protocol.TypeClientJoin)

	create := protocol.New(protocol.TypeRoomCreate)
	create.WriteString("secret")
	create.WriteString("")
	create.WriteBool(true)
	alice.send(create)
	alice.expect(protocol.TypeRoomCreated)
	bob.expect(protocol.TypeRoomCreated)
	mallory.expect(protocol.TypeRoomCreated)

	authorise := protocol.New(protocol.TypeEncryptedRoomAuthorise)
	authorise.WriteString("secret")
	authorise.WriteString("bob")
	mallory.send(authorise)

	// Silently dropped: no verdict to bob, no membership, mallory stays on
	bob.expectNone()
	mallory.expectNone()
	members, _ := srv.Rooms().Members("secret")
	assert.Empty(t, members)
}

func TestUnknownPacketTypeGetsErrorReply(t *testing.T) {
	srv := newTestServer()
	alice := login(t, srv, "alice")

	bogus := protocol.New(0x7F)
	alice.send(bogus)

	errReply := alice.expect(protocol.TypeError)
	assert.EqualValues(t, protocol.ErrCodeInvalidPacket, readUint32(t, errReply))
	// Unknown types are not fatal
	alice.expectNone()
	assert.Equal(t, 1, srv.Sessions().Count())
}
