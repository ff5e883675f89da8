package protocol

// Message type tags (Client → Server)
const (
	TypeHello                      = 0x01
	TypeDisconnect                 = 0x02
	TypeDirectMessage              = 0x03
	TypeRoomMessage                = 0x04
	TypeRoomCreate                 = 0x05
	TypeRoomDelete                 = 0x06
	TypeRoomJoin                   = 0x07
	TypeRoomLeave                  = 0x08
	TypeEncryptedRoomAuthorise     = 0x09
	TypeEncryptedRoomAuthoriseFail = 0x0A
)

// Message type tags (Server → Client)
const (
	TypeError                            = 0x81
	TypeWelcome                          = 0x82
	TypeClientList                       = 0x83
	TypeRoomList                         = 0x84
	TypeClientJoin                       = 0x85
	TypeClientLeave                      = 0x86
	TypeClientRoomJoin                   = 0x87
	TypeClientRoomLeave                  = 0x88
	TypeClientRoomMembers                = 0x89
	TypeClientRoomMessages               = 0x8A
	TypeDirectMessageReceived            = 0x8B
	TypeRoomMessageReceived              = 0x8C
	TypeRoomCreated                      = 0x8D
	TypeRoomDeleted                      = 0x8E
	TypeRoomCreateError                  = 0x8F
	TypeRoomDeleteError                  = 0x90
	TypeClientJoinEncryptedRoomRequest   = 0x91
	TypeClientEncryptedRoomAuthorise     = 0x92
	TypeClientEncryptedRoomAuthoriseFail = 0x93
)

// Error codes carried by Error, RoomCreateError and RoomDeleteError packets
const (
	ErrCodeInvalidPacket     = 1000
	ErrCodeInvalidNickname   = 2001
	ErrCodeNicknameTaken     = 2002
	ErrCodeRoomNameTaken     = 3001
	ErrCodeRoomNameInvalid   = 3005
	ErrCodeRoomNotFound      = 3002
	ErrCodeNotRoomOwner      = 3003
	ErrCodeNotRoomMember     = 3004
	ErrCodeRecipientNotFound = 4001
)

// Room message kinds (the type:int32 field of history entries and
// RoomMessageReceived)
const (
	MessageKindUser   = 0
	MessageKindSystem = 1
)

// Nickname length limits enforced at admission
const (
	MinNicknameLength = 1
	MaxNicknameLength = 32
)

var typeNames = map[uint32]string{
	TypeHello:                            "HELLO",
	TypeDisconnect:                       "DISCONNECT",
	TypeDirectMessage:                    "DIRECT_MESSAGE",
	TypeRoomMessage:                      "ROOM_MESSAGE",
	TypeRoomCreate:                       "ROOM_CREATE",
	TypeRoomDelete:                       "ROOM_DELETE",
	TypeRoomJoin:                         "ROOM_JOIN",
	TypeRoomLeave:                        "ROOM_LEAVE",
	TypeEncryptedRoomAuthorise:           "ENCRYPTED_ROOM_AUTHORISE",
	TypeEncryptedRoomAuthoriseFail:       "ENCRYPTED_ROOM_AUTHORISE_FAIL",
	TypeError:                            "ERROR",
	TypeWelcome:                          "WELCOME",
	TypeClientList:                       "CLIENT_LIST",
	TypeRoomList:                         "ROOM_LIST",
	TypeClientJoin:                       "CLIENT_JOIN",
	TypeClientLeave:                      "CLIENT_LEAVE",
	TypeClientRoomJoin:                   "CLIENT_ROOM_JOIN",
	TypeClientRoomLeave:                  "CLIENT_ROOM_LEAVE",
	TypeClientRoomMembers:                "CLIENT_ROOM_MEMBERS",
	TypeClientRoomMessages:               "CLIENT_ROOM_MESSAGES",
	TypeDirectMessageReceived:            "DIRECT_MESSAGE_RECEIVED",
	TypeRoomMessageReceived:              "ROOM_MESSAGE_RECEIVED",
	TypeRoomCreated:                      "ROOM_CREATED",
	TypeRoomDeleted:                      "ROOM_DELETED",
	TypeRoomCreateError:                  "ROOM_CREATE_ERROR",
	TypeRoomDeleteError:                  "ROOM_DELETE_ERROR",
	TypeClientJoinEncryptedRoomRequest:   "CLIENT_JOIN_ENCRYPTED_ROOM_REQUEST",
	TypeClientEncryptedRoomAuthorise:     "CLIENT_ENCRYPTED_ROOM_AUTHORISE",
	TypeClientEncryptedRoomAuthoriseFail: "CLIENT_ENCRYPTED_ROOM_AUTHORISE_FAIL",
}

// TypeName returns a human-readable name for a message type tag, for logging
// and metrics labels.
func TypeName(t uint32) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}
