package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketFieldRoundTrip(t *testing.T) {
	p := New(TypeRoomCreate)
	require.NoError(t, p.WriteString("general"))
	require.NoError(t, p.WriteString("all hands"))
	require.NoError(t, p.WriteBool(true))
	require.NoError(t, p.WriteByte(0x7F))
	require.NoError(t, p.WriteInt32(-42))
	require.NoError(t, p.WriteUint32(0xDEADBEEF))
	require.NoError(t, p.WriteFloat32(3.5))
	require.NoError(t, p.WriteBytes([]byte{1, 2, 3}))

	decoded, err := FromBytes(p.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(TypeRoomCreate), decoded.Type())

	name, err := decoded.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "general", name)

	topic, err := decoded.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "all hands", topic)

	encrypted, err := decoded.ReadBool()
	require.NoError(t, err)
	assert.True(t, encrypted)

	b, err := decoded.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x7F), b)

	i, err := decoded.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-42), i)

	u, err := decoded.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), u)

	f, err := decoded.ReadFloat32()
	require.NoError(t, err)
	assert.Equal(t, float32(3.5), f)

	raw, err := decoded.ReadBytes(3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, raw)

	assert.Equal(t, 0, decoded.Remaining())
}

func TestPacketReadErrors(t *testing.T) {
	t.Run("read past end", func(t *testing.T) {
		p := New(TypeHello)
		require.NoError(t, p.WriteByte(1))

		decoded, err := FromBytes(p.Bytes())
		require.NoError(t, err)

		_, err = decoded.ReadByte()
		require.NoError(t, err)

		_, err = decoded.ReadByte()
		assert.ErrorIs(t, err, ErrFraming)
	})

	t.Run("string length past end", func(t *testing.T) {
		p := New(TypeHello)
		// Declared string length far beyond the actual buffer
		require.NoError(t, p.WriteUint32(1000))
		require.NoError(t, p.WriteBytes([]byte("short")))

		decoded, err := FromBytes(p.Bytes())
		require.NoError(t, err)

		_, err = decoded.ReadString()
		assert.ErrorIs(t, err, ErrFraming)
	})

	t.Run("truncated uint32", func(t *testing.T) {
		p := New(TypeHello)
		require.NoError(t, p.WriteBytes([]byte{1, 2}))

		decoded, err := FromBytes(p.Bytes())
		require.NoError(t, err)

		_, err = decoded.ReadUint32()
		assert.ErrorIs(t, err, ErrFraming)
	})

	t.Run("body shorter than type tag", func(t *testing.T) {
		_, err := FromBytes([]byte{1, 2})
		assert.ErrorIs(t, err, ErrFraming)
	})
}

func TestPacketLock(t *testing.T) {
	p := New(TypeRoomMessage)
	require.NoError(t, p.WriteString("general"))

	p.Lock()
	assert.True(t, p.Locked())

	assert.ErrorIs(t, p.WriteString("late"), ErrPacketLocked)
	assert.ErrorIs(t, p.WriteByte(1), ErrPacketLocked)
	assert.ErrorIs(t, p.WriteUint32(1), ErrPacketLocked)
	assert.ErrorIs(t, p.WriteBool(true), ErrPacketLocked)
	assert.ErrorIs(t, p.WriteBytes([]byte{1}), ErrPacketLocked)

	// Reads still work on a locked packet
	decoded, err := FromBytes(p.Bytes())
	require.NoError(t, err)
	name, err := decoded.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "general", name)
}

func TestWriteReadPacket(t *testing.T) {
	p := New(TypeDirectMessage)
	require.NoError(t, p.WriteString("bob"))
	require.NoError(t, p.WriteString("hello"))

	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, p))

	decoded, err := ReadPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(TypeDirectMessage), decoded.Type())

	recipient, err := decoded.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "bob", recipient)

	text, err := decoded.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestWirePacketStructure(t *testing.T) {
	p := New(TypeHello)
	require.NoError(t, p.WriteString("alice"))

	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, p))

	data := buf.Bytes()

	// First 4 bytes: little-endian length covering everything after it
	length := binary.LittleEndian.Uint32(data[:4])
	assert.Equal(t, uint32(len(data)-4), length)

	// Next 4 bytes: little-endian type tag
	assert.Equal(t, uint32(TypeHello), binary.LittleEndian.Uint32(data[4:8]))

	// Then the string field: 4-byte length + UTF-8 bytes
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(data[8:12]))
	assert.Equal(t, "alice", string(data[12:]))
}

func TestReadPacketErrors(t *testing.T) {
	t.Run("empty stream", func(t *testing.T) {
		_, err := ReadPacket(bytes.NewReader(nil))
		assert.Error(t, err)
	})

	t.Run("truncated length prefix", func(t *testing.T) {
		_, err := ReadPacket(bytes.NewReader([]byte{1, 0}))
		assert.ErrorIs(t, err, ErrFraming)
	})

	t.Run("length smaller than type tag", func(t *testing.T) {
		var buf bytes.Buffer
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], 3)
		buf.Write(hdr[:])
		buf.Write([]byte{1, 2, 3})

		_, err := ReadPacket(&buf)
		assert.ErrorIs(t, err, ErrFraming)
	})

	t.Run("oversized length", func(t *testing.T) {
		var buf bytes.Buffer
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], MaxPacketSize+1)
		buf.Write(hdr[:])

		_, err := ReadPacket(&buf)
		assert.ErrorIs(t, err, ErrPacketTooLarge)
	})

	t.Run("stream ends mid-body", func(t *testing.T) {
		var buf bytes.Buffer
		var hdr [4]byte
		binary.LittleEndian.PutUint32(hdr[:], 10)
		buf.Write(hdr[:])
		buf.Write([]byte{1, 2, 3, 4, 5}) // only half the declared body

		_, err := ReadPacket(&buf)
		assert.ErrorIs(t, err, ErrFraming)
	})

	t.Run("oversized packet refuses to encode", func(t *testing.T) {
		p := New(TypeRoomMessage)
		require.NoError(t, p.WriteBytes(make([]byte, MaxPacketSize)))

		var buf bytes.Buffer
		err := WritePacket(&buf, p)
		assert.ErrorIs(t, err, ErrPacketTooLarge)
	})
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "HELLO", TypeName(TypeHello))
	assert.Equal(t, "ROOM_MESSAGE_RECEIVED", TypeName(TypeRoomMessageReceived))
	assert.Equal(t, "UNKNOWN", TypeName(0xFFFF))
}
