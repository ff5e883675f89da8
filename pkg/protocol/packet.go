package protocol

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	// ErrFraming indicates a malformed or truncated packet. Fatal to the
	// connection it arrived on.
	ErrFraming = errors.New("malformed or truncated packet")

	// ErrPacketLocked indicates a write to a packet that was already locked
	// for dispatch. This is a protocol violation in the caller, not on the wire.
	ErrPacketLocked = errors.New("write to locked packet")

	// ErrPacketTooLarge indicates a packet exceeding MaxPacketSize.
	ErrPacketTooLarge = errors.New("packet exceeds maximum size (1 MB)")
)

// Packet is a single protocol message: a 4-byte little-endian type tag
// followed by a sequence of typed fields in an order agreed by sender and
// receiver. Writers append fields; readers consume them through a cursor.
//
// A Packet is not safe for concurrent use.
type Packet struct {
	buf    []byte
	cursor int
	locked bool
}

// New creates a writable packet with the given message type tag.
func New(msgType uint32) *Packet {
	p := &Packet{buf: make([]byte, 0, 64), cursor: 4}
	var tag [4]byte
	binary.LittleEndian.PutUint32(tag[:], msgType)
	p.buf = append(p.buf, tag[:]...)
	return p
}

// FromBytes wraps a received packet body (type tag included). The body is not
// copied; the caller must not mutate it afterwards.
func FromBytes(body []byte) (*Packet, error) {
	if len(body) < 4 {
		return nil, ErrFraming
	}
	return &Packet{buf: body, cursor: 4}, nil
}

// Type returns the message type tag.
func (p *Packet) Type() uint32 {
	return binary.LittleEndian.Uint32(p.buf[:4])
}

// Bytes returns the packet body: type tag plus all appended fields.
func (p *Packet) Bytes() []byte {
	return p.buf
}

// Len returns the body length in bytes.
func (p *Packet) Len() int {
	return len(p.buf)
}

// Remaining returns the number of unread bytes.
func (p *Packet) Remaining() int {
	return len(p.buf) - p.cursor
}

// Lock marks the packet read-only. Any subsequent write fails with
// ErrPacketLocked. Dispatch locks packets before handing them to handlers so
// a handler cannot corrupt a packet that is still being fanned out.
func (p *Packet) Lock() {
	p.locked = true
}

// Locked reports whether the packet has been locked.
func (p *Packet) Locked() bool {
	return p.locked
}

// Rewind resets the read cursor to the first field.
func (p *Packet) Rewind() {
	p.cursor = 4
}

func (p *Packet) append(b []byte) error {
	if p.locked {
		return ErrPacketLocked
	}
	p.buf = append(p.buf, b...)
	return nil
}

// WriteByte appends a single byte.
func (p *Packet) WriteByte(v byte) error {
	return p.append([]byte{v})
}

// WriteBool appends a bool as one byte (0 or 1).
func (p *Packet) WriteBool(v bool) error {
	var b byte
	if v {
		b = 1
	}
	return p.append([]byte{b})
}

// WriteInt32 appends a little-endian int32.
func (p *Packet) WriteInt32(v int32) error {
	return p.WriteUint32(uint32(v))
}

// WriteUint32 appends a little-endian uint32.
func (p *Packet) WriteUint32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return p.append(b[:])
}

// WriteFloat32 appends a little-endian IEEE 754 float32.
func (p *Packet) WriteFloat32(v float32) error {
	return p.WriteUint32(math.Float32bits(v))
}

// WriteBytes appends a raw byte span with no length prefix. The receiver must
// know how many bytes to read.
func (p *Packet) WriteBytes(v []byte) error {
	return p.append(v)
}

// WriteString appends a 4-byte little-endian length followed by the string's
// UTF-8 bytes.
func (p *Packet) WriteString(v string) error {
	if err := p.WriteUint32(uint32(len(v))); err != nil {
		return err
	}
	return p.append([]byte(v))
}

func (p *Packet) take(n int) ([]byte, error) {
	if n < 0 || p.cursor+n > len(p.buf) {
		return nil, ErrFraming
	}
	b := p.buf[p.cursor : p.cursor+n]
	p.cursor += n
	return b, nil
}

// ReadByte reads a single byte.
func (p *Packet) ReadByte() (byte, error) {
	b, err := p.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBool reads a one-byte bool. Any non-zero value is true.
func (p *Packet) ReadBool() (bool, error) {
	b, err := p.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// ReadInt32 reads a little-endian int32.
func (p *Packet) ReadInt32() (int32, error) {
	v, err := p.ReadUint32()
	return int32(v), err
}

// ReadUint32 reads a little-endian uint32.
func (p *Packet) ReadUint32() (uint32, error) {
	b, err := p.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadFloat32 reads a little-endian IEEE 754 float32.
func (p *Packet) ReadFloat32() (float32, error) {
	v, err := p.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadBytes reads exactly n raw bytes.
func (p *Packet) ReadBytes(n int) ([]byte, error) {
	return p.take(n)
}

// ReadString reads a length-prefixed UTF-8 string. Fails with ErrFraming if
// the declared length runs past the end of the packet.
func (p *Packet) ReadString() (string, error) {
	n, err := p.ReadUint32()
	if err != nil {
		return "", err
	}
	if int(n) > p.Remaining() {
		return "", ErrFraming
	}
	b, err := p.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
