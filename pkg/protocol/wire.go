package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// MaxPacketSize is the maximum allowed packet body size (1 MB), type tag
// included, length prefix excluded.
const MaxPacketSize = 1024 * 1024

// WritePacket writes a packet to the writer, prefixed by a 4-byte
// little-endian length covering everything after the length field (the type
// tag and all fields).
func WritePacket(w io.Writer, p *Packet) error {
	body := p.Bytes()
	if len(body) > MaxPacketSize {
		return ErrPacketTooLarge
	}

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// ReadPacket reads one length-prefixed packet from the reader. A clean EOF on
// the length prefix is returned as io.EOF; a stream that ends mid-packet is a
// framing error.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFraming
		}
		return nil, err
	}

	length := binary.LittleEndian.Uint32(hdr[:])
	if length < 4 {
		return nil, ErrFraming
	}
	if length > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFraming
		}
		return nil, err
	}

	return FromBytes(body)
}
