package server

import (
	"net"
	"sync"

	"github.com/lanchat/lanchat/pkg/protocol"
)

// SafeConn wraps a net.Conn with separate read and write locks so concurrent
// handlers and broadcast senders never interleave the bytes of two packets on
// the wire.
//
// Under load, a request handler replying to its own client and a broadcasting
// goroutine can hit the same connection at once. SafeConn encapsulates the
// connection together with its locks, making unsynchronized access
// impossible - the raw conn is private.
type SafeConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	readMu  sync.Mutex
}

// NewSafeConn wraps a net.Conn with packet-level synchronization.
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WritePacket serializes one packet to the connection under the write lock.
// This is the only way to write to the connection.
func (sc *SafeConn) WritePacket(p *protocol.Packet) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return protocol.WritePacket(sc.conn, p)
}

// ReadPacket reads one packet from the connection under the read lock.
func (sc *SafeConn) ReadPacket() (*protocol.Packet, error) {
	sc.readMu.Lock()
	defer sc.readMu.Unlock()
	return protocol.ReadPacket(sc.conn)
}

// Close closes the underlying connection.
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
