package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/lanchat/lanchat/pkg/protocol"
	"github.com/lanchat/lanchat/pkg/trust"
)

// DialTimeout bounds the TCP+TLS connect.
const DialTimeout = 10 * time.Second

// ErrNotConnected is returned by Send after the connection has closed.
var ErrNotConnected = errors.New("not connected")

// Connection is a client connection to a server: a TLS socket with a
// serialized writer and a background read pump. Received packets arrive on
// Incoming; the first read error arrives on Errors and closes Incoming.
type Connection struct {
	addr string
	conn net.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool

	incoming chan *protocol.Packet
	errs     chan error
	wg       sync.WaitGroup
}

// Dial connects to a server over TLS, verifying its certificate against the
// trust store. Unknown or changed certificates go through the prompter; a
// declined certificate fails the dial.
func Dial(addr string, store *trust.Store, prompter trust.Prompter) (*Connection, error) {
	dialer := &net.Dialer{Timeout: DialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, trust.ClientTLSConfig(addr, store, prompter))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c := newConnection(addr, conn)
	return c, nil
}

// newConnection wraps an established conn and starts the read pump. Split
// from Dial so tests can drive a pipe instead of a TLS socket.
func newConnection(addr string, conn net.Conn) *Connection {
	c := &Connection{
		addr:     addr,
		conn:     conn,
		incoming: make(chan *protocol.Packet, 100),
		errs:     make(chan error, 1),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

// Addr returns the server address this connection was dialed with.
func (c *Connection) Addr() string {
	return c.addr
}

// Incoming returns the channel of received packets. It is closed when the
// connection dies.
func (c *Connection) Incoming() <-chan *protocol.Packet {
	return c.incoming
}

// Errors returns the channel carrying the first fatal read error. A clean
// shutdown produces no error.
func (c *Connection) Errors() <-chan error {
	return c.errs
}

// Send locks the packet and writes it to the socket. Safe for concurrent use.
func (c *Connection) Send(p *protocol.Packet) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	p.Lock()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WritePacket(c.conn, p)
}

// Disconnect tells the server we are leaving, then closes the socket.
func (c *Connection) Disconnect() error {
	p := protocol.New(protocol.TypeDisconnect)
	if err := c.Send(p); err != nil && !errors.Is(err, ErrNotConnected) {
		c.Close()
		return err
	}
	return c.Close()
}

// Close tears the connection down. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	c.wg.Wait()
	return err
}

func (c *Connection) readLoop() {
	defer c.wg.Done()
	defer close(c.incoming)

	for {
		p, err := protocol.ReadPacket(c.conn)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed && err != io.EOF {
				c.errs <- err
			}
			return
		}
		c.incoming <- p
	}
}
