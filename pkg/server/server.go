package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lanchat/lanchat/pkg/discovery"
	"github.com/lanchat/lanchat/pkg/protocol"
	"github.com/lanchat/lanchat/pkg/trust"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

var (
	// ErrClientDisconnecting signals a graceful client disconnect request.
	ErrClientDisconnecting = errors.New("client disconnecting")

	// ErrProtocolViolation signals a packet that is invalid for the
	// connection's current state. Fatal to the connection.
	ErrProtocolViolation = errors.New("protocol violation")
)

// EnableDebugLogging routes debug output to the given writer.
func EnableDebugLogging(w io.Writer) {
	debugLog = log.New(w, "DEBUG: ", log.LstdFlags)
}

// initLoggers mirrors errors to errors.log under the data dir, with a startup
// marker to distinguish runs.
func initLoggers(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(errorFile, "=== Server started at %s ===\n", time.Now().Format(time.RFC3339)); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)
	return nil
}

// Server brokers direct messages and rooms between connected clients over a
// TLS transport.
type Server struct {
	config    ServerConfig
	listener  net.Listener
	sessions  *SessionRegistry
	rooms     *RoomRegistry
	metrics   *Metrics
	announcer *discovery.Announcer
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// NewServer creates a server instance. No sockets are opened until Start.
func NewServer(config ServerConfig) *Server {
	metrics := NewMetrics()
	sessions := NewSessionRegistry()
	sessions.SetMetrics(metrics)
	rooms := NewRoomRegistry(sessions, config.RoomHistoryLimit)
	rooms.SetMetrics(metrics)

	return &Server{
		config:   config,
		sessions: sessions,
		rooms:    rooms,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}
}

// Sessions exposes the session registry.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

// Rooms exposes the room registry.
func (s *Server) Rooms() *RoomRegistry {
	return s.rooms
}

// Start opens the TLS listener and begins accepting connections. It also
// starts the internal metrics endpoint and, when enabled, the LAN discovery
// announcer.
func (s *Server) Start() error {
	if s.config.DataDir != "" {
		if err := initLoggers(ExpandPath(s.config.DataDir)); err != nil {
			return fmt.Errorf("failed to initialize loggers: %w", err)
		}
	}

	cert, err := trust.LoadOrCreateServerCertificate(
		ExpandPath(s.config.CertPath), ExpandPath(s.config.KeyPath))
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := tls.Listen("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("Listening on %s (TLS)", addr)

	if s.config.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		metricsMux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintln(w, "ok")
		})
		metricsAddr := fmt.Sprintf(":%d", s.config.MetricsPort)
		go func() {
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	if s.config.DiscoveryEnabled {
		s.announcer = discovery.NewAnnouncer(s.config.ServerName, s.config.TCPPort)
		if err := s.announcer.Start(); err != nil {
			log.Printf("LAN discovery announcer failed to start: %v", err)
			s.announcer = nil
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the server: no new connections, all sessions closed.
func (s *Server) Stop() {
	log.Println("Graceful shutdown initiated...")
	close(s.shutdown)

	if s.announcer != nil {
		s.announcer.Stop()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	s.sessions.CloseAll()
	s.wg.Wait()
	log.Println("Graceful shutdown complete")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.ServeConn(conn)
	}
}

// ServeConn runs a single connection's lifecycle: hello gate, admission, then
// the packet loop. It returns when the connection dies or the client
// disconnects, after cleaning up all registry state.
func (s *Server) ServeConn(conn net.Conn) {
	sc := NewSafeConn(conn)

	sess, err := s.awaitHello(sc)
	if err != nil {
		debugLog.Printf("connection from %s rejected: %v", conn.RemoteAddr(), err)
		sc.Close()
		return
	}

	debugLog.Printf("admitted %q from %s", sess.Nickname, sess.RemoteAddr)
	s.messageLoop(sess)
}

// awaitHello enforces the connection state machine: the very first packet
// must be a hello carrying a valid, unused nickname. Anything else is fatal
// to the connection.
func (s *Server) awaitHello(sc *SafeConn) (*Session, error) {
	p, err := sc.ReadPacket()
	if err != nil {
		return nil, err
	}
	if p.Type() != protocol.TypeHello {
		s.writeError(sc, protocol.ErrCodeInvalidPacket, "expected hello")
		return nil, fmt.Errorf("%w: first packet was %s", ErrProtocolViolation, protocol.TypeName(p.Type()))
	}
	s.metrics.RecordPacketReceived(protocol.TypeName(p.Type()))

	nickname, err := p.ReadString()
	if err != nil {
		return nil, err
	}

	sess := NewSession(nickname, sc)
	nicknames, err := s.sessions.Admit(sess)
	if err != nil {
		code := uint32(protocol.ErrCodeInvalidNickname)
		if errors.Is(err, ErrNicknameTaken) {
			code = protocol.ErrCodeNicknameTaken
		}
		s.writeError(sc, code, err.Error())
		return nil, err
	}

	// Hello reply: welcome, full roster, full room list
	welcome := protocol.New(protocol.TypeWelcome)
	welcome.Lock()
	s.sendPacket(sess, welcome)

	roster := protocol.New(protocol.TypeClientList)
	roster.WriteInt32(int32(len(nicknames)))
	for _, name := range nicknames {
		roster.WriteString(name)
	}
	roster.Lock()
	s.sendPacket(sess, roster)

	rooms := s.rooms.Snapshot()
	roomList := protocol.New(protocol.TypeRoomList)
	roomList.WriteInt32(int32(len(rooms)))
	for _, room := range rooms {
		roomList.WriteString(room.Name)
		roomList.WriteString(room.Topic)
		roomList.WriteBool(room.Encrypted)
	}
	roomList.Lock()
	s.sendPacket(sess, roomList)

	return sess, nil
}

// messageLoop reads and dispatches packets until the connection dies. Every
// exit path removes the session from both registries and broadcasts the
// leave, isolating the failure to this one connection.
func (s *Server) messageLoop(sess *Session) {
	defer s.removeSession(sess)

	for {
		p, err := sess.Conn.ReadPacket()
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				debugLog.Printf("%q disconnected", sess.Nickname)
			} else {
				debugLog.Printf("%q read error: %v", sess.Nickname, err)
			}
			return
		}

		debugLog.Printf("%q ← RECV %s (%d bytes)", sess.Nickname, protocol.TypeName(p.Type()), p.Len())
		s.metrics.RecordPacketReceived(protocol.TypeName(p.Type()))

		// Lock before dispatch so no handler can mutate the packet
		p.Lock()

		if err := s.handlePacket(sess, p); err != nil {
			if errors.Is(err, ErrClientDisconnecting) {
				debugLog.Printf("%q disconnected gracefully", sess.Nickname)
				return
			}
			// Framing and protocol-state errors are fatal to this
			// connection only; the failure domain is the session.
			errorLog.Printf("%q: %v, closing connection", sess.Nickname, err)
			return
		}
	}
}

// removeSession evicts a session from every room (with leave broadcasts and
// ownership succession), then removes it from the session registry and
// broadcasts ClientLeave.
func (s *Server) removeSession(sess *Session) {
	s.rooms.DropSession(sess)
	s.sessions.Remove(sess.Nickname)
}

// handlePacket dispatches one packet to its handler.
func (s *Server) handlePacket(sess *Session, p *protocol.Packet) error {
	switch p.Type() {
	case protocol.TypeDisconnect:
		return ErrClientDisconnecting
	case protocol.TypeDirectMessage:
		return s.handleDirectMessage(sess, p)
	case protocol.TypeRoomMessage:
		return s.handleRoomMessage(sess, p)
	case protocol.TypeRoomCreate:
		return s.handleRoomCreate(sess, p)
	case protocol.TypeRoomDelete:
		return s.handleRoomDelete(sess, p)
	case protocol.TypeRoomJoin:
		return s.handleRoomJoin(sess, p)
	case protocol.TypeRoomLeave:
		return s.handleRoomLeave(sess, p)
	case protocol.TypeEncryptedRoomAuthorise:
		return s.handleAuthorise(sess, p)
	case protocol.TypeEncryptedRoomAuthoriseFail:
		return s.handleAuthoriseFail(sess, p)
	case protocol.TypeHello:
		return fmt.Errorf("%w: hello after admission", ErrProtocolViolation)
	default:
		s.sendError(sess, protocol.ErrCodeInvalidPacket, "unsupported message type")
		return nil
	}
}

// sendPacket writes a packet to one session and records the send.
func (s *Server) sendPacket(sess *Session, p *protocol.Packet) {
	if err := sess.Conn.WritePacket(p); err != nil {
		debugLog.Printf("send %s to %q failed: %v", protocol.TypeName(p.Type()), sess.Nickname, err)
		return
	}
	s.metrics.RecordPacketSent(protocol.TypeName(p.Type()))
}

// sendError sends an Error packet to an admitted session.
func (s *Server) sendError(sess *Session, code uint32, message string) {
	s.writeError(sess.Conn, code, message)
}

func (s *Server) writeError(sc *SafeConn, code uint32, message string) {
	p := protocol.New(protocol.TypeError)
	p.WriteUint32(code)
	p.WriteString(message)
	p.Lock()
	if err := sc.WritePacket(p); err != nil {
		debugLog.Printf("error reply failed: %v", err)
		return
	}
	s.metrics.RecordPacketSent(protocol.TypeName(p.Type()))
}
