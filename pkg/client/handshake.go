package client

import (
	"bytes"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/lanchat/lanchat/pkg/protocol"
	"github.com/lanchat/lanchat/pkg/roomcrypto"
)

// HandshakeTimeout is how long a joiner waits for the room owner's verdict.
// The owner may be slow or gone; the joiner must not hang forever.
const HandshakeTimeout = 5 * time.Second

var (
	// ErrJoinRejected means the room owner rejected the password proof.
	ErrJoinRejected = errors.New("room password rejected")

	// ErrJoinTimeout means no verdict arrived in time.
	ErrJoinTimeout = errors.New("timed out waiting for room owner")

	// ErrJoinInProgress means another encrypted join is already pending.
	ErrJoinInProgress = errors.New("encrypted room join already in progress")
)

type handshakeOutcome int

const (
	handshakePending handshakeOutcome = iota
	handshakeAuthorised
	handshakeRejected
	handshakeTimedOut
)

// joinHandshake is the joiner's half of an encrypted-room join: a single
// pending verdict, resolved by the owner's reply or the timeout, whichever
// comes first. Waiters block on the condition variable.
type joinHandshake struct {
	mu      sync.Mutex
	cond    *sync.Cond
	room    string
	key     []byte
	outcome handshakeOutcome
}

func newJoinHandshake(room string, key []byte) *joinHandshake {
	h := &joinHandshake{room: room, key: key}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// resolve records the verdict and wakes the waiter. Only the first resolution
// counts; a verdict racing the timeout loses cleanly.
func (h *joinHandshake) resolve(outcome handshakeOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outcome != handshakePending {
		return
	}
	h.outcome = outcome
	h.cond.Broadcast()
}

// wait blocks until the handshake resolves or the timeout fires.
func (h *joinHandshake) wait(timeout time.Duration) handshakeOutcome {
	timer := time.AfterFunc(timeout, func() { h.resolve(handshakeTimedOut) })
	defer timer.Stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	for h.outcome == handshakePending {
		h.cond.Wait()
	}
	return h.outcome
}

// JoinEncryptedRoom proves knowledge of the room password to the room owner
// and blocks until the owner's verdict or the timeout. The proof is the
// client's nickname, the room name and the key salt, encrypted under the
// password-derived key; the server relays it without being able to read it.
// On success the key is remembered for the room's messages.
func (s *State) JoinEncryptedRoom(name, password string) error {
	key := roomcrypto.DeriveKey(password)

	s.mu.Lock()
	if s.join != nil {
		s.mu.Unlock()
		return ErrJoinInProgress
	}
	handshake := newJoinHandshake(name, key)
	s.join = handshake
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.join = nil
		s.mu.Unlock()
	}()

	iv, ciphertext, err := roomcrypto.Encrypt(key, roomcrypto.ChallengePlaintext(s.nickname, name))
	if err != nil {
		return err
	}

	p := protocol.New(protocol.TypeRoomJoin)
	p.WriteString(name)
	p.WriteString(roomcrypto.SaltString())
	p.WriteString(base64.StdEncoding.EncodeToString(iv))
	p.WriteString(base64.StdEncoding.EncodeToString(ciphertext))
	if err := s.conn.Send(p); err != nil {
		return err
	}

	switch handshake.wait(HandshakeTimeout) {
	case handshakeAuthorised:
		return nil
	case handshakeRejected:
		s.mu.Lock()
		s.keys.MarkFailed(name)
		s.mu.Unlock()
		return ErrJoinRejected
	default:
		return ErrJoinTimeout
	}
}

// onEncryptedJoinRequest is the owner's half: decrypt the joiner's challenge
// with our room key and check it spells out the joiner's nickname, the room
// name and the key salt. A match proves the joiner typed the right password.
func (s *State) onEncryptedJoinRequest(p *protocol.Packet) error {
	room, err := p.ReadString()
	if err != nil {
		return err
	}
	joiner, err := p.ReadString()
	if err != nil {
		return err
	}
	salt, err := p.ReadString()
	if err != nil {
		return err
	}
	ivB64, err := p.ReadString()
	if err != nil {
		return err
	}
	cipherB64, err := p.ReadString()
	if err != nil {
		return err
	}

	s.mu.Lock()
	key, haveKey := s.keys.Lookup(room)
	s.mu.Unlock()
	if !haveKey {
		// Not a room we hold the key for; nothing to vouch with
		return nil
	}

	if salt == roomcrypto.SaltString() {
		if iv, err := base64.StdEncoding.DecodeString(ivB64); err == nil {
			if ciphertext, err := base64.StdEncoding.DecodeString(cipherB64); err == nil {
				plaintext, err := roomcrypto.Decrypt(key, iv, ciphertext)
				if err == nil && bytes.Equal(plaintext, roomcrypto.ChallengePlaintext(joiner, room)) {
					verdict := protocol.New(protocol.TypeEncryptedRoomAuthorise)
					verdict.WriteString(room)
					verdict.WriteString(joiner)
					return s.conn.Send(verdict)
				}
			}
		}
	}

	verdict := protocol.New(protocol.TypeEncryptedRoomAuthoriseFail)
	verdict.WriteString(room)
	verdict.WriteString(joiner)
	verdict.WriteInt32(1)
	return s.conn.Send(verdict)
}

func (s *State) onJoinAuthorised(p *protocol.Packet) error {
	room, err := p.ReadString()
	if err != nil {
		return err
	}
	s.mu.Lock()
	handshake := s.join
	if handshake != nil && handshake.room == room {
		// Register the key before the member list and history arrive, so
		// the snapshot decrypts on first dispatch
		s.keys.Remember(room, handshake.key)
	}
	s.mu.Unlock()
	if handshake != nil && handshake.room == room {
		handshake.resolve(handshakeAuthorised)
	}
	return nil
}

func (s *State) onJoinRejected(p *protocol.Packet) error {
	room, err := p.ReadString()
	if err != nil {
		return err
	}
	s.mu.Lock()
	handshake := s.join
	s.mu.Unlock()
	if handshake != nil && handshake.room == room {
		handshake.resolve(handshakeRejected)
	}
	return nil
}
