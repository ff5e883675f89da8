package server

import (
	"errors"

	"github.com/lanchat/lanchat/pkg/protocol"
)

// handleDirectMessage relays a private message to a single recipient. An
// unknown recipient gets an error reply; nothing is echoed to the sender.
func (s *Server) handleDirectMessage(sess *Session, p *protocol.Packet) error {
	recipient, err := p.ReadString()
	if err != nil {
		return err
	}
	text, err := p.ReadString()
	if err != nil {
		return err
	}

	if s.exceedsMessageLimit(text) {
		s.sendError(sess, protocol.ErrCodeInvalidPacket, "message exceeds maximum length")
		return nil
	}

	target, ok := s.sessions.Get(recipient)
	if !ok {
		s.sendError(sess, protocol.ErrCodeRecipientNotFound, "no such recipient: "+recipient)
		return nil
	}

	relay := protocol.New(protocol.TypeDirectMessageReceived)
	relay.WriteString(sess.Nickname)
	relay.WriteString(recipient)
	relay.WriteString(text)
	relay.Lock()
	s.sendPacket(target, relay)
	return nil
}

// handleRoomMessage fans a message out to all current members of a room,
// sender included. For encrypted rooms the ciphertext is opaque to the
// server; only the IV rides alongside it.
func (s *Server) handleRoomMessage(sess *Session, p *protocol.Packet) error {
	roomName, err := p.ReadString()
	if err != nil {
		return err
	}
	text, err := p.ReadString()
	if err != nil {
		return err
	}

	if s.exceedsMessageLimit(text) {
		s.sendError(sess, protocol.ErrCodeInvalidPacket, "message exceeds maximum length")
		return nil
	}

	_, encrypted, ok := s.rooms.Info(roomName)
	if !ok {
		s.sendError(sess, protocol.ErrCodeRoomNotFound, "no such room: "+roomName)
		return nil
	}

	iv := ""
	if encrypted {
		iv, err = p.ReadString()
		if err != nil {
			return err
		}
	}

	err = s.rooms.Message(sess, roomName, text, iv)
	switch {
	case errors.Is(err, ErrRoomNotFound):
		// Deleted between Info and Message
		s.sendError(sess, protocol.ErrCodeRoomNotFound, "no such room: "+roomName)
	case errors.Is(err, ErrNotRoomMember):
		// Not an error reply: a non-member posting is either a stale
		// client or a probe, and gets silence either way.
		debugLog.Printf("%q posted to %q without membership, dropped", sess.Nickname, roomName)
	case err != nil:
		return err
	}
	return nil
}

// handleRoomCreate creates a room owned by the sender. Failures go back as
// RoomCreateError to the requester only; success is broadcast to everyone.
func (s *Server) handleRoomCreate(sess *Session, p *protocol.Packet) error {
	name, err := p.ReadString()
	if err != nil {
		return err
	}
	topic, err := p.ReadString()
	if err != nil {
		return err
	}
	encrypted, err := p.ReadBool()
	if err != nil {
		return err
	}

	err = s.rooms.Create(sess, name, topic, encrypted)
	switch {
	case errors.Is(err, ErrRoomNameTaken):
		s.sendRoomError(sess, protocol.TypeRoomCreateError, protocol.ErrCodeRoomNameTaken, err.Error())
	case errors.Is(err, ErrRoomNameInvalid):
		s.sendRoomError(sess, protocol.TypeRoomCreateError, protocol.ErrCodeRoomNameInvalid, err.Error())
	case err != nil:
		return err
	}
	return nil
}

// handleRoomDelete deletes a room the sender owns, evicting all members.
func (s *Server) handleRoomDelete(sess *Session, p *protocol.Packet) error {
	name, err := p.ReadString()
	if err != nil {
		return err
	}

	err = s.rooms.Delete(sess, name)
	switch {
	case errors.Is(err, ErrRoomNotFound):
		s.sendRoomError(sess, protocol.TypeRoomDeleteError, protocol.ErrCodeRoomNotFound, err.Error())
	case errors.Is(err, ErrNotRoomOwner):
		s.sendRoomError(sess, protocol.TypeRoomDeleteError, protocol.ErrCodeNotRoomOwner, err.Error())
	case err != nil:
		return err
	}
	return nil
}

// handleRoomJoin admits the sender to a plain room, or relays the encrypted
// challenge material to the room owner for an encrypted one. The server never
// sees the room password either way.
func (s *Server) handleRoomJoin(sess *Session, p *protocol.Packet) error {
	name, err := p.ReadString()
	if err != nil {
		return err
	}

	_, encrypted, ok := s.rooms.Info(name)
	if !ok {
		s.sendError(sess, protocol.ErrCodeRoomNotFound, "no such room: "+name)
		return nil
	}

	if encrypted {
		salt, err := p.ReadString()
		if err != nil {
			return err
		}
		iv, err := p.ReadString()
		if err != nil {
			return err
		}
		challenge, err := p.ReadString()
		if err != nil {
			return err
		}
		if err := s.rooms.RelayEncryptedJoin(sess, name, salt, iv, challenge); err != nil {
			if errors.Is(err, ErrRoomNotFound) {
				s.sendError(sess, protocol.ErrCodeRoomNotFound, "no such room: "+name)
				return nil
			}
			return err
		}
		return nil
	}

	if err := s.rooms.Join(sess, name); err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			s.sendError(sess, protocol.ErrCodeRoomNotFound, "no such room: "+name)
			return nil
		}
		return err
	}
	return nil
}

// handleRoomLeave removes the sender from a room's member set.
func (s *Server) handleRoomLeave(sess *Session, p *protocol.Packet) error {
	name, err := p.ReadString()
	if err != nil {
		return err
	}

	err = s.rooms.Leave(sess, name)
	switch {
	case errors.Is(err, ErrRoomNotFound):
		s.sendError(sess, protocol.ErrCodeRoomNotFound, "no such room: "+name)
	case errors.Is(err, ErrNotRoomMember):
		s.sendError(sess, protocol.ErrCodeNotRoomMember, "not a member of "+name)
	case err != nil:
		return err
	}
	return nil
}

// handleAuthorise processes an owner's acceptance verdict on a pending
// encrypted-room join. Only the room owner may issue one; anyone else is
// silently dropped.
func (s *Server) handleAuthorise(sess *Session, p *protocol.Packet) error {
	roomName, err := p.ReadString()
	if err != nil {
		return err
	}
	nickname, err := p.ReadString()
	if err != nil {
		return err
	}

	err = s.rooms.Authorise(sess, roomName, nickname)
	switch {
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrNotRoomOwner):
		debugLog.Printf("%q sent authorise for %q/%q, dropped: %v", sess.Nickname, roomName, nickname, err)
	case err != nil:
		return err
	}
	return nil
}

// handleAuthoriseFail relays an owner's rejection verdict to the joiner.
func (s *Server) handleAuthoriseFail(sess *Session, p *protocol.Packet) error {
	roomName, err := p.ReadString()
	if err != nil {
		return err
	}
	nickname, err := p.ReadString()
	if err != nil {
		return err
	}
	var errorCode int32
	if p.Remaining() > 0 {
		errorCode, err = p.ReadInt32()
		if err != nil {
			return err
		}
	}

	err = s.rooms.AuthoriseFail(sess, roomName, nickname, errorCode)
	switch {
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrNotRoomOwner):
		debugLog.Printf("%q sent authorise-fail for %q/%q, dropped: %v", sess.Nickname, roomName, nickname, err)
	case err != nil:
		return err
	}
	return nil
}

// exceedsMessageLimit reports whether a message body is over the configured
// maximum. A zero limit disables the check.
func (s *Server) exceedsMessageLimit(text string) bool {
	return s.config.MaxMessageLength > 0 && uint32(len(text)) > s.config.MaxMessageLength
}

// sendRoomError sends a room operation failure (RoomCreateError or
// RoomDeleteError) back to the requester.
func (s *Server) sendRoomError(sess *Session, msgType uint32, code uint32, message string) {
	p := protocol.New(msgType)
	p.WriteUint32(code)
	p.WriteString(message)
	p.Lock()
	s.sendPacket(sess, p)
}
