package server

import (
	"errors"
	"io"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/wsrelay/internal/protocol"
	"github.com/Tyrowin/wsrelay/internal/registry"
)

// session binds one accepted socket to its registry entry and handles its
// inbound frames one at a time.
type session struct {
	svc     *Service
	conn    *registry.Connection
	ws      *websocket.Conn
	sock    *socket
	limiter *rateLimiter
	logger  *slog.Logger
}

func (s *session) id() string { return s.conn.ID() }

func (s *session) readPump() {
	defer s.finish()

	s.ws.SetPongHandler(func(string) error {
		s.conn.MarkAlive()
		return nil
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		if !s.checkRateLimit() {
			continue
		}

		s.handleFrame(raw)
	}
}

// finish deregisters the connection and releases the socket. It runs
// whether the peer closed, the read failed or the server dropped the socket.
func (s *session) finish() {
	s.sock.readerDone()
	removed := s.svc.reg.Remove(s.id())
	if err := s.sock.Terminate(); err != nil {
		s.logger.Debug("error closing connection", "error", err)
	}
	if removed {
		s.logger.Info("client unregistered", "connections", s.svc.reg.Len())
	}
}

// handleReadError logs the end of the read loop at a level matching how
// expected the failure was.
func (s *session) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn("message exceeded maximum size", "max_bytes", s.svc.cfg.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		s.logger.Info("client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.logger.Info("client connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		s.logger.Warn("unexpected websocket close", "error", err)
	default:
		s.logger.Error("websocket read error", "error", err)
	}
}

func (s *session) checkRateLimit() bool {
	if s.limiter.allow() {
		return true
	}
	s.logger.Warn("rate limit exceeded, discarding message",
		"burst", s.svc.cfg.RateLimit.Burst,
		"refill_interval", s.svc.cfg.RateLimit.RefillInterval)
	return false
}

func (s *session) handleFrame(raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		s.logger.Debug("rejected frame", "error", err)
		if errors.Is(err, protocol.ErrMissingRoom) {
			s.reply(protocol.Error(protocol.ErrMissingRoom.Error()))
			return
		}
		s.reply(protocol.Error(protocol.ErrMalformed.Error()))
		return
	}
	s.dispatch(env)
}

func (s *session) dispatch(env protocol.Envelope) {
	id := s.id()

	switch env.Type {
	case protocol.TypePing:
		s.conn.MarkAlive()
		s.reply(protocol.Envelope{
			Type: protocol.TypePong,
			Data: map[string]string{"timestamp": protocol.FormatTime(s.svc.reg.Now())},
		})

	case protocol.TypePong:
		s.conn.MarkAlive()

	case protocol.TypeJoinRoom:
		s.svc.router.Join(id, env.Room)

	case protocol.TypeLeaveRoom:
		s.svc.router.Leave(id, env.Room)

	case protocol.TypeRoomMessage:
		n := s.svc.router.BroadcastToRoom(env.Room, protocol.Envelope{
			Type: protocol.TypeRoomMessage,
			Data: env.Data,
			From: id,
		}, id)
		s.logger.Debug("room message relayed", "room", env.Room, "recipients", n)

	case protocol.TypeBroadcast:
		n := s.svc.router.Broadcast(protocol.Envelope{
			Type: protocol.TypeBroadcast,
			Data: env.Data,
			From: id,
		}, id)
		s.logger.Debug("broadcast relayed", "recipients", n)

	default:
		// message, server-only and unknown types are echoed back.
		s.reply(protocol.Envelope{Type: protocol.TypeMessage, Data: env.Data})
	}
}

func (s *session) reply(env protocol.Envelope) {
	s.svc.router.SendToOne(s.id(), env)
}
