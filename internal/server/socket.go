package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/wsrelay/internal/registry"
)

// socketState tracks a socket through CONNECTING, OPEN, CLOSING and CLOSED.
// Transitions only move forward.
type socketState int32

const (
	stateConnecting socketState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s socketState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// socket adapts a gorilla connection to registry.Transport. Data frames go
// through a bounded queue drained by writePump; control frames are written
// directly with WriteControl, which gorilla allows concurrently with the
// writer.
type socket struct {
	conn       *websocket.Conn
	addr       string
	writeWait  time.Duration
	closeGrace time.Duration
	logger     *slog.Logger

	mu          sync.Mutex
	state       socketState
	send        chan []byte
	closeCode   int
	closeReason string

	readDone  chan struct{}
	readOnce  sync.Once
	writeDone chan struct{}

	releaseOnce sync.Once
	releaseErr  error
}

var _ registry.Transport = (*socket)(nil)

func newSocket(conn *websocket.Conn, addr string, cfg *Config, logger *slog.Logger) *socket {
	return &socket{
		conn:       conn,
		addr:       addr,
		writeWait:  cfg.WriteWait,
		closeGrace: cfg.CloseGrace,
		logger:     logger,
		state:      stateConnecting,
		send:       make(chan []byte, cfg.SendBufferSize),
		readDone:   make(chan struct{}),
		writeDone:  make(chan struct{}),
	}
}

func (s *socket) State() socketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// open moves a connecting socket to OPEN.
func (s *socket) open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConnecting {
		return false
	}
	s.state = stateOpen
	return true
}

// Open reports whether data frames are still accepted.
func (s *socket) Open() bool {
	return s.State() == stateOpen
}

// Send queues frame without blocking.
func (s *socket) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return registry.ErrTransportClosed
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return registry.ErrSendBufferFull
	}
}

// Ping writes a protocol ping control frame.
func (s *socket) Ping() error {
	if !s.Open() {
		return registry.ErrTransportClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait))
}

// Close asks the write pump to flush and send a close frame, waits up to the
// close grace for the peer to finish the handshake, then drops the socket.
func (s *socket) Close(code int, reason string) error {
	if !s.beginClose(code, reason) {
		return nil
	}

	timer := time.NewTimer(s.closeGrace)
	defer timer.Stop()

	select {
	case <-s.readDone:
	case <-timer.C:
		s.logger.Debug("close handshake timed out", "remote_addr", s.addr)
	}

	s.markClosed()
	return s.release()
}

// Terminate drops the socket immediately without a close frame.
func (s *socket) Terminate() error {
	s.markClosed()
	return s.release()
}

func (s *socket) beginClose(code int, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosing || s.state == stateClosed {
		return false
	}
	s.closeCode = code
	s.closeReason = reason
	s.state = stateClosing
	close(s.send)
	return true
}

func (s *socket) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return
	}
	if s.state != stateClosing {
		close(s.send)
	}
	s.state = stateClosed
}

func (s *socket) release() error {
	s.releaseOnce.Do(func() {
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.releaseErr = err
		}
	})
	return s.releaseErr
}

// readerDone is called by the session once its read loop has returned.
func (s *socket) readerDone() {
	s.readOnce.Do(func() { close(s.readDone) })
}

func (s *socket) writePump() {
	defer close(s.writeDone)

	for frame := range s.send {
		if !s.writeTextMessage(frame) {
			_ = s.Terminate()
			return
		}
	}
	s.writeCloseMessage()
}

// writeTextMessage writes one envelope per frame.
func (s *socket) writeTextMessage(frame []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		s.logger.Error("error setting write deadline", "remote_addr", s.addr, "error", err)
		return false
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			s.logger.Error("error writing message", "remote_addr", s.addr, "error", err)
		}
		return false
	}
	return true
}

// writeCloseMessage sends the close frame requested by Close. Terminated
// sockets have no close code and skip it.
func (s *socket) writeCloseMessage() {
	s.mu.Lock()
	code, reason := s.closeCode, s.closeReason
	s.mu.Unlock()

	if code == 0 {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			s.logger.Error("error writing close message", "remote_addr", s.addr, "error", err)
		}
	}
}
