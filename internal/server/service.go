package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/wsrelay/internal/heartbeat"
	"github.com/Tyrowin/wsrelay/internal/protocol"
	"github.com/Tyrowin/wsrelay/internal/registry"
	"github.com/Tyrowin/wsrelay/internal/router"
)

var (
	// ErrAlreadyInitialized is returned by a second call to Initialize.
	ErrAlreadyInitialized = errors.New("websocket service already initialized")
	// ErrInvalidPath is returned for mount paths that are not absolute.
	ErrInvalidPath = errors.New("invalid websocket path")
)

// ShutdownCloseReason is sent with close code 1000 to every client when the
// service shuts down.
const ShutdownCloseReason = "server shutting down"

// IdentityResolver extracts the authenticated principal of an upgrade
// request. Returning false accepts the connection anonymously.
type IdentityResolver func(r *http.Request) (registry.Identity, bool)

// HeaderIdentity trusts a user id placed in header by an auth proxy in front
// of the relay.
func HeaderIdentity(header string) IdentityResolver {
	return func(r *http.Request) (registry.Identity, bool) {
		userID := strings.TrimSpace(r.Header.Get(header))
		if userID == "" {
			return registry.Identity{}, false
		}
		return registry.Identity{UserID: userID}, true
	}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used by the service and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithIdentityResolver attaches identities to accepted connections.
func WithIdentityResolver(resolve IdentityResolver) Option {
	return func(s *Service) { s.identity = resolve }
}

// WithClock overrides the time source used for timestamps and heartbeats.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the process-wide entry point to the relay. It owns the
// connection registry and wires the router, heartbeat supervisor and
// per-socket sessions around it.
type Service struct {
	cfg        *Config
	logger     *slog.Logger
	now        func() time.Time
	identity   IdentityResolver
	reg        *registry.Registry
	router     *router.Router
	supervisor *heartbeat.Supervisor
	origins    *originPolicy
	upgrader   websocket.Upgrader

	mu          sync.Mutex
	initialized bool
	closed      bool
	wg          sync.WaitGroup
}

// NewService creates a Service from cfg. A nil cfg uses NewConfig defaults.
// When cfg.IdentityHeader is set and no resolver option is given, the
// header resolver is installed.
func NewService(cfg *Config, opts ...Option) *Service {
	c := NewConfig()
	if cfg != nil {
		copied := *cfg
		c = &copied
	}
	c.Sanitize()

	s := &Service{cfg: c, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.identity == nil && c.IdentityHeader != "" {
		s.identity = HeaderIdentity(c.IdentityHeader)
	}

	s.reg = registry.New(
		registry.WithClock(s.now),
		registry.WithLogger(s.logger.With("component", "registry")),
	)
	s.router = router.New(s.reg, s.logger.With("component", "router"))
	s.supervisor = heartbeat.New(s.reg, c.Heartbeat.Interval, c.Heartbeat.Timeout,
		s.logger.With("component", "heartbeat"))
	s.origins = newOriginPolicy(c.AllowedOrigins, s.logger.With("component", "origin"))
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// Config returns a copy of the effective configuration.
func (s *Service) Config() Config {
	c := *s.cfg
	c.AllowedOrigins = append([]string(nil), s.cfg.AllowedOrigins...)
	return c
}

// Initialize mounts the upgrade handler on path and the status handler on
// the configured status path, then starts the heartbeat supervisor.
func (s *Service) Initialize(mux *http.ServeMux, path string) error {
	if path == "" || !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return ErrAlreadyInitialized
	}
	if s.closed {
		return fmt.Errorf("initialize after shutdown: %w", http.ErrServerClosed)
	}
	if err := handle(mux, path, s.WebSocketHandler); err != nil {
		return err
	}
	if err := handle(mux, s.cfg.StatusPath, s.StatusHandler); err != nil {
		return err
	}

	s.initialized = true
	s.supervisor.Start()
	s.logger.Info("websocket service initialized", "path", path, "status_path", s.cfg.StatusPath)
	return nil
}

// handle registers h on mux, turning the ServeMux conflict panic into an error.
func handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("register handler for %s: %v", pattern, r)
		}
	}()
	mux.HandleFunc(pattern, h)
	return nil
}

// Shutdown stops the heartbeat, closes every client with 1000 "server
// shutting down", clears the registry and waits for connection goroutines
// until ctx is done. Calling it again is a no-op.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("shutting down websocket service")
	s.supervisor.Stop()

	conns := s.reg.Clear()
	var closers sync.WaitGroup
	for _, c := range conns {
		closers.Add(1)
		go func(c *registry.Connection) {
			defer closers.Done()
			if err := c.Transport().Close(websocket.CloseNormalClosure, ShutdownCloseReason); err != nil {
				s.logger.Debug("error closing client connection", "conn_id", c.ID(), "error", err)
			}
		}(c)
	}

	done := make(chan struct{})
	go func() {
		closers.Wait()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("websocket service shutdown completed", "closed_connections", len(conns))
		return nil
	case <-ctx.Done():
		s.logger.Warn("websocket service shutdown timed out, some goroutines may still be running")
		return ctx.Err()
	}
}

// accept registers a freshly upgraded socket and starts its pumps.
func (s *Service) accept(ws *websocket.Conn, r *http.Request) {
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	var identity *registry.Identity
	if s.identity != nil {
		if id, ok := s.identity(r); ok {
			identity = &id
		}
	}

	id := registry.NewID()
	logger := s.logger.With("component", "session", "conn_id", id, "remote_addr", r.RemoteAddr)
	sock := newSocket(ws, r.RemoteAddr, s.cfg, logger)
	conn := registry.NewConnection(id, sock, identity, s.reg.Now())
	sess := &session{
		svc:     s,
		conn:    conn,
		ws:      ws,
		sock:    sock,
		limiter: newRateLimiter(s.cfg.RateLimit, s.now),
		logger:  logger,
	}

	sock.open()
	if err := s.register(conn); err != nil {
		logger.Warn("rejecting connection", "error", err)
		_ = sock.Terminate()
		return
	}

	s.router.SendToOne(id, protocol.System(map[string]string{
		"message":  "connected",
		"clientId": id,
	}))

	go func() {
		defer s.wg.Done()
		sock.writePump()
	}()
	go func() {
		defer s.wg.Done()
		sess.readPump()
	}()

	attrs := []any{"connections", s.reg.Len()}
	if identity != nil {
		attrs = append(attrs, "user_id", identity.UserID)
	}
	logger.Info("client registered", attrs...)
}

// register adds conn unless shutdown has begun and reserves the pump
// goroutines on the wait group.
func (s *Service) register(conn *registry.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return http.ErrServerClosed
	}
	if err := s.reg.Add(conn); err != nil {
		return err
	}
	s.wg.Add(2)
	return nil
}

// Broadcast sends msg to every connection as a broadcast frame.
func (s *Service) Broadcast(msg protocol.Envelope, excludeIDs ...string) int {
	msg.Type = protocol.TypeBroadcast
	return s.router.Broadcast(msg, excludeIDs...)
}

// BroadcastToRoom sends msg to the members of roomID as a room_message frame.
func (s *Service) BroadcastToRoom(roomID string, msg protocol.Envelope, excludeIDs ...string) int {
	msg.Type = protocol.TypeRoomMessage
	return s.router.BroadcastToRoom(roomID, msg, excludeIDs...)
}

// BroadcastWhere sends msg as a broadcast frame to connections matching pred.
func (s *Service) BroadcastWhere(pred router.Predicate, msg protocol.Envelope) int {
	msg.Type = protocol.TypeBroadcast
	return s.router.BroadcastWhere(pred, msg)
}

// SendToClient delivers msg unchanged to one connection.
func (s *Service) SendToClient(connID string, msg protocol.Envelope) bool {
	return s.router.SendToOne(connID, msg)
}

// Stats returns a registry snapshot.
func (s *Service) Stats() registry.Stats { return s.reg.Stats() }

// Rooms lists the non-empty rooms.
func (s *Service) Rooms() []string { return s.reg.Rooms() }

// RoomSize returns the member count of roomID.
func (s *Service) RoomSize(roomID string) int { return s.reg.RoomSize(roomID) }

// ClientRooms lists the rooms connID belongs to.
func (s *Service) ClientRooms(connID string) []string { return s.reg.RoomsOf(connID) }

// IsInRoom reports whether connID is a member of roomID.
func (s *Service) IsInRoom(connID, roomID string) bool { return s.reg.IsInRoom(connID, roomID) }

// ConnectionCount returns the number of registered connections.
func (s *Service) ConnectionCount() int { return s.reg.Len() }

// Sweep runs one heartbeat pass immediately.
func (s *Service) Sweep() heartbeat.SweepResult { return s.supervisor.Sweep() }
