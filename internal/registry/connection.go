package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTransportClosed is returned by a Transport once it has left the open state.
	ErrTransportClosed = errors.New("transport closed")
	// ErrSendBufferFull is returned when a frame cannot be queued without blocking.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Transport is the physical socket behind a Connection. Implementations must
// be safe for concurrent use and must never block in Send.
type Transport interface {
	// Send queues a text frame for delivery.
	Send(frame []byte) error
	// Ping sends a liveness probe.
	Ping() error
	// Open reports whether frames can still be sent.
	Open() bool
	// Close sends a close frame with the given code and reason, waits at most
	// a bounded grace period, then releases the socket.
	Close(code int, reason string) error
	// Terminate releases the socket immediately without a close handshake.
	Terminate() error
}

// Identity is the optional authenticated principal attached to a connection
// by the surrounding auth layer.
type Identity struct {
	UserID     string
	Attributes map[string]string
}

// Connection is one accepted transport session.
type Connection struct {
	id          string
	identity    *Identity
	transport   Transport
	connectedAt time.Time

	mu         sync.Mutex
	alive      bool
	lastPingAt time.Time

	// rooms is guarded by the owning Registry's mutex.
	rooms map[string]struct{}
}

// NewID returns a fresh process-unique connection id.
func NewID() string {
	return uuid.NewString()
}

// NewConnection creates a connection in the alive state. identity may be nil.
func NewConnection(id string, t Transport, identity *Identity, now time.Time) *Connection {
	return &Connection{
		id:          id,
		identity:    identity,
		transport:   t,
		connectedAt: now,
		alive:       true,
		lastPingAt:  now,
		rooms:       make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// Identity returns the attached identity, or nil for anonymous connections.
func (c *Connection) Identity() *Identity { return c.identity }

// ConnectedAt returns the accept time.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Transport returns the underlying socket.
func (c *Connection) Transport() Transport { return c.transport }

// Open reports whether the transport is in the open state.
func (c *Connection) Open() bool {
	return c.transport != nil && c.transport.Open()
}

// Send queues frame on the transport.
func (c *Connection) Send(frame []byte) error {
	if !c.Open() {
		return ErrTransportClosed
	}
	return c.transport.Send(frame)
}

// MarkAlive records a liveness acknowledgment.
func (c *Connection) MarkAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// Alive reports whether the last probe was acknowledged.
func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// LastPingAt returns the start of the current probe cycle.
func (c *Connection) LastPingAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPingAt
}

// Unresponsive reports whether an unanswered probe is older than timeout.
func (c *Connection) Unresponsive(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.alive && now.Sub(c.lastPingAt) > timeout
}

// BeginProbe clears the alive flag ahead of a probe. lastPingAt only moves
// forward when the previous probe was answered, so an outstanding probe keeps
// aging until it is acknowledged or the connection is evicted.
func (c *Connection) BeginProbe(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alive {
		c.lastPingAt = now
	}
	c.alive = false
}
