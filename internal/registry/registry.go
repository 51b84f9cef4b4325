// Package registry owns the set of live connections and their room
// memberships.
//
// All membership changes happen under a single mutex and never perform I/O
// while holding it; callers receive defensive copies so iteration is safe
// while other goroutines register, join or evict connections.
package registry

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DuplicateIDError is returned by Add when the id is already registered.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("connection %q already registered", e.ID)
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Total         int            `json:"total"`
	Active        int            `json:"active"`
	Rooms         map[string]int `json:"rooms"`
	UptimeSeconds int64          `json:"uptime"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the lifecycle logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// Registry maps connection ids to connections and room ids to member sets.
// A room exists only while it has at least one member.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	rooms       map[string]map[string]struct{}

	now       func() time.Time
	startedAt time.Time
	logger    *slog.Logger
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]struct{}),
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.startedAt = r.now()
	return r
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time {
	return r.now()
}

// Add registers c.
func (r *Registry) Add(c *Connection) error {
	r.mu.Lock()
	if _, exists := r.connections[c.id]; exists {
		r.mu.Unlock()
		return &DuplicateIDError{ID: c.id}
	}
	r.connections[c.id] = c
	total := len(r.connections)
	r.mu.Unlock()

	r.logger.Info("connection added", "conn_id", c.id, "connections", total)
	return nil
}

// Remove drops the connection from every room it belongs to, deleting rooms
// that become empty, then forgets the connection. Unknown ids are ignored.
// It reports whether a connection was removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, exists := r.connections[id]
	if !exists {
		r.mu.Unlock()
		return false
	}
	var emptied []string
	for roomID := range c.rooms {
		if r.leaveLocked(c, roomID) {
			emptied = append(emptied, roomID)
		}
	}
	delete(r.connections, id)
	total := len(r.connections)
	r.mu.Unlock()

	for _, roomID := range emptied {
		r.logger.Info("room removed", "room", roomID)
	}
	r.logger.Info("connection removed", "conn_id", id, "connections", total)
	return true
}

// Get looks up a connection.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[id]
	return c, ok
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Join adds the connection to roomID, creating the room if needed. It
// returns false if the connection is unknown. Joining twice is a no-op.
func (r *Registry) Join(connID, roomID string) bool {
	r.mu.Lock()
	c, exists := r.connections[connID]
	if !exists {
		r.mu.Unlock()
		return false
	}
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	members[connID] = struct{}{}
	c.rooms[roomID] = struct{}{}
	size := len(members)
	r.mu.Unlock()

	if !ok {
		r.logger.Info("room created", "room", roomID)
	}
	r.logger.Info("joined room", "conn_id", connID, "room", roomID, "members", size)
	return true
}

// Leave removes the connection from roomID, deleting the room when it
// empties. It returns false if the connection is unknown.
func (r *Registry) Leave(connID, roomID string) bool {
	r.mu.Lock()
	c, exists := r.connections[connID]
	if !exists {
		r.mu.Unlock()
		return false
	}
	emptied := r.leaveLocked(c, roomID)
	r.mu.Unlock()

	r.logger.Info("left room", "conn_id", connID, "room", roomID)
	if emptied {
		r.logger.Info("room removed", "room", roomID)
	}
	return true
}

// leaveLocked updates both sides of the membership and reports whether the
// room was deleted. r.mu must be held for writing.
func (r *Registry) leaveLocked(c *Connection, roomID string) bool {
	delete(c.rooms, roomID)
	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	delete(members, c.id)
	if len(members) == 0 {
		delete(r.rooms, roomID)
		return true
	}
	return false
}

// Members returns a snapshot of the connections in roomID.
func (r *Registry) Members(roomID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[roomID]
	out := make([]*Connection, 0, len(members))
	for id := range members {
		if c, ok := r.connections[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Rooms returns the ids of all non-empty rooms, sorted.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// RoomSize returns the member count of roomID, 0 if it does not exist.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// RoomsOf returns the sorted rooms the connection belongs to.
func (r *Registry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[connID]
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// IsInRoom reports whether the connection is a member of roomID.
func (r *Registry) IsInRoom(connID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][connID]
	return ok
}

// Stats summarises the registry. Active counts connections whose transport
// is still open, which is independent of the heartbeat alive flag.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	rooms := make(map[string]int, len(r.rooms))
	for id, members := range r.rooms {
		rooms[id] = len(members)
	}
	r.mu.RUnlock()

	active := 0
	for _, c := range conns {
		if c.Open() {
			active++
		}
	}
	return Stats{
		Total:         len(conns),
		Active:        active,
		Rooms:         rooms,
		UptimeSeconds: int64(r.now().Sub(r.startedAt) / time.Second),
	}
}

// Clear forgets every connection and room and returns the connections that
// were registered. Transports are left untouched.
func (r *Registry) Clear() []*Connection {
	r.mu.Lock()
	out := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
		clear(c.rooms)
	}
	r.connections = make(map[string]*Connection)
	r.rooms = make(map[string]map[string]struct{})
	r.mu.Unlock()

	r.logger.Info("registry cleared", "connections", len(out))
	return out
}
