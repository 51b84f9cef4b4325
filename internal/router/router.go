// Package router implements room membership commands and best-effort
// delivery on top of the connection registry.
//
// Delivery is at-most-once and fire-and-forget: frames are queued on each
// connection's transport without acknowledgment, retry or buffering beyond
// the transport's own send queue. A failed send is reported as a negative
// result and never as a panic or error.
package router

import (
	"fmt"
	"log/slog"

	"github.com/Tyrowin/wsrelay/internal/protocol"
	"github.com/Tyrowin/wsrelay/internal/registry"
)

// Predicate selects connections for BroadcastWhere. It must not mutate the
// registry.
type Predicate func(*registry.Connection) bool

// Router delivers envelopes to connections held by a Registry.
type Router struct {
	reg    *registry.Registry
	logger *slog.Logger
}

// New creates a Router over reg.
func New(reg *registry.Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{reg: reg, logger: logger}
}

// Join adds connID to roomID and acknowledges it to the connection.
func (r *Router) Join(connID, roomID string) bool {
	if !r.reg.Join(connID, roomID) {
		return false
	}
	r.SendToOne(connID, protocol.Envelope{
		Type: protocol.TypeSystem,
		Room: roomID,
		Data: map[string]string{
			"message": fmt.Sprintf("joined room: %s", roomID),
			"room":    roomID,
		},
	})
	return true
}

// Leave removes connID from roomID and acknowledges it to the connection.
// The acknowledgment is best-effort because the connection may be closing.
func (r *Router) Leave(connID, roomID string) bool {
	if !r.reg.Leave(connID, roomID) {
		return false
	}
	r.SendToOne(connID, protocol.Envelope{
		Type: protocol.TypeSystem,
		Room: roomID,
		Data: map[string]string{
			"message": fmt.Sprintf("left room: %s", roomID),
			"room":    roomID,
		},
	})
	return true
}

// SendToOne delivers msg to a single connection. It returns false if the
// connection is unknown, not open, or the send fails.
func (r *Router) SendToOne(connID string, msg protocol.Envelope) bool {
	c, ok := r.reg.Get(connID)
	if !ok {
		return false
	}
	frame, err := protocol.Encode(msg, r.reg.Now())
	if err != nil {
		r.logger.Error("failed to encode message", "type", msg.Type, "error", err)
		return false
	}
	return r.deliver(c, frame)
}

// BroadcastToRoom delivers msg to every member of roomID except excludeIDs
// and returns how many sends succeeded. The envelope's room is set to
// roomID. Unknown rooms yield 0.
func (r *Router) BroadcastToRoom(roomID string, msg protocol.Envelope, excludeIDs ...string) int {
	members := r.reg.Members(roomID)
	if len(members) == 0 {
		return 0
	}
	msg.Room = roomID
	frame, err := protocol.Encode(msg, r.reg.Now())
	if err != nil {
		r.logger.Error("failed to encode room message", "room", roomID, "error", err)
		return 0
	}
	return r.fanOut(members, frame, excluded(excludeIDs))
}

// Broadcast delivers msg to every registered connection except excludeIDs.
func (r *Router) Broadcast(msg protocol.Envelope, excludeIDs ...string) int {
	frame, err := protocol.Encode(msg, r.reg.Now())
	if err != nil {
		r.logger.Error("failed to encode broadcast", "error", err)
		return 0
	}
	return r.fanOut(r.reg.All(), frame, excluded(excludeIDs))
}

// BroadcastWhere delivers msg to open connections matching pred, evaluated
// against a snapshot taken at call time.
func (r *Router) BroadcastWhere(pred Predicate, msg protocol.Envelope) int {
	frame, err := protocol.Encode(msg, r.reg.Now())
	if err != nil {
		r.logger.Error("failed to encode broadcast", "error", err)
		return 0
	}
	count := 0
	for _, c := range r.reg.All() {
		if !c.Open() || !pred(c) {
			continue
		}
		if r.deliver(c, frame) {
			count++
		}
	}
	return count
}

func (r *Router) fanOut(conns []*registry.Connection, frame []byte, skip map[string]struct{}) int {
	count := 0
	for _, c := range conns {
		if _, ok := skip[c.ID()]; ok {
			continue
		}
		if r.deliver(c, frame) {
			count++
		}
	}
	return count
}

// deliver sends frame to c. A failed send drops the frame and evicts the
// connection, since a transport that cannot accept frames is dead or too
// slow to keep up.
func (r *Router) deliver(c *registry.Connection, frame []byte) bool {
	err := c.Send(frame)
	if err == nil {
		return true
	}
	if r.reg.Remove(c.ID()) {
		r.logger.Warn("evicting connection after failed send", "conn_id", c.ID(), "error", err)
		if terr := c.Transport().Terminate(); terr != nil {
			r.logger.Debug("terminate after failed send", "conn_id", c.ID(), "error", terr)
		}
	}
	return false
}

func excluded(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
