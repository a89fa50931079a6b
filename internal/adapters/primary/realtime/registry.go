package realtime

import (
	"log/slog"
	"sync"

	"github.com/lorrc/service-desk-realtime/internal/core/domain"
)

// Registry maps rooms to the connections subscribed to them. The registry and
// each connection's joined set are always mutated together under r.mu, so
// they never disagree.
//
// Lock order is registry, then connection. No I/O happens while r.mu is held.
type Registry struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]map[*Connection]struct{}

	logger *slog.Logger
}

// RegistryStats is a point-in-time view of the registry.
type RegistryStats struct {
	Rooms       int `json:"rooms"`
	Memberships int `json:"memberships"`
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		rooms:  make(map[domain.RoomID]map[*Connection]struct{}),
		logger: logger.With("component", "room_registry"),
	}
}

// Join subscribes c to room. It reports whether the membership is new; joining
// twice is a no-op, and a closed connection is never added.
func (r *Registry) Join(c *Connection, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if _, ok := c.rooms[room]; ok {
		return false
	}

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Connection]struct{})
		r.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}

	r.logger.Debug("connection joined room",
		"connection_id", c.ID,
		"room", room,
		"room_size", len(members),
	)
	return true
}

// Leave unsubscribes c from room. It reports whether c was a member.
func (r *Registry) Leave(c *Connection, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	r.removeLocked(c, room)

	r.logger.Debug("connection left room",
		"connection_id", c.ID,
		"room", room,
	)
	return true
}

// LeaveAll removes c from every room it joined and returns those rooms.
func (r *Registry) LeaveAll(c *Connection) []domain.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	left := make([]domain.RoomID, 0, len(c.rooms))
	for room := range c.rooms {
		r.removeLocked(c, room)
		left = append(left, room)
	}
	clear(c.rooms)
	return left
}

// Subscribers returns a snapshot of the connections in room. The caller may
// use it without holding any lock.
func (r *Registry) Subscribers(room domain.RoomID) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	out := make([]*Connection, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// Contains reports whether c is subscribed to room.
func (r *Registry) Contains(c *Connection, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.rooms[room][c]
	return ok
}

// RoomsOf returns the rooms c has joined.
func (r *Registry) RoomsOf(c *Connection) []domain.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.roomsLocked()
}

// Stats returns room and membership counts.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RegistryStats{Rooms: len(r.rooms)}
	for _, members := range r.rooms {
		stats.Memberships += len(members)
	}
	return stats
}

func (r *Registry) removeLocked(c *Connection, room domain.RoomID) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}
