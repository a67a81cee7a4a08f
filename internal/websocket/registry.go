package websocket

import (
	"sync"

	"github.com/rs/zerolog"

	"coursechat/internal/logging"
	"coursechat/internal/metrics"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Registry maps room keys to their live sessions. The outer lock only
// guards the room map; membership and fan-out use a lock per room, so
// traffic in one room never waits on another.
type Registry struct {
	mu    sync.RWMutex
	rooms map[types.RoomKey]*room
	log   zerolog.Logger
}

type room struct {
	mu      sync.RWMutex
	members map[string]interfaces.Connection
	// closed is set when the room is pruned; a joiner holding a stale
	// pointer must retry.
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		rooms: make(map[types.RoomKey]*room),
		log:   logging.Component(logger, "registry"),
	}
}

func (r *Registry) getOrCreate(key types.RoomKey) *room {
	r.mu.RLock()
	rm, ok := r.rooms[key]
	r.mu.RUnlock()
	if ok {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok = r.rooms[key]; ok {
		return rm
	}
	rm = &room{members: make(map[string]interfaces.Connection)}
	r.rooms[key] = rm
	metrics.RoomsActive.Inc()
	return rm
}

// Join adds conn to the room. Joining twice with the same connection is a no-op.
func (r *Registry) Join(key types.RoomKey, conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if key == "" {
		return ErrInvalidRoom
	}

	for {
		rm := r.getOrCreate(key)
		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}
		if _, exists := rm.members[conn.ID()]; !exists {
			rm.members[conn.ID()] = conn
			metrics.WsConnections.Inc()
		}
		rm.mu.Unlock()
		return nil
	}
}

// Leave removes conn and prunes the room once empty. Safe to call for a
// connection that never joined.
func (r *Registry) Leave(key types.RoomKey, conn interfaces.Connection) {
	if conn == nil {
		return
	}

	r.mu.RLock()
	rm, ok := r.rooms[key]
	r.mu.RUnlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	if _, exists := rm.members[conn.ID()]; exists {
		delete(rm.members, conn.ID())
		metrics.WsConnections.Dec()
	}
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		r.prune(key, rm)
	}
}

// prune removes rm if it is still registered under key and still empty.
// Lock order is registry then room.
func (r *Registry) prune(key types.RoomKey, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[key] != rm {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.members) > 0 {
		return
	}
	rm.closed = true
	delete(r.rooms, key)
	metrics.RoomsActive.Dec()
}

// Broadcast delivers event to every session in the room and returns how
// many accepted it. A failing session is logged and skipped. Broadcasts
// to one room are serialized so every session sees the same order.
func (r *Registry) Broadcast(key types.RoomKey, event types.RoomEvent) int {
	r.mu.RLock()
	rm, ok := r.rooms[key]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	delivered := 0
	for id, conn := range rm.members {
		if err := conn.Deliver(event); err != nil {
			metrics.DeliveryFailures.Inc()
			r.log.Warn().Err(err).Str("room", string(key)).Str("conn_id", id).Msg("delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}

// CloseAll closes every registered session. Hijacked sockets are not
// closed by http.Server.Shutdown, so the application calls this on stop.
// Sessions leave their rooms from their own read loops.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	var conns []interfaces.Connection
	for _, rm := range r.rooms {
		rm.mu.RLock()
		for _, conn := range rm.members {
			conns = append(conns, conn)
		}
		rm.mu.RUnlock()
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return len(conns)
}

// RoomSize returns the number of sessions currently in the room.
func (r *Registry) RoomSize(key types.RoomKey) int {
	r.mu.RLock()
	rm, ok := r.rooms[key]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	total := 0
	for _, rm := range rooms {
		rm.mu.RLock()
		total += len(rm.members)
		rm.mu.RUnlock()
	}
	return map[string]int{
		"total_connections": total,
		"active_rooms":      len(rooms),
	}
}
