package memory

import (
	"context"
	"sync"
)

// RoomRegistry is the single-process relay room registry.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]int
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{rooms: make(map[string]int)}
}

// Track records the connection count of a room; zero forgets it.
func (r *RoomRegistry) Track(_ context.Context, room string, connections int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if connections <= 0 {
		delete(r.rooms, room)
		return nil
	}
	r.rooms[room] = connections
	return nil
}

// Rooms lists live rooms and their connection counts.
func (r *RoomRegistry) Rooms(_ context.Context) (map[string]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.rooms))
	for room, n := range r.rooms {
		out[room] = n
	}
	return out, nil
}
