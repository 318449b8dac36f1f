package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RoomRegistry publishes relay room liveness so several relay instances, and operators,
// can see which rooms are open:
//
//	SET  relay:room:{roomID} {connections} EX ttl   liveness marker
//	HSET relay:rooms {roomID} {connections}         index for listing
type RoomRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRoomRegistry(client *redis.Client, ttl time.Duration) *RoomRegistry {
	return &RoomRegistry{client: client, ttl: ttl}
}

// Track records the connection count of a room; zero removes it.
func (r *RoomRegistry) Track(ctx context.Context, room string, connections int) error {
	pipe := r.client.TxPipeline()
	if connections <= 0 {
		pipe.Del(ctx, r.key(room))
		pipe.HDel(ctx, indexKey, room)
	} else {
		pipe.Set(ctx, r.key(room), connections, r.ttl)
		pipe.HSet(ctx, indexKey, room, connections)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("track room %s: %w", room, err)
	}
	return nil
}

// Rooms lists rooms whose liveness marker has not expired. Index entries of expired rooms
// are cleaned up on the way.
func (r *RoomRegistry) Rooms(ctx context.Context) (map[string]int, error) {
	index, err := r.client.HGetAll(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	out := make(map[string]int, len(index))
	for room := range index {
		n, err := r.client.Get(ctx, r.key(room)).Int()
		if err == redis.Nil {
			_ = r.client.HDel(ctx, indexKey, room).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get room %s: %w", room, err)
		}
		out[room] = n
	}
	return out, nil
}

const indexKey = "relay:rooms"

func (r *RoomRegistry) key(room string) string {
	return "relay:room:" + room
}
