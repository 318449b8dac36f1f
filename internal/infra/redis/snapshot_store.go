package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quizroom/internal/domain"
)

// SnapshotStore keeps the encoded document of each room under room:{roomID}:snapshot.
// Every save refreshes the TTL, so abandoned rooms age out.
type SnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSnapshotStore(client *redis.Client, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{client: client, ttl: ttl}
}

func (s *SnapshotStore) LoadSnapshot(ctx context.Context, roomID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", roomID, err)
	}
	return data, nil
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, roomID string, data []byte) error {
	if err := s.client.Set(ctx, s.key(roomID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot %s: %w", roomID, err)
	}
	return nil
}

func (s *SnapshotStore) key(roomID string) string {
	return "room:" + roomID + ":snapshot"
}
