package memory

import (
	"context"
	"sync"

	"quizroom/internal/domain"
)

// SnapshotStore keeps encoded room documents in process memory.
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snapshots: make(map[string][]byte)}
}

func (s *SnapshotStore) LoadSnapshot(_ context.Context, roomID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.snapshots[roomID]
	if !ok {
		return nil, domain.ErrSnapshotNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *SnapshotStore) SaveSnapshot(_ context.Context, roomID string, data []byte) error {
	s.mu.Lock()
	s.snapshots[roomID] = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}
