package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quizroom/internal/domain"
)

// SnapshotStore keeps the latest encoded document of each room in room_snapshots.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

func (s *SnapshotStore) LoadSnapshot(ctx context.Context, roomID string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM room_snapshots WHERE room_id=$1`, roomID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return data, nil
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, roomID string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO room_snapshots (room_id, state) VALUES ($1, $2)
ON CONFLICT (room_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`, roomID, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}
