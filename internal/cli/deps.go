package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"quizroom/internal/app"
	"quizroom/internal/config"
	"quizroom/internal/domain"
	"quizroom/internal/infra/memory"
	pgstore "quizroom/internal/infra/postgres"
	redisstore "quizroom/internal/infra/redis"
)

// backends holds the optional external stores named in the config.
type backends struct {
	redis *redis.Client
	pool  *pgxpool.Pool
}

func openBackends(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*backends, error) {
	b := &backends{}
	if cfg.Redis.Addr != "" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := b.redis.Ping(ctx).Err(); err != nil {
			b.close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		log.WithField("addr", cfg.Redis.Addr).Info("redis connected")
	}
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.pool = pool
		log.Info("postgres connected")
	}
	return b, nil
}

func (b *backends) close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

// quizRepository caches the catalog in Redis when available, in process otherwise.
func (b *backends) quizRepository(cfg config.Config) app.QuizRepository {
	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if b.pool != nil {
		loader = pgstore.NewQuizLoader(b.pool)
	}
	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	if b.redis != nil {
		return redisstore.NewQuizRepository(b.redis, loader, quizTTL)
	}
	return memory.NewQuizRepository(loader, quizTTL)
}

// snapshotStore prefers durable Postgres snapshots, then Redis, then process memory.
func (b *backends) snapshotStore(cfg config.Config) app.SnapshotStore {
	switch {
	case b.pool != nil:
		return pgstore.NewSnapshotStore(b.pool)
	case b.redis != nil:
		return redisstore.NewSnapshotStore(b.redis, config.TTLDuration(cfg.Session.SnapshotTTL, 24*time.Hour))
	default:
		return memory.NewSnapshotStore()
	}
}

// sampleQuizzes seeds the catalog when no Postgres is configured.
func sampleQuizzes() map[string]domain.Quiz {
	second, fourth := 1, 3
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Warm-up",
			Questions: []domain.Question{
				{ID: "q1", Prompt: "What is 2 + 2?", Options: []string{"3", "4", "5"}, Duration: 20, CorrectIndex: &second},
				{ID: "q2", Prompt: "Which planet is largest?", Options: []string{"Mars", "Venus", "Earth", "Jupiter"}, Duration: 30, CorrectIndex: &fourth},
			},
		},
	}
}
