package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"quizroom/internal/domain"
)

// QuizLoader fetches question sets from a backing store (e.g., Postgres).
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizRepository caches question sets in Redis and falls back to a loader on cache miss.
// The public part and the answer key are kept apart so the key can be expired or
// dropped on its own:
//
//	SET  quiz:{quizID}:questions {json without correct answers}
//	HSET quiz:{quizID}:answers   {questionID} {correctIndex}
type QuizRepository struct {
	client *redis.Client
	loader QuizLoader
	ttl    time.Duration
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewQuizRepository(client *redis.Client, loader QuizLoader, ttl time.Duration) *QuizRepository {
	return &QuizRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *QuizRepository) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	if quiz, ok := r.cached(ctx, quizID); ok {
		return quiz, nil
	}

	result, err, _ := r.sf.Do(quizID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if quiz, ok := r.cached(ctx, quizID); ok {
			return quiz, nil
		}

		quiz, err := r.loader.LoadQuiz(ctx, quizID)
		if err != nil {
			return domain.Quiz{}, err
		}
		r.fill(ctx, quiz)
		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return result.(domain.Quiz), nil
}

// Invalidate drops the cached copy of a question set.
func (r *QuizRepository) Invalidate(ctx context.Context, quizID string) error {
	return r.client.Del(ctx, r.questionsKey(quizID), r.answersKey(quizID)).Err()
}

func (r *QuizRepository) cached(ctx context.Context, quizID string) (domain.Quiz, bool) {
	raw, err := r.client.Get(ctx, r.questionsKey(quizID)).Bytes()
	if err != nil {
		return domain.Quiz{}, false
	}
	var quiz domain.Quiz
	if err := json.Unmarshal(raw, &quiz); err != nil {
		return domain.Quiz{}, false
	}
	answers, err := r.client.HGetAll(ctx, r.answersKey(quizID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.Quiz{}, false
	}
	for i := range quiz.Questions {
		if s, ok := answers[quiz.Questions[i].ID]; ok {
			if idx, err := strconv.Atoi(s); err == nil {
				quiz.Questions[i].CorrectIndex = &idx
			}
		}
	}
	return quiz, true
}

// fill is best effort; a failed write only costs another loader call.
func (r *QuizRepository) fill(ctx context.Context, quiz domain.Quiz) {
	public := quiz
	public.Questions = make([]domain.Question, len(quiz.Questions))
	answers := make(map[string]interface{}, len(quiz.Questions))
	for i, q := range quiz.Questions {
		if q.CorrectIndex != nil {
			answers[q.ID] = *q.CorrectIndex
		}
		q.CorrectIndex = nil
		public.Questions[i] = q
	}
	raw, err := json.Marshal(public)
	if err != nil {
		return
	}

	ttl := r.ttlWithJitter()
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.questionsKey(quiz.ID), raw, ttl)
	if len(answers) > 0 {
		pipe.HSet(ctx, r.answersKey(quiz.ID), answers)
		if ttl > 0 {
			pipe.Expire(ctx, r.answersKey(quiz.ID), ttl)
		}
	}
	_, _ = pipe.Exec(ctx)
}

func (r *QuizRepository) questionsKey(quizID string) string {
	return "quiz:" + quizID + ":questions"
}

func (r *QuizRepository) answersKey(quizID string) string {
	return "quiz:" + quizID + ":answers"
}

func (r *QuizRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
