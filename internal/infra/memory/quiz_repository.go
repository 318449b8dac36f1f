package memory

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quizroom/internal/domain"
)

// QuizLoader fetches question sets from a backing store (e.g., Postgres).
type QuizLoader interface {
	LoadQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizRepository caches question sets with TTL to avoid repeated DB hits. Unknown ids are
// remembered for a shorter time so a typo in a room link cannot hammer the loader.
type QuizRepository struct {
	loader      QuizLoader
	ttl         time.Duration
	notFoundTTL time.Duration
	clock       func() time.Time
	sf          singleflight.Group
	rnd         *rand.Rand
	rndMu       sync.Mutex

	mu    sync.RWMutex
	cache map[string]cachedQuiz
}

type cachedQuiz struct {
	quiz      domain.Quiz
	missing   bool
	expiresAt time.Time
}

func NewQuizRepository(loader QuizLoader, ttl time.Duration) *QuizRepository {
	return &QuizRepository{
		loader:      loader,
		ttl:         ttl,
		notFoundTTL: ttl / 10,
		clock:       time.Now,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:       make(map[string]cachedQuiz),
	}
}

func (r *QuizRepository) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	if quiz, err, ok := r.lookup(quizID, r.clock()); ok {
		return quiz, err
	}

	result, err, _ := r.sf.Do(quizID, func() (interface{}, error) {
		now := r.clock()
		if quiz, err, ok := r.lookup(quizID, now); ok {
			return quiz, err
		}

		quiz, err := r.loader.LoadQuiz(ctx, quizID)
		switch {
		case errors.Is(err, domain.ErrQuizNotFound):
			r.store(quizID, cachedQuiz{missing: true, expiresAt: now.Add(r.notFoundTTL)})
			return domain.Quiz{}, err
		case err != nil:
			return domain.Quiz{}, err
		}
		r.store(quizID, cachedQuiz{quiz: quiz, expiresAt: now.Add(r.ttlWithJitter())})
		return quiz, nil
	})
	if err != nil {
		return domain.Quiz{}, err
	}
	return result.(domain.Quiz), nil
}

// Invalidate drops a cached question set, e.g. after the host edited it.
func (r *QuizRepository) Invalidate(quizID string) {
	r.mu.Lock()
	delete(r.cache, quizID)
	r.mu.Unlock()
}

func (r *QuizRepository) lookup(quizID string, now time.Time) (domain.Quiz, error, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[quizID]
	if !ok || !entry.expiresAt.After(now) {
		return domain.Quiz{}, nil, false
	}
	if entry.missing {
		return domain.Quiz{}, domain.ErrQuizNotFound, true
	}
	return entry.quiz, nil, true
}

func (r *QuizRepository) store(quizID string, entry cachedQuiz) {
	r.mu.Lock()
	r.cache[quizID] = entry
	r.mu.Unlock()
}

// StaticQuizLoader is a simple loader backed by an in-memory map (useful for tests/demos).
type StaticQuizLoader struct {
	quizzes map[string]domain.Quiz
}

func NewStaticQuizLoader(quizzes map[string]domain.Quiz) *StaticQuizLoader {
	return &StaticQuizLoader{quizzes: quizzes}
}

func (l *StaticQuizLoader) LoadQuiz(_ context.Context, quizID string) (domain.Quiz, error) {
	if quiz, ok := l.quizzes[quizID]; ok {
		return quiz, nil
	}
	return domain.Quiz{}, domain.ErrQuizNotFound
}

func (r *QuizRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
