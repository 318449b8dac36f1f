package app

import (
	"sort"
	"sync"
	"time"

	"quizroom/internal/domain"
)

// QuestionStats counts the answers given to one question.
type QuestionStats struct {
	QuestionID string
	Answers    int
}

// UserStats summarises one user's answers.
type UserStats struct {
	UserID      string
	Answered    int
	TimeSpent   time.Duration
	AverageTime time.Duration
}

// Summary is derived from the answer records; it is never replicated.
type Summary struct {
	PerQuestion               []QuestionStats
	PerUser                   []UserStats
	CompletionRate            float64
	AverageAnswersPerQuestion float64
}

// Aggregate derives answer statistics. Answers to unknown questions are ignored; the
// completion rate counts only answers from active participants.
func Aggregate(questions []domain.Question, answers []domain.Answer, active []domain.Participant) Summary {
	perQuestion := make(map[string]int, len(questions))
	for _, q := range questions {
		perQuestion[q.ID] = 0
	}
	isActive := make(map[string]bool, len(active))
	for _, p := range active {
		isActive[p.ID] = true
	}

	users := make(map[string]*UserStats)
	total, completed := 0, 0
	for _, a := range answers {
		if _, ok := perQuestion[a.QuestionID]; !ok {
			continue
		}
		perQuestion[a.QuestionID]++
		total++
		if isActive[a.UserID] {
			completed++
		}
		u := users[a.UserID]
		if u == nil {
			u = &UserStats{UserID: a.UserID}
			users[a.UserID] = u
		}
		u.Answered++
		u.TimeSpent += time.Duration(a.ElapsedMs) * time.Millisecond
	}

	var s Summary
	for _, q := range questions {
		s.PerQuestion = append(s.PerQuestion, QuestionStats{QuestionID: q.ID, Answers: perQuestion[q.ID]})
	}
	for _, u := range users {
		u.AverageTime = u.TimeSpent / time.Duration(u.Answered)
		s.PerUser = append(s.PerUser, *u)
	}
	sort.Slice(s.PerUser, func(i, j int) bool { return s.PerUser[i].UserID < s.PerUser[j].UserID })

	if possible := len(questions) * len(active); possible > 0 {
		s.CompletionRate = float64(completed) / float64(possible)
	}
	if len(questions) > 0 {
		s.AverageAnswersPerQuestion = float64(total) / float64(len(questions))
	}
	return s
}

// LeaderboardEntry is one ranked participant.
type LeaderboardEntry struct {
	UserID string
	Name   string
	Score  int
	// LastCorrect is when the user reached their score, unix ms.
	LastCorrect int64
}

// Leaderboard scores one point per correct answer. Ties go to whoever reached the score
// earlier, then to the name.
func Leaderboard(answers []domain.Answer, key map[string]int, participants []domain.Participant) []LeaderboardEntry {
	byUser := make(map[string]*LeaderboardEntry, len(participants))
	entries := make([]*LeaderboardEntry, 0, len(participants))
	for _, p := range participants {
		if p.Status == domain.ParticipantPending {
			continue
		}
		e := &LeaderboardEntry{UserID: p.ID, Name: p.Name}
		byUser[p.ID] = e
		entries = append(entries, e)
	}
	for _, a := range answers {
		e := byUser[a.UserID]
		correct, ok := key[a.QuestionID]
		if e == nil || !ok || len(a.Selected) != 1 || a.Selected[0] != correct {
			continue
		}
		e.Score++
		if a.SubmittedAt > e.LastCorrect {
			e.LastCorrect = a.SubmittedAt
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		if entries[i].LastCorrect != entries[j].LastCorrect {
			return entries[i].LastCorrect < entries[j].LastCorrect
		}
		return entries[i].Name < entries[j].Name
	})
	out := make([]LeaderboardEntry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out
}

// statsCache memoises a Summary until the collections it derives from change.
type statsCache struct {
	mu    sync.Mutex
	gen   uint64
	valid bool
	value Summary
}

func (c *statsCache) get(compute func() Summary) Summary {
	c.mu.Lock()
	if c.valid {
		v := c.value
		c.mu.Unlock()
		return v
	}
	gen := c.gen
	c.mu.Unlock()

	v := compute()
	c.mu.Lock()
	if c.gen == gen {
		c.value, c.valid = v, true
	}
	c.mu.Unlock()
	return v
}

func (c *statsCache) invalidate() {
	c.mu.Lock()
	c.gen++
	c.valid = false
	c.mu.Unlock()
}
