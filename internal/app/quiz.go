package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quizroom/internal/crdt"
	"quizroom/internal/domain"
	"quizroom/internal/events"
)

// QuizState is the lifecycle derived from the replicated runtime fields.
type QuizState string

const (
	QuizIdle   QuizState = "idle"
	QuizActive QuizState = "active"
	QuizPaused QuizState = "paused"
	QuizEnded  QuizState = "ended"
)

func stateOf(rt domain.QuizRuntimeState) QuizState {
	switch {
	case rt.Ended:
		return QuizEnded
	case rt.QuestionIndex < 0:
		return QuizIdle
	case rt.Paused:
		return QuizPaused
	default:
		return QuizActive
	}
}

// ElapsedAt is how long the current question has been running at now, excluding pauses.
// Only questionStartTime and the pause fields are replicated, so every peer derives the
// same value up to its own clock skew.
func ElapsedAt(rt domain.QuizRuntimeState, now time.Time) time.Duration {
	if rt.QuestionIndex < 0 || rt.QuestionStartTime == 0 {
		return 0
	}
	end := now.UnixMilli()
	if rt.Paused && rt.PausedAt > 0 {
		end = rt.PausedAt
	}
	ms := end - rt.QuestionStartTime - rt.PausedOffset
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// RemainingAt is duration minus ElapsedAt, never negative.
func RemainingAt(rt domain.QuizRuntimeState, duration time.Duration, now time.Time) time.Duration {
	left := duration - ElapsedAt(rt, now)
	if left < 0 {
		return 0
	}
	return left
}

// Quiz is the host-driven state machine layered on the room document. Every transition
// is one document transaction; peers learn about it by replication and raise the same
// events locally.
type Quiz struct {
	s                *Session
	finishOnLastNext bool

	mu        sync.Mutex
	last      domain.QuizRuntimeState
	answerKey map[string]int
}

// Runtime reads the replicated progress fields.
func (q *Quiz) Runtime() domain.QuizRuntimeState { return readRuntime(q.s.doc) }

// State derives the lifecycle state.
func (q *Quiz) State() QuizState { return stateOf(q.Runtime()) }

// Questions returns the replicated question set; correct answers are never part of it.
func (q *Quiz) Questions() []domain.Question { return readQuestions(q.s.doc) }

// Current returns the question being played.
func (q *Quiz) Current() (domain.Question, bool) {
	rt := q.Runtime()
	qs := q.Questions()
	if rt.QuestionIndex < 0 || rt.QuestionIndex >= len(qs) {
		return domain.Question{}, false
	}
	return qs[rt.QuestionIndex], true
}

// Answers lists every stored answer.
func (q *Quiz) Answers() []domain.Answer { return readAnswers(q.s.doc) }

// AnswerKey returns the answer key published when the quiz finished.
func (q *Quiz) AnswerKey() map[string]int { return readAnswerKey(q.s.doc) }

// SetQuestions replaces the question set. Host only, before the quiz starts. Correct
// answers stay on the host until Finish publishes them.
func (q *Quiz) SetQuestions(questions []domain.Question) error {
	seen := make(map[string]bool, len(questions))
	key := make(map[string]int, len(questions))
	stripped := make([]any, 0, len(questions))
	for _, question := range questions {
		if question.ID == "" || seen[question.ID] {
			return fmt.Errorf("invalid question id %q", question.ID)
		}
		seen[question.ID] = true
		if question.CorrectIndex != nil {
			key[question.ID] = *question.CorrectIndex
		}
		question.CorrectIndex = nil
		stripped = append(stripped, question)
	}

	err := q.transition(func(tx *crdt.Txn, rt domain.QuizRuntimeState, _ int64) error {
		if st := stateOf(rt); st != QuizIdle {
			return fmt.Errorf("set questions while %s: %w", st, domain.ErrInvalidTransition)
		}
		tx.Clear(pathQuestions)
		tx.Clear(pathAnswerKey)
		if len(stripped) == 0 {
			return tx.EnsureSeq(pathQuestions)
		}
		return tx.Push(pathQuestions, stripped...)
	})
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.answerKey = key
	q.mu.Unlock()
	return nil
}

// LoadQuiz seeds the room with a question set from the catalog. Host only, before start.
func (q *Quiz) LoadQuiz(ctx context.Context, repo QuizRepository, quizID string) error {
	quiz, err := repo.GetQuiz(ctx, quizID)
	if err != nil {
		return err
	}
	if len(quiz.Questions) == 0 {
		return domain.ErrNoQuestions
	}
	if err := q.SetQuestions(quiz.Questions); err != nil {
		return err
	}
	q.s.log.WithField("quiz", quizID).Info("question set loaded")
	return nil
}

// Start begins a fresh run from idle: first question, no answers, no expression records.
func (q *Quiz) Start() error {
	return q.transition(func(tx *crdt.Txn, rt domain.QuizRuntimeState, now int64) error {
		if st := stateOf(rt); st != QuizIdle {
			return fmt.Errorf("start while %s: %w", st, domain.ErrInvalidTransition)
		}
		if tx.Len(pathQuestions) == 0 {
			return domain.ErrNoQuestions
		}
		tx.Clear(pathAnswers)
		tx.Clear(pathExpressions)
		next := rt
		next.QuestionIndex = 0
		next.QuestionStartTime = now
		next.Paused = false
		next.PausedAt = 0
		next.PausedOffset = 0
		next.Ended = false
		if err := writeRuntime(tx, rt, next); err != nil {
			return err
		}
		return tx.Set(pathRoom.Child("status"), domain.RoomPlaying)
	})
}

// Next advances one question. On the last question it clamps, or finishes the quiz when
// FinishOnLastNext is set.
func (q *Quiz) Next() error {
	return q.transition(func(tx *crdt.Txn, rt domain.QuizRuntimeState, now int64) error {
		if err := requireState(rt, QuizActive); err != nil {
			return err
		}
		if rt.QuestionIndex+1 < tx.Len(pathQuestions) {
			return q.moveTo(tx, rt, rt.QuestionIndex+1, now)
		}
		if q.finishOnLastNext {
			return q.finish(tx, rt, now)
		}
		return nil
	})
}

// Prev goes back one question; on the first question it is a no-op.
func (q *Quiz) Prev() error {
	return q.transition(func(tx *crdt.Txn, rt domain.QuizRuntimeState, now int64) error {
		if err := requireState(rt, QuizActive); err != nil {
			return err
		}
		if rt.QuestionIndex == 0 {
			return nil
		}
		return q.moveTo(tx, rt, rt.QuestionIndex-1, now)
	})
}

// JumpTo moves to question i, clamped to the question set.
func (q *Quiz) JumpTo(i int) error {
	return q.transition(func(tx *crdt.Txn, rt domain.QuizRuntimeState, now int64) error {
		if err := requireState(rt, QuizActive); err != nil {
			return err
		}
		total := tx.Len(pathQuestions)
		if i >= total {
			i = total - 1
		}
		if i < 0 {
			i = 0
		}
		return q.moveTo(tx, rt, i, now)
	})
}

// Pause stops the question timer.
func (q *Quiz) Pause() error {
	return q.transition(func(tx *crdt.Txn, rt domain.QuizRuntimeState, now int64) error {
		if err := requireState(rt, QuizActive); err != nil {
			return err
		}
		next := rt
		next.Paused = true
		next.PausedAt = now
		return writeRuntime(tx, rt, next)
	})
}

// Resume restarts the timer, adding the paused span to the accumulated offset.
func (q *Quiz) Resume() error {
	return q.transition(func(tx *crdt.Txn, rt domain.QuizRuntimeState, now int64) error {
		if err := requireState(rt, QuizPaused); err != nil {
			return err
		}
		return writeRuntime(tx, rt, unpause(rt, now))
	})
}

// Finish ends the quiz from any started state and publishes the answer key. Finishing an
// ended quiz is a no-op.
func (q *Quiz) Finish() error {
	return q.transition(func(tx *crdt.Txn, rt domain.QuizRuntimeState, now int64) error {
		switch stateOf(rt) {
		case QuizIdle:
			return fmt.Errorf("finish while idle: %w", domain.ErrInvalidTransition)
		case QuizEnded:
			return nil
		}
		return q.finish(tx, rt, now)
	})
}

// Reset returns an ended quiz to idle so it can be started again. Answers stay visible
// until the next Start clears them.
func (q *Quiz) Reset() error {
	return q.transition(func(tx *crdt.Txn, rt domain.QuizRuntimeState, _ int64) error {
		if err := requireState(rt, QuizEnded); err != nil {
			return err
		}
		next := rt
		next.QuestionIndex = -1
		next.QuestionStartTime = 0
		next.Paused = false
		next.PausedAt = 0
		next.PausedOffset = 0
		next.Ended = false
		if err := writeRuntime(tx, rt, next); err != nil {
			return err
		}
		return tx.Set(pathRoom.Child("status"), domain.RoomWaiting)
	})
}

// SetAutoplay makes the host advance automatically once a question's time plus delay ran out.
func (q *Quiz) SetAutoplay(on bool, delay time.Duration) error {
	return q.transition(func(tx *crdt.Txn, rt domain.QuizRuntimeState, _ int64) error {
		next := rt
		next.Autoplay = on
		next.TransitionDelay = delay.Milliseconds()
		return writeRuntime(tx, rt, next)
	})
}

// Elapsed is the running time of the current question at now.
func (q *Quiz) Elapsed(now time.Time) time.Duration {
	return ElapsedAt(q.Runtime(), now)
}

// Remaining is the time left on the current question at now; zero unless started.
func (q *Quiz) Remaining(now time.Time) time.Duration {
	rt := q.Runtime()
	if st := stateOf(rt); st != QuizActive && st != QuizPaused {
		return 0
	}
	cur, ok := q.Current()
	if !ok {
		return 0
	}
	return RemainingAt(rt, questionDuration(cur), now)
}

// Tick drives autoplay on the host. It reports whether the quiz moved on.
func (q *Quiz) Tick(now time.Time) (bool, error) {
	if !q.s.IsHost() || q.s.usable() != nil {
		return false, nil
	}
	rt := q.Runtime()
	if !rt.Autoplay || stateOf(rt) != QuizActive {
		return false, nil
	}
	advanced := false
	err := q.transition(func(tx *crdt.Txn, rt domain.QuizRuntimeState, _ int64) error {
		if !rt.Autoplay || stateOf(rt) != QuizActive {
			return nil
		}
		questions := readQuestions(tx)
		if rt.QuestionIndex >= len(questions) {
			return nil
		}
		limit := questionDuration(questions[rt.QuestionIndex]) + time.Duration(rt.TransitionDelay)*time.Millisecond
		if ElapsedAt(rt, now) < limit {
			return nil
		}
		advanced = true
		if rt.QuestionIndex+1 < len(questions) {
			return q.moveTo(tx, rt, rt.QuestionIndex+1, now.UnixMilli())
		}
		return q.finish(tx, rt, now.UnixMilli())
	})
	if err != nil {
		return false, err
	}
	return advanced, nil
}

// CanPlay reports whether the local user may answer: the quiz is running and they are an
// active participant.
func (q *Quiz) CanPlay() bool {
	if q.s.usable() != nil {
		return false
	}
	return canPlay(q.s.doc, q.s.user.ID)
}

func canPlay(r reader, uid string) bool {
	if stateOf(readRuntime(r)) != QuizActive || isBlocked(r, uid) {
		return false
	}
	p, ok := readParticipant(r, uid)
	return ok && p.Status == domain.ParticipantActive
}

// SubmitAnswer stores the local user's answer to the current question. Resubmitting
// overwrites the previous answer.
func (q *Quiz) SubmitAnswer(questionID string, selected ...int) error {
	uid := q.s.user.ID
	now := q.s.now()
	err := q.s.transact(func(tx *crdt.Txn) error {
		if !canPlay(tx, uid) {
			return domain.ErrNotQuizable
		}
		rt := readRuntime(tx)
		questions := readQuestions(tx)
		idx := -1
		for i, question := range questions {
			if question.ID == questionID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return domain.ErrQuestionNotFound
		}
		if idx != rt.QuestionIndex {
			return fmt.Errorf("question %s is not being played: %w", questionID, domain.ErrInvalidTransition)
		}
		return tx.Set(pathAnswers.Child(questionID, uid), domain.Answer{
			QuestionID:  questionID,
			UserID:      uid,
			Selected:    selected,
			SubmittedAt: now.UnixMilli(),
			ElapsedMs:   ElapsedAt(rt, now).Milliseconds(),
		})
	})
	if err != nil {
		return err
	}
	q.s.bus.Emit(events.AnswerSubmitted{QuestionID: questionID, UserID: uid})
	return nil
}

// Summary returns the memoised answer statistics.
func (q *Quiz) Summary() Summary {
	return q.s.stats.get(func() Summary {
		return Aggregate(readQuestions(q.s.doc), readAnswers(q.s.doc), q.s.admission.Active())
	})
}

// Leaderboard ranks participants once the answer key is published and the room shows one.
func (q *Quiz) Leaderboard() ([]LeaderboardEntry, bool) {
	room := readRoom(q.s.doc)
	key := q.AnswerKey()
	if !room.Leaderboard || len(key) == 0 {
		return nil, false
	}
	return Leaderboard(q.Answers(), key, q.s.admission.Participants()), true
}

func (q *Quiz) transition(fn func(tx *crdt.Txn, rt domain.QuizRuntimeState, now int64) error) error {
	return q.s.transact(func(tx *crdt.Txn) error {
		if err := q.s.requireHost(tx); err != nil {
			return err
		}
		return fn(tx, readRuntime(tx), q.s.now().UnixMilli())
	})
}

func (q *Quiz) moveTo(tx *crdt.Txn, rt domain.QuizRuntimeState, index int, now int64) error {
	if index == rt.QuestionIndex {
		return nil
	}
	next := rt
	next.QuestionIndex = index
	next.QuestionStartTime = now
	next.PausedOffset = 0
	next.PausedAt = 0
	next.Paused = false
	return writeRuntime(tx, rt, next)
}

func (q *Quiz) finish(tx *crdt.Txn, rt domain.QuizRuntimeState, now int64) error {
	next := unpause(rt, now)
	next.Ended = true
	if err := writeRuntime(tx, rt, next); err != nil {
		return err
	}
	q.mu.Lock()
	key := make(map[string]int, len(q.answerKey))
	for qid, idx := range q.answerKey {
		key[qid] = idx
	}
	q.mu.Unlock()
	for qid, idx := range key {
		if err := tx.Set(pathAnswerKey.Child(qid), idx); err != nil {
			return err
		}
	}
	return tx.Set(pathRoom.Child("status"), domain.RoomEnded)
}

// observe turns replicated runtime changes into local events, the same way on every peer.
func (q *Quiz) observe() {
	cur := readRuntime(q.s.doc)
	q.mu.Lock()
	prev := q.last
	q.last = cur
	q.mu.Unlock()
	for _, e := range runtimeEvents(prev, cur) {
		q.s.bus.Emit(e)
	}
}

func runtimeEvents(prev, cur domain.QuizRuntimeState) []events.Event {
	ps, cs := stateOf(prev), stateOf(cur)
	if ps != QuizIdle && cs == QuizIdle {
		return []events.Event{events.QuizReset{}}
	}
	var out []events.Event
	if ps == QuizIdle && cs != QuizIdle {
		out = append(out, events.QuizStarted{StartTime: cur.QuestionStartTime})
	}
	if cur.QuestionIndex >= 0 && cur.QuestionIndex != prev.QuestionIndex {
		out = append(out, events.QuestionChanged{Prev: prev.QuestionIndex, Next: cur.QuestionIndex})
	}
	if !prev.Paused && cur.Paused {
		out = append(out, events.QuizPaused{At: cur.PausedAt})
	}
	if prev.Paused && !cur.Paused && !cur.Ended {
		out = append(out, events.QuizResumed{Offset: cur.PausedOffset})
	}
	if !prev.Ended && cur.Ended {
		out = append(out, events.QuizEnded{})
	}
	return out
}

func unpause(rt domain.QuizRuntimeState, now int64) domain.QuizRuntimeState {
	if !rt.Paused {
		return rt
	}
	next := rt
	next.PausedOffset += now - rt.PausedAt
	next.Paused = false
	next.PausedAt = 0
	return next
}

func requireState(rt domain.QuizRuntimeState, want QuizState) error {
	if st := stateOf(rt); st != want {
		return fmt.Errorf("%w: quiz is %s, not %s", domain.ErrInvalidTransition, st, want)
	}
	return nil
}

func questionDuration(q domain.Question) time.Duration {
	return time.Duration(q.Duration) * time.Second
}

// IsTerminal reports whether err ends the session for the local user.
func IsTerminal(err error) bool {
	return errors.Is(err, domain.ErrEvicted) || errors.Is(err, domain.ErrSessionClosed)
}
