package app

import (
	"quizroom/internal/crdt"
	"quizroom/internal/domain"
)

// Stable document paths. Every durable room value lives under one of these.
var (
	pathRoom         = crdt.Path{"room"}
	pathParticipants = crdt.Path{"participants"}
	pathBlocked      = crdt.Path{"blocked"}
	pathQuestions    = crdt.Path{"questions"}
	pathAnswerKey    = crdt.Path{"answerKey"}
	pathQuiz         = crdt.Path{"quiz"}
	pathAnswers      = crdt.Path{"answers"}
	pathExpressions  = crdt.Path{"records", "expressions"}
)

// reader is satisfied by both *crdt.Doc and *crdt.Txn so views can be computed
// inside and outside transactions with the same code.
type reader interface {
	Get(crdt.Path) (crdt.Value, bool)
	Keys(crdt.Path) []string
	Items(crdt.Path) []crdt.Value
}

func readField[T any](r reader, path crdt.Path, def T) T {
	v, ok := r.Get(path)
	if !ok {
		return def
	}
	var out T
	if err := v.Decode(&out); err != nil {
		return def
	}
	return out
}

func readRoom(r reader) domain.Room {
	return domain.Room{
		ID:          readField(r, pathRoom.Child("id"), ""),
		Name:        readField(r, pathRoom.Child("name"), ""),
		Type:        readField(r, pathRoom.Child("type"), domain.RoomTypeQuiz),
		Status:      readField(r, pathRoom.Child("status"), domain.RoomWaiting),
		CreatedBy:   readField(r, pathRoom.Child("createdBy"), ""),
		Capacity:    readField(r, pathRoom.Child("capacity"), 0),
		Leaderboard: readField(r, pathRoom.Child("leaderboard"), false),
		AutoApprove: readField(r, pathRoom.Child("autoApprove"), false),
	}
}

func readParticipant(r reader, uid string) (domain.Participant, bool) {
	base := pathParticipants.Child(uid)
	if _, ok := r.Get(base); !ok {
		return domain.Participant{}, false
	}
	p := domain.Participant{
		User: domain.User{
			ID:         readField(r, base.Child("id"), uid),
			Name:       readField(r, base.Child("name"), ""),
			AvatarSeed: readField(r, base.Child("avatarSeed"), ""),
			Color:      readField(r, base.Child("color"), ""),
		},
		Status:   readField(r, base.Child("status"), domain.ParticipantPending),
		JoinedAt: readField(r, base.Child("joinedAt"), int64(0)),
		LastSeen: readField(r, base.Child("lastSeen"), int64(0)),
	}
	return p, true
}

// readParticipants returns every participant not carrying a block marker, sorted by id.
// Blocked users stay excluded even if a late write of theirs recreated the record.
func readParticipants(r reader) []domain.Participant {
	var out []domain.Participant
	for _, uid := range r.Keys(pathParticipants) {
		if isBlocked(r, uid) {
			continue
		}
		if p, ok := readParticipant(r, uid); ok {
			out = append(out, p)
		}
	}
	return out
}

func readBlock(r reader, uid string) (domain.Block, bool) {
	v, ok := r.Get(pathBlocked.Child(uid))
	if !ok {
		return domain.Block{}, false
	}
	var b domain.Block
	if err := v.Decode(&b); err != nil {
		return domain.Block{}, false
	}
	return b, true
}

func isBlocked(r reader, uid string) bool {
	_, ok := r.Get(pathBlocked.Child(uid))
	return ok
}

func readQuestions(r reader) []domain.Question {
	items := r.Items(pathQuestions)
	out := make([]domain.Question, 0, len(items))
	for _, it := range items {
		var q domain.Question
		if err := it.Decode(&q); err != nil {
			continue
		}
		out = append(out, q)
	}
	return out
}

func readRuntime(r reader) domain.QuizRuntimeState {
	return domain.QuizRuntimeState{
		QuestionIndex:     readField(r, pathQuiz.Child("questionIndex"), -1),
		QuestionStartTime: readField(r, pathQuiz.Child("questionStartTime"), int64(0)),
		Paused:            readField(r, pathQuiz.Child("paused"), false),
		PausedAt:          readField(r, pathQuiz.Child("pausedAt"), int64(0)),
		PausedOffset:      readField(r, pathQuiz.Child("pausedOffset"), int64(0)),
		Ended:             readField(r, pathQuiz.Child("ended"), false),
		Autoplay:          readField(r, pathQuiz.Child("autoplay"), false),
		TransitionDelay:   readField(r, pathQuiz.Child("transitionDelay"), int64(0)),
	}
}

func readAnswers(r reader) []domain.Answer {
	var out []domain.Answer
	for _, qid := range r.Keys(pathAnswers) {
		for _, uid := range r.Keys(pathAnswers.Child(qid)) {
			v, _ := r.Get(pathAnswers.Child(qid, uid))
			var a domain.Answer
			if err := v.Decode(&a); err != nil {
				continue
			}
			out = append(out, a)
		}
	}
	return out
}

func readAnswerKey(r reader) map[string]int {
	out := make(map[string]int)
	for _, qid := range r.Keys(pathAnswerKey) {
		out[qid] = readField(r, pathAnswerKey.Child(qid), -1)
	}
	return out
}

func readExpressionRecord(r reader, uid, qid string) domain.ExpressionRecord {
	rec := domain.ExpressionRecord{UserID: uid, QuestionID: qid}
	buf := readField(r, pathExpressions.Child(uid, qid), []float64(nil))
	copy(rec.Buffer[:], buf)
	return rec
}

// writeRuntime writes the fields that differ between before and after. Each field is its
// own register, so concurrent writes to different fields merge independently.
func writeRuntime(tx *crdt.Txn, before, after domain.QuizRuntimeState) error {
	fields := []struct {
		key     string
		changed bool
		value   any
	}{
		{"questionIndex", before.QuestionIndex != after.QuestionIndex, after.QuestionIndex},
		{"questionStartTime", before.QuestionStartTime != after.QuestionStartTime, after.QuestionStartTime},
		{"paused", before.Paused != after.Paused, after.Paused},
		{"pausedAt", before.PausedAt != after.PausedAt, after.PausedAt},
		{"pausedOffset", before.PausedOffset != after.PausedOffset, after.PausedOffset},
		{"ended", before.Ended != after.Ended, after.Ended},
		{"autoplay", before.Autoplay != after.Autoplay, after.Autoplay},
		{"transitionDelay", before.TransitionDelay != after.TransitionDelay, after.TransitionDelay},
	}
	for _, f := range fields {
		if !f.changed {
			continue
		}
		if err := tx.Set(pathQuiz.Child(f.key), f.value); err != nil {
			return err
		}
	}
	return nil
}
