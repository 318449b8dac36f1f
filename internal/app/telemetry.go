package app

import (
	"sync"

	"quizroom/internal/crdt"
	"quizroom/internal/domain"
	"quizroom/internal/events"
)

// telemetry folds camera events from the bus into the local user's expression record for
// the current question.
type telemetry struct {
	s *Session

	mu           sync.Mutex
	faceDetected bool
}

func (t *telemetry) subscribe(bus *events.Bus) []func() {
	return []func(){
		events.Subscribe(bus, t.onFace),
		events.Subscribe(bus, t.onExpression),
	}
}

func (t *telemetry) onFace(e events.FaceDetected) {
	t.mu.Lock()
	t.faceDetected = e.Detected
	t.mu.Unlock()
}

func (t *telemetry) onExpression(e events.ExpressionDetected) {
	t.mu.Lock()
	face := t.faceDetected
	t.mu.Unlock()
	slot, ok := domain.ExpressionIndex(e.Expression)
	if !face || !ok {
		return
	}

	uid := t.s.user.ID
	err := t.s.transact(func(tx *crdt.Txn) error {
		if !canPlay(tx, uid) {
			return nil
		}
		rt := readRuntime(tx)
		questions := readQuestions(tx)
		if rt.QuestionIndex >= len(questions) {
			return nil
		}
		qid := questions[rt.QuestionIndex].ID
		rec := readExpressionRecord(tx, uid, qid)
		rec.Buffer[slot] += e.Probability
		return tx.Set(pathExpressions.Child(uid, qid), rec.Buffer[:])
	})
	if err != nil && !IsTerminal(err) {
		t.s.log.WithError(err).Warn("failed to record expression")
	}
}

// ExpressionRecords lists every stored expression record.
func (s *Session) ExpressionRecords() []domain.ExpressionRecord {
	var out []domain.ExpressionRecord
	for _, uid := range s.doc.Keys(pathExpressions) {
		for _, qid := range s.doc.Keys(pathExpressions.Child(uid)) {
			out = append(out, readExpressionRecord(s.doc, uid, qid))
		}
	}
	return out
}
