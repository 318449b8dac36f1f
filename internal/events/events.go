package events

// Kind tags each event variant.
type Kind string

const (
	KindQuestionChanged     Kind = "questionChanged"
	KindQuizStarted         Kind = "quizStarted"
	KindQuizPaused          Kind = "quizPaused"
	KindQuizResumed         Kind = "quizResumed"
	KindQuizEnded           Kind = "quizEnded"
	KindQuizReset           Kind = "quizReset"
	KindParticipantsChanged Kind = "participantsChanged"
	KindEvicted             Kind = "evicted"
	KindAnswerSubmitted     Kind = "answerSubmitted"
	KindExpressionDetected  Kind = "expressionDetected"
	KindFaceDetected        Kind = "faceDetected"
	KindConnectionStatus    Kind = "connectionStatus"
)

// Event is implemented by every payload type below.
type Event interface {
	Kind() Kind
}

// QuestionChanged is emitted on every navigation (next, prev, jump, start).
type QuestionChanged struct {
	Prev int
	Next int
}

// QuizStarted marks a fresh quiz run.
type QuizStarted struct {
	StartTime int64
}

// QuizPaused is emitted when the host pauses.
type QuizPaused struct {
	At int64
}

// QuizResumed is emitted when the host resumes; Offset is the accumulated pause time.
type QuizResumed struct {
	Offset int64
}

// QuizEnded is the terminal quiz transition.
type QuizEnded struct{}

// QuizReset returns an ended quiz to idle.
type QuizReset struct{}

// ParticipantsChanged carries the recomputed admission counts.
type ParticipantsChanged struct {
	Active  int
	Pending int
}

// Evicted tells the local session it was kicked or rejected.
type Evicted struct {
	UserID string
	Reason string
}

// AnswerSubmitted is emitted locally after an answer was written.
type AnswerSubmitted struct {
	QuestionID string
	UserID     string
}

// ExpressionDetected comes from the camera collaborator.
type ExpressionDetected struct {
	Expression  string
	Probability float64
}

// FaceDetected comes from the camera collaborator.
type FaceDetected struct {
	Detected bool
}

// ConnectionStatus reports relay connectivity (connecting, connected, reconnecting, disconnected).
type ConnectionStatus struct {
	Status string
}

func (QuestionChanged) Kind() Kind     { return KindQuestionChanged }
func (QuizStarted) Kind() Kind         { return KindQuizStarted }
func (QuizPaused) Kind() Kind          { return KindQuizPaused }
func (QuizResumed) Kind() Kind         { return KindQuizResumed }
func (QuizEnded) Kind() Kind           { return KindQuizEnded }
func (QuizReset) Kind() Kind           { return KindQuizReset }
func (ParticipantsChanged) Kind() Kind { return KindParticipantsChanged }
func (Evicted) Kind() Kind             { return KindEvicted }
func (AnswerSubmitted) Kind() Kind     { return KindAnswerSubmitted }
func (ExpressionDetected) Kind() Kind  { return KindExpressionDetected }
func (FaceDetected) Kind() Kind        { return KindFaceDetected }
func (ConnectionStatus) Kind() Kind    { return KindConnectionStatus }
