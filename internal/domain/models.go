package domain

// RoomType distinguishes the kinds of collaborative rooms.
type RoomType string

const (
	RoomTypeQuiz    RoomType = "quiz"
	RoomTypeDrawing RoomType = "drawing"
)

// RoomStatus is the room lifecycle.
type RoomStatus string

const (
	RoomWaiting RoomStatus = "waiting"
	RoomPlaying RoomStatus = "playing"
	RoomEnded   RoomStatus = "ended"
	RoomClosed  RoomStatus = "closed"
)

// Room is the identity and lifecycle of a replicated room.
type Room struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        RoomType   `json:"type"`
	Status      RoomStatus `json:"status"`
	CreatedBy   string     `json:"createdBy"`
	Capacity    int        `json:"capacity"`
	PlayerCount int        `json:"playerCount"`
	Leaderboard bool       `json:"leaderboard"`
	AutoApprove bool       `json:"autoApprove"`
}

// User is the identity handed to the core by the session/auth collaborator.
type User struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	AvatarSeed string `json:"avatarSeed"`
	Color      string `json:"color"`
}

// ParticipantStatus tracks admission.
type ParticipantStatus string

const (
	ParticipantActive  ParticipantStatus = "active"
	ParticipantPending ParticipantStatus = "pending"
	ParticipantLeft    ParticipantStatus = "left"
)

// Participant is a user inside a room. Timestamps are unix milliseconds.
type Participant struct {
	User
	Status   ParticipantStatus `json:"status"`
	JoinedAt int64             `json:"joinedAt"`
	LastSeen int64             `json:"lastSeen"`
}

// BlockReason records why a user was removed by the host.
type BlockReason string

const (
	BlockKicked   BlockReason = "kicked"
	BlockRejected BlockReason = "rejected"
)

// Block is the sticky eviction marker for a user.
type Block struct {
	Reason BlockReason `json:"reason"`
	At     int64       `json:"at"`
}

// Question models a timed multiple-choice question.
type Question struct {
	ID       string   `json:"id"`
	Prompt   string   `json:"prompt"`
	Options  []string `json:"options"`
	Duration int      `json:"duration"` // seconds
	// CorrectIndex is host-authored and stripped before the question is replicated.
	CorrectIndex *int `json:"correctIndex,omitempty"`
}

// Quiz is a host-authored question set from the catalog.
type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// Answer is keyed by (QuestionID, UserID); resubmission overwrites.
type Answer struct {
	QuestionID  string `json:"questionId"`
	UserID      string `json:"userId"`
	Selected    []int  `json:"selected"`
	SubmittedAt int64  `json:"submittedAt"`
	ElapsedMs   int64  `json:"elapsedMs"`
}

// Expression categories tracked per ExpressionRecord slot.
var Expressions = []string{"neutral", "happy", "sad", "angry", "fearful", "disgusted", "surprised"}

// ExpressionSlots is the fixed buffer length of an ExpressionRecord.
const ExpressionSlots = 7

// ExpressionIndex returns the buffer slot for an expression name.
func ExpressionIndex(name string) (int, bool) {
	for i, e := range Expressions {
		if e == name {
			return i, true
		}
	}
	return 0, false
}

// ExpressionRecord accumulates camera telemetry for a user on a question.
type ExpressionRecord struct {
	UserID     string                   `json:"userId"`
	QuestionID string                   `json:"questionId"`
	Buffer     [ExpressionSlots]float64 `json:"buffer"`
}

// QuizRuntimeState is the replicated quiz progress. Times are unix milliseconds.
type QuizRuntimeState struct {
	QuestionIndex     int   `json:"questionIndex"`
	QuestionStartTime int64 `json:"questionStartTime"`
	Paused            bool  `json:"paused"`
	PausedAt          int64 `json:"pausedAt"`
	PausedOffset      int64 `json:"pausedOffset"`
	Ended             bool  `json:"ended"`
	Autoplay          bool  `json:"autoplay"`
	TransitionDelay   int64 `json:"transitionDelay"`
}
