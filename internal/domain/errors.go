package domain

import "errors"

var (
	// ErrQuizNotFound indicates the question set could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuestionNotFound indicates a submitted question ID is invalid.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrNotHost is returned when a host-only operation is attempted by another user.
	ErrNotHost = errors.New("operation requires room host")
	// ErrEvicted is returned once the local user has been kicked or rejected.
	ErrEvicted = errors.New("user evicted from room")
	// ErrInvalidTransition indicates the quiz is not in a state that allows the operation.
	ErrInvalidTransition = errors.New("invalid quiz state transition")
	// ErrNoQuestions is returned when starting a quiz without questions.
	ErrNoQuestions = errors.New("quiz has no questions")
	// ErrRoomFull is returned when a join would exceed the room capacity.
	ErrRoomFull = errors.New("room is full")
	// ErrNotQuizable is returned when a user who may not play tries to answer.
	ErrNotQuizable = errors.New("user cannot play quiz")
	// ErrSessionClosed is returned after the room session has been torn down.
	ErrSessionClosed = errors.New("room session closed")
	// ErrSnapshotNotFound indicates no cached document state exists for a room.
	ErrSnapshotNotFound = errors.New("room snapshot not found")
)
