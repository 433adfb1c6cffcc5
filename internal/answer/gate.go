package answer

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quizsync/quizsync/internal/protocol"
)

var (
	// ErrNoActiveQuestion is returned when no question is on screen.
	ErrNoActiveQuestion = errors.New("answer: no active question")
	// ErrAlreadyAnswered is returned after a submission, an outcome, or a
	// local timeout for the current question.
	ErrAlreadyAnswered = errors.New("answer: already answered this question")
	// ErrRoomPaused is returned while the game is paused.
	ErrRoomPaused = errors.New("answer: room is paused")
	// ErrNotPlaying is returned for a spectator-only host.
	ErrNotPlaying = errors.New("answer: participant is not playing")
)

// RoomState is the read-only view of session state the gate needs.
type RoomState interface {
	ActiveQuestion() (protocol.ActiveQuestion, bool)
	HasOutcome() bool
	Paused() bool
	RoomCode() string
}

// Sender delivers outgoing intents to the transport.
type Sender interface {
	Send(name protocol.EventName, payload any) error
}

// Gate enforces at-most-one answer per question per participant. It is keyed
// by question id, so replayed events cannot re-open a question that was
// already answered, and a new question admits a fresh submission without any
// explicit reset.
type Gate struct {
	state RoomState
	tx    Sender

	mu               sync.Mutex
	playing          bool
	lockedQuestionID string
}

// NewGate creates a gate over the given state view and sender.
func NewGate(state RoomState, tx Sender) *Gate {
	return &Gate{state: state, tx: tx}
}

// SetPlaying records whether the local participant answers questions. A host
// who did not join as a player spectates and cannot submit.
func (g *Gate) SetPlaying(playing bool) {
	g.mu.Lock()
	g.playing = playing
	g.mu.Unlock()
}

// Submit sends exactly one submit-answer intent for the current question.
// Further calls are rejected until the next question cycle.
func (g *Gate) Submit(answer json.RawMessage) error {
	q, ok := g.state.ActiveQuestion()
	if !ok {
		return ErrNoActiveQuestion
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.playing {
		return ErrNotPlaying
	}
	if g.lockedQuestionID == q.QuestionID || g.state.HasOutcome() {
		return ErrAlreadyAnswered
	}
	if g.state.Paused() {
		return ErrRoomPaused
	}

	err := g.tx.Send(protocol.IntentSubmitAnswer, protocol.SubmitAnswerPayload{
		RoomCode: g.state.RoomCode(),
		Answer:   answer,
	})
	if err != nil {
		return err
	}
	g.lockedQuestionID = q.QuestionID
	log.Debug().Str("question_id", q.QuestionID).Msg("answer submitted")
	return nil
}

// MarkTimedOut locks input for the current question without synthesizing an
// answer; the absence of a submission is itself the signal the server scores
// as a miss.
func (g *Gate) MarkTimedOut() {
	q, ok := g.state.ActiveQuestion()
	if !ok {
		return
	}
	g.mu.Lock()
	g.lockedQuestionID = q.QuestionID
	g.mu.Unlock()
}

// Answered reports whether input is disabled for the current question.
func (g *Gate) Answered() bool {
	q, ok := g.state.ActiveQuestion()
	if !ok {
		return false
	}
	g.mu.Lock()
	locked := g.lockedQuestionID == q.QuestionID
	g.mu.Unlock()
	return locked || g.state.HasOutcome()
}
