package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quizsync/quizsync/internal/protocol"
)

// Phase is the derived game phase. It is recomputed from monotonic snapshot
// fields rather than trusted from a wire hint, so replaying the same snapshot
// always yields the same phase regardless of event arrival order.
type Phase string

const (
	PhaseLobby   Phase = "lobby"
	PhasePlaying Phase = "playing"
	PhaseResult  Phase = "result"
)

// DerivePhase computes the phase from a room snapshot: playing while the game
// has started and questions remain, result once the index passes the last
// question, lobby otherwise.
func DerivePhase(room protocol.RoomSnapshot) Phase {
	if !room.Started {
		return PhaseLobby
	}
	if room.CurrentQuestionIndex >= room.TotalQuestions {
		return PhaseResult
	}
	return PhasePlaying
}

// State is the authoritative in-memory model of room, question and result
// data. It is owned by the session engine; every other component reads it
// through accessors that return copies, or requests changes through the
// Apply reducer methods. RoomSnapshot replacement is a whole-object swap, so
// readers never observe a torn mix of old and new fields.
type State struct {
	clock clockwork.Clock

	mu               sync.RWMutex
	room             protocol.RoomSnapshot
	hasRoom          bool
	phase            Phase
	question         *protocol.ActiveQuestion
	outcome          *protocol.AnswerOutcome
	questionEnded    *protocol.QuestionEndedPayload
	scoreboard       *protocol.ScoreboardPayload
	showScoreboard   bool
	finalLeaderboard []protocol.ParticipantSnapshot
	quizzes          []protocol.QuizSummary
	connected        bool
}

// NewState creates an empty state in the lobby phase.
func NewState(clock clockwork.Clock) *State {
	return &State{
		clock: clock,
		phase: PhaseLobby,
	}
}

// ApplyRoomSnapshot replaces the room wholesale and recomputes the phase.
func (s *State) ApplyRoomSnapshot(room protocol.RoomSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = room
	s.hasRoom = true
	s.phase = DerivePhase(room)
	log.Debug().
		Str("room_code", room.RoomCode).
		Str("phase", string(s.phase)).
		Int("participants", len(room.Participants)).
		Msg("room snapshot applied")
}

// ApplyGameStarted replaces the room and forces the playing phase.
func (s *State) ApplyGameStarted(room protocol.RoomSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room.Started = true
	s.room = room
	s.hasRoom = true
	s.phase = PhasePlaying
	log.Info().Str("room_code", room.RoomCode).Msg("game started")
}

// ApplyNewQuestion starts a new question cycle: the previous answer outcome
// and question results are discarded, the room's question index and timing
// are updated, any pause is lifted, and the phase is forced to playing.
// Applying the same event twice yields the same state.
func (s *State) ApplyNewQuestion(p protocol.NewQuestionPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := p.Question
	s.question = &q
	s.outcome = nil
	s.questionEnded = nil
	s.room.Started = true
	s.room.CurrentQuestionIndex = p.Index
	s.room.QuestionDurationSeconds = p.DurationSeconds
	s.room.QuestionStartedAtMs = p.StartedAtEpochMs
	s.room.Paused = false
	s.phase = PhasePlaying
	log.Info().
		Str("question_id", q.QuestionID).
		Int("index", p.Index).
		Int("duration_s", p.DurationSeconds).
		Msg("new question")
}

// ApplyAnswerOutcome records the scoring verdict for the local participant.
// It is overwritten only by the next question cycle.
func (s *State) ApplyAnswerOutcome(o protocol.AnswerOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = &o
}

// ApplyQuestionEnded records the revealed results for the current question.
func (s *State) ApplyQuestionEnded(p protocol.QuestionEndedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questionEnded = &p
}

// ApplyScoreboard sets the transient scoreboard and makes it visible. The
// engine arms the auto-clear timer separately.
func (s *State) ApplyScoreboard(p protocol.ScoreboardPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scoreboard = &p
	s.showScoreboard = true
}

// HideScoreboard clears the transient scoreboard.
func (s *State) HideScoreboard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scoreboard = nil
	s.showScoreboard = false
}

// ApplyGameEnded stores the final leaderboard and forces the result phase.
func (s *State) ApplyGameEnded(p protocol.GameEndedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalLeaderboard = p.FinalLeaderboard
	s.room.Started = true
	if s.room.CurrentQuestionIndex < s.room.TotalQuestions {
		s.room.CurrentQuestionIndex = s.room.TotalQuestions
	}
	s.phase = PhaseResult
	log.Info().Int("players", len(p.FinalLeaderboard)).Msg("game ended")
}

// ApplyPaused marks the room paused. No other field changes.
func (s *State) ApplyPaused() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room.Paused = true
}

// ApplyResumed lifts the pause and folds the server's authoritative remaining
// time back into the question start timestamp:
//
//	startedAt = now − (duration − remaining)
//
// so the countdown resumes from exactly remainingSeconds without trusting any
// locally accumulated elapsed time. The recomputed epoch-milliseconds anchor
// is returned for the countdown reconciler.
func (s *State) ApplyResumed(remainingSeconds float64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room.Paused = false
	elapsed := time.Duration(s.room.QuestionDurationSeconds)*time.Second -
		time.Duration(remainingSeconds*float64(time.Second))
	startedAt := s.clock.Now().Add(-elapsed)
	s.room.QuestionStartedAtMs = startedAt.UnixMilli()
	log.Info().Float64("remaining_s", remainingSeconds).Msg("game resumed")
	return s.room.QuestionStartedAtMs
}

// ApplyQuizList replaces the lobby quiz listing wholesale.
func (s *State) ApplyQuizList(p protocol.QuizListPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quizzes = p.Quizzes
}

// SetConnected records the transport connection state.
func (s *State) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

// Clear resets everything back to an empty lobby. Used on leave, kick and
// terminal errors, after timers have been cancelled.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = protocol.RoomSnapshot{}
	s.hasRoom = false
	s.phase = PhaseLobby
	s.question = nil
	s.outcome = nil
	s.questionEnded = nil
	s.scoreboard = nil
	s.showScoreboard = false
	s.finalLeaderboard = nil
}

// Room returns a copy of the current room snapshot.
func (s *State) Room() (protocol.RoomSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room := s.room
	room.Participants = append([]protocol.ParticipantSnapshot(nil), s.room.Participants...)
	return room, s.hasRoom
}

// RoomCode returns the current room code, or "" outside a room.
func (s *State) RoomCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room.RoomCode
}

// Phase returns the current derived phase.
func (s *State) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// ActiveQuestion returns a copy of the question currently on screen.
func (s *State) ActiveQuestion() (protocol.ActiveQuestion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.question == nil {
		return protocol.ActiveQuestion{}, false
	}
	q := *s.question
	q.Options = append([]protocol.QuestionOption(nil), s.question.Options...)
	return q, true
}

// Outcome returns the local participant's outcome for the current question.
func (s *State) Outcome() (protocol.AnswerOutcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.outcome == nil {
		return protocol.AnswerOutcome{}, false
	}
	return *s.outcome, true
}

// HasOutcome reports whether an outcome exists for the current question.
func (s *State) HasOutcome() bool {
	_, ok := s.Outcome()
	return ok
}

// QuestionEnded returns the revealed results for the current question.
func (s *State) QuestionEnded() (protocol.QuestionEndedPayload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.questionEnded == nil {
		return protocol.QuestionEndedPayload{}, false
	}
	return *s.questionEnded, true
}

// Scoreboard returns the transient scoreboard and whether it is visible.
func (s *State) Scoreboard() (protocol.ScoreboardPayload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.scoreboard == nil || !s.showScoreboard {
		return protocol.ScoreboardPayload{}, false
	}
	return *s.scoreboard, true
}

// FinalLeaderboard returns a copy of the final standings.
func (s *State) FinalLeaderboard() []protocol.ParticipantSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.ParticipantSnapshot(nil), s.finalLeaderboard...)
}

// Quizzes returns a copy of the lobby quiz listing.
func (s *State) Quizzes() []protocol.QuizSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.QuizSummary(nil), s.quizzes...)
}

// Paused reports whether the room is paused.
func (s *State) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room.Paused
}

// Connected reports the transport connection state.
func (s *State) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}
