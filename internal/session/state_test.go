package session_test

import (
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/quizsync/quizsync/internal/protocol"
	"github.com/quizsync/quizsync/internal/session"
)

func TestDerivePhase(t *testing.T) {
	cases := []struct {
		name  string
		room  protocol.RoomSnapshot
		want  session.Phase
	}{
		{"not started", protocol.RoomSnapshot{Started: false}, session.PhaseLobby},
		{"not started with index", protocol.RoomSnapshot{Started: false, CurrentQuestionIndex: 3, TotalQuestions: 5}, session.PhaseLobby},
		{"mid game", protocol.RoomSnapshot{Started: true, CurrentQuestionIndex: 0, TotalQuestions: 5}, session.PhasePlaying},
		{"last question", protocol.RoomSnapshot{Started: true, CurrentQuestionIndex: 4, TotalQuestions: 5}, session.PhasePlaying},
		{"past last question", protocol.RoomSnapshot{Started: true, CurrentQuestionIndex: 5, TotalQuestions: 5}, session.PhaseResult},
		{"empty quiz started", protocol.RoomSnapshot{Started: true, CurrentQuestionIndex: 0, TotalQuestions: 0}, session.PhaseResult},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := session.DerivePhase(tc.room); got != tc.want {
				t.Fatalf("DerivePhase(%+v) = %s, want %s", tc.room, got, tc.want)
			}
			// Phase is a pure function: deriving twice yields the same value.
			if got := session.DerivePhase(tc.room); got != tc.want {
				t.Fatalf("second derivation differs: got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestSnapshotReplayIsIdempotent(t *testing.T) {
	state := session.NewState(clockwork.NewFakeClock())
	snap := protocol.RoomSnapshot{
		RoomCode:             "123456",
		Started:              true,
		CurrentQuestionIndex: 2,
		TotalQuestions:       5,
		Participants:         []protocol.ParticipantSnapshot{{ParticipantID: "p-1"}},
	}

	state.ApplyRoomSnapshot(snap)
	first := state.Phase()
	state.ApplyRoomSnapshot(snap)
	if got := state.Phase(); got != first {
		t.Fatalf("replaying the same snapshot changed phase from %s to %s", first, got)
	}
	if first != session.PhasePlaying {
		t.Fatalf("expected playing phase, got %s", first)
	}
}

func TestSnapshotReplacesWholesale(t *testing.T) {
	state := session.NewState(clockwork.NewFakeClock())
	state.ApplyRoomSnapshot(protocol.RoomSnapshot{
		RoomCode:     "123456",
		Participants: []protocol.ParticipantSnapshot{{ParticipantID: "p-1"}, {ParticipantID: "p-2"}},
	})
	state.ApplyRoomSnapshot(protocol.RoomSnapshot{RoomCode: "123456"})

	room, ok := state.Room()
	if !ok {
		t.Fatal("expected a room")
	}
	if len(room.Participants) != 0 {
		t.Fatalf("old participants leaked through snapshot replacement: %+v", room.Participants)
	}
}

func TestNewQuestionResetsOutcomeAndPause(t *testing.T) {
	state := session.NewState(clockwork.NewFakeClock())
	state.ApplyRoomSnapshot(protocol.RoomSnapshot{
		RoomCode: "123456", Started: true, TotalQuestions: 5, Paused: true,
	})
	state.ApplyAnswerOutcome(protocol.AnswerOutcome{IsCorrect: true, ScoreDelta: 100})

	nq := protocol.NewQuestionPayload{
		Question:         protocol.ActiveQuestion{QuestionID: "q-2", Type: protocol.QuestionTypeSingle},
		Index:            1,
		DurationSeconds:  20,
		StartedAtEpochMs: 1_700_000_000_000,
	}
	state.ApplyNewQuestion(nq)

	if _, ok := state.Outcome(); ok {
		t.Fatal("new question must clear the previous answer outcome")
	}
	if state.Paused() {
		t.Fatal("new question must lift any pause")
	}
	if got := state.Phase(); got != session.PhasePlaying {
		t.Fatalf("expected playing phase, got %s", got)
	}

	// Applying the same event again yields the same state.
	state.ApplyNewQuestion(nq)
	room, _ := state.Room()
	if room.CurrentQuestionIndex != 1 || room.QuestionStartedAtMs != 1_700_000_000_000 {
		t.Fatalf("unexpected room after replay: %+v", room)
	}
	if _, ok := state.Outcome(); ok {
		t.Fatal("replayed new question must leave outcome empty")
	}
}

func TestResumeRecomputesStartTimestamp(t *testing.T) {
	clock := clockwork.NewFakeClock()
	state := session.NewState(clock)
	state.ApplyRoomSnapshot(protocol.RoomSnapshot{
		RoomCode:                "123456",
		Started:                 true,
		TotalQuestions:          5,
		QuestionDurationSeconds: 20,
	})
	state.ApplyPaused()
	if !state.Paused() {
		t.Fatal("expected paused")
	}

	startedAtMs := state.ApplyResumed(8)
	if state.Paused() {
		t.Fatal("resume must lift the pause")
	}

	// startedAt = now − (20 − 8)s, so remaining computed from the anchor is 8.
	elapsed := clock.Now().Sub(time.UnixMilli(startedAtMs)).Seconds()
	if math.Abs(elapsed-12) > 0.01 {
		t.Fatalf("expected 12s folded-back elapsed time, got %.3f", elapsed)
	}
}

func TestGameEndedForcesResult(t *testing.T) {
	state := session.NewState(clockwork.NewFakeClock())
	state.ApplyRoomSnapshot(protocol.RoomSnapshot{
		RoomCode: "123456", Started: true, CurrentQuestionIndex: 3, TotalQuestions: 5,
	})
	state.ApplyGameEnded(protocol.GameEndedPayload{
		FinalLeaderboard: []protocol.ParticipantSnapshot{{ParticipantID: "p-1", TotalScore: 300}},
	})

	if got := state.Phase(); got != session.PhaseResult {
		t.Fatalf("expected result phase, got %s", got)
	}
	if len(state.FinalLeaderboard()) != 1 {
		t.Fatal("expected final leaderboard")
	}
}

func TestScoreboardVisibility(t *testing.T) {
	state := session.NewState(clockwork.NewFakeClock())
	state.ApplyScoreboard(protocol.ScoreboardPayload{
		Participants: []protocol.ParticipantSnapshot{{ParticipantID: "p-1", Score: 100, TotalScore: 250}},
	})
	if _, visible := state.Scoreboard(); !visible {
		t.Fatal("scoreboard should be visible after apply")
	}
	state.HideScoreboard()
	if _, visible := state.Scoreboard(); visible {
		t.Fatal("scoreboard should be hidden")
	}
}

func TestFullGameScenario(t *testing.T) {
	clock := clockwork.NewFakeClock()
	state := session.NewState(clock)

	state.ApplyRoomSnapshot(protocol.RoomSnapshot{RoomCode: "123456", Started: false, TotalQuestions: 5})
	if got := state.Phase(); got != session.PhaseLobby {
		t.Fatalf("expected lobby, got %s", got)
	}

	state.ApplyGameStarted(protocol.RoomSnapshot{
		RoomCode: "123456", Started: true, CurrentQuestionIndex: 0, TotalQuestions: 5,
	})
	if got := state.Phase(); got != session.PhasePlaying {
		t.Fatalf("expected playing, got %s", got)
	}

	for i := 0; i < 5; i++ {
		state.ApplyNewQuestion(protocol.NewQuestionPayload{
			Question:         protocol.ActiveQuestion{QuestionID: string(rune('a' + i))},
			Index:            i,
			DurationSeconds:  20,
			StartedAtEpochMs: clock.Now().UnixMilli(),
		})
		if got := state.Phase(); got != session.PhasePlaying {
			t.Fatalf("question %d: expected playing, got %s", i, got)
		}
		state.ApplyAnswerOutcome(protocol.AnswerOutcome{IsCorrect: i%2 == 0, ScoreDelta: 100})
		if _, ok := state.Outcome(); !ok {
			t.Fatalf("question %d: expected outcome", i)
		}
	}

	state.ApplyRoomSnapshot(protocol.RoomSnapshot{
		RoomCode: "123456", Started: true, CurrentQuestionIndex: 5, TotalQuestions: 5,
	})
	if got := state.Phase(); got != session.PhaseResult {
		t.Fatalf("expected result, got %s", got)
	}

	state.ApplyGameEnded(protocol.GameEndedPayload{
		FinalLeaderboard: []protocol.ParticipantSnapshot{
			{ParticipantID: "p-1", TotalScore: 500},
			{ParticipantID: "p-2", TotalScore: 300},
		},
	})
	if len(state.FinalLeaderboard()) == 0 {
		t.Fatal("expected a non-empty final leaderboard")
	}
}
