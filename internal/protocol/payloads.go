package protocol

import "encoding/json"

// QuestionType enumerates the supported answer formats.
type QuestionType string

const (
	QuestionTypeSingle   QuestionType = "single"
	QuestionTypeMultiple QuestionType = "multiple"
	QuestionTypeOrder    QuestionType = "order"
	QuestionTypeInput    QuestionType = "input"
)

// Media is an optional attachment shown alongside a question.
type Media struct {
	Type string `json:"type,omitempty"`
	URL  string `json:"url,omitempty"`
}

// QuestionOption is one selectable answer. Correctness is never sent to
// clients while a question is live; it arrives in the answer outcome.
type QuestionOption struct {
	OptionID string `json:"optionId"`
	Text     string `json:"text"`
}

// ActiveQuestion is the question currently on screen.
type ActiveQuestion struct {
	QuestionID      string           `json:"questionId"`
	Text            string           `json:"text"`
	Media           Media            `json:"media"`
	Type            QuestionType     `json:"type"`
	Options         []QuestionOption `json:"options"`
	DurationSeconds int              `json:"durationSeconds"`
}

// ParticipantSnapshot is the server's view of one participant. Scores are
// exclusively server-produced; the client never mutates them locally.
// Score is the delta from the most recent question, TotalScore the running
// total; leaderboard displays need both.
type ParticipantSnapshot struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	AvatarRef     string `json:"avatarRef"`
	Score         int    `json:"score"`
	TotalScore    int    `json:"totalScore"`
	IsHost        bool   `json:"isHost"`
	Connected     bool   `json:"connected"`
}

// QuizMetadata describes the quiz being played, without its content.
type QuizMetadata struct {
	QuizID string `json:"quizId"`
	Title  string `json:"title"`
	Tag    string `json:"tag,omitempty"`
}

// QuizSummary is a lobby-side listing entry for quiz selection.
type QuizSummary struct {
	QuizID        string `json:"quizId"`
	Title         string `json:"title"`
	Tag           string `json:"tag,omitempty"`
	QuestionCount int    `json:"questionCount"`
}

// RoomSnapshot is the wholesale room state pushed by the server. Each push
// replaces the previous snapshot entirely; fields are never merged.
type RoomSnapshot struct {
	RoomCode                string                `json:"roomCode"`
	HostID                  string                `json:"hostId"`
	Started                 bool                  `json:"started"`
	Paused                  bool                  `json:"paused"`
	CurrentQuestionIndex    int                   `json:"currentQuestionIndex"`
	TotalQuestions          int                   `json:"totalQuestions"`
	QuestionDurationSeconds int                   `json:"questionDurationSeconds"`
	QuestionStartedAtMs     int64                 `json:"questionStartedAtEpochMs"`
	Participants            []ParticipantSnapshot `json:"participants"`
	Quiz                    QuizMetadata          `json:"quizMetadata"`
}

// NewQuestionPayload starts a question cycle on every client in lockstep.
type NewQuestionPayload struct {
	Question         ActiveQuestion `json:"question"`
	Index            int            `json:"index"`
	DurationSeconds  int            `json:"durationSeconds"`
	StartedAtEpochMs int64          `json:"startedAtEpochMs"`
}

// AnswerOutcome is the scoring verdict for the local participant's answer.
type AnswerOutcome struct {
	IsCorrect       bool            `json:"isCorrect"`
	ScoreDelta      int             `json:"scoreDelta"`
	CorrectAnswer   []string        `json:"correctAnswer"`
	SubmittedAnswer json.RawMessage `json:"submittedAnswer,omitempty"`
}

// QuestionResult is one participant's result within a question-ended event.
type QuestionResult struct {
	ParticipantID string          `json:"participantId"`
	Answer        json.RawMessage `json:"answer,omitempty"`
	IsCorrect     bool            `json:"isCorrect"`
	ScoreDelta    int             `json:"scoreDelta"`
}

// QuestionEndedPayload closes a question cycle with the per-participant
// results and the revealed correct answer.
type QuestionEndedPayload struct {
	Index         int              `json:"index"`
	CorrectAnswer []string         `json:"correctAnswer"`
	Results       []QuestionResult `json:"results"`
}

// ScoreboardPayload is the transient standings shown between questions.
type ScoreboardPayload struct {
	Participants []ParticipantSnapshot `json:"participants"`
}

// GameEndedPayload carries the final leaderboard.
type GameEndedPayload struct {
	FinalLeaderboard []ParticipantSnapshot `json:"finalLeaderboard"`
}

// ResumedPayload re-anchors the countdown after a pause. RemainingSeconds is
// authoritative; clients must not trust locally accumulated elapsed time.
type ResumedPayload struct {
	RemainingSeconds float64 `json:"remainingSeconds"`
}

// KickedPayload names the participant removed from the room.
type KickedPayload struct {
	TargetID string `json:"targetId"`
}

// QuizListPayload lists quizzes available to host.
type QuizListPayload struct {
	Quizzes []QuizSummary `json:"quizzes"`
}

// ErrorPayload is a server-reported protocol or room error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Outgoing intent payloads.

type CreateRoomPayload struct {
	QuizID      string `json:"quizId"`
	AsPlayer    bool   `json:"asPlayer"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

type JoinRoomPayload struct {
	RoomCode      string `json:"roomCode"`
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	AvatarRef     string `json:"avatarRef,omitempty"`
}

type HostReconnectPayload struct {
	RoomCode      string `json:"roomCode"`
	ParticipantID string `json:"participantId"`
}

type PlayerReconnectPayload struct {
	RoomCode         string `json:"roomCode"`
	OldParticipantID string `json:"oldParticipantId"`
	DisplayName      string `json:"displayName"`
	AvatarRef        string `json:"avatarRef,omitempty"`
}

type StartGamePayload struct {
	RoomCode string `json:"roomCode"`
}

type SubmitAnswerPayload struct {
	RoomCode string          `json:"roomCode"`
	Answer   json.RawMessage `json:"answer"`
}

type NextQuestionPayload struct {
	RoomCode string `json:"roomCode"`
}

type PauseGamePayload struct {
	RoomCode string `json:"roomCode"`
}

type ResumeGamePayload struct {
	RoomCode string `json:"roomCode"`
}

type KickParticipantPayload struct {
	RoomCode    string `json:"roomCode"`
	TargetID    string `json:"targetId"`
	RequesterID string `json:"requesterId"`
}

type LeaveRoomPayload struct {
	RoomCode string `json:"roomCode"`
}

// Acknowledgement payloads.

// CreateRoomAck confirms room creation with the assigned code and host id.
type CreateRoomAck struct {
	RoomCode      string `json:"roomCode"`
	ParticipantID string `json:"participantId"`
}

// JoinRoomAck confirms a join; the server may assign a participant id that
// differs from the one the client proposed.
type JoinRoomAck struct {
	ParticipantID string `json:"participantId"`
}
