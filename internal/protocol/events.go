package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EventName identifies an event on the wire.
type EventName string

// Incoming events pushed by the quiz server.
const (
	EventRoomSnapshot  EventName = "room-snapshot"
	EventGameStarted   EventName = "game-started"
	EventNewQuestion   EventName = "new-question"
	EventAnswerOutcome EventName = "answer-outcome"
	EventQuestionEnded EventName = "question-ended"
	EventScoreboard    EventName = "scoreboard"
	EventGameEnded     EventName = "game-ended"
	EventPaused        EventName = "paused"
	EventResumed       EventName = "resumed"
	EventKicked        EventName = "kicked"
	EventQuizList      EventName = "quiz-list"
	EventError         EventName = "error"
)

// Outgoing intents sent by the client.
const (
	IntentCreateRoom      EventName = "create-room"
	IntentJoinRoom        EventName = "join-room"
	IntentHostReconnect   EventName = "host-reconnect"
	IntentPlayerReconnect EventName = "player-reconnect"
	IntentStartGame       EventName = "start-game"
	IntentSubmitAnswer    EventName = "submit-answer"
	IntentNextQuestion    EventName = "next-question"
	IntentPauseGame       EventName = "pause-game"
	IntentResumeGame      EventName = "resume-game"
	IntentKickParticipant EventName = "kick-participant"
	IntentLeaveRoom       EventName = "leave-room"
)

// Synthetic events published locally by the transport gateway so that
// downstream components can observe connection-state changes through the
// same subscription surface as server events. They never appear on the wire.
const (
	EventConnected    EventName = "connected"
	EventDisconnected EventName = "disconnected"
	EventConnectError EventName = "connect-error"
)

// Envelope is the frame exchanged over the websocket. Payload is left raw so
// the transport stays game-agnostic; consumers unmarshal the payload for the
// event names they care about.
//
// AckFor carries the id of the envelope being acknowledged; Error is set on
// negative acknowledgements and on server error events.
type Envelope struct {
	ID      string          `json:"id"`
	Name    EventName       `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AckFor  string          `json:"ackFor,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewEnvelope builds an outgoing envelope with a fresh correlation id.
func NewEnvelope(name EventName, payload any) (Envelope, error) {
	env := Envelope{
		ID:   uuid.New().String(),
		Name: name,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = data
	}
	return env, nil
}

// Ack builds a positive acknowledgement for the given envelope.
func (e Envelope) Ack(payload any) (Envelope, error) {
	ack, err := NewEnvelope(e.Name, payload)
	if err != nil {
		return Envelope{}, err
	}
	ack.AckFor = e.ID
	return ack, nil
}

// Nack builds a negative acknowledgement carrying an error message.
func (e Envelope) Nack(message string) Envelope {
	return Envelope{
		ID:     uuid.New().String(),
		Name:   e.Name,
		AckFor: e.ID,
		Error:  message,
	}
}
