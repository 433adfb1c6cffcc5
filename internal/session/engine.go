package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quizsync/quizsync/internal/answer"
	"github.com/quizsync/quizsync/internal/countdown"
	"github.com/quizsync/quizsync/internal/identity"
	"github.com/quizsync/quizsync/internal/protocol"
	"github.com/quizsync/quizsync/internal/transport"
)

// ErrNotHost is returned when a non-host calls a host-only intent.
var ErrNotHost = errors.New("session: only the host can do this")

// ErrNoRoom is returned when an intent requires room membership.
var ErrNoRoom = errors.New("session: not in a room")

// Transport is what the engine needs from the gateway.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Send(name protocol.EventName, payload any) error
	Request(ctx context.Context, name protocol.EventName, payload any) (protocol.Envelope, error)
	Subscribe(name protocol.EventName, fn transport.Handler) func()
}

// Navigator returns the user to a neutral screen after terminal errors.
type Navigator interface {
	GoHome()
}

// Options tunes engine behavior and wires UI callbacks.
type Options struct {
	Navigator Navigator
	// OnError receives user-visible error notifications. Errors are never
	// silently swallowed; if nil they are still logged.
	OnError func(message string)
	// OnTimeout fires once per question when local time runs out.
	OnTimeout func()
	// ScoreboardTTL is how long the transient scoreboard stays visible.
	ScoreboardTTL time.Duration
	// RequestTimeout bounds acknowledged intents (create/join).
	RequestTimeout time.Duration
}

const (
	defaultScoreboardTTL  = 5 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

// cycleKey identifies one question cycle; a snapshot carrying the same index
// and start timestamp must not re-arm the countdown's one-shot guard.
type cycleKey struct {
	index     int
	startedAt int64
}

// Engine owns the session state machine and glues the transport, identity
// store, countdown reconciler and answer gate together. Incoming events flow
// from the transport through the reducer and into the countdown; outgoing
// intents flow through the intent methods back to the transport. The UI layer
// only reads derived state and calls intents.
type Engine struct {
	tx    Transport
	ids   *identity.Store
	clock clockwork.Clock
	state *State
	cd    *countdown.Reconciler
	gate  *answer.Gate

	nav            Navigator
	onError        func(string)
	onTimeout      func()
	scoreboardTTL  time.Duration
	requestTimeout time.Duration

	mu              sync.Mutex
	id              identity.Identity
	lastCycle       cycleKey
	scoreboardTimer clockwork.Timer
	connUnsubs      []func()
	roomUnsubs      []func()
	roomSubscribed  bool
	closed          bool
}

// NewEngine builds an engine. The identity store is read immediately so a
// reloaded process starts with its persisted identity.
func NewEngine(tx Transport, ids *identity.Store, clock clockwork.Clock, opts Options) *Engine {
	if opts.ScoreboardTTL <= 0 {
		opts.ScoreboardTTL = defaultScoreboardTTL
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	e := &Engine{
		tx:             tx,
		ids:            ids,
		clock:          clock,
		state:          NewState(clock),
		nav:            opts.Navigator,
		onError:        opts.OnError,
		onTimeout:      opts.OnTimeout,
		scoreboardTTL:  opts.ScoreboardTTL,
		requestTimeout: opts.RequestTimeout,
	}
	e.cd = countdown.New(clock, 0, e.handleTimeout)
	e.gate = answer.NewGate(e.state, tx)
	e.setIdentity(ids.Load())
	return e
}

// Start registers all event handlers. Call before Transport.Connect so the
// first connected event is observed.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.connUnsubs = append(e.connUnsubs,
		e.tx.Subscribe(protocol.EventConnected, func(protocol.Envelope) { e.state.SetConnected(true) }),
		e.tx.Subscribe(protocol.EventDisconnected, func(protocol.Envelope) { e.state.SetConnected(false) }),
	)
	e.subscribeRoomEventsLocked()
}

// Close cancels all timers and unsubscribes every handler. The persisted
// identity is left intact so the next process can rejoin.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.stopScoreboardTimerLocked()
	unsubs := append(e.connUnsubs, e.roomUnsubs...)
	e.connUnsubs = nil
	e.roomUnsubs = nil
	e.roomSubscribed = false
	e.mu.Unlock()

	e.cd.Stop()
	for _, unsub := range unsubs {
		unsub()
	}
}

// State exposes the read surface for the UI layer.
func (e *Engine) State() *State { return e.state }

// Remaining returns the countdown's current remaining seconds.
func (e *Engine) Remaining() float64 { return e.cd.Remaining() }

// Answered reports whether input is disabled for the current question.
func (e *Engine) Answered() bool { return e.gate.Answered() }

// Identity returns the current identity tuple.
func (e *Engine) Identity() identity.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id
}

// RunCountdown drives the UI tick loop until ctx is cancelled.
func (e *Engine) RunCountdown(ctx context.Context, onTick func(remaining float64)) {
	e.cd.Run(ctx, onTick)
}

// --- outgoing intents -----------------------------------------------------

// CreateRoom asks the server for a new room. On success the identity is
// persisted with role host; asPlayer additionally enrolls the host as a
// playing participant.
func (e *Engine) CreateRoom(ctx context.Context, quizID string, asPlayer bool, displayName, avatarRef string) (identity.Identity, error) {
	e.mu.Lock()
	e.subscribeRoomEventsLocked()
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	ack, err := e.tx.Request(ctx, protocol.IntentCreateRoom, protocol.CreateRoomPayload{
		QuizID:      quizID,
		AsPlayer:    asPlayer,
		DisplayName: displayName,
		AvatarRef:   avatarRef,
	})
	if err != nil {
		return identity.Identity{}, err
	}

	var body protocol.CreateRoomAck
	if err := json.Unmarshal(ack.Payload, &body); err != nil {
		return identity.Identity{}, errors.New("session: malformed create-room acknowledgement")
	}

	id := identity.Identity{
		RoomCode:       body.RoomCode,
		ParticipantID:  body.ParticipantID,
		Role:           identity.RoleHost,
		JoinedAsPlayer: asPlayer,
		DisplayName:    displayName,
		AvatarRef:      avatarRef,
	}
	if err := e.ids.Save(id); err != nil {
		log.Warn().Err(err).Msg("failed to persist identity after create")
	}
	e.setIdentity(id)
	log.Info().Str("room_code", id.RoomCode).Bool("as_player", asPlayer).Msg("room created")
	return id, nil
}

// JoinRoom enrolls as a player in an existing room. The client proposes a
// participant id; the server may override it in the acknowledgement.
func (e *Engine) JoinRoom(ctx context.Context, roomCode, displayName, avatarRef string) (identity.Identity, error) {
	e.mu.Lock()
	e.subscribeRoomEventsLocked()
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	participantID := uuid.New().String()
	ack, err := e.tx.Request(ctx, protocol.IntentJoinRoom, protocol.JoinRoomPayload{
		RoomCode:      roomCode,
		ParticipantID: participantID,
		DisplayName:   displayName,
		AvatarRef:     avatarRef,
	})
	if err != nil {
		return identity.Identity{}, err
	}

	var body protocol.JoinRoomAck
	if err := json.Unmarshal(ack.Payload, &body); err == nil && body.ParticipantID != "" {
		participantID = body.ParticipantID
	}

	id := identity.Identity{
		RoomCode:       roomCode,
		ParticipantID:  participantID,
		Role:           identity.RolePlayer,
		JoinedAsPlayer: true,
		DisplayName:    displayName,
		AvatarRef:      avatarRef,
	}
	if err := e.ids.Save(id); err != nil {
		log.Warn().Err(err).Msg("failed to persist identity after join")
	}
	e.setIdentity(id)
	log.Info().Str("room_code", roomCode).Str("participant_id", participantID).Msg("joined room")
	return id, nil
}

// StartGame begins the quiz. Host only.
func (e *Engine) StartGame() error {
	return e.hostIntent(protocol.IntentStartGame, func(roomCode string) any {
		return protocol.StartGamePayload{RoomCode: roomCode}
	})
}

// NextQuestion advances the quiz. Host only.
func (e *Engine) NextQuestion() error {
	return e.hostIntent(protocol.IntentNextQuestion, func(roomCode string) any {
		return protocol.NextQuestionPayload{RoomCode: roomCode}
	})
}

// PauseGame pauses the quiz. Host only.
func (e *Engine) PauseGame() error {
	return e.hostIntent(protocol.IntentPauseGame, func(roomCode string) any {
		return protocol.PauseGamePayload{RoomCode: roomCode}
	})
}

// ResumeGame resumes the quiz. Host only.
func (e *Engine) ResumeGame() error {
	return e.hostIntent(protocol.IntentResumeGame, func(roomCode string) any {
		return protocol.ResumeGamePayload{RoomCode: roomCode}
	})
}

// KickParticipant removes a participant. Host only.
func (e *Engine) KickParticipant(targetID string) error {
	id := e.Identity()
	return e.hostIntent(protocol.IntentKickParticipant, func(roomCode string) any {
		return protocol.KickParticipantPayload{
			RoomCode:    roomCode,
			TargetID:    targetID,
			RequesterID: id.ParticipantID,
		}
	})
}

// SubmitAnswer routes through the answer gate's at-most-once policy.
func (e *Engine) SubmitAnswer(answerBody json.RawMessage) error {
	return e.gate.Submit(answerBody)
}

// LeaveRoom tells the server goodbye, then tears the local session down:
// timers cancelled and handlers parked before the identity is cleared, so a
// late event cannot resurrect cleared state.
func (e *Engine) LeaveRoom() error {
	roomCode := e.state.RoomCode()
	if roomCode == "" {
		return ErrNoRoom
	}
	if err := e.tx.Send(protocol.IntentLeaveRoom, protocol.LeaveRoomPayload{RoomCode: roomCode}); err != nil {
		log.Warn().Err(err).Msg("leave-room intent not delivered")
	}
	e.abandonRoom(false)
	log.Info().Str("room_code", roomCode).Msg("left room")
	return nil
}

func (e *Engine) hostIntent(name protocol.EventName, build func(roomCode string) any) error {
	id := e.Identity()
	if id.Role != identity.RoleHost {
		return ErrNotHost
	}
	roomCode := e.state.RoomCode()
	if roomCode == "" {
		roomCode = id.RoomCode
	}
	if roomCode == "" {
		return ErrNoRoom
	}
	return e.tx.Send(name, build(roomCode))
}

// --- incoming events ------------------------------------------------------

func (e *Engine) subscribeRoomEventsLocked() {
	if e.roomSubscribed || e.closed {
		return
	}
	e.roomSubscribed = true
	sub := func(name protocol.EventName, fn func(protocol.Envelope)) {
		e.roomUnsubs = append(e.roomUnsubs, e.tx.Subscribe(name, fn))
	}
	sub(protocol.EventRoomSnapshot, e.handleRoomSnapshot)
	sub(protocol.EventGameStarted, e.handleGameStarted)
	sub(protocol.EventNewQuestion, e.handleNewQuestion)
	sub(protocol.EventAnswerOutcome, e.handleAnswerOutcome)
	sub(protocol.EventQuestionEnded, e.handleQuestionEnded)
	sub(protocol.EventScoreboard, e.handleScoreboard)
	sub(protocol.EventGameEnded, e.handleGameEnded)
	sub(protocol.EventPaused, e.handlePaused)
	sub(protocol.EventResumed, e.handleResumed)
	sub(protocol.EventKicked, e.handleKicked)
	sub(protocol.EventQuizList, e.handleQuizList)
	sub(protocol.EventError, e.handleServerError)
}

func decode[T any](env protocol.Envelope) (T, bool) {
	var payload T
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		log.Warn().Err(err).Str("event", string(env.Name)).Msg("dropping malformed event payload")
		return payload, false
	}
	return payload, true
}

func (e *Engine) handleRoomSnapshot(env protocol.Envelope) {
	room, ok := decode[protocol.RoomSnapshot](env)
	if !ok {
		return
	}
	e.state.ApplyRoomSnapshot(room)
	e.reconcileCountdown(room)
}

func (e *Engine) handleGameStarted(env protocol.Envelope) {
	room, ok := decode[protocol.RoomSnapshot](env)
	if !ok {
		return
	}
	e.state.ApplyGameStarted(room)
	room.Started = true
	e.reconcileCountdown(room)
}

func (e *Engine) handleNewQuestion(env protocol.Envelope) {
	p, ok := decode[protocol.NewQuestionPayload](env)
	if !ok {
		return
	}
	e.state.ApplyNewQuestion(p)

	e.mu.Lock()
	e.lastCycle = cycleKey{index: p.Index, startedAt: p.StartedAtEpochMs}
	e.mu.Unlock()
	e.cd.Reset(p.StartedAtEpochMs, p.DurationSeconds)
}

func (e *Engine) handleAnswerOutcome(env protocol.Envelope) {
	if o, ok := decode[protocol.AnswerOutcome](env); ok {
		e.state.ApplyAnswerOutcome(o)
	}
}

func (e *Engine) handleQuestionEnded(env protocol.Envelope) {
	if p, ok := decode[protocol.QuestionEndedPayload](env); ok {
		e.state.ApplyQuestionEnded(p)
	}
}

func (e *Engine) handleScoreboard(env protocol.Envelope) {
	p, ok := decode[protocol.ScoreboardPayload](env)
	if !ok {
		return
	}
	e.state.ApplyScoreboard(p)

	// Visibility auto-clears after a fixed delay, independent of further
	// events. A newer scoreboard replaces the pending timer.
	e.mu.Lock()
	e.stopScoreboardTimerLocked()
	e.scoreboardTimer = e.clock.AfterFunc(e.scoreboardTTL, e.state.HideScoreboard)
	e.mu.Unlock()
}

func (e *Engine) handleGameEnded(env protocol.Envelope) {
	p, ok := decode[protocol.GameEndedPayload](env)
	if !ok {
		return
	}
	e.state.ApplyGameEnded(p)
	e.cd.Stop()
}

func (e *Engine) handlePaused(protocol.Envelope) {
	e.state.ApplyPaused()
	e.cd.SetPaused(true)
}

func (e *Engine) handleResumed(env protocol.Envelope) {
	p, ok := decode[protocol.ResumedPayload](env)
	if !ok {
		return
	}
	startedAtMs := e.state.ApplyResumed(p.RemainingSeconds)
	e.cd.Sync(startedAtMs)
	e.cd.SetPaused(false)

	e.mu.Lock()
	e.lastCycle.startedAt = startedAtMs
	e.mu.Unlock()
}

func (e *Engine) handleKicked(env protocol.Envelope) {
	p, ok := decode[protocol.KickedPayload](env)
	if !ok {
		return
	}
	local := e.Identity()
	if local.ParticipantID == "" || p.TargetID != local.ParticipantID {
		return
	}
	log.Warn().Str("participant_id", local.ParticipantID).Msg("kicked from room")
	e.notify("You have been removed from the room")
	e.abandonRoom(true)
}

func (e *Engine) handleQuizList(env protocol.Envelope) {
	if p, ok := decode[protocol.QuizListPayload](env); ok {
		e.state.ApplyQuizList(p)
	}
}

// handleServerError treats every server error event as terminal for the
// current identity: notify, cancel timers, clear state and identity, and
// return to a neutral screen. Room-not-found after a rejoin burst lands here.
func (e *Engine) handleServerError(env protocol.Envelope) {
	message := env.Error
	if p, ok := decode[protocol.ErrorPayload](env); ok && p.Message != "" {
		message = p.Message
	}
	log.Error().Str("message", message).Msg("server error")
	e.notify(message)
	e.abandonRoom(true)
}

// --- internals ------------------------------------------------------------

func (e *Engine) handleTimeout() {
	// A stale callback can race a new-question reset; the fresh cycle has
	// time left, so it must not be locked.
	if e.cd.Remaining() > 0 {
		return
	}
	// No fabricated answer: the gate only disables input, and the missing
	// submission is what the server scores as a miss.
	e.gate.MarkTimedOut()
	if e.onTimeout != nil {
		e.onTimeout()
	}
}

// reconcileCountdown re-anchors the countdown from a snapshot. The cycle key
// ensures a replayed snapshot for the same question cannot re-arm the
// one-shot timeout guard.
func (e *Engine) reconcileCountdown(room protocol.RoomSnapshot) {
	playing := room.Started && room.CurrentQuestionIndex < room.TotalQuestions
	if !playing || room.QuestionStartedAtMs <= 0 || room.QuestionDurationSeconds <= 0 {
		if DerivePhase(room) == PhaseResult {
			e.cd.Stop()
		}
		return
	}

	key := cycleKey{index: room.CurrentQuestionIndex, startedAt: room.QuestionStartedAtMs}
	e.mu.Lock()
	isNewCycle := key != e.lastCycle
	if isNewCycle {
		e.lastCycle = key
	}
	e.mu.Unlock()

	if isNewCycle {
		e.cd.Reset(room.QuestionStartedAtMs, room.QuestionDurationSeconds)
	}
	e.cd.SetPaused(room.Paused)
}

func (e *Engine) setIdentity(id identity.Identity) {
	e.mu.Lock()
	e.id = id
	e.mu.Unlock()
	e.gate.SetPlaying(id.Role == identity.RolePlayer || id.JoinedAsPlayer)
}

// abandonRoom tears the local session down in the order the concurrency
// model requires: timers and event handlers first, then state, then identity,
// so a late-arriving event cannot resurrect cleared state. Room handlers are
// re-registered by the next create or join.
func (e *Engine) abandonRoom(goHome bool) {
	e.cd.Stop()
	e.mu.Lock()
	e.stopScoreboardTimerLocked()
	e.lastCycle = cycleKey{}
	unsubs := e.roomUnsubs
	e.roomUnsubs = nil
	e.roomSubscribed = false
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	e.state.Clear()
	if err := e.ids.Clear(); err != nil {
		log.Warn().Err(err).Msg("failed to clear identity")
	}
	e.setIdentity(identity.Identity{})

	if goHome && e.nav != nil {
		e.nav.GoHome()
	}
}

func (e *Engine) stopScoreboardTimerLocked() {
	if e.scoreboardTimer != nil {
		e.scoreboardTimer.Stop()
		e.scoreboardTimer = nil
	}
}

func (e *Engine) notify(message string) {
	if e.onError != nil {
		e.onError(message)
	}
}
