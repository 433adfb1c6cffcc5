package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quizsync/quizsync/internal/identity"
	"github.com/quizsync/quizsync/internal/protocol"
	"github.com/quizsync/quizsync/internal/transport"
)

// Transport is what the manager needs from the gateway.
type Transport interface {
	Request(ctx context.Context, name protocol.EventName, payload any) (protocol.Envelope, error)
	Subscribe(name protocol.EventName, fn transport.Handler) func()
}

// IdentityStore is the durable identity surface the manager consumes.
type IdentityStore interface {
	Load() identity.Identity
	Clear() error
}

// RouteProvider reports which room, if any, the embedding application is
// currently presenting. An empty string means no room route is active.
type RouteProvider interface {
	CurrentRoomCode() string
}

// Navigator is invoked when the current identity turns out to be terminal
// and the user must be returned to a neutral screen.
type Navigator interface {
	GoHome()
}

// Config tunes the manager's timing.
type Config struct {
	// SettleDelay is the fixed pause after a connected event before the
	// rejoin intent is dispatched, letting the transport settle.
	SettleDelay time.Duration
	// RequestTimeout bounds the rejoin acknowledgement wait.
	RequestTimeout time.Duration
}

// DefaultConfig mirrors the delays the quiz server's web client uses.
func DefaultConfig() Config {
	return Config{
		SettleDelay:    time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Manager decides, at most once per physical connection, whether and how to
// rejoin an existing room. It is a two-state machine: Idle and
// AttemptedThisConnection. A disconnect moves it back to Idle so the next
// connection gets exactly one fresh attempt, never more, which is what
// prevents join storms on flaky links.
type Manager struct {
	tx    Transport
	ids   IdentityStore
	route RouteProvider
	nav   Navigator
	clock clockwork.Clock
	cfg   Config

	mu        sync.Mutex
	attempted bool
	timer     clockwork.Timer
	closed    bool
	unsubs    []func()
}

// NewManager wires a manager; Start must be called before the gateway
// connects so no connected event is missed.
func NewManager(tx Transport, ids IdentityStore, route RouteProvider, nav Navigator, clock clockwork.Clock, cfg Config) *Manager {
	return &Manager{
		tx:    tx,
		ids:   ids,
		route: route,
		nav:   nav,
		clock: clock,
		cfg:   cfg,
	}
}

// Start subscribes to connection-state events.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubs = append(m.unsubs,
		m.tx.Subscribe(protocol.EventConnected, func(protocol.Envelope) { m.onConnected() }),
		m.tx.Subscribe(protocol.EventDisconnected, func(protocol.Envelope) { m.onDisconnected() }),
	)
}

// Close cancels any pending attempt and unsubscribes.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (m *Manager) onConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.attempted {
		log.Debug().Msg("rejoin already attempted for this connection, skipping")
		return
	}

	routeCode := m.route.CurrentRoomCode()
	stored := m.ids.Load()

	if routeCode == "" {
		// Not on a room route: any stored identity is stale.
		if !stored.IsZero() {
			log.Info().Str("room_code", stored.RoomCode).Msg("no active room route, clearing stale identity")
			if err := m.ids.Clear(); err != nil {
				log.Warn().Err(err).Msg("failed to clear stale identity")
			}
		}
		return
	}
	if stored.IsZero() {
		return
	}
	if stored.RoomCode != routeCode {
		// Stored identity belongs to a different room than the route implies:
		// stale data, cleared before any reconnection attempt.
		log.Info().
			Str("stored_room", stored.RoomCode).
			Str("route_room", routeCode).
			Msg("room code mismatch, clearing stale identity")
		if err := m.ids.Clear(); err != nil {
			log.Warn().Err(err).Msg("failed to clear stale identity")
		}
		return
	}

	m.attempted = true
	m.timer = m.clock.AfterFunc(m.cfg.SettleDelay, func() { m.attempt(stored) })
	log.Debug().
		Str("room_code", stored.RoomCode).
		Dur("settle_delay", m.cfg.SettleDelay).
		Msg("rejoin scheduled")
}

func (m *Manager) onDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempted = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// attempt dispatches exactly one rejoin intent, selected by role: a host who
// did not join as a player reconnects as host; everyone else rejoins as a
// player carrying display name and avatar.
func (m *Manager) attempt(stored identity.Identity) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()

	var (
		name    protocol.EventName
		payload any
	)
	if stored.Role == identity.RoleHost && !stored.JoinedAsPlayer {
		name = protocol.IntentHostReconnect
		payload = protocol.HostReconnectPayload{
			RoomCode:      stored.RoomCode,
			ParticipantID: stored.ParticipantID,
		}
	} else {
		name = protocol.IntentPlayerReconnect
		payload = protocol.PlayerReconnectPayload{
			RoomCode:         stored.RoomCode,
			OldParticipantID: stored.ParticipantID,
			DisplayName:      stored.DisplayName,
			AvatarRef:        stored.AvatarRef,
		}
	}

	log.Info().
		Str("intent", string(name)).
		Str("room_code", stored.RoomCode).
		Str("participant_id", stored.ParticipantID).
		Msg("attempting rejoin")

	_, err := m.tx.Request(ctx, name, payload)
	if err == nil {
		log.Info().Str("room_code", stored.RoomCode).Msg("rejoin acknowledged")
		return
	}

	var serverErr *transport.ServerError
	if errors.As(err, &serverErr) {
		// The room is gone or the identity was rejected: terminal for this
		// identity. Clear it and send the user home.
		log.Warn().Str("reason", serverErr.Message).Msg("rejoin rejected, clearing identity")
		if clearErr := m.ids.Clear(); clearErr != nil {
			log.Warn().Err(clearErr).Msg("failed to clear identity after rejected rejoin")
		}
		m.nav.GoHome()
		return
	}

	// Transient failure (drop or timeout). The attempted flag stays set for
	// this connection; the next connected event gets a fresh attempt.
	log.Warn().Err(err).Msg("rejoin attempt failed")
}
