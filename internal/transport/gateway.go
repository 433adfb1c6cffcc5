package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quizsync/quizsync/internal/protocol"
)

var (
	// ErrNotConnected is returned when sending without an established connection.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed is returned after the gateway has been shut down for good.
	ErrClosed = errors.New("transport: gateway closed")
	// ErrDisconnected is returned when the connection drops mid-request.
	ErrDisconnected = errors.New("transport: connection lost")
	// ErrSendBufferFull is returned instead of blocking the caller on a slow link.
	ErrSendBufferFull = errors.New("transport: send buffer full")
)

// ServerError is a negative acknowledgement from the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("transport: server rejected request: %s", e.Message)
}

// Handler receives a dispatched event envelope. Handlers for a given
// connection are invoked serially, in arrival order, from the read loop.
type Handler func(protocol.Envelope)

// Config holds the connection settings for the gateway.
type Config struct {
	URL            string
	DialAttempts   int
	DialRetryDelay time.Duration
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	RequestHeader  http.Header
}

// DefaultConfig returns the connection settings used in production. The
// three-attempt dial with a one second delay mirrors the reconnection policy
// the quiz server expects from its clients.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		DialAttempts:   3,
		DialRetryDelay: time.Second,
		ReconnectDelay: time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     64,
	}
}

// Gateway owns the single persistent websocket connection to the quiz server
// and exposes a typed publish/subscribe surface over it. It has no game
// knowledge: envelopes go in, envelopes come out.
//
// Connection-state changes are published as the synthetic events
// protocol.EventConnected, EventDisconnected and EventConnectError through
// the same Subscribe surface as server events, so downstream components can
// react without polling.
type Gateway struct {
	cfg    Config
	clock  clockwork.Clock
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan protocol.Envelope
	connDone  chan struct{}
	connected bool
	closed    bool

	subsMu sync.Mutex
	subs   map[protocol.EventName][]subscription
	nextID int

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Envelope
}

type subscription struct {
	id int
	fn Handler
}

// NewGateway creates a gateway; Connect must be called before sending.
func NewGateway(cfg Config, clock clockwork.Clock) *Gateway {
	return &Gateway{
		cfg:     cfg,
		clock:   clock,
		dialer:  websocket.DefaultDialer,
		subs:    make(map[protocol.EventName][]subscription),
		pending: make(map[string]chan protocol.Envelope),
	}
}

// Connect establishes the connection, retrying up to the configured number of
// dial attempts. It is idempotent: connecting while already connected is a
// no-op. Each failed attempt is surfaced as a connect-error event.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	if g.connected {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= g.cfg.DialAttempts; attempt++ {
		conn, resp, err := g.dialer.DialContext(ctx, g.cfg.URL, g.cfg.RequestHeader)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err == nil {
			return g.adopt(conn)
		}
		lastErr = err

		log.Warn().
			Err(err).
			Str("url", g.cfg.URL).
			Int("attempt", attempt).
			Msg("websocket dial failed")
		g.dispatch(protocol.Envelope{Name: protocol.EventConnectError, Error: err.Error()})

		if attempt < g.cfg.DialAttempts {
			select {
			case <-g.clock.After(g.cfg.DialRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("transport: dial %s after %d attempts: %w", g.cfg.URL, g.cfg.DialAttempts, lastErr)
}

// adopt installs a freshly dialed connection and starts its pumps.
func (g *Gateway) adopt(conn *websocket.Conn) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	if g.connected {
		// Lost the race to a concurrent Connect; keep the existing connection.
		g.mu.Unlock()
		conn.Close()
		return nil
	}
	g.conn = conn
	g.send = make(chan protocol.Envelope, g.cfg.SendBuffer)
	g.connDone = make(chan struct{})
	g.connected = true
	send, connDone := g.send, g.connDone
	g.mu.Unlock()

	log.Info().Str("url", g.cfg.URL).Msg("websocket connected")

	// Dispatch connected before the read pump starts so no server event can
	// be observed ahead of the connection-state change.
	g.dispatch(protocol.Envelope{Name: protocol.EventConnected})

	go g.writePump(conn, send, connDone)
	go g.readPump(conn, connDone)
	return nil
}

// Close tears the connection down for good. No automatic redial follows.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	connDone := g.connDone
	g.mu.Unlock()

	if connDone != nil {
		g.teardown(connDone, false)
	}
	return nil
}

// Send delivers an outgoing intent without waiting for an acknowledgement.
func (g *Gateway) Send(name protocol.EventName, payload any) error {
	env, err := protocol.NewEnvelope(name, payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", name, err)
	}
	return g.enqueue(env)
}

// Request delivers an outgoing intent and waits for a single matching
// acknowledgement. A negative acknowledgement is returned as *ServerError.
func (g *Gateway) Request(ctx context.Context, name protocol.EventName, payload any) (protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(name, payload)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("transport: encode %s: %w", name, err)
	}

	g.mu.Lock()
	connDone := g.connDone
	connected := g.connected
	g.mu.Unlock()
	if !connected {
		return protocol.Envelope{}, ErrNotConnected
	}

	ch := make(chan protocol.Envelope, 1)
	g.pendingMu.Lock()
	g.pending[env.ID] = ch
	g.pendingMu.Unlock()

	if err := g.enqueue(env); err != nil {
		g.forgetPending(env.ID)
		return protocol.Envelope{}, err
	}

	select {
	case ack := <-ch:
		if ack.Error != "" {
			return ack, &ServerError{Message: ack.Error}
		}
		return ack, nil
	case <-ctx.Done():
		g.forgetPending(env.ID)
		return protocol.Envelope{}, ctx.Err()
	case <-connDone:
		g.forgetPending(env.ID)
		return protocol.Envelope{}, ErrDisconnected
	}
}

// Subscribe registers a handler for an event name and returns its
// unsubscribe function. Multiple handlers per event run in registration order.
func (g *Gateway) Subscribe(name protocol.EventName, fn Handler) func() {
	g.subsMu.Lock()
	g.nextID++
	id := g.nextID
	g.subs[name] = append(g.subs[name], subscription{id: id, fn: fn})
	g.subsMu.Unlock()

	return func() {
		g.subsMu.Lock()
		defer g.subsMu.Unlock()
		list := g.subs[name]
		for i, sub := range list {
			if sub.id == id {
				g.subs[name] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// Connected reports whether a connection is currently established.
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *Gateway) enqueue(env protocol.Envelope) error {
	g.mu.Lock()
	send := g.send
	connected := g.connected
	g.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	select {
	case send <- env:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (g *Gateway) readPump(conn *websocket.Conn, connDone chan struct{}) {
	defer g.teardown(connDone, true)

	conn.SetReadLimit(g.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
	})

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))

		if env.AckFor != "" {
			g.resolveAck(env)
			continue
		}
		g.dispatch(env)
	}
}

func (g *Gateway) writePump(conn *websocket.Conn, send chan protocol.Envelope, connDone chan struct{}) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-send:
			conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				log.Warn().Err(err).Str("event", string(env.Name)).Msg("websocket write failed")
				g.teardown(connDone, true)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				g.teardown(connDone, true)
				return
			}
		case <-connDone:
			conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// teardown closes the current connection exactly once. The connDone identity
// check makes late teardown calls from an already-replaced connection no-ops.
func (g *Gateway) teardown(connDone chan struct{}, redial bool) {
	g.mu.Lock()
	if g.connDone != connDone {
		g.mu.Unlock()
		return
	}
	conn := g.conn
	g.conn = nil
	g.connDone = nil
	g.connected = false
	closed := g.closed
	close(connDone)
	g.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	log.Info().Bool("redial", redial && !closed).Msg("websocket disconnected")
	g.dispatch(protocol.Envelope{Name: protocol.EventDisconnected})

	if redial && !closed {
		go g.redial()
	}
}

// redial re-establishes the connection after an unexpected drop, waiting out
// the configured delay first. Connect applies the bounded dial-attempt policy;
// if it gives up, the gateway stays down until the next explicit Connect.
func (g *Gateway) redial() {
	<-g.clock.After(g.cfg.ReconnectDelay)

	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return
	}

	if err := g.Connect(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
		log.Error().Err(err).Msg("websocket redial gave up")
	}
}

func (g *Gateway) resolveAck(env protocol.Envelope) {
	g.pendingMu.Lock()
	ch, ok := g.pending[env.AckFor]
	delete(g.pending, env.AckFor)
	g.pendingMu.Unlock()

	if !ok {
		log.Debug().Str("ack_for", env.AckFor).Msg("acknowledgement without a waiter")
		return
	}
	ch <- env
}

func (g *Gateway) forgetPending(id string) {
	g.pendingMu.Lock()
	delete(g.pending, id)
	g.pendingMu.Unlock()
}

func (g *Gateway) dispatch(env protocol.Envelope) {
	g.subsMu.Lock()
	list := g.subs[env.Name]
	handlers := make([]Handler, len(list))
	for i, sub := range list {
		handlers[i] = sub.fn
	}
	g.subsMu.Unlock()

	for _, fn := range handlers {
		fn(env)
	}
}
