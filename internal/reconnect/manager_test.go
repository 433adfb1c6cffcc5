package reconnect_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/quizsync/quizsync/internal/identity"
	"github.com/quizsync/quizsync/internal/protocol"
	"github.com/quizsync/quizsync/internal/reconnect"
	"github.com/quizsync/quizsync/internal/transport"
)

type sentIntent struct {
	name    protocol.EventName
	payload any
}

// fakeTransport records rejoin requests and lets tests emit connection events.
type fakeTransport struct {
	mu         sync.Mutex
	requests   []sentIntent
	requestErr error
	subs       map[protocol.EventName][]transport.Handler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[protocol.EventName][]transport.Handler)}
}

func (f *fakeTransport) Request(_ context.Context, name protocol.EventName, payload any) (protocol.Envelope, error) {
	f.mu.Lock()
	f.requests = append(f.requests, sentIntent{name: name, payload: payload})
	err := f.requestErr
	f.mu.Unlock()
	return protocol.Envelope{}, err
}

func (f *fakeTransport) Subscribe(name protocol.EventName, fn transport.Handler) func() {
	f.mu.Lock()
	f.subs[name] = append(f.subs[name], fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeTransport) emit(name protocol.EventName) {
	f.mu.Lock()
	handlers := append([]transport.Handler(nil), f.subs[name]...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(protocol.Envelope{Name: name})
	}
}

func (f *fakeTransport) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeTransport) lastRequest() (sentIntent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return sentIntent{}, false
	}
	return f.requests[len(f.requests)-1], true
}

type memoryIdentity struct {
	mu     sync.Mutex
	id     identity.Identity
	clears int
}

func (m *memoryIdentity) Load() identity.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

func (m *memoryIdentity) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = identity.Identity{}
	m.clears++
	return nil
}

func (m *memoryIdentity) clearCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

type staticRoute struct{ code string }

func (r staticRoute) CurrentRoomCode() string { return r.code }

type homeCounter struct {
	mu    sync.Mutex
	homes int
}

func (h *homeCounter) GoHome() {
	h.mu.Lock()
	h.homes++
	h.mu.Unlock()
}

func (h *homeCounter) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.homes
}

func testCfg() reconnect.Config {
	return reconnect.Config{SettleDelay: time.Second, RequestTimeout: 5 * time.Second}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func hostIdentity() identity.Identity {
	return identity.Identity{
		RoomCode:      "111111",
		ParticipantID: "p-1",
		Role:          identity.RoleHost,
		DisplayName:   "Alice",
	}
}

func TestAtMostOneRejoinPerConnection(t *testing.T) {
	tx := newFakeTransport()
	ids := &memoryIdentity{id: hostIdentity()}
	clock := clockwork.NewFakeClock()
	nav := &homeCounter{}

	m := reconnect.NewManager(tx, ids, staticRoute{code: "111111"}, nav, clock, testCfg())
	m.Start()
	defer m.Close()

	// Two connected events with no intervening disconnect: one attempt.
	tx.emit(protocol.EventConnected)
	tx.emit(protocol.EventConnected)

	clock.Advance(time.Second)
	waitUntil(t, func() bool { return tx.requestCount() == 1 }, "rejoin intent never sent")

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if got := tx.requestCount(); got != 1 {
		t.Fatalf("expected exactly 1 rejoin intent, got %d", got)
	}
}

func TestDisconnectResetsForNextConnection(t *testing.T) {
	tx := newFakeTransport()
	ids := &memoryIdentity{id: hostIdentity()}
	clock := clockwork.NewFakeClock()

	m := reconnect.NewManager(tx, ids, staticRoute{code: "111111"}, &homeCounter{}, clock, testCfg())
	m.Start()
	defer m.Close()

	tx.emit(protocol.EventConnected)
	clock.Advance(time.Second)
	waitUntil(t, func() bool { return tx.requestCount() == 1 }, "first rejoin never sent")

	tx.emit(protocol.EventDisconnected)
	tx.emit(protocol.EventConnected)
	clock.Advance(time.Second)
	waitUntil(t, func() bool { return tx.requestCount() == 2 }, "second rejoin never sent")
}

func TestDisconnectCancelsPendingAttempt(t *testing.T) {
	tx := newFakeTransport()
	ids := &memoryIdentity{id: hostIdentity()}
	clock := clockwork.NewFakeClock()

	m := reconnect.NewManager(tx, ids, staticRoute{code: "111111"}, &homeCounter{}, clock, testCfg())
	m.Start()
	defer m.Close()

	tx.emit(protocol.EventConnected)
	// Drop before the settle delay elapses: the scheduled attempt must die.
	tx.emit(protocol.EventDisconnected)

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if got := tx.requestCount(); got != 0 {
		t.Fatalf("expected no rejoin after cancelled settle timer, got %d", got)
	}
}

func TestRouteMismatchClearsIdentityWithoutAttempt(t *testing.T) {
	tx := newFakeTransport()
	ids := &memoryIdentity{id: hostIdentity()} // stored room "111111"
	clock := clockwork.NewFakeClock()

	m := reconnect.NewManager(tx, ids, staticRoute{code: "222222"}, &homeCounter{}, clock, testCfg())
	m.Start()
	defer m.Close()

	tx.emit(protocol.EventConnected)
	if got := ids.clearCount(); got != 1 {
		t.Fatalf("expected identity cleared before any attempt, got %d clears", got)
	}

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if got := tx.requestCount(); got != 0 {
		t.Fatalf("expected no rejoin intent after mismatch, got %d", got)
	}
}

func TestNoRoomRouteClearsStaleIdentity(t *testing.T) {
	tx := newFakeTransport()
	ids := &memoryIdentity{id: hostIdentity()}
	clock := clockwork.NewFakeClock()

	m := reconnect.NewManager(tx, ids, staticRoute{code: ""}, &homeCounter{}, clock, testCfg())
	m.Start()
	defer m.Close()

	tx.emit(protocol.EventConnected)
	if got := ids.clearCount(); got != 1 {
		t.Fatalf("expected stale identity cleared, got %d clears", got)
	}
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if tx.requestCount() != 0 {
		t.Fatal("expected no rejoin intent without a room route")
	}
}

func TestRejoinIntentSelection(t *testing.T) {
	cases := []struct {
		name       string
		role       identity.Role
		asPlayer   bool
		wantIntent protocol.EventName
	}{
		{"host", identity.RoleHost, false, protocol.IntentHostReconnect},
		{"host playing", identity.RoleHost, true, protocol.IntentPlayerReconnect},
		{"player", identity.RolePlayer, true, protocol.IntentPlayerReconnect},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := newFakeTransport()
			ids := &memoryIdentity{id: identity.Identity{
				RoomCode:       "111111",
				ParticipantID:  "p-1",
				Role:           tc.role,
				JoinedAsPlayer: tc.asPlayer,
				DisplayName:    "Alice",
				AvatarRef:      "fox",
			}}
			clock := clockwork.NewFakeClock()

			m := reconnect.NewManager(tx, ids, staticRoute{code: "111111"}, &homeCounter{}, clock, testCfg())
			m.Start()
			defer m.Close()

			tx.emit(protocol.EventConnected)
			clock.Advance(time.Second)
			waitUntil(t, func() bool { return tx.requestCount() == 1 }, "rejoin never sent")

			sent, _ := tx.lastRequest()
			if sent.name != tc.wantIntent {
				t.Fatalf("expected %s intent, got %s", tc.wantIntent, sent.name)
			}
			if tc.wantIntent == protocol.IntentPlayerReconnect {
				payload := sent.payload.(protocol.PlayerReconnectPayload)
				if payload.OldParticipantID != "p-1" || payload.DisplayName != "Alice" {
					t.Fatalf("unexpected player reconnect payload: %+v", payload)
				}
			}
		})
	}
}

func TestRejectedRejoinClearsIdentityAndNavigatesHome(t *testing.T) {
	tx := newFakeTransport()
	tx.requestErr = &transport.ServerError{Message: "room not found"}
	ids := &memoryIdentity{id: hostIdentity()}
	clock := clockwork.NewFakeClock()
	nav := &homeCounter{}

	m := reconnect.NewManager(tx, ids, staticRoute{code: "111111"}, nav, clock, testCfg())
	m.Start()
	defer m.Close()

	tx.emit(protocol.EventConnected)
	clock.Advance(time.Second)

	waitUntil(t, func() bool { return ids.clearCount() == 1 && nav.count() == 1 },
		"rejected rejoin did not clear identity and navigate home")
}
