package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quizsync/quizsync/internal/config"
	"github.com/quizsync/quizsync/internal/identity"
	"github.com/quizsync/quizsync/internal/reconnect"
	"github.com/quizsync/quizsync/internal/session"
	"github.com/quizsync/quizsync/internal/transport"
)

// roomRoute tracks which room the CLI is presenting, for rejoin decisions.
type roomRoute struct {
	mu   sync.Mutex
	code string
}

func (r *roomRoute) set(code string) {
	r.mu.Lock()
	r.code = code
	r.mu.Unlock()
}

func (r *roomRoute) CurrentRoomCode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code
}

// exitNavigator ends the session loop when the engine sends the user home.
type exitNavigator struct{ cancel context.CancelFunc }

func (n *exitNavigator) GoHome() {
	fmt.Println("returning to start, session over")
	n.cancel()
}

// sessionEnv bundles everything a command needs to drive one session.
type sessionEnv struct {
	cfg     *config.Config
	gateway *transport.Gateway
	engine  *session.Engine
	route   *roomRoute
}

// routeSetup prepares the room route and stored identity for one command
// before the gateway connects. The rejoin manager reads both on the first
// connected event, so this must run ahead of Connect.
type routeSetup func(ids *identity.Store, route *roomRoute)

// joinSetup points the route at the target room. Any stored identity is
// dropped up front: an explicit join starts a fresh membership, and a
// leftover identity must not race the join with a rejoin attempt to a
// previous room.
func joinSetup(roomCode string) routeSetup {
	return func(ids *identity.Store, route *roomRoute) {
		route.set(roomCode)
		if stored := ids.Load(); !stored.IsZero() {
			log.Info().Str("room_code", stored.RoomCode).Msg("dropping stored identity for explicit join")
			if err := ids.Clear(); err != nil {
				log.Warn().Err(err).Msg("failed to clear stored identity")
			}
		}
	}
}

// resumeSetup keeps the stored room on the route so the rejoin manager picks
// the previous session back up once connected. Only the resume command does
// this; host and join must not inherit a stale route.
func resumeSetup(ids *identity.Store, route *roomRoute) {
	if stored := ids.Load(); !stored.IsZero() {
		route.set(stored.RoomCode)
	}
}

// runSession wires the gateway, identity store, engine and reconnect manager,
// connects, and hands control to the command body. It returns when the body
// returns, the user interrupts, or the engine navigates home.
func runSession(parent context.Context, setup routeSetup, body func(ctx context.Context, env *sessionEnv) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serverURL != "" {
		cfg.Server.URL = serverURL
	}

	idPath := cfg.Identity.Path
	if idPath == "" {
		idPath, err = identity.DefaultPath()
		if err != nil {
			return fmt.Errorf("resolve identity path: %w", err)
		}
	}
	ids := identity.NewStore(idPath)

	// The setup runs before the engine is built so the engine never loads an
	// identity the command has already discarded.
	route := &roomRoute{}
	if setup != nil {
		setup(ids, route)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clock := clockwork.NewRealClock()

	txCfg := transport.DefaultConfig(cfg.Server.URL)
	txCfg.DialAttempts = cfg.Transport.DialAttempts
	txCfg.DialRetryDelay = cfg.Transport.DialRetryDelay
	txCfg.ReconnectDelay = cfg.Transport.ReconnectDelay
	gateway := transport.NewGateway(txCfg, clock)

	nav := &exitNavigator{cancel: cancel}

	engine := session.NewEngine(gateway, ids, clock, session.Options{
		Navigator:      nav,
		OnError:        func(msg string) { fmt.Printf("\n! %s\n> ", msg) },
		OnTimeout:      func() { fmt.Print("\ntime is up\n> ") },
		ScoreboardTTL:  cfg.Session.ScoreboardTTL,
		RequestTimeout: cfg.Transport.RequestTimeout,
	})
	engine.Start()
	defer engine.Close()

	rejoiner := reconnect.NewManager(gateway, ids, route, nav, clock, reconnect.Config{
		SettleDelay:    reconnect.DefaultConfig().SettleDelay,
		RequestTimeout: cfg.Transport.RequestTimeout,
	})
	rejoiner.Start()
	defer rejoiner.Close()

	if err := gateway.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Server.URL, err)
	}
	defer gateway.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Announce the last few seconds of each question so the player
		// is not surprised by the timeout.
		last := -1
		engine.RunCountdown(ctx, func(remaining float64) {
			secs := int(remaining)
			if secs != last && secs > 0 && secs <= 5 && !engine.Answered() {
				fmt.Printf("\n%ds left\n> ", secs)
			}
			last = secs
		})
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return body(ctx, &sessionEnv{cfg: cfg, gateway: gateway, engine: engine, route: route})
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// readCommands feeds stdin lines to handle until EOF or ctx ends. Lines are
// whitespace-split; empty lines are ignored.
func readCommands(ctx context.Context, handle func(cmd string, args []string) bool) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	fmt.Print("> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				fmt.Print("> ")
				continue
			}
			if !handle(fields[0], fields[1:]) {
				return nil
			}
			fmt.Print("> ")
		}
	}
}

// printStatus renders the current session state for the status command.
func printStatus(env *sessionEnv) {
	st := env.engine.State()
	room, ok := st.Room()
	if !ok {
		fmt.Println("not in a room")
		return
	}

	fmt.Printf("room %s  phase=%s  connected=%v\n", room.RoomCode, st.Phase(), st.Connected())
	switch st.Phase() {
	case session.PhaseLobby:
		fmt.Printf("quiz: %s  participants: %d\n", room.Quiz.Title, len(room.Participants))
		for _, p := range room.Participants {
			marker := " "
			if p.IsHost {
				marker = "*"
			}
			suffix := ""
			if !p.Connected {
				suffix = " (offline)"
			}
			fmt.Printf("  %s %s%s\n", marker, p.DisplayName, suffix)
		}
		if quizzes := st.Quizzes(); len(quizzes) > 0 {
			fmt.Println("available quizzes:")
			for _, q := range quizzes {
				fmt.Printf("  %s  %s (%d questions)\n", q.QuizID, q.Title, q.QuestionCount)
			}
		}
	case session.PhasePlaying:
		if q, ok := st.ActiveQuestion(); ok {
			fmt.Printf("question %d/%d: %s (%.0fs left)\n",
				room.CurrentQuestionIndex+1, room.TotalQuestions, q.Text, env.engine.Remaining())
			for _, opt := range q.Options {
				fmt.Printf("  [%s] %s\n", opt.OptionID, opt.Text)
			}
		}
		if room.Paused {
			fmt.Println("game is paused")
		}
		if outcome, ok := st.Outcome(); ok {
			fmt.Printf("answer was correct=%v (+%d)\n", outcome.IsCorrect, outcome.ScoreDelta)
		}
		if sb, visible := st.Scoreboard(); visible {
			fmt.Println("scoreboard:")
			for _, p := range sb.Participants {
				fmt.Printf("  %s  +%d  (%d)\n", p.DisplayName, p.Score, p.TotalScore)
			}
		}
	case session.PhaseResult:
		fmt.Println("final leaderboard:")
		for i, p := range st.FinalLeaderboard() {
			fmt.Printf("  %d. %s  %d\n", i+1, p.DisplayName, p.TotalScore)
		}
	}
}

// parseAnswer turns CLI answer arguments into the wire answer body: raw JSON
// passes through, anything else becomes an array of option ids.
func parseAnswer(args []string) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("answer requires at least one option id")
	}
	if len(args) == 1 && json.Valid([]byte(args[0])) &&
		(strings.HasPrefix(args[0], "[") || strings.HasPrefix(args[0], "{") || strings.HasPrefix(args[0], "\"")) {
		return json.RawMessage(args[0]), nil
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return body, nil
}
