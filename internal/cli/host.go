package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quizsync/quizsync/internal/session"
)

func newHostCmd() *cobra.Command {
	var (
		quizID      string
		displayName string
		avatarRef   string
		asPlayer    bool
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Create a quiz room and run the game",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), nil, func(ctx context.Context, env *sessionEnv) error {
				id, err := env.engine.CreateRoom(ctx, quizID, asPlayer, displayName, avatarRef)
				if err != nil {
					return fmt.Errorf("create room: %w", err)
				}
				env.route.set(id.RoomCode)

				fmt.Printf("room created, code %s\n", id.RoomCode)
				fmt.Println("commands: start, next, pause, resume, kick <id>, answer <option>..., status, quit")
				return hostLoop(ctx, env)
			})
		},
	}

	cmd.Flags().StringVar(&quizID, "quiz", "", "quiz id to host")
	cmd.Flags().StringVar(&displayName, "name", "Host", "display name")
	cmd.Flags().StringVar(&avatarRef, "avatar", "", "avatar reference")
	cmd.Flags().BoolVar(&asPlayer, "play", false, "also participate as a player")
	_ = cmd.MarkFlagRequired("quiz")
	return cmd
}

func hostLoop(ctx context.Context, env *sessionEnv) error {
	return readCommands(ctx, func(cmd string, args []string) bool {
		var err error
		switch cmd {
		case "start":
			err = env.engine.StartGame()
		case "next":
			err = env.engine.NextQuestion()
		case "pause":
			err = env.engine.PauseGame()
		case "resume":
			err = env.engine.ResumeGame()
		case "kick":
			if len(args) != 1 {
				err = fmt.Errorf("usage: kick <participant-id>")
				break
			}
			err = env.engine.KickParticipant(args[0])
		case "answer":
			err = submitAnswer(env.engine, args)
		case "status":
			printStatus(env)
		case "quit", "exit":
			if leaveErr := env.engine.LeaveRoom(); leaveErr != nil && leaveErr != session.ErrNoRoom {
				fmt.Printf("leave: %v\n", leaveErr)
			}
			return false
		default:
			err = fmt.Errorf("unknown command %q", cmd)
		}
		if err != nil {
			fmt.Printf("%v\n", err)
		}
		return true
	})
}

func submitAnswer(engine *session.Engine, args []string) error {
	body, err := parseAnswer(args)
	if err != nil {
		return err
	}
	return engine.SubmitAnswer(body)
}
