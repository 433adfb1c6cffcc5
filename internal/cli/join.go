package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quizsync/quizsync/internal/identity"
	"github.com/quizsync/quizsync/internal/session"
)

func newJoinCmd() *cobra.Command {
	var (
		displayName string
		avatarRef   string
	)

	cmd := &cobra.Command{
		Use:   "join <room-code>",
		Short: "Join an existing quiz room as a player",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomCode := args[0]
			return runSession(cmd.Context(), joinSetup(roomCode), func(ctx context.Context, env *sessionEnv) error {
				id, err := env.engine.JoinRoom(ctx, roomCode, displayName, avatarRef)
				if err != nil {
					return fmt.Errorf("join room: %w", err)
				}

				fmt.Printf("joined room %s as %s\n", roomCode, id.DisplayName)
				fmt.Println("commands: answer <option>..., status, leave, quit")
				return playerLoop(ctx, env)
			})
		},
	}

	cmd.Flags().StringVar(&displayName, "name", "", "display name")
	cmd.Flags().StringVar(&avatarRef, "avatar", "", "avatar reference")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// newResumeCmd reattaches to the room from the persisted identity. The rejoin
// manager does the actual reconnect once the gateway reports connected.
func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Reattach to the room from the last session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), resumeSetup, func(ctx context.Context, env *sessionEnv) error {
				id := env.engine.Identity()
				if id.IsZero() {
					return fmt.Errorf("no stored session to resume")
				}

				fmt.Printf("resuming room %s as %s\n", id.RoomCode, id.DisplayName)
				if id.Role == identity.RoleHost {
					fmt.Println("commands: start, next, pause, resume, kick <id>, answer <option>..., status, quit")
					return hostLoop(ctx, env)
				}
				fmt.Println("commands: answer <option>..., status, leave, quit")
				return playerLoop(ctx, env)
			})
		},
	}
}

func playerLoop(ctx context.Context, env *sessionEnv) error {
	return readCommands(ctx, func(cmd string, args []string) bool {
		var err error
		switch cmd {
		case "answer":
			err = submitAnswer(env.engine, args)
		case "status":
			printStatus(env)
		case "leave", "quit", "exit":
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
