package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverURL  string
)

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	envConfig := os.Getenv("QUIZSYNC_CONFIG")

	cmd := &cobra.Command{
		Use:   "quizsync",
		Short: "Terminal client for real-time multiplayer quiz rooms",
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", envConfig, "path to YAML config")
	cmd.PersistentFlags().StringVar(&serverURL, "server-url", "", "quiz server websocket URL (overrides config)")
	cmd.AddCommand(newHostCmd())
	cmd.AddCommand(newJoinCmd())
	cmd.AddCommand(newResumeCmd())
	return cmd
}
