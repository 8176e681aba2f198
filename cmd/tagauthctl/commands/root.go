package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// socketPath is the daemon's unix socket, shared by all commands.
var socketPath string

// rootCmd is the top-level cobra command for tagauthctl.
var rootCmd = &cobra.Command{
	Use:   "tagauthctl",
	Short: "CLI client for the tagauthd daemon",
	Long:  "tagauthctl talks to the tagauthd daemon over its unix socket to authenticate by tag, manage tag credentials and watch tag presence.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/tagauthd/tagauthd.socket",
		"tagauthd daemon socket path")

	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(addUserCmd())
	rootCmd.AddCommand(delUserCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
