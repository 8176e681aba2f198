package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/tagauth/tagauthd/internal/version"
)

// versionCmd prints the client's own build identity. It never touches
// the socket, so it works with no daemon running.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print tagauthctl build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(appversion.Full("tagauthctl"))
		},
	}
}
