package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// errAuthFailed indicates the daemon answered NOAUTH.
var errAuthFailed = errors.New("authentication failed")

func authCmd() *cobra.Command {
	var waitSecs float64

	cmd := &cobra.Command{
		Use:   "auth <user>",
		Short: "Authenticate a user by tag presence",
		Long:  "Asks the daemon whether a tag registered to the user is currently on a reader, waiting up to --wait seconds for one to appear. Exits 0 on success.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			reply, err := request(fmt.Sprintf("WAITAUTH %s %s", args[0], formatWait(waitSecs)))
			if err != nil {
				return err
			}

			fmt.Println(reply)

			if !strings.HasPrefix(reply, "AUTHOK") {
				return errAuthFailed
			}

			return nil
		},
	}

	cmd.Flags().Float64Var(&waitSecs, "wait", 2,
		"seconds to wait for a matching tag")

	return cmd
}
