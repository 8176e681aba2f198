package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func addUserCmd() *cobra.Command {
	var waitSecs float64

	cmd := &cobra.Command{
		Use:   "adduser <user>",
		Short: "Register the present tag for a user",
		Long:  "Waits for exactly one tag on the readers and registers it for the user. Fails if the user already has that tag, or if no single tag shows up within --wait seconds.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			reply, err := request(fmt.Sprintf("ADDUSER %s %s", args[0], formatWait(waitSecs)))
			if err != nil {
				return err
			}

			fmt.Println(reply)

			switch reply {
			case "OK":
				return nil
			case "EXISTS":
				return fmt.Errorf("user %s already has this tag", args[0])
			case "TIMEOUT":
				return errNoSingleTag
			default:
				return errWriteFailed
			}
		},
	}

	cmd.Flags().Float64Var(&waitSecs, "wait", 30,
		"seconds to wait for a single tag on the readers")

	return cmd
}
