package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// errNoSingleTag indicates no lone tag showed up within the wait.
	errNoSingleTag = errors.New("no single tag present within the wait")

	// errWriteFailed indicates the daemon could not rewrite the
	// credential file as the requesting user.
	errWriteFailed = errors.New("credential file write failed")
)

func delUserCmd() *cobra.Command {
	var (
		waitSecs float64
		all      bool
	)

	cmd := &cobra.Command{
		Use:   "deluser <user>",
		Short: "Unregister a user's tag",
		Long:  "Waits for exactly one tag on the readers and removes it from the user's credentials. With --all, removes every credential of the user without needing a tag.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			wait := formatWait(waitSecs)
			if all {
				// A negative wait asks for unconditional removal.
				wait = "-1"
			}

			reply, err := request(fmt.Sprintf("DELUSER %s %s", args[0], wait))
			if err != nil {
				return err
			}

			fmt.Println(reply)

			switch reply {
			case "OK":
				return nil
			case "NONE":
				return fmt.Errorf("user %s has no matching credential", args[0])
			case "TIMEOUT":
				return errNoSingleTag
			default:
				return errWriteFailed
			}
		},
	}

	cmd.Flags().Float64Var(&waitSecs, "wait", 30,
		"seconds to wait for a single tag on the readers")
	cmd.Flags().BoolVar(&all, "all", false,
		"remove all credentials of the user, no tag needed")

	return cmd
}
