package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	var showUIDs bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream tag presence changes",
		Long:  "Connects to the daemon and prints a line for every change of the tag count until interrupted (Ctrl+C). With --uids, prints the full UID list instead; the daemon only allows that for root.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := dialDaemon()
			if err != nil {
				return err
			}
			defer c.Close()

			req := "WATCHNBUIDS"
			if showUIDs {
				req = "WATCHUIDS"
			}

			if err := c.Send(req); err != nil {
				return err
			}

			// Unblock the reader on Ctrl+C.
			go func() {
				<-ctx.Done()
				c.Close()
			}()

			scanner := bufio.NewScanner(c.conn)

			for scanner.Scan() {
				line := scanner.Text()

				if line == "NOAUTH" {
					return errors.New("watching UIDs requires root")
				}

				fmt.Println(line)
			}

			// Context cancellation (Ctrl+C) is expected, not an error.
			if err := scanner.Err(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("stream error: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&showUIDs, "uids", false,
		"print the full UID list instead of counts (root only)")

	return cmd
}
