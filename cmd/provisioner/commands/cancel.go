package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <root-id>",
		Short: "Stop scheduling the pending tasks of a root",
		Long: `Cancel a root. Tasks already running or waiting on the remote side finish
on their own; pending tasks never start and the root's callbacks never
fire. Cancelling twice is harmless.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			won, err := newClient().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(os.Stdout, map[string]any{"root_id": args[0], "already_cancelled": !won})
			}
			if won {
				fmt.Printf("Cancelled root %s\n", args[0])
			} else {
				fmt.Printf("Root %s was already cancelled\n", args[0])
			}
			return nil
		},
	}
	return cmd
}
