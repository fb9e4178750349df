package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/provisioner/pkg/config"
	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newSubmitCommand() *cobra.Command {
	var (
		vars     []string
		wait     bool
		interval time.Duration
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit a root spec to a running server",
		Long: `Load a root spec from YAML, JSON or Starlark and build it on the server
given by --server. The root starts running immediately unless it is
deferred or an on_success callback root.`,
		Example: `  # Submit and return
  provisioner submit network.yaml

  # Submit a script with variables and wait for the result
  provisioner submit fleet.star --var count=3 --var prefix=web --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadSpec(cmd, args[0], vars)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			client := newClient()
			root, err := client.BuildRoot(ctx, *spec)
			if err != nil {
				return err
			}
			log.Info().Str("root_id", root.ID).Str("name", root.Name).Int("tasks", len(root.Tasks)).Msg("Root submitted")

			if wait {
				waitCtx, cancel := ctx, context.CancelFunc(func() {})
				if timeout > 0 {
					waitCtx, cancel = context.WithTimeout(ctx, timeout)
				}
				defer cancel()
				root, err = client.WaitSettled(waitCtx, root.ID, interval)
				if err != nil {
					return err
				}
			}

			if jsonOutput {
				return printJSON(os.Stdout, root)
			}
			printRoot(root.Root)
			if wait && root.Status != engine.RootStatusSuccessful {
				return fmt.Errorf("root %s %s", root.ID, root.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "script variable (key=value)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the root to settle")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval with --wait")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long")

	return cmd
}

// loadSpec reads a root spec file, evaluating Starlark with --var values.
func loadSpec(cmd *cobra.Command, path string, pairs []string) (*engine.RootSpec, error) {
	vars, err := parseVars(pairs)
	if err != nil {
		return nil, err
	}
	return config.NewRootSpecLoader(nil).LoadFile(cmd.Context(), path, vars)
}
