package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/provisioner/pkg/config"
	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var (
		vars     []string
		memory   bool
		timeout  time.Duration
		graphOut string
	)

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a root spec in-process until it settles",
		Long: `Build a root from a spec file on an embedded engine, run it to
completion and print the result. No server is needed; with --memory
nothing is persisted, which suits trying specs against the simulated
executors.`,
		Example: `  # Try a spec against the simulated cloud
  provisioner run network.yaml --memory

  # Run a script and keep the final graph
  provisioner run fleet.star --var count=5 --graph fleet.dot`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if memory {
				cfg.Store.Driver = config.DriverMemory
				cfg.Queue.Driver = config.DriverLocal
			}

			spec, err := loadSpec(cmd, args[0], vars)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := newStack(ctx, cfg)
			if err != nil {
				return err
			}
			defer s.close(context.Background())
			if err := s.start(ctx); err != nil {
				return err
			}

			root, err := s.engine.BuildRoot(ctx, *spec)
			if err != nil {
				return err
			}

			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			root, err = waitLocal(runCtx, s.engine, root.ID)
			if err != nil {
				return err
			}

			if graphOut != "" {
				if err := writeDOT(graphOut, engine.RenderDOT(root)); err != nil {
					return err
				}
			}
			if jsonOutput {
				if err := printJSON(os.Stdout, root); err != nil {
					return err
				}
			} else {
				printRoot(root)
			}
			if status := root.Status(); status != engine.RootStatusSuccessful {
				return fmt.Errorf("root %s %s", root.Name, status)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "script variable (key=value)")
	cmd.Flags().BoolVar(&memory, "memory", false, "use the in-memory store and local queue")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	cmd.Flags().StringVar(&graphOut, "graph", "", "write the final graph as DOT to this file")

	return cmd
}

// waitLocal polls an embedded engine until the root settles.
func waitLocal(ctx context.Context, eng *engine.Engine, rootID string) (*engine.Root, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		root, err := eng.Root(ctx, rootID)
		if err != nil {
			return nil, err
		}
		if root.IsSettled() {
			return root, nil
		}
		select {
		case <-ctx.Done():
			return root, fmt.Errorf("root %s did not settle: %w", rootID, ctx.Err())
		case <-ticker.C:
		}
	}
}
