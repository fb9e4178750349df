package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "graph <root-id>",
		Short: "Render a root as Graphviz DOT",
		Long: `Print the task graph of a root in DOT format, grouped by level and
coloured by task status.`,
		Example: `  provisioner graph 6f1c2a9e-... | dot -Tsvg > root.svg
  provisioner graph 6f1c2a9e-... -o root.dot`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dot, err := newClient().Graph(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeDOT(output, dot)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")

	return cmd
}

func writeDOT(path, dot string) error {
	if path == "" {
		_, err := fmt.Print(dot)
		return err
	}
	if err := os.WriteFile(path, []byte(dot), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
