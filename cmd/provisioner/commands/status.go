package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var (
		active  bool
		limit   int
		history bool
	)

	cmd := &cobra.Command{
		Use:   "status [root-id]",
		Short: "Show roots and their tasks",
		Long: `Without arguments, list the most recent roots. With a root id, show the
root and every task with its status, polls and resource ref.`,
		Example: `  provisioner status
  provisioner status --active
  provisioner status 6f1c2a9e-... --history`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client := newClient()

			if len(args) == 0 {
				roots, err := client.Roots(ctx, engine.RootFilter{ActiveOnly: active, Limit: limit})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(os.Stdout, roots)
				}
				if len(roots) == 0 {
					fmt.Println("No roots found")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tKIND\tSTATUS\tTASKS\tCREATED")
				for _, r := range roots {
					status := string(r.Status)
					if r.Cancelled {
						status += " (cancelled)"
					} else if !r.Activated {
						status = "inactive"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.ID, r.Name, r.Kind, status, r.Tasks, humanize.Time(r.CreatedAt))
				}
				return w.Flush()
			}

			root, err := client.Root(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput && !history {
				return printJSON(os.Stdout, root)
			}

			transitions := map[string][]engine.Transition{}
			if history {
				for _, t := range root.Tasks {
					ts, err := client.Transitions(ctx, t.ID)
					if err != nil {
						return err
					}
					transitions[t.ID] = ts
				}
				if jsonOutput {
					return printJSON(os.Stdout, map[string]any{"root": root, "transitions": transitions})
				}
			}

			printRoot(root.Root)
			for _, t := range root.Tasks {
				for _, tr := range transitions[t.ID] {
					fmt.Printf("  %s  %s -> %s  %s %s\n", t.Key, tr.From, tr.To, humanize.Time(tr.At), tr.Message)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&active, "active", false, "only activated, uncancelled roots")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of roots to list")
	cmd.Flags().BoolVar(&history, "history", false, "include task transitions")

	return cmd
}

func printRoot(root *engine.Root) {
	fmt.Printf("Root:     %s (%s)\n", root.Name, root.ID)
	fmt.Printf("Kind:     %s\n", root.Kind)
	fmt.Printf("Status:   %s\n", root.Status())
	if root.Cancelled {
		fmt.Println("Cancelled: yes")
	}
	if root.ParentID != "" {
		fmt.Printf("Parent:   %s\n", root.ParentID)
	}
	fmt.Printf("Created:  %s\n", humanize.Time(root.CreatedAt))
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tKIND\tTYPE\tSTATUS\tPOLLS\tREF\tMESSAGE")
	for _, t := range root.Tasks {
		ref := ""
		if t.ResourceRef != nil {
			ref = *t.ResourceRef
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", t.Key, t.Kind, t.ResourceType, t.Status, t.Polls, ref, t.Message)
	}
	w.Flush()
}
