package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/provisioner/pkg/config"
	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/executors"
	"github.com/openfroyo/provisioner/pkg/policy"
	"github.com/spf13/cobra"
)

// validation is the offline check result of a root spec.
type validation struct {
	Name    string          `json:"name"`
	Tasks   int             `json:"tasks"`
	Levels  [][]string      `json:"levels"`
	Policy  *policy.Result  `json:"policy,omitempty"`
	Spec    engine.RootSpec `json:"spec"`
	Allowed bool            `json:"allowed"`
}

func newValidateCommand() *cobra.Command {
	var vars []string

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a root spec without submitting it",
		Long: `Load a root spec from YAML, JSON or Starlark, check its tasks and edges
for unknown keys and cycles, and evaluate the configured admission
policies against it. Nothing is persisted.`,
		Example: `  provisioner validate network.yaml
  provisioner validate fleet.star --var count=3 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			spec, err := loadSpec(cmd, args[0], vars)
			if err != nil {
				return err
			}
			if err := validator.New().Struct(spec); err != nil {
				return fmt.Errorf("invalid root spec: %w", err)
			}
			graph, err := engine.NewGraphBuilder().Build(*spec)
			if err != nil {
				return err
			}

			result := validation{
				Name:    spec.Name,
				Tasks:   len(spec.Tasks),
				Levels:  graph.Levels,
				Spec:    *spec,
				Allowed: true,
			}

			if cfg.Policy.Enabled {
				pe, err := offlinePolicy(cfg)
				if err != nil {
					return err
				}
				if cfg.Policy.Dir != "" {
					if err := pe.LoadPolicies(ctx, []string{cfg.Policy.Dir}); err != nil {
						return err
					}
				}
				res, err := pe.Evaluate(ctx, spec)
				if err != nil {
					return err
				}
				result.Policy = res
				result.Allowed = res.Allowed
			}

			if jsonOutput {
				if err := printJSON(os.Stdout, result); err != nil {
					return err
				}
			} else {
				printValidation(result)
			}
			if !result.Allowed {
				return fmt.Errorf("root %s denied by policy", spec.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "script variable (key=value)")

	return cmd
}

// offlinePolicy builds a policy engine that knows the configured resource
// types without starting any executor.
func offlinePolicy(cfg *config.Config) (*policy.Engine, error) {
	registry := engine.NewRegistry()
	if _, err := executors.Register(registry, cfg.Executors, nil); err != nil {
		return nil, err
	}
	opts := []policy.Option{
		policy.WithMaxTasks(cfg.Policy.MaxTasks),
		policy.WithResourceTypes(registry.ResourceTypes),
	}
	if !cfg.Policy.Builtin {
		opts = append(opts, policy.WithoutBuiltins())
	}
	return policy.NewEngine(opts...)
}

func printValidation(v validation) {
	fmt.Printf("Root:   %s\n", v.Name)
	fmt.Printf("Tasks:  %d\n", v.Tasks)
	for i, level := range v.Levels {
		fmt.Printf("  level %d: %s\n", i, strings.Join(level, ", "))
	}
	if v.Policy == nil {
		fmt.Println("Policy: disabled")
		return
	}
	fmt.Printf("Policy: %d evaluated, allowed=%v\n", len(v.Policy.EvaluatedPolicies), v.Policy.Allowed)
	for _, f := range v.Policy.Violations {
		fmt.Printf("  DENY %s: %s\n", f.Policy, f.Message)
	}
	for _, f := range v.Policy.Warnings {
		fmt.Printf("  WARN %s: %s\n", f.Policy, f.Message)
	}
}
