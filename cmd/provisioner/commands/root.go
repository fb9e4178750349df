package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/openfroyo/provisioner/pkg/api"
	"github.com/openfroyo/provisioner/pkg/config"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	serverURL  string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "provisioner",
		Short: "Provisioner - durable workflow engine for cloud resources",
		Long: `Provisioner runs workflow roots: acyclic graphs of create, delete and
wait tasks against remote resource APIs.

Features:
  - Durable task state in SQLite, reconciled after restarts
  - Local or Redis backed dispatch
  - Exponential re-check backoff per resource type
  - Callback roots fired when a root completes
  - Rego admission policies
  - Root specs in YAML, JSON or Starlark`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("PROVISIONER_SERVER", "http://localhost:8080"), "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newGraphCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func newClient() *api.Client {
	return api.NewClient(serverURL, nil)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseVars turns repeated key=value flags into script variables.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid variable %q, expected key=value", pair)
		}
		vars[k] = v
	}
	return vars, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
