package commands

import (
	"context"
	"fmt"

	"github.com/openfroyo/provisioner/pkg/api"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand(version string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		Long: `Start the dispatch workers, recover interrupted roots and serve the
HTTP API until interrupted.

Configuration is read from --config and PROVISIONER_* environment
variables. With the sqlite store, restarting serve resumes every active
root where it stopped.`,
		Example: `  # Serve with defaults (sqlite at ./provisioner.db, local queue)
  provisioner serve

  # Serve with a config file and a different listener
  provisioner serve --config provisioner.yaml --listen :9090

  # Share dispatch through Redis
  PROVISIONER_QUEUE_DRIVER=redis PROVISIONER_QUEUE_REDIS_ADDR=redis:6379 provisioner serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.ListenAddress = listen
			}
			if cfg.Telemetry.ServiceVersion == "" {
				cfg.Telemetry.ServiceVersion = version
			}

			ctx := cmd.Context()
			s, err := newStack(ctx, cfg)
			if err != nil {
				return err
			}
			log.Logger = s.logger

			shutdownCtx := func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
			}
			defer func() {
				sctx, cancel := shutdownCtx()
				defer cancel()
				s.close(sctx)
			}()

			if err := s.start(ctx); err != nil {
				return err
			}
			if cfg.Policy.Enabled && cfg.Policy.Watch {
				if err := s.watchPolicies(ctx); err != nil {
					return err
				}
			}
			if err := s.telemetry.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			opts := append(s.healthChecks(),
				api.WithLogger(s.logger),
				api.WithMetrics(s.telemetry.Metrics),
			)
			server := api.NewServer(cfg.API, s.engine, opts...)

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			sctx, cancel := shutdownCtx()
			defer cancel()
			return server.Shutdown(sctx)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "override api.listen_address")

	return cmd
}
