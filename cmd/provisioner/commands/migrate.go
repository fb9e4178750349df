package commands

import (
	"fmt"

	"github.com/openfroyo/provisioner/pkg/config"
	"github.com/openfroyo/provisioner/pkg/stores"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the SQLite schema",
		Long: `Run the embedded golang-migrate migrations against store.sqlite.path and
report the resulting schema version. serve migrates on start; this
command is for inspecting or rolling back a database by hand.`,
		Example: `  provisioner migrate
  provisioner migrate --down --config provisioner.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != config.DriverSQLite {
				return fmt.Errorf("migrate requires the sqlite store, configured driver is %s", cfg.Store.Driver)
			}

			ctx := cmd.Context()
			store, err := stores.NewSQLiteStore(cfg.Store.SQLite)
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return err
			}
			defer store.Close()

			if down {
				err = store.MigrateDown(ctx)
			} else {
				err = store.Migrate(ctx)
			}
			if err != nil {
				return err
			}

			version, dirty, err := store.MigrationVersion(ctx)
			if err != nil {
				return err
			}
			log.Info().
				Str("path", cfg.Store.SQLite.Path).
				Uint("version", version).
				Bool("dirty", dirty).
				Msg("Schema migrated")
			return nil
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "roll back every migration")

	return cmd
}
