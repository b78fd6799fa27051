package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ncecere/metering_gateway/internal/config"
	"github.com/ncecere/metering_gateway/internal/database"
)

func newMigrateCmd(cli *cliApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cli.config()
			if err != nil {
				return err
			}
			if cfg.Database.Driver != config.DriverPostgres {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s schema is applied on open; nothing to migrate\n", cfg.Database.Driver)
				return nil
			}
			dbCfg := cfg.Database
			dbCfg.RunMigrations = true
			if err := database.RunMigrations(cmd.Context(), dbCfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cli.config()
			if err != nil {
				return err
			}
			if cfg.Database.Driver != config.DriverPostgres {
				return fmt.Errorf("migration status is only tracked for postgres")
			}
			status, err := database.MigrationStatus(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d, %d pending\n", status.Version, status.Pending)
			return nil
		},
	})
	return cmd
}
