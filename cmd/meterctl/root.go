package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ncecere/metering_gateway/internal/app"
	"github.com/ncecere/metering_gateway/internal/config"
)

// cliApp holds the global flags. The store is opened per command so
// commands that only hash or estimate never need a database.
type cliApp struct {
	configFile string
	envFile    string
}

func newRootCmd() *cobra.Command {
	cli := &cliApp{}
	rootCmd := &cobra.Command{
		Use:           "meterctl",
		Short:         "Operate the metering gateway: accounts, settings, exports and migrations",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&cli.configFile, "config", "", "path to gateway.yaml")
	rootCmd.PersistentFlags().StringVar(&cli.envFile, "env-file", "", "path to a .env file")

	rootCmd.AddCommand(
		newAccountsCmd(cli),
		newStatsCmd(cli),
		newSettingsCmd(cli),
		newExportCmd(cli),
		newMigrateCmd(cli),
		newHashTokenCmd(),
		newEstimateCmd(),
	)
	return rootCmd
}

func (c *cliApp) config() (*config.Config, error) {
	cfg, err := config.Load(config.Options{ConfigFile: c.configFile, EnvFile: c.envFile})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// open builds a container without Redis. The returned func closes the store.
func (c *cliApp) open(ctx context.Context) (*app.Container, func(), error) {
	cfg, err := c.config()
	if err != nil {
		return nil, nil, err
	}
	store, closeStore, err := app.OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	container, err := app.NewContainer(ctx, cfg, store, nil, nil, logger)
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("build container: %w", err)
	}
	return container, closeStore, nil
}
