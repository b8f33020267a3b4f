package main

import (
	"context"
	"fmt"
	"os"

	"FolioLedger/internal/config"
	"FolioLedger/internal/observability"
	"FolioLedger/internal/persistence"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply or roll back FolioLedger schema migrations",
		Long:         "Reads the database settings from --config and FOLIO_DATABASE_* variables.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), configPath, func(ctx context.Context, m *persistence.Migrator) error {
					return m.Up(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), configPath, func(ctx context.Context, m *persistence.Migrator) error {
					return m.Down(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migration versions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), configPath, func(ctx context.Context, m *persistence.Migrator) error {
					versions, err := m.Applied(ctx)
					if err != nil {
						return err
					}
					for _, v := range versions {
						fmt.Fprintln(cmd.OutOrStdout(), v)
					}
					return nil
				})
			},
		},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, step func(context.Context, *persistence.Migrator) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := observability.NewLoggerTo(os.Stdout, "migrate", observability.ParseLogLevel(cfg.Logging.Level))

	store, err := persistence.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, persistence.PoolOptions{}, nil, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	migrator, err := persistence.NewMigrator(store, logger)
	if err != nil {
		return err
	}
	if err := step(ctx, migrator); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("migration step complete")
	return nil
}
