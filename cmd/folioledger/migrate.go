package main

import (
	"context"
	"fmt"

	"FolioLedger/internal/config"
	"FolioLedger/internal/observability"
	"FolioLedger/internal/persistence"

	"github.com/spf13/cobra"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrate(cmd.Context(), *configPath, (*persistence.Migrator).Up)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrate(cmd.Context(), *configPath, (*persistence.Migrator).Down)
			},
		},
	)
	return cmd
}

func migrate(ctx context.Context, configPath string, step func(*persistence.Migrator, context.Context) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := observability.NewLoggerTo(stdout, "migrate", observability.ParseLogLevel(cfg.Logging.Level))

	store, err := openStore(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	migrator, err := persistence.NewMigrator(store, logger)
	if err != nil {
		return err
	}
	if err := step(migrator, ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
