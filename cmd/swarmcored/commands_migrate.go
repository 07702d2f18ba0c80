package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/swarmcore/internal/config"
	"github.com/haasonsaas/swarmcore/internal/store"
)

func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		Long: `Apply swarmcore's embedded schema migrations to the Postgres database
named by store.dsn in the configuration file. A no-op against the
in-memory store.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrateUp(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runMigrateUp(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Store.Driver != "postgres" {
		fmt.Println("store.driver is not postgres; nothing to migrate")
		return nil
	}

	pg, err := store.NewPostgresStore(store.DefaultPostgresConfig(cfg.Store.DSN))
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer pg.Close()

	migrator, err := store.NewMigrator(pg.DB())
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := migrator.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	fmt.Println("migrations applied")
	return nil
}
