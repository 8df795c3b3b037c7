package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hangarci/hangar/pkg/config"
	"github.com/hangarci/hangar/pkg/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDB(cmd, func(ctx context.Context, db *sql.DB) error {
			return store.MigrateUp(ctx, db)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDB(cmd, func(ctx context.Context, db *sql.DB) error {
			return store.MigrateDown(ctx, db)
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print migration status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDB(cmd, func(ctx context.Context, db *sql.DB) error {
			return store.MigrationStatus(ctx, db)
		})
	},
}

func init() {
	migrateCmd.PersistentFlags().String("database-url", "", "Postgres URL (defaults to HANGAR_DATABASE_URL)")
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func withDB(cmd *cobra.Command, fn func(context.Context, *sql.DB) error) error {
	databaseURL, _ := cmd.Flags().GetString("database-url")
	if databaseURL == "" {
		cfg, err := config.Load("")
		if err != nil {
			return fmt.Errorf("no --database-url given and configuration is invalid: %w", err)
		}
		databaseURL = cfg.DatabaseURL
	}
	if databaseURL == config.MemoryDatabaseURL {
		return fmt.Errorf("the in-memory store has no schema to migrate")
	}

	pg, err := store.OpenPostgres(databaseURL, store.PostgresOptions{})
	if err != nil {
		return err
	}
	defer pg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return fn(ctx, pg.DB().DB)
}
