package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"stopguard/internal/storage/migrations"
	pgstore "stopguard/internal/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply PostgreSQL and ClickHouse schema migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrations,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrations(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres DSN is required (--postgres-dsn, postgres.dsn or POSTGRES_DSN)")
	}
	logger := newLogger()
	ctx := context.Background()

	pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	applied, err := migrations.RunPostgresMigrations(ctx, pool, logger)
	if err != nil {
		return err
	}
	for _, name := range applied {
		fmt.Printf("postgres: %s\n", name)
	}

	if cfg.ClickHouse.DSN == "" {
		logger.Printf("no clickhouse DSN configured; archive schema skipped")
		return nil
	}
	conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouse.DSN, cfg.ClickHouse.Database, logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Printf("clickhouse: database %s ready\n", cfg.ClickHouse.Database)
	return nil
}
