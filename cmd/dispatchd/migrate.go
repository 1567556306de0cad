package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"dispatchflow/config"
	"dispatchflow/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Driver != config.DriverPostgres {
		return errors.New("migrate requires store.driver postgres")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{MaxConns: 1})
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}
	log.Info().Msg("migrations applied")
	return nil
}
