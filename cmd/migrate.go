package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okapi0/okapi/db"
	"github.com/okapi0/okapi/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Applies all pending schema migrations to the configured Postgres
database. The serve command runs migrations on startup as well; this
command exists for running them separately, e.g. in a deploy pipeline.`,
	RunE: func(*cobra.Command, []string) error {
		return runMigrate()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger()
	logger.Info("running migrations",
		"host", cfg.PostgresHost,
		"database", cfg.PostgresDBName,
	)

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("migrations complete")
	return nil
}
