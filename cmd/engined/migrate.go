package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"trustgraph/notifyd/internal/config"
	"trustgraph/notifyd/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations to the configured SQLite database and exit",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repo, err := repository.Open(cfg.SQLiteDSN)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	if err := repo.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("migrate repository: %w", err)
	}

	fmt.Println("migrations applied")
	return nil
}
