package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rubiojr/shopsync/pkg/db"
	"github.com/rubiojr/shopsync/pkg/storage"
	"github.com/urfave/cli/v3"
)

// MigrateCommand creates the migrate command
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "status",
				Usage: "Show migration status without applying migrations",
				Value: false,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			return RunMigrations(cfg.DBPath(), c.Bool("status"))
		},
	}
}

// RunMigrations handles the migration process (exported for testing)
func RunMigrations(dbPath string, statusOnly bool) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) && statusOnly {
		fmt.Printf("Database does not exist, will be created on first use: %s\n", dbPath)
		return nil
	}

	store, err := storage.OpenWithoutMigrations(dbPath, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Printf("Warning: failed to close store: %v\n", err)
		}
	}()

	migrationManager := db.NewMigrationManager(store.DB().DB)
	if statusOnly {
		return showMigrationStatus(migrationManager)
	}

	applied, err := migrationManager.ApplyPendingMigrations()
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	if applied == 0 {
		fmt.Println("Database is up to date")
	} else {
		fmt.Printf("Applied %d migrations\n", applied)
	}
	return nil
}

// showMigrationStatus displays the current migration status
func showMigrationStatus(manager *db.MigrationManager) error {
	status, err := manager.GetMigrationStatus()
	if err != nil {
		return err
	}

	fmt.Printf("Applied migrations: %d\n", len(status.Applied))
	for _, migration := range status.Applied {
		appliedTime := "unknown"
		if migration.AppliedAt != nil {
			appliedTime = migration.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("  ✓ %03d: %s (applied: %s)\n", migration.Version, migration.Name, appliedTime)
	}

	fmt.Printf("Pending migrations: %d\n", len(status.Pending))
	for _, migration := range status.Pending {
		fmt.Printf("  • %03d: %s\n", migration.Version, migration.Name)
	}

	if len(status.Pending) == 0 {
		fmt.Println("  (none - database is up to date)")
	}

	return nil
}
