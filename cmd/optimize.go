package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rubiojr/shopsync/pkg/storage"
	"github.com/urfave/cli/v3"
)

// OptimizeCommand creates the optimize command
func OptimizeCommand() *cli.Command {
	return &cli.Command{
		Name:  "optimize",
		Usage: "Database optimization and maintenance commands",
		Commands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Run an integrity check on the database",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withLocalStore(c, func(store *storage.Store) error {
						fmt.Print("Checking database... ")
						if err := store.IntegrityCheck(); err != nil {
							fmt.Println(errStyle.Render("✗ FAILED"))
							return err
						}
						fmt.Println(okStyle.Render("✓ OK"))
						return nil
					})
				},
			},
			{
				Name:  "analyze",
				Usage: "Run ANALYZE to update query planner statistics",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withLocalStore(c, func(store *storage.Store) error {
						return runStep("ANALYZE", store.Analyze)
					})
				},
			},
			{
				Name:  "vacuum",
				Usage: "Run VACUUM to reclaim space (slow on large databases)",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withLocalStore(c, func(store *storage.Store) error {
						return runStep("VACUUM", store.Vacuum)
					})
				},
			},
			{
				Name:  "wal-checkpoint",
				Usage: "Checkpoint and truncate the write-ahead log",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withLocalStore(c, func(store *storage.Store) error {
						return runStep("WAL checkpoint", store.WALCheckpoint)
					})
				},
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withLocalStore(c, optimizeAll)
		},
	}
}

// optimizeAll runs the routine maintenance steps in order.
func optimizeAll(store *storage.Store) error {
	fmt.Println("Running all optimization operations...")
	steps := []struct {
		name string
		fn   func() error
	}{
		{"PRAGMA optimize", store.Optimize},
		{"ANALYZE", store.Analyze},
		{"WAL checkpoint", store.WALCheckpoint},
	}
	for _, step := range steps {
		if err := runStep(step.name, step.fn); err != nil {
			return err
		}
	}
	fmt.Println("All optimization operations completed successfully")
	return nil
}

func runStep(name string, fn func() error) error {
	fmt.Printf("Running %s...\n", name)
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	fmt.Println(okStyle.Render("✓ " + name + " completed"))
	return nil
}

// withLocalStore opens the configured database directly, without going
// through the server.
func withLocalStore(c *cli.Command, fn func(*storage.Store) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.DBPath()); os.IsNotExist(err) {
		return fmt.Errorf("database %s does not exist, run the server or migrate first", cfg.DBPath())
	}
	store, err := storage.Open(cfg.DBPath(), nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Printf("Warning: failed to close store: %v\n", err)
		}
	}()
	return fn(store)
}
