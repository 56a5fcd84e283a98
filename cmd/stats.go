package cmd

import (
	"context"

	"github.com/rubiojr/shopsync/pkg/storage"
	"github.com/urfave/cli/v3"
)

// StatsCommand creates the stats command
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show database statistics",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			return withLocalStore(c, func(store *storage.Store) error {
				st, err := store.Stats(ctx)
				if err != nil {
					return err
				}
				formatStats(cfg.DBPath(), st)
				return nil
			})
		},
	}
}
