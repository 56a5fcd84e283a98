package main

import (
	"context"
	"log"
	"os"

	"github.com/rubiojr/shopsync/cmd"
	"github.com/rubiojr/shopsync/pkg/config"
	slog "github.com/rubiojr/shopsync/pkg/log"
	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "shopsync",
		Usage: "Real-time stock, order and notification sync for shops",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
				Value: false,
			},
			&cli.StringFlag{
				Name:  "debug-for",
				Usage: "Comma separated services to debug (e.g. realtime,notify)",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path",
				Value: getDefaultConfigPathOrExit(),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment overrides from this file",
				Value: ".env",
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			slog.SetGlobalDebug(c.Bool("debug"))
			if list := c.String("debug-for"); list != "" {
				slog.EnableDebugList(list)
			}
			return ctx, config.LoadDotEnv(c.String("env-file"))
		},
		Commands: []*cli.Command{
			cmd.InitCommand(),
			cmd.ServeCommand(),
			cmd.ListenCommand(),
			cmd.StockCommand(),
			cmd.OrderCommand(),
			cmd.NotifyCommand(),
			cmd.StatsCommand(),
			cmd.OptimizeCommand(),
			cmd.MigrateCommand(),
			cmd.VersionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func getDefaultConfigPathOrExit() string {
	path, err := config.GetDefaultConfigPath()
	if err != nil {
		log.Fatalf("Failed to get default config path: %v", err)
	}
	return path
}
