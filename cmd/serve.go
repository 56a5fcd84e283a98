package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rubiojr/shopsync/pkg/api"
	"github.com/rubiojr/shopsync/pkg/config"
	"github.com/rubiojr/shopsync/pkg/hub"
	"github.com/rubiojr/shopsync/pkg/ledger"
	"github.com/rubiojr/shopsync/pkg/log"
	"github.com/rubiojr/shopsync/pkg/metrics"
	"github.com/rubiojr/shopsync/pkg/storage"
	"github.com/urfave/cli/v3"
)

const (
	feedBuffer        = 256
	sessionBuffer     = 64
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	optimizeInterval  = time.Hour
)

// ServeCommand creates the serve command
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the realtime server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Override the configured listen address",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, c.String("config"), c.String("listen"))
		},
	}
}

func serve(ctx context.Context, configPath, listen string) error {
	l := log.ForService("serve")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}

	store, err := storage.Open(cfg.DBPath(), storage.NewFeed(feedBuffer))
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			l.Warnf("failed to close store: %v", err)
		}
	}()

	reg := metrics.NewRegistry()
	ldg := ledger.New(store, ledger.Options{
		CASRetries:  cfg.Stock.CASRetries,
		OrderPolicy: ledger.OrderPolicy(cfg.Stock.OrderPolicy),
		Metrics:     reg,
	})
	server := api.NewServer(api.Options{
		Store:         store,
		Ledger:        ldg,
		Hub:           hub.New(sessionBuffer, reg),
		Metrics:       reg,
		ExposeMetrics: cfg.Server.Metrics,
		DefaultActor:  cfg.ActorID,
	})

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.CorsMiddleware(api.CompressMiddleware(mux)),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go server.Bridge(ctx)
	go watchConfig(ctx, configPath, ldg, l)
	go maintain(ctx, store, optimizeInterval, l)

	errCh := make(chan error, 1)
	go func() {
		l.Infof("listening on %s (database %s, order policy %s)", cfg.Server.Listen, cfg.DBPath(), ldg.OrderPolicy())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

// maintain runs PRAGMA optimize and a WAL checkpoint every interval.
func maintain(ctx context.Context, store *storage.Store, interval time.Duration, l *log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Debugf("running periodic database optimization")
			if err := store.Optimize(); err != nil {
				l.Warnf("optimize: %v", err)
			}
			if err := store.WALCheckpoint(); err != nil {
				l.Warnf("wal checkpoint: %v", err)
			}
		}
	}
}

// watchConfig re-applies the order policy whenever the config file changes.
// Editors that save atomically replace the file, so the watch is re-added
// after rename and remove events.
func watchConfig(ctx context.Context, configPath string, ldg *ledger.Ledger, l *log.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.Warnf("failed to create config file watcher: %v", err)
		return
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			l.Warnf("failed to close config file watcher: %v", err)
		}
	}()

	if err := watcher.Add(configPath); err != nil {
		l.Warnf("failed to watch config file %s: %v", configPath, err)
		return
	}
	l.Infof("watching config file for changes: %s", configPath)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove)) {
				continue
			}
			l.Debugf("config file changed: %s (event: %s)", event.Name, event.Op.String())

			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				time.Sleep(200 * time.Millisecond)
				if _, err := os.Stat(configPath); os.IsNotExist(err) {
					l.Warnf("config file was removed and not replaced, skipping reload")
					continue
				}
				if err := watcher.Add(configPath); err != nil {
					l.Warnf("failed to re-add config file to watcher after rename/remove: %v", err)
				}
			} else {
				time.Sleep(100 * time.Millisecond)
			}

			if err := reloadOrderPolicy(configPath, ldg, l); err != nil {
				l.Errorf("failed to reload configuration: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.Warnf("config file watcher error: %v", err)
		}
	}
}

// reloadOrderPolicy applies the order policy of the config at configPath.
// Other settings need a restart.
func reloadOrderPolicy(configPath string, ldg *ledger.Ledger, l *log.Logger) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading new config: %w", err)
	}
	next := ledger.OrderPolicy(cfg.Stock.OrderPolicy)
	if next == ldg.OrderPolicy() {
		return nil
	}
	prev := ldg.OrderPolicy()
	if err := ldg.SetOrderPolicy(next); err != nil {
		return err
	}
	l.Infof("order policy changed from %s to %s", prev, next)
	return nil
}
