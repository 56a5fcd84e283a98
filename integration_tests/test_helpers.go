package integration_tests

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rubiojr/shopsync/cmd"
	"github.com/rubiojr/shopsync/pkg/api"
	"github.com/rubiojr/shopsync/pkg/config"
	"github.com/urfave/cli/v3"
)

// TestServer is a serve command running in-process against a temp dir.
type TestServer struct {
	ConfigPath string
	Config     *config.Config
	Client     *api.Client
	done       chan error
	cancel     context.CancelFunc
}

// CreateTestConfig writes a config listening on a free local port and
// returns its path.
func CreateTestConfig(t *testing.T, tempDir string, mutate func(*config.Config)) string {
	t.Helper()
	cfg := &config.Config{
		StorageDir: tempDir,
		ActorID:    "integration",
		Server:     config.ServerConfig{Listen: freeAddr(t), Metrics: true},
	}
	if mutate != nil {
		mutate(cfg)
	}
	configPath := filepath.Join(tempDir, "config.toml")
	if err := cfg.SaveConfig(configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}
	return configPath
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	addr := l.Addr().String()
	if err := l.Close(); err != nil {
		t.Fatalf("failed to release port: %v", err)
	}
	return addr
}

// NewRoot builds a CLI root like main's, bound to configPath.
func NewRoot(configPath string) *cli.Command {
	return &cli.Command{
		Name: "shopsync",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: configPath,
			},
		},
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.StockCommand(),
			cmd.OrderCommand(),
			cmd.NotifyCommand(),
			cmd.MigrateCommand(),
			cmd.StatsCommand(),
			cmd.OptimizeCommand(),
		},
	}
}

// RunCLI runs one command line such as "stock adjust p1 -3 --shop s1".
func RunCLI(ctx context.Context, configPath string, args ...string) error {
	argv := append([]string{"shopsync", "--config", configPath}, args...)
	return NewRoot(configPath).Run(ctx, argv)
}

// StartServer runs "serve" until the test ends and waits for /health.
func StartServer(t *testing.T, configPath string) *TestServer {
	t.Helper()
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	client, err := api.NewClient(cfg.Realtime.URL, cfg.ActorID)
	if err != nil {
		t.Fatalf("failed to create api client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ts := &TestServer{
		ConfigPath: configPath,
		Config:     cfg,
		Client:     client,
		done:       make(chan error, 1),
		cancel:     cancel,
	}
	go func() {
		ts.done <- RunCLI(ctx, configPath, "serve")
	}()
	t.Cleanup(ts.Stop)

	deadline := time.Now().Add(10 * time.Second)
	for {
		hctx, hcancel := context.WithTimeout(context.Background(), time.Second)
		_, err := client.Health(hctx)
		hcancel()
		if err == nil {
			return ts
		}
		select {
		case serveErr := <-ts.done:
			t.Fatalf("serve exited early: %v", serveErr)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not become healthy: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Stop shuts the server down and waits for serve to return.
func (ts *TestServer) Stop() {
	if ts.cancel == nil {
		return
	}
	ts.cancel()
	ts.cancel = nil
	select {
	case <-ts.done:
	case <-time.After(15 * time.Second):
	}
}

// WaitFor polls cond until it holds or the timeout expires.
func WaitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
