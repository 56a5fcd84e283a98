package integration_tests

import (
	"context"
	"testing"
	"time"

	"github.com/rubiojr/shopsync/pkg/config"
	"github.com/rubiojr/shopsync/pkg/ledger"
)

// TestConfigFileChangeReloadsOrderPolicy edits the config of a running
// server and expects the new order policy to be applied without a restart.
func TestConfigFileChangeReloadsOrderPolicy(t *testing.T) {
	ctx := context.Background()
	configPath := CreateTestConfig(t, t.TempDir(), nil)
	ts := StartServer(t, configPath)

	policy, err := ts.Client.OrderPolicy(ctx)
	if err != nil {
		t.Fatalf("order policy: %v", err)
	}
	if policy != ledger.PolicyReject {
		t.Fatalf("initial policy = %s, want reject", policy)
	}

	// Let the watcher settle before editing.
	time.Sleep(200 * time.Millisecond)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	cfg.Stock.OrderPolicy = config.OrderPolicyClamp
	if err := cfg.SaveConfig(configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	WaitFor(t, "order policy reload", 10*time.Second, func() bool {
		p, err := ts.Client.OrderPolicy(ctx)
		return err == nil && p == ledger.PolicyClamp
	})
}

// An invalid edit is logged and ignored, the running policy stays.
func TestInvalidConfigChangeKeepsPolicy(t *testing.T) {
	ctx := context.Background()
	configPath := CreateTestConfig(t, t.TempDir(), func(c *config.Config) {
		c.Stock.OrderPolicy = config.OrderPolicyClamp
	})
	ts := StartServer(t, configPath)
	time.Sleep(200 * time.Millisecond)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	cfg.Stock.OrderPolicy = "oversell"
	if err := cfg.SaveConfig(configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	p, err := ts.Client.OrderPolicy(ctx)
	if err != nil {
		t.Fatalf("order policy: %v", err)
	}
	if p != ledger.PolicyClamp {
		t.Errorf("policy = %s after invalid edit, want clamp", p)
	}
}
