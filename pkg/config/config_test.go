package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("SHOPSYNC_TOKEN", "")
	t.Setenv("SHOPSYNC_URL", "")
	t.Setenv("SHOPSYNC_ACTOR", "")
	t.Setenv("SHOPSYNC_STORAGE_DIR", "")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Realtime.BackoffBase.Duration != time.Second {
		t.Fatalf("backoff base = %v, want 1s", cfg.Realtime.BackoffBase)
	}
	if cfg.Realtime.MaxBackoff.Duration != 30*time.Second {
		t.Fatalf("max backoff = %v, want 30s", cfg.Realtime.MaxBackoff)
	}
	if cfg.Realtime.MaxReconnectAttempts != 5 {
		t.Fatalf("max attempts = %d, want 5", cfg.Realtime.MaxReconnectAttempts)
	}
	if cfg.Realtime.HeartbeatInterval.Duration != 30*time.Second {
		t.Fatalf("heartbeat = %v, want 30s", cfg.Realtime.HeartbeatInterval)
	}
	if cfg.Notifications.Limit != 100 {
		t.Fatalf("limit = %d, want 100", cfg.Notifications.Limit)
	}
	if cfg.Stock.OrderPolicy != OrderPolicyReject {
		t.Fatalf("order policy = %q, want reject", cfg.Stock.OrderPolicy)
	}
	if cfg.Realtime.URL != "ws://127.0.0.1:8420/ws" {
		t.Fatalf("url = %q", cfg.Realtime.URL)
	}
}

func TestLoadConfigFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
storage_dir = "` + filepath.ToSlash(dir) + `"
actor_id = "alice"

[realtime]
url = "wss://shop.example.com/ws"
backoff_base = "250ms"
max_reconnect_attempts = 3

[stock]
order_policy = "clamp"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SHOPSYNC_TOKEN", "secret")
	t.Setenv("SHOPSYNC_URL", "")
	t.Setenv("SHOPSYNC_ACTOR", "")
	t.Setenv("SHOPSYNC_STORAGE_DIR", "")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ActorID != "alice" {
		t.Fatalf("actor = %q", cfg.ActorID)
	}
	if cfg.Realtime.BackoffBase.Duration != 250*time.Millisecond {
		t.Fatalf("backoff = %v", cfg.Realtime.BackoffBase)
	}
	if cfg.Realtime.MaxReconnectAttempts != 3 {
		t.Fatalf("attempts = %d", cfg.Realtime.MaxReconnectAttempts)
	}
	if cfg.Realtime.Token != "secret" {
		t.Fatalf("token override not applied: %q", cfg.Realtime.Token)
	}
	if cfg.Stock.OrderPolicy != OrderPolicyClamp {
		t.Fatalf("policy = %q", cfg.Stock.OrderPolicy)
	}
	if cfg.DBPath() != filepath.Join(dir, "shopsync.db") {
		t.Fatalf("db path = %q", cfg.DBPath())
	}
}

func TestLoadConfigRejectsUnknownPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := "storage_dir = \"" + filepath.ToSlash(dir) + "\"\n[stock]\norder_policy = \"oversell\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unknown order policy")
	}
}

func TestSaveTemplateConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.toml")
	t.Setenv("SHOPSYNC_TOKEN", "")
	t.Setenv("SHOPSYNC_URL", "")
	t.Setenv("SHOPSYNC_ACTOR", "")
	t.Setenv("SHOPSYNC_STORAGE_DIR", "")

	cfg := &Config{StorageDir: dir}
	if err := cfg.SaveTemplateConfig(path); err != nil {
		t.Fatalf("save template: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if loaded.StorageDir != dir {
		t.Fatalf("storage dir = %q, want %q", loaded.StorageDir, dir)
	}
	if !loaded.Server.Metrics {
		t.Fatal("template enables metrics")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadDotEnv(filepath.Join(dir, "absent.env")); err != nil {
		t.Fatalf("missing .env should not fail: %v", err)
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SHOPSYNC_DOTENV_PROBE=from-file\n"), 0644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("SHOPSYNC_DOTENV_PROBE", "")
	os.Unsetenv("SHOPSYNC_DOTENV_PROBE")
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("SHOPSYNC_DOTENV_PROBE"); got != "from-file" {
		t.Fatalf("env = %q", got)
	}
}
