package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rubiojr/shopsync/pkg/config"
	"github.com/rubiojr/shopsync/pkg/ledger"
	"github.com/rubiojr/shopsync/pkg/log"
	"github.com/rubiojr/shopsync/pkg/storage"
)

func TestParseLines(t *testing.T) {
	lines, err := parseLines([]string{"p1:2", "p2:10"})
	if err != nil {
		t.Fatalf("parseLines: %v", err)
	}
	if len(lines) != 2 || lines[0].ProductID != "p1" || lines[0].Quantity != 2 || lines[1].Quantity != 10 {
		t.Errorf("unexpected lines %+v", lines)
	}

	for _, bad := range []string{"p1", ":3", "p1:0", "p1:-2", "p1:x"} {
		if _, err := parseLines([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestSigned(t *testing.T) {
	cases := map[int64]string{5: "+5", 0: "0", -3: "-3"}
	for in, want := range cases {
		if got := signed(in); got != want {
			t.Errorf("signed(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestInitConfigWritesLoadableTemplate(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := initConfig(path, false); err != nil {
		t.Fatalf("initConfig: %v", err)
	}
	if err := initConfig(path, false); err == nil {
		t.Error("expected an error when the config already exists")
	}
	if err := initConfig(path, true); err != nil {
		t.Fatalf("initConfig --force: %v", err)
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("loading generated config: %v", err)
	}
	if cfg.Stock.OrderPolicy != config.OrderPolicyReject {
		t.Errorf("order policy = %q", cfg.Stock.OrderPolicy)
	}
}

func TestReloadOrderPolicy(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "shopsync.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ldg := ledger.New(store, ledger.Options{})

	path := filepath.Join(dir, "config.toml")
	write := func(policy string) {
		content := "storage_dir = \"" + filepath.ToSlash(dir) + "\"\n[stock]\norder_policy = \"" + policy + "\"\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	l := log.ForService("test")

	write("clamp")
	if err := reloadOrderPolicy(path, ldg, l); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ldg.OrderPolicy() != ledger.PolicyClamp {
		t.Errorf("policy = %s, want clamp", ldg.OrderPolicy())
	}

	write("oversell")
	if err := reloadOrderPolicy(path, ldg, l); err == nil {
		t.Error("expected an invalid policy to be rejected")
	}
	if ldg.OrderPolicy() != ledger.PolicyClamp {
		t.Errorf("policy changed to %s after a bad reload", ldg.OrderPolicy())
	}
}

func TestRunMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shopsync.db")

	if err := RunMigrations(dbPath, true); err != nil {
		t.Fatalf("status on missing database: %v", err)
	}
	if err := RunMigrations(dbPath, false); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := RunMigrations(dbPath, false); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if err := RunMigrations(dbPath, true); err != nil {
		t.Fatalf("status: %v", err)
	}
}
