package log

import (
	"bytes"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, name string) (*Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	SetOutput(buf)
	return ForService(name), buf
}

func TestPrefixAndLevel(t *testing.T) {
	SetGlobalDebug(false)

	l, buf := newTestLogger(t, "prefix_test")
	l.Warnf("stock low: %d", 3)

	out := buf.String()
	if !strings.Contains(out, "WARN [prefix_test] stock low: 3") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestForServiceMemoizes(t *testing.T) {
	if ForService("memo") != ForService("memo") {
		t.Fatal("expected the same logger instance for the same name")
	}
	if ForService("").Name() != "shopsync" {
		t.Fatalf("expected default name, got %q", ForService("").Name())
	}
}

func TestDebugInheritedByChildren(t *testing.T) {
	SetGlobalDebug(false)

	parent, buf := newTestLogger(t, "debug_parent")
	child := parent.Named("conn")
	DisableDebugFor("debug_parent")

	child.Debugf("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatal("debug line printed while disabled")
	}

	EnableDebugFor("debug_parent")
	defer DisableDebugFor("debug_parent")

	child.Debugf("visible")
	if !strings.Contains(buf.String(), "[debug_parent:conn] visible") {
		t.Fatalf("expected child debug output, got %q", buf.String())
	}
}

func TestEnableDebugList(t *testing.T) {
	SetGlobalDebug(false)
	defer SetGlobalDebug(false)
	defer DisableDebugFor("list_a")
	defer DisableDebugFor("list_b")

	EnableDebugList(" list_a, ,list_b")
	if !DebugEnabledFor("list_a") || !DebugEnabledFor("list_b:child") {
		t.Fatal("expected listed loggers to have debug enabled")
	}
	if DebugEnabledFor("list_c") {
		t.Fatal("unlisted logger should not have debug enabled")
	}

	EnableDebugList("all")
	if !GlobalDebug() {
		t.Fatal("expected global debug after \"all\"")
	}
}
