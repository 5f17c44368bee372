package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/config"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "db"))
	if err != nil || !info.IsDir() {
		t.Errorf("db directory not created: %v", err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	cfgInfo, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := cfgInfo.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	if !strings.Contains(buf.String(), "✓") {
		t.Errorf("output = %q", buf.String())
	}

	// The shipped example must load cleanly.
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Store.Driver != "sqlite3" || cfg.Listen.Port != 8080 {
		t.Errorf("unexpected example values: driver=%q port=%d", cfg.Store.Driver, cfg.Listen.Port)
	}
}

func TestRunInit_KeepsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	custom := []byte("listen:\n  port: 9999\n")
	if err := os.WriteFile(cfgPath, custom, 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	got, _ := os.ReadFile(cfgPath)
	if !bytes.Equal(got, custom) {
		t.Errorf("existing config overwritten:\n%s", got)
	}
	if !strings.Contains(buf.String(), "exists, kept") {
		t.Errorf("output = %q", buf.String())
	}
}
