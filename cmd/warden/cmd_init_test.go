package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"warden/pkg/config"
)

func runInit(t *testing.T) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "wh")
	t.Setenv("WARDEN_HOME", home)
	t.Setenv("WARDEN_CONFIG", "")
	t.Setenv("WARDEN_POLICY", "")

	cmd := newInitCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("init: %v", err)
	}
	return home
}

func TestInit_CreatesLayoutAndDefaults(t *testing.T) {
	home := runInit(t)

	for _, p := range []string{
		home,
		filepath.Join(home, "audit"),
		filepath.Join(home, "workers"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s to exist: %v", p, err)
		}
	}

	// The generated files must parse with the real loaders.
	cfg, err := config.Load(filepath.Join(home, "warden.toml"))
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if len(cfg.Workers) != 0 {
		t.Errorf("default config should declare no workers, got %d", len(cfg.Workers))
	}

	pol, err := config.LoadPolicy(filepath.Join(home, "policy.yaml"))
	if err != nil {
		t.Fatalf("generated policy does not load: %v", err)
	}
	if len(pol.Kinds) != 0 {
		t.Errorf("default policy should declare no kinds, got %d", len(pol.Kinds))
	}
}

func TestInit_KeepsExistingFiles(t *testing.T) {
	home := runInit(t)

	custom := []byte("[supervisor]\naudit_retention_days = 7\n")
	configPath := filepath.Join(home, "warden.toml")
	if err := os.WriteFile(configPath, custom, 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := newInitCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("second init: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, custom) {
		t.Error("init overwrote an existing config file")
	}
	if !strings.Contains(buf.String(), "kept existing") {
		t.Errorf("output %q should mention kept files", buf.String())
	}
}
